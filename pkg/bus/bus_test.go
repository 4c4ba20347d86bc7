package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(ReloadTestbed())

	select {
	case msg := <-a:
		if msg.Kind != KindReloadTestbed {
			t.Fatalf("sub a got %v", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("sub a never received message")
	}

	select {
	case msg := <-c:
		if msg.Kind != KindReloadTestbed {
			t.Fatalf("sub c got %v", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("sub c never received message")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	for i := 0; i < subscriberCapacity+10; i++ {
		b.Publish(ReloadTestbed())
	}

	require.Equal(t, subscriberCapacity, len(sub), "expected buffer to be saturated")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	_, ok := <-sub
	if ok {
		t.Fatal("expected channel to be closed")
	}
}

type countingWorker struct {
	name    string
	starts  int32
	failN   int32
	succeed bool
}

func (w *countingWorker) Name() string { return w.name }

func (w *countingWorker) Run(ctx context.Context) error {
	n := atomic.AddInt32(&w.starts, 1)
	if n <= w.failN {
		return errors.New("transient failure")
	}
	return nil
}

func TestRunSupervisedRespawnsOnErrorThenRetires(t *testing.T) {
	w := &countingWorker{name: "test-worker", failN: 2}

	done := make(chan struct{})
	go func() {
		RunSupervised(context.Background(), []Worker{w})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSupervised never returned")
	}

	require.EqualValues(t, 3, atomic.LoadInt32(&w.starts), "expected 2 failures + 1 success")
}
