package mount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/tmcagent/pkg/bus"
)

type fakeApplier struct {
	calls int
	err   error
}

func (f *fakeApplier) Apply(mounts []NfsMount) error {
	f.calls++
	return f.err
}

func TestWorkerAppliesAndPublishesOk(t *testing.T) {
	b := bus.New()
	fake := &fakeApplier{}
	w := &Worker{reconciler: fake, bus: b}

	ack := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(bus.UpdateMounts([]NfsMount{{Remote: "nfs:/p", Local: "/p"}}))

	select {
	case msg := <-ack:
		if msg.Kind != bus.KindUpdateMountsOk {
			t.Fatalf("got %v, want UpdateMountsOk", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no ack published")
	}

	if fake.calls != 1 {
		t.Fatalf("Apply called %d times, want 1", fake.calls)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after cancel")
	}
}

func TestWorkerReturnsErrorOnApplyFailure(t *testing.T) {
	b := bus.New()
	fake := &fakeApplier{err: errors.New("boom")}
	w := &Worker{reconciler: fake, bus: b}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	b.Publish(bus.UpdateMounts([]NfsMount{}))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return the apply error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after apply failure")
	}
}

func TestWorkerRetiresOnShutdown(t *testing.T) {
	b := bus.New()
	fake := &fakeApplier{}
	w := &Worker{reconciler: fake, bus: b}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	bus.WaitBrief()
	b.Publish(bus.Shutdown(bus.ShutdownSignal))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Shutdown")
	}
}
