package mount

import (
	"context"

	"github.com/cuemby/tmcagent/pkg/bus"
	"github.com/cuemby/tmcagent/pkg/log"
)

// applier is the subset of *Reconciler the worker depends on, broken out
// so tests can substitute a fake without shelling out to real system tools.
type applier interface {
	Apply(mounts []NfsMount) error
}

// Worker subscribes to UpdateMounts messages, applies them with a
// Reconciler, and publishes UpdateMountsOk on success.
type Worker struct {
	reconciler applier
	bus        *bus.Bus
}

// NewWorker builds a mount reconciler worker bound to b.
func NewWorker(reconciler *Reconciler, b *bus.Bus) *Worker {
	return &Worker{reconciler: reconciler, bus: b}
}

// Name identifies the worker for logging and metrics.
func (w *Worker) Name() string { return "mount" }

// Run consumes UpdateMounts messages until ctx is canceled or a
// Shutdown message arrives on the bus.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent(w.Name())
	sub := w.bus.Subscribe()
	defer w.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub:
			if !ok {
				return nil
			}

			switch msg.Kind {
			case bus.KindShutdown:
				return nil
			case bus.KindUpdateMounts:
			default:
				continue
			}

			mounts, ok := msg.Mounts.([]NfsMount)
			if !ok {
				logger.Error().Msg("UpdateMounts message carried unexpected payload type")
				continue
			}

			if err := w.reconciler.Apply(mounts); err != nil {
				return err
			}
			w.bus.Publish(bus.UpdateMountsOk())
		}
	}
}
