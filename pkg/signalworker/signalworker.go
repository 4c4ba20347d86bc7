// Package signalworker turns OS signals into bus messages. It is the
// daemon's only source of shutdown requests, and of the reload requests
// that follow the controller worker's initial one at startup.
package signalworker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/tmcagent/pkg/bus"
	"github.com/cuemby/tmcagent/pkg/log"
)

// Worker watches SIGTERM, SIGINT and SIGHUP and publishes the
// corresponding message to the bus. It honors whichever signal arrives
// first and then retires, including after SIGHUP: a second signal of
// any kind is not observed by this worker again, and once it has stopped
// listening these signals take their default effect on the process.
type Worker struct {
	bus *bus.Bus
}

// New builds a signal worker that publishes onto b.
func New(b *bus.Bus) *Worker {
	return &Worker{bus: b}
}

// Name identifies the worker for logging and metrics.
func (w *Worker) Name() string { return "signal" }

// Run blocks until ctx is canceled or a handled signal arrives, whichever
// is first. Receiving a signal publishes one message and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent(w.Name())

	sigCh := make(chan os.Signal, 3)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return nil

	case sig := <-sigCh:
		switch sig {
		case syscall.SIGTERM:
			logger.Info().Msg("received SIGTERM, shutting down")
			w.bus.Publish(bus.Shutdown(bus.ShutdownSignal))
		case os.Interrupt:
			logger.Info().Msg("received SIGINT, shutting down")
			w.bus.Publish(bus.Shutdown(bus.ShutdownInteractive))
		case syscall.SIGHUP:
			logger.Info().Msg("received SIGHUP, reloading testbed state")
			w.bus.Publish(bus.ReloadTestbed())
		}
		return nil
	}
}
