package bus

import (
	"context"
	"sync"

	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
)

// Worker is a long-running subsystem hosted by the supervisor. Run
// should block until ctx is canceled or the worker has nothing further
// to do; a nil return retires the worker, any other return restarts it.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// RunSupervised launches every worker in its own goroutine, restarting
// any worker whose Run returns a non-nil error, and returns once every
// worker has returned nil. This is the daemon's only exit path short of
// a panic.
func RunSupervised(ctx context.Context, workers []Worker) {
	var wg sync.WaitGroup
	wg.Add(len(workers))

	for _, w := range workers {
		go func(w Worker) {
			defer wg.Done()
			runWithRespawn(ctx, w)
		}(w)
	}

	wg.Wait()
}

func runWithRespawn(ctx context.Context, w Worker) {
	logger := log.WithComponent(w.Name())

	metrics.WorkersRunning.WithLabelValues(w.Name()).Set(1)
	defer metrics.WorkersRunning.WithLabelValues(w.Name()).Set(0)

	for {
		err := w.Run(ctx)
		if err == nil {
			logger.Debug().Msg("worker exited")
			return
		}

		logger.Error().Err(err).Msg("worker exited with error, respawning")
		metrics.WorkerRestartsTotal.WithLabelValues(w.Name()).Inc()
	}
}
