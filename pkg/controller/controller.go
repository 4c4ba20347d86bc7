// Package controller drives the TMCD protocol client from the worker
// bus: it reports lifecycle state to the controller and turns
// ReloadTestbed requests into concurrent RPCs whose results are
// published for the account, mount and canonical-hostname consumers.
package controller

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/tmcagent/pkg/bus"
	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/tmcc"
	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// Worker drives tmcc.Client from bus traffic. It tracks one piece of
// cross-worker shared state: whether ISUP has already been reported,
// since that report must happen at most once per process lifetime.
type Worker struct {
	client         *tmcc.Client
	bus            *bus.Bus
	reportShutdown bool

	logger zerolog.Logger
	isUp   atomic.Bool
}

// New builds a controller worker bound to client and b. reportShutdown
// gates whether a signal-triggered termination reports SHUTDOWN.
func New(client *tmcc.Client, b *bus.Bus, reportShutdown bool) *Worker {
	return &Worker{
		client:         client,
		bus:            b,
		reportShutdown: reportShutdown,
		logger:         log.WithComponent("controller"),
	}
}

// Name identifies the worker for logging and metrics.
func (w *Worker) Name() string { return "controller" }

// Run announces boot, requests an initial reload, then drives the bus
// loop until a Shutdown message is observed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("informing testbed that we have booted")
	if err := w.client.State(ctx, tmcc.StateSetup); err != nil {
		return err
	}

	sub := w.bus.Subscribe()
	defer w.bus.Unsubscribe(sub)

	w.bus.Publish(bus.ReloadTestbed())

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
				return w.handleShutdown(ctx, msg.ShutdownReason)

			case bus.KindUpdateAccountsOk:
				w.handleAccountsOk(ctx)

			case bus.KindReloadTestbed:
				if err := w.handleReload(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (w *Worker) handleShutdown(ctx context.Context, reason bus.ShutdownReason) error {
	if reason == bus.ShutdownSignal && w.reportShutdown {
		w.logger.Info().Msg("informing testbed that we are shutting down")
		if err := w.client.State(ctx, tmcc.StateDown); err != nil {
			w.logger.Warn().Err(err).Msg("failed to report shutdown state")
		}
	}
	return nil
}

func (w *Worker) handleAccountsOk(ctx context.Context) {
	if w.isUp.Load() {
		return
	}

	w.logger.Info().Msg("informing testbed that we are ready")
	if err := w.client.State(ctx, tmcc.StateUp); err != nil {
		w.logger.Warn().Err(err).Msg("failed to report ready state")
		return
	}
	w.isUp.Store(true)
}

// handleReload fetches accounts, mounts and allocation status
// concurrently, publishing each result as it completes.
func (w *Worker) handleReload(ctx context.Context) error {
	w.logger.Info().Msg("reloading information from testbed")

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		errs[0] = w.reloadAccounts(ctx)
	}()
	go func() {
		defer wg.Done()
		errs[1] = w.reloadMounts(ctx)
	}()
	go func() {
		defer wg.Done()
		errs[2] = w.reloadCanonical(ctx)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) reloadAccounts(ctx context.Context) error {
	accounts, err := w.client.Accounts(ctx)
	if err != nil {
		return err
	}
	w.bus.Publish(bus.UpdateAccounts(accounts))
	return nil
}

func (w *Worker) reloadMounts(ctx context.Context) error {
	mounts, err := w.client.Mounts(ctx)
	if err != nil {
		return err
	}
	w.bus.Publish(bus.UpdateMounts(mounts))
	return nil
}

func (w *Worker) reloadCanonical(ctx context.Context) error {
	status, err := w.client.Status(ctx)
	if err != nil {
		return err
	}

	if !status.Allocated {
		w.logger.Warn().Msg("the current node is (no longer) allocated")
		return nil
	}

	manifest, err := w.client.GeniManifest(ctx)
	if err != nil {
		return err
	}

	node, ok := manifest.GetNode(status.Nickname)
	if !ok {
		return &tmcderr.GeniNoSuchNode{Nickname: status.Nickname}
	}

	ip := net.ParseIP(node.Host.IPv4)
	w.logger.Info().Str("fqdn", node.Host.Name).Str("ipv4", node.Host.IPv4).Msg("resolved canonical identity")
	w.bus.Publish(bus.UpdateCanonical(node.Host.Name, ip))
	return nil
}
