// Package metrics exposes Prometheus instrumentation for the agent's
// RPC client, reconcilers, and worker supervisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC client metrics.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_rpc_requests_total",
			Help: "Total number of TMCD RPC calls by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmcagent_rpc_request_duration_seconds",
			Help:    "TMCD RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// Reconciler metrics.
	ReconcileAccountsDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tmcagent_reconcile_accounts_duration_seconds",
			Help:    "Time taken to reconcile accounts against the local system",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileMountsDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tmcagent_reconcile_mounts_duration_seconds",
			Help:    "Time taken to reconcile NFS mounts against the local system",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_reconcile_cycles_total",
			Help: "Total number of completed reconciliation cycles by kind",
		},
		[]string{"kind"},
	)

	ReconcileFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_reconcile_failures_total",
			Help: "Total number of failed reconciliation cycles by kind",
		},
		[]string{"kind"},
	)

	// Worker supervisor metrics.
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_worker_restarts_total",
			Help: "Total number of worker respawns by worker name",
		},
		[]string{"worker"},
	)

	WorkersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tmcagent_workers_running",
			Help: "Whether a worker is currently running (1) or retired (0)",
		},
		[]string{"worker"},
	)

	// Bus metrics.
	BusMessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_bus_messages_published_total",
			Help: "Total number of messages published to the worker bus by kind",
		},
		[]string{"kind"},
	)

	BusMessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmcagent_bus_messages_dropped_total",
			Help: "Total number of messages dropped because a subscriber's buffer was full",
		},
		[]string{"kind"},
	)

	// Discovery metrics.
	BossDiscoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tmcagent_boss_discovery_duration_seconds",
			Help:    "Time taken to discover the controller's boss node",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequestsTotal,
		RPCRequestDuration,
		ReconcileAccountsDuration,
		ReconcileMountsDuration,
		ReconcileCyclesTotal,
		ReconcileFailuresTotal,
		WorkerRestartsTotal,
		WorkersRunning,
		BusMessagesPublishedTotal,
		BusMessagesDroppedTotal,
		BossDiscoveryDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for recording into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
