package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodeUp reports the registry's current up/down view per node.
	NodeUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_node_up",
			Help: "Whether the node is currently reachable (1) or down (0)",
		},
		[]string{"node"},
	)

	NodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_node_failures_total",
			Help: "Total number of times a node was marked down",
		},
		[]string{"node"},
	)

	// Write coordinator metrics
	CreateGameDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_create_game_duration_seconds",
			Help:    "Time taken to process a createGame request end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	CreateGameTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_create_game_total",
			Help: "Total createGame requests by outcome",
		},
		[]string{"outcome"}, // master_only, slave_a, slave_b, pending_slave_a, pending_slave_b, master_write_failed, master_down, validation_failed
	)

	// Pending sync service metrics
	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_sync_cycle_duration_seconds",
			Help:    "Time taken for one pending-sync cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_sync_cycles_total",
			Help: "Total number of pending-sync cycles completed",
		},
	)

	PendingRowsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_pending_rows_synced_total",
			Help: "Total pending rows that reached SYNCED, by queue",
		},
		[]string{"queue"}, // windows, multi_os
	)

	PendingRowsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_pending_rows_failed_total",
			Help: "Total pending row sync attempts that failed, by queue",
		},
		[]string{"queue"},
	)

	PendingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_pending_queue_depth",
			Help: "Current count of PENDING or FAILED rows, by queue",
		},
		[]string{"queue"},
	)

	// Transaction manager metrics
	TransactionLogRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_transaction_log_rows",
			Help: "Current transaction log row count by status",
		},
		[]string{"status"}, // PENDING, COMMITTED, FAILED
	)

	TransactionRetryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_transaction_retry_duration_seconds",
			Help:    "Time taken for one transaction-log retry cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodeUp,
		NodeFailuresTotal,
		CreateGameDuration,
		CreateGameTotal,
		SyncCycleDuration,
		SyncCyclesTotal,
		PendingRowsSynced,
		PendingRowsFailed,
		PendingQueueDepth,
		TransactionLogRows,
		TransactionRetryDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to the histogram vec's
// series for the given label values.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
