// Package metric provides Prometheus-based metrics for the sync pipeline.
//
// A MetricsRegistry owns a private Prometheus registry preloaded with the
// core pipeline metrics (queue depth, flushes, retries, rollbacks, recovery
// task outcomes) and Go runtime collectors. Managers accept a
// MetricsRegistrar through their functional options and register any
// additional metrics under their own name.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core pipeline metrics shared by all managers.
type Metrics struct {
	// Queue metrics
	PendingOperations      prometheus.Gauge
	OperationsAdded        *prometheus.CounterVec
	OperationsMerged       prometheus.Counter
	OperationsDeduplicated prometheus.Counter

	// Flush and transaction metrics
	BatchesFlushed    *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	TransactionsTotal *prometheus.CounterVec

	// Failure handling metrics
	UpdateRetries *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec

	// Recovery metrics
	RecoveryTasks *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PendingOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statesync",
				Subsystem: "queue",
				Name:      "pending_operations",
				Help:      "Current number of operations waiting for a flush",
			},
		),

		OperationsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "queue",
				Name:      "operations_added_total",
				Help:      "Total operations accepted into the batch queue",
			},
			[]string{"entity_type", "type"},
		),

		OperationsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "queue",
				Name:      "operations_merged_total",
				Help:      "Total operations merged into an already pending update",
			},
		),

		OperationsDeduplicated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "queue",
				Name:      "operations_deduplicated_total",
				Help:      "Total operations dropped as exact duplicates",
			},
		),

		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "batch",
				Name:      "flushed_total",
				Help:      "Total batches flushed by trigger (size, timeout, critical, manual)",
			},
			[]string{"trigger"},
		),

		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "statesync",
				Subsystem: "batch",
				Name:      "flush_duration_seconds",
				Help:      "Time spent executing one batch flush",
				Buckets:   prometheus.DefBuckets,
			},
		),

		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "transaction",
				Name:      "total",
				Help:      "Total transactions by terminal state (completed, failed)",
			},
			[]string{"state"},
		),

		UpdateRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "update",
				Name:      "retries_total",
				Help:      "Total retry attempts by error type",
			},
			[]string{"error_type"},
		),

		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "rollback",
				Name:      "total",
				Help:      "Total rollbacks by outcome (completed, failed)",
			},
			[]string{"outcome"},
		),

		RecoveryTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statesync",
				Subsystem: "recovery",
				Name:      "tasks_total",
				Help:      "Total recovery tasks by terminal status",
			},
			[]string{"status"},
		),
	}
}
