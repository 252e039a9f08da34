// Package metric provides Prometheus based metrics for the
// post-processing pipeline: a registry managing core pipeline metrics
// plus component specific ones, and an HTTP server exposing them.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbr"

// Metrics contains the core pipeline metrics registered for every run
// of the service, independent of which processors are configured.
type Metrics struct {
	// Dispatch and worker metrics
	ItemsDispatched *prometheus.CounterVec   // by queue class
	ItemsProcessed  *prometheus.CounterVec   // by processor and status
	ItemsSkipped    *prometheus.CounterVec   // by processor and reason
	ItemsFailed     *prometheus.CounterVec   // by processor and error class
	RunDuration     *prometheus.HistogramVec // by processor
	QueueDepth      *prometheus.GaugeVec     // by topic

	// Scheduler metrics
	ChildrenInFlight prometheus.Gauge
	IdleCycles       prometheus.Counter
	AssetsCompleted  *prometheus.CounterVec // by final state

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ItemsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "items_total",
				Help:      "Total work items enqueued",
			},
			[]string{"queue"},
		),

		ItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "items_processed_total",
				Help:      "Total work items processed",
			},
			[]string{"processor", "status"},
		),

		ItemsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "items_skipped_total",
				Help:      "Total work items skipped before invocation",
			},
			[]string{"processor", "reason"},
		),

		ItemsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "items_failed_total",
				Help:      "Total work items that exhausted retries or failed terminally",
			},
			[]string{"processor", "class"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "run_duration_seconds",
				Help:      "Processor invocation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"processor"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Items waiting per queue topic",
			},
			[]string{"topic"},
		),

		ChildrenInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "children_in_flight",
				Help:      "Child executions currently running",
			},
		),

		IdleCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "idle_cycles_total",
				Help:      "Wake cycles that found no work",
			},
		),

		AssetsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "assets_completed_total",
				Help:      "Assets that reached a terminal processing state",
			},
			[]string{"state"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),
	}
}
