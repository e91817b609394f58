package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring broadcast tasks.
var (
	// validations counts credential checks.
	// Labels:
	//   - result: "valid", "invalid" or "error"
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcastq_validations_total",
		Help: "The total number of credential validity checks",
	}, []string{"result"})

	// dispatches counts delivery attempts.
	// Labels:
	//   - outcome: "sent", "rejected" or "error"
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcastq_dispatches_total",
		Help: "The total number of dispatch attempts",
	}, []string{"outcome"})

	// dispatchDuration tracks the latency of the remote dispatch call.
	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcastq_dispatch_duration_seconds",
		Help:    "Duration of dispatch calls",
		Buckets: prometheus.DefBuckets,
	})

	// statusWriteFailures counts failed status store writes.
	statusWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcastq_status_write_failures_total",
		Help: "The total number of failed status store writes",
	})

	// taskGauge tracks registry entries by state. It is refreshed by the
	// collector job scheduled with Registry.ScheduleCollector.
	// Labels:
	//   - state: "running", "stopping", "terminated" or "degraded"
	taskGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcastq_tasks",
		Help: "Number of registry entries by state",
	}, []string{"state"})

	tasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcastq_tasks_started_total",
		Help: "The total number of started tasks",
	})
)
