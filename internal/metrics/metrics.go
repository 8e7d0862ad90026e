// Package metrics holds the pipeline's prometheus instrumentation, shared by
// the API and worker processes and exposed via promhttp on each.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsTotal counts processed deliveries by outcome:
	// completed, failed, dead_lettered, rejected.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_jobs_total",
			Help: "Deliveries processed by the worker, by outcome",
		},
		[]string{"outcome"},
	)

	// CacheEvents counts result-cache hits and misses on the submit path.
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_cache_events_total",
			Help: "Result cache lookups on the submit path, by event",
		},
		[]string{"event"},
	)

	// ExecutionDuration observes sandbox wall-clock time in seconds.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runq_execution_duration_seconds",
			Help:    "Sandbox execution wall-clock duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// NotificationsTotal counts completion events by delivery result:
	// delivered, dropped.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runq_notifications_total",
			Help: "Completion push notifications, by delivery result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal, CacheEvents, ExecutionDuration, NotificationsTotal)
}
