// Package metrics declares the Prometheus instruments exported on /metrics.
// The JSON /api/metrics endpoint reports its own snapshot; these instruments
// mirror it for scrape-based monitoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted submissions by workflow kind.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_tasks_submitted_total",
		Help: "Tasks accepted into the queue",
	}, []string{"kind"})

	// TasksRejected counts submissions refused at admission.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_tasks_rejected_total",
		Help: "Submissions refused before queueing",
	}, []string{"reason"}) // queue_full, invalid_payload, invalid_argument, rate_limited

	// TasksFinished counts tasks reaching a terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_tasks_finished_total",
		Help: "Tasks that reached a terminal status",
	}, []string{"status"}) // COMPLETED, FAILED, CANCELLED

	// TaskDuration tracks wall time from claim to terminal status.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fab_task_duration_seconds",
		Help:    "Task execution time from claim to terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// PhaseRuns counts agent invocations by phase and outcome.
	PhaseRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_phase_runs_total",
		Help: "Agent invocations by phase and outcome",
	}, []string{"phase", "outcome"}) // outcome: success, failure, timeout

	// PhaseDuration tracks agent invocation wall time by phase.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fab_phase_duration_seconds",
		Help:    "Agent invocation time by phase",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	}, []string{"phase"})

	// TaskRetries counts rework re-entries granted by the workflow machine.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fab_task_retries_total",
		Help: "Phase re-entries granted after a retryable failure",
	})

	// QueueDepth tracks the number of tasks waiting to be claimed.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fab_queue_depth",
		Help: "Current number of QUEUED tasks",
	})

	// PoolActive tracks executors currently running a task.
	PoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fab_pool_active_executors",
		Help: "Executors currently running a task",
	})

	// PoolCapacity reports the configured executor limit.
	PoolCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fab_pool_capacity",
		Help: "Configured maximum concurrent executors",
	})

	// PoolRejections counts submissions refused because the pool was full.
	PoolRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fab_pool_rejections_total",
		Help: "Pool submissions refused at capacity",
	})

	// TasksRecovered counts RUNNING tasks released back to QUEUED at startup.
	TasksRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fab_tasks_recovered_total",
		Help: "Orphaned RUNNING tasks re-queued during startup recovery",
	})

	// TasksPurged counts terminal tasks removed by the retention janitor.
	TasksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fab_tasks_purged_total",
		Help: "Terminal tasks removed by the retention janitor",
	})

	// APIRateLimited counts requests rejected by the submission rate limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fab_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	})
)
