package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_builds_created_total",
			Help: "Total number of builds created by cause.",
		},
		[]string{"project", "cause"},
	)

	JobsMaterializedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_materialized_total",
			Help: "Total number of jobs expanded into phases and steps.",
		},
		[]string{"implementation"},
	)

	JobStepsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobsteps_created_total",
			Help: "Total number of job steps created by origin.",
		},
		[]string{"origin"},
	)

	StepAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_step_allocations_total",
			Help: "Total number of job steps allocated to agents by cluster.",
		},
		[]string{"cluster"},
	)

	StepAllocationContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_step_allocation_contention_total",
			Help: "Total number of allocation races lost to another caller.",
		},
		[]string{"cluster"},
	)

	StepAllocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_step_allocation_duration_seconds",
			Help:    "Duration of allocate calls in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"outcome"},
	)

	StepsRedispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_steps_redispatched_total",
			Help: "Total number of deallocated job steps returned to the queue.",
		},
	)

	SnapshotCacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_snapshot_cache_evictions_total",
			Help: "Total number of cached snapshot images evicted by cluster.",
		},
		[]string{"cluster"},
	)

	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_task_runs_total",
			Help: "Total number of background task runs by status.",
		},
		[]string{"task", "status"},
	)

	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_tasks_active",
			Help: "Number of currently running background tasks.",
		},
		[]string{"task"},
	)
)

// Register registers all custom quarry metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(collectors()...)
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BuildsCreatedTotal,
		JobsMaterializedTotal,
		JobStepsCreatedTotal,
		StepAllocationsTotal,
		StepAllocationContentionTotal,
		StepAllocationDurationSeconds,
		StepsRedispatchedTotal,
		SnapshotCacheEvictionsTotal,
		TaskRunsTotal,
		TasksActive,
	}
}
