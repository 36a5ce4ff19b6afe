package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Worker retirement reasons.
const (
	retireCrashed = "crashed"
	retireKilled  = "killed"
	retireEvicted = "evicted"
	retireClosed  = "closed"
)

// Execution outcome label values.
const (
	outcomeCompleted      = "completed"
	outcomeFailed         = "failed"
	outcomeUnexpectedExit = "unexpected_exit"
	outcomeCancelled      = "cancelled"
)

var (
	workersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_sandbox_workers_spawned_total",
			Help: "Total number of worker processes started.",
		},
	)

	workerSpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_sandbox_worker_spawn_failures_total",
			Help: "Total number of worker processes that failed to start.",
		},
	)

	workerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_sandbox_worker_spawn_seconds",
			Help:    "Time taken to start a worker process, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workersRetired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_sandbox_workers_retired_total",
			Help: "Total number of worker processes removed from the pool.",
		},
		[]string{"reason"},
	)

	workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_sandbox_workers",
			Help: "Number of live worker processes by state.",
		},
		[]string{"state"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_sandbox_executions_total",
			Help: "Total number of sandboxed executions by outcome.",
		},
		[]string{"outcome"},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_sandbox_execution_seconds",
			Help:    "Duration from worker retain to settlement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(workersSpawned)
	prometheus.MustRegister(workerSpawnFailures)
	prometheus.MustRegister(workerSpawnDuration)
	prometheus.MustRegister(workersRetired)
	prometheus.MustRegister(workersByState)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)

	for _, r := range []string{retireCrashed, retireKilled, retireEvicted, retireClosed} {
		workersRetired.WithLabelValues(r)
	}
	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeUnexpectedExit, outcomeCancelled} {
		executionsTotal.WithLabelValues(o)
	}
}
