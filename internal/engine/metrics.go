package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_engine_jobs_enqueued_total",
			Help: "Total number of jobs added to the queue.",
		},
		[]string{"handler"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_engine_jobs_finished_total",
			Help: "Total number of job active periods ended, by terminal event.",
		},
		[]string{"event"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_engine_active_jobs",
			Help: "Number of jobs with an in-flight execution.",
		},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_engine_job_duration_seconds",
			Help:    "Duration from activation to terminal event, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)
)

func init() {
	prometheus.MustRegister(jobsEnqueued)
	prometheus.MustRegister(jobsFinished)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(jobDuration)

	for _, ev := range []string{model.EventCompleted, model.EventFailed, model.EventStalled, model.EventRemoved} {
		jobsFinished.WithLabelValues(ev)
	}
}
