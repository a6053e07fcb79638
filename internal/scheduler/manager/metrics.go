package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "simsched_"

// Metrics are the manager's prometheus collectors. They are registered on an
// explicit registerer so tests can create independent managers.
type Metrics struct {
	jobsSubmitted          prometheus.Counter
	jobsFinished           *prometheus.CounterVec
	queuedJobs             prometheus.Gauge
	runningJobs            prometheus.Gauge
	admissionsDenied       prometheus.Counter
	admissionCycleDuration prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		jobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_submitted_total",
			Help: "Total number of jobs accepted by submit.",
		}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		queuedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "queued_jobs",
			Help: "Number of jobs currently waiting for admission.",
		}),
		runningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "running_jobs",
			Help: "Number of jobs currently handed to a backend.",
		}),
		admissionsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "admissions_denied_total",
			Help: "Number of admission attempts denied for lack of resource headroom.",
		}),
		admissionCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    metricsPrefix + "admission_cycle_duration_seconds",
			Help:    "Time spent per admission cycle, including backend launches.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
}
