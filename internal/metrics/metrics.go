package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the job subsystem.
type Collector struct {
	registry *prometheus.Registry

	JobsStarted   prometheus.Counter
	JobsFinished  *prometheus.CounterVec // label: status (complete|cancelled|error)
	JobsActive    prometheus.Gauge
	JobsRejected  *prometheus.CounterVec // label: reason (duplicate|rate_limited|capacity)
	EventsEmitted prometheus.Counter
	JobDuration   prometheus.Histogram
}

// NewCollector creates and registers the job metrics on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certreg_jobs_started_total",
			Help: "Background operations started.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certreg_jobs_finished_total",
			Help: "Background operations finished, by terminal status.",
		}, []string{"status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certreg_jobs_active",
			Help: "Background operations currently running.",
		}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certreg_jobs_rejected_total",
			Help: "Start requests rejected, by reason.",
		}, []string{"reason"}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certreg_progress_events_total",
			Help: "Progress events emitted across all channels.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certreg_job_duration_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(c.JobsStarted, c.JobsFinished, c.JobsActive,
		c.JobsRejected, c.EventsEmitted, c.JobDuration)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
