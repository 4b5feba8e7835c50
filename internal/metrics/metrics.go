// Package metrics exposes worker counters on /metrics for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes used as the "outcome" label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Collector holds the worker metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	jobsReceived      prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	placeholderCells  prometheus.Counter
	thumbnailFailures prometheus.Counter
	compositionTime   prometheus.Histogram
	outputDuration    prometheus.Histogram
	jobsInFlight      prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetcomposer_jobs_received_total",
			Help: "Total number of job messages received",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetcomposer_jobs_total",
			Help: "Total number of job messages by terminal outcome",
		}, []string{"outcome"}),
		placeholderCells: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetcomposer_placeholder_cells_total",
			Help: "Total number of cells rendered as placeholders for unavailable sources",
		}),
		thumbnailFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetcomposer_thumbnail_failures_total",
			Help: "Total number of thumbnails that could not be extracted or published",
		}),
		compositionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetcomposer_composition_seconds",
			Help:    "Wall time spent composing one job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		outputDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetcomposer_output_duration_seconds",
			Help:    "Duration of composed meeting videos",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetcomposer_jobs_in_flight",
			Help: "Jobs currently being composed",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetcomposer_queue_depth",
			Help: "Messages per queue list",
		}, []string{"list"}),
	}

	c.registry.MustRegister(
		c.jobsReceived,
		c.jobsFinished,
		c.placeholderCells,
		c.thumbnailFailures,
		c.compositionTime,
		c.outputDuration,
		c.jobsInFlight,
		c.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, outcome := range []string{OutcomeSucceeded, OutcomeDuplicate, OutcomeInvalid, OutcomeFailed} {
		c.jobsFinished.WithLabelValues(outcome)
	}

	return c
}

func (c *Collector) RecordReceived() {
	c.jobsReceived.Inc()
}

// RecordOutcome counts a message that reached a terminal state.
func (c *Collector) RecordOutcome(outcome string) {
	c.jobsFinished.WithLabelValues(outcome).Inc()
}

// RecordComposition records a successful composition.
func (c *Collector) RecordComposition(elapsedSeconds, outputSeconds float64, placeholderCells int) {
	c.compositionTime.Observe(elapsedSeconds)
	c.outputDuration.Observe(outputSeconds)
	c.placeholderCells.Add(float64(placeholderCells))
}

// OutcomeCounter returns the counter of one outcome label.
func (c *Collector) OutcomeCounter(outcome string) prometheus.Counter {
	return c.jobsFinished.WithLabelValues(outcome)
}

func (c *Collector) RecordThumbnailFailure() {
	c.thumbnailFailures.Inc()
}

func (c *Collector) JobStarted() {
	c.jobsInFlight.Inc()
}

func (c *Collector) JobFinished() {
	c.jobsInFlight.Dec()
}

// SetQueueDepth sets the length of one queue list (pending, in_flight, dead).
func (c *Collector) SetQueueDepth(list string, n int64) {
	c.queueDepth.WithLabelValues(list).Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
