package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the daemon's Prometheus metrics. Construct one per
// process and share it; every call builds a fresh registry, so tests can
// make their own collector without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	inferenceRequests *prometheus.CounterVec
	loopAttempts      *prometheus.CounterVec
	loopOutcomes      *prometheus.CounterVec
	blockedHits       *prometheus.CounterVec
	jobItems          *prometheus.CounterVec
	jobRunning        *prometheus.GaugeVec
	reviewsOpen       prometheus.Gauge
}

// NewCollector creates and registers all collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		inferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsmith_inference_requests_total",
			Help: "Inference requests by model and outcome.",
		}, []string{"model", "outcome"}),
		loopAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsmith_loop_attempts_total",
			Help: "Confirmation loop attempts by task.",
		}, []string{"task"}),
		loopOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsmith_loop_outcomes_total",
			Help: "Terminal confirmation loop outcomes by task.",
		}, []string{"task", "outcome"}),
		blockedHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsmith_blocked_suggestions_total",
			Help: "Suggestions rejected by the blocklist before confirmation.",
		}, []string{"task"}),
		jobItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsmith_job_items_total",
			Help: "Job work units by job kind and result.",
		}, []string{"job", "result"}),
		jobRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docsmith_job_running",
			Help: "Whether a job kind is currently running (0 or 1).",
		}, []string{"job"}),
		reviewsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docsmith_reviews_open",
			Help: "Open pending review items.",
		}),
	}
}

func (c *Collector) RecordInference(model, outcome string) {
	c.inferenceRequests.WithLabelValues(model, outcome).Inc()
}

func (c *Collector) RecordLoopAttempt(task string) {
	c.loopAttempts.WithLabelValues(task).Inc()
}

func (c *Collector) RecordLoopOutcome(task, outcome string) {
	c.loopOutcomes.WithLabelValues(task, outcome).Inc()
}

func (c *Collector) RecordBlocked(task string) {
	c.blockedHits.WithLabelValues(task).Inc()
}

func (c *Collector) RecordJobItem(job, result string) {
	c.jobItems.WithLabelValues(job, result).Inc()
}

func (c *Collector) SetJobRunning(job string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	c.jobRunning.WithLabelValues(job).Set(v)
}

func (c *Collector) SetReviewsOpen(n int) {
	c.reviewsOpen.Set(float64(n))
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
