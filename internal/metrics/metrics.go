// Package metrics exposes Prometheus instruments for the generation pipeline.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline instruments and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	dispatches       *prometheus.CounterVec
	executions       *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec
	attempts         *prometheus.CounterVec
	sectionMismatch  *prometheus.CounterVec
	staleRecovered   *prometheus.CounterVec
	jobsInFlight     prometheus.Gauge
}

// New registers the pipeline instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsmith",
			Name:      "dispatch_total",
			Help:      "Dispatch requests by stage and outcome (enqueued, cached, in_flight, failed).",
		}, []string{"stage", "outcome"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsmith",
			Name:      "stage_executions_total",
			Help:      "Finished stage executions by stage, status and error kind.",
		}, []string{"stage", "status", "kind"}),
		executionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "draftsmith",
			Name:      "stage_execution_seconds",
			Help:      "Wall time of a stage execution including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"stage"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsmith",
			Name:      "llm_attempts_total",
			Help:      "Language model invocation attempts by stage.",
		}, []string{"stage"}),
		sectionMismatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsmith",
			Name:      "section_mismatch_total",
			Help:      "Generated sections that diverged from the selection, by kind.",
		}, []string{"kind"}),
		staleRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsmith",
			Name:      "stale_records_recovered_total",
			Help:      "Processing records failed by the sweeper after exceeding the worker budget.",
		}, []string{"stage"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "draftsmith",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being handled by this worker.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatch(stage, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) Execution(stage, status, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(stage, status, kind).Inc()
	m.executionSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) Attempt(stage string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(stage).Inc()
}

func (m *Metrics) SectionMismatch(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sectionMismatch.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) StaleRecovered(stage string) {
	if m == nil {
		return
	}
	m.staleRecovered.WithLabelValues(stage).Inc()
}

// JobStarted increments the in-flight gauge and returns a func that decrements it.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.jobsInFlight.Inc()
	return m.jobsInFlight.Dec
}
