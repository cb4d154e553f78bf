// Package metrics exposes pipeline, ingress and reaper counters on a Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/book-expert/voice-reply-service/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_reply"

// Metrics owns the service collectors. It implements pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runErrors     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	degraded      prometheus.Counter
	resumed       prometheus.Counter

	uploads        *prometheus.CounterVec
	scheduleErrors prometheus.Counter
	reaped         prometheus.Counter
	redriven       prometheus.Counter
}

// New registers every collector, plus the Go runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		runErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Pipeline run errors by stage.",
		}, []string{"stage"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_seconds",
			Help:      "Wall time of provider calls by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_degraded_replies_total",
			Help:      "Runs that stored the fallback reply.",
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_resumed_runs_total",
			Help:      "Runs that found an existing assistant message.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Voice uploads by result code.",
		}, []string{"result"}),
		scheduleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_errors_total",
			Help:      "Accepted uploads whose pipeline run could not be scheduled.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_messages_total",
			Help:      "Assistant messages failed by the stale-run reaper.",
		}),
		redriven: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redriven_messages_total",
			Help:      "User messages re-scheduled after their first hand-off failed.",
		}),
	}

	m.registry.MustRegister(
		m.runs, m.runErrors, m.runDuration, m.stageDuration, m.degraded, m.resumed,
		m.uploads, m.scheduleErrors, m.reaped, m.redriven,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StageFinished records a provider call duration.
func (m *Metrics) StageFinished(stage pipeline.Stage, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

// RunFinished records the outcome of a run.
func (m *Metrics) RunFinished(report pipeline.Report) {
	m.runs.WithLabelValues(string(report.Outcome)).Inc()
	m.runDuration.Observe(report.Elapsed.Seconds())

	if report.Err != nil {
		m.runErrors.WithLabelValues(string(report.Err.Stage)).Inc()
	}

	if report.Degraded && !report.Resumed {
		m.degraded.Inc()
	}

	if report.Resumed {
		m.resumed.Inc()
	}
}

// UploadHandled counts an upload by its result code ("accepted" or an error code).
func (m *Metrics) UploadHandled(result string) {
	m.uploads.WithLabelValues(result).Inc()
}

// ScheduleFailed counts an upload whose run could not be handed off.
func (m *Metrics) ScheduleFailed() {
	m.scheduleErrors.Inc()
}

// Reaped counts messages failed by the reaper.
func (m *Metrics) Reaped(n int64) {
	m.reaped.Add(float64(n))
}

// Redriven counts user messages re-scheduled by the reaper.
func (m *Metrics) Redriven(n int) {
	m.redriven.Add(float64(n))
}
