// Package metrics exposes Prometheus counters for voice sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RoundsTotal       *prometheus.CounterVec
	ToolExecutions    *prometheus.CounterVec
	SpeechErrors      prometheus.Counter
	InterpretDuration prometheus.Histogram
	ActiveSessions    prometheus.Gauge
	ArchiveUploads    *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_console"
	}
	registry := prometheus.NewRegistry()

	rounds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_total",
		Help:      "Conversation rounds by outcome",
	}, []string{"outcome"})

	tools := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Confirmed tool executions by result",
	}, []string{"result"})

	speechErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "speech_errors_total",
		Help:      "Speech recognition errors reported by clients",
	})

	interpret := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "interpret_duration_seconds",
		Help:      "Latency of backend interpret calls",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Connected voice sessions",
	})

	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_uploads_total",
		Help:      "Transcript archive uploads by status",
	}, []string{"status"})

	registry.MustRegister(
		rounds, tools, speechErrors, interpret, active, uploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:          registry,
		RoundsTotal:       rounds,
		ToolExecutions:    tools,
		SpeechErrors:      speechErrors,
		InterpretDuration: interpret,
		ActiveSessions:    active,
		ArchiveUploads:    uploads,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RoundFinished(outcome string)     { m.RoundsTotal.WithLabelValues(outcome).Inc() }
func (m *Metrics) ToolExecuted(result string)       { m.ToolExecutions.WithLabelValues(result).Inc() }
func (m *Metrics) SpeechError()                     { m.SpeechErrors.Inc() }
func (m *Metrics) InterpretLatency(d time.Duration) { m.InterpretDuration.Observe(d.Seconds()) }
func (m *Metrics) SessionOpened()                   { m.ActiveSessions.Inc() }
func (m *Metrics) SessionClosed()                   { m.ActiveSessions.Dec() }

// ArchiveUploaded records a transcript upload attempt; err nil means success.
func (m *Metrics) ArchiveUploaded(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ArchiveUploads.WithLabelValues(status).Inc()
}
