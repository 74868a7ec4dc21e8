package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the session runtime.
//
// Tracked surfaces:
//   - LLM rounds and token consumption per provider/model
//   - stream fan-out volume and live entry count
//   - tool execution patterns and latencies
//   - browser session lifecycle
//   - history compactions
type Metrics struct {
	// RoundCounter counts LLM rounds by provider, model, and outcome.
	// Labels: provider, model, status (ok|error|interrupted)
	RoundCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// EventsFannedOut counts stream events delivered to subscribers.
	// Labels: type
	EventsFannedOut *prometheus.CounterVec

	// ActiveStreams gauges live (non-done) stream entries.
	ActiveStreams prometheus.Gauge

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BrowserSessions gauges live browser sessions.
	BrowserSessions prometheus.Gauge

	// CompactionCounter counts history compactions.
	// Labels: trigger (auto|manual), status (success|error)
	CompactionCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// If reg is nil, the default registerer is used. Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RoundCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_rounds_total",
				Help: "LLM generation rounds by provider, model, and outcome.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_llm_tokens_total",
				Help: "Tokens consumed by LLM requests.",
			},
			[]string{"provider", "model", "type"},
		),
		EventsFannedOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_stream_events_total",
				Help: "Stream events delivered to subscribers.",
			},
			[]string{"type"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hearth_active_streams",
				Help: "Live stream registry entries that are not done.",
			},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_tool_executions_total",
				Help: "Tool invocations by name and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_tool_execution_seconds",
				Help:    "Tool execution latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),
		BrowserSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hearth_browser_sessions",
				Help: "Live per-session browser instances.",
			},
		),
		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_compactions_total",
				Help: "History compactions by trigger and status.",
			},
			[]string{"trigger", "status"},
		),
	}
}
