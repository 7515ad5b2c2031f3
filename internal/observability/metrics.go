package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the runtime. All
// collectors are registered on the registry passed to NewMetrics.
type Metrics struct {
	registry *prometheus.Registry

	InvocationsTotal  *prometheus.CounterVec
	InvocationSeconds *prometheus.HistogramVec
	ActiveInvocations prometheus.Gauge

	ModelCallsTotal  *prometheus.CounterVec
	ModelCallSeconds *prometheus.HistogramVec
	ModelTokensTotal *prometheus.CounterVec

	ToolCallsTotal  *prometheus.CounterVec
	ToolCallSeconds *prometheus.HistogramVec

	EventsPersistedTotal *prometheus.CounterVec

	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestSeconds *prometheus.HistogramVec
	WSConnections      prometheus.Gauge
}

// NewMetrics builds and registers the collectors. Pass nil to get a
// fresh private registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_invocations_total",
			Help: "Invocations started, by app and terminal status.",
		}, []string{"app", "status"}),
		InvocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_invocation_duration_seconds",
			Help:    "End-to-end invocation duration.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"app"}),
		ActiveInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_invocations",
			Help: "Invocations currently running.",
		}),

		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_model_calls_total",
			Help: "Model generate calls, by model and outcome.",
		}, []string{"model", "outcome"}),
		ModelCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_model_call_duration_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		ModelTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_model_tokens_total",
			Help: "Tokens consumed, by model and direction.",
		}, []string{"model", "direction"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_calls_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_call_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"tool"}),

		EventsPersistedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_events_persisted_total",
			Help: "Events written to the session store, by author role.",
		}, []string{"author"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "HTTP requests, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_ws_connections",
			Help: "Open websocket connections.",
		}),
	}

	registry.MustRegister(
		m.InvocationsTotal, m.InvocationSeconds, m.ActiveInvocations,
		m.ModelCallsTotal, m.ModelCallSeconds, m.ModelTokensTotal,
		m.ToolCallsTotal, m.ToolCallSeconds,
		m.EventsPersistedTotal,
		m.HTTPRequestsTotal, m.HTTPRequestSeconds, m.WSConnections,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveInvocation records a finished invocation.
func (m *Metrics) ObserveInvocation(app, status string, elapsed time.Duration) {
	m.InvocationsTotal.WithLabelValues(app, status).Inc()
	m.InvocationSeconds.WithLabelValues(app).Observe(elapsed.Seconds())
}

// ObserveModelCall records one generate call.
func (m *Metrics) ObserveModelCall(model, outcome string, elapsed time.Duration, promptTokens, outputTokens int) {
	m.ModelCallsTotal.WithLabelValues(model, outcome).Inc()
	m.ModelCallSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		m.ModelTokensTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
	}
	if outputTokens > 0 {
		m.ModelTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// ObserveToolCall records one tool execution.
func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}
