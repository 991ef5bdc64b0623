// Package metrics exposes the orchestration counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsdesk"

// Metrics holds every collector the service records into. A nil *Metrics is
// valid and records nothing, so components can be built without one.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	loopOutcomes    *prometheus.CounterVec
	iterations      prometheus.Histogram
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	llmCalls        *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	rateLimited     prometheus.Counter
	budgetExhausted prometheus.Counter
	contextFetches  *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

// New creates a Metrics backed by its own registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by agent and HTTP status.",
		}, []string{"agent", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "End-to-end chat request latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
		}, []string{"agent"}),
		loopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_terminations_total",
			Help:      "Orchestration loops by terminal state and reason.",
		}, []string{"state", "reason"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Model rounds used per orchestration loop.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool name and outcome category.",
		}, []string{"tool", "category"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by provider, model, tier and outcome.",
		}, []string{"provider", "model", "tier", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_duration_seconds",
			Help:      "Model call latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
		}, []string{"provider", "tier"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-caller rate limiter.",
		}),
		budgetExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_budget_exhausted_total",
			Help:      "Write tool calls refused because the request budget was spent.",
		}),
		contextFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_fetches_total",
			Help:      "Context assembler data source reads by key and outcome.",
		}, []string{"key", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_circuit_state",
			Help:      "Provider circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.loopOutcomes, m.iterations,
		m.toolCalls, m.toolDuration, m.llmCalls, m.llmDuration, m.llmTokens,
		m.rateLimited, m.budgetExhausted, m.contextFetches, m.circuitState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one finished chat request.
func (m *Metrics) ObserveRequest(agent string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(agent, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// ObserveLoop records how an orchestration loop terminated.
func (m *Metrics) ObserveLoop(state, reason string, iterations int) {
	if m == nil {
		return
	}
	m.loopOutcomes.WithLabelValues(state, reason).Inc()
	m.iterations.Observe(float64(iterations))
}

// ObserveTool records one tool execution. category is empty on success.
func (m *Metrics) ObserveTool(tool, category string, d time.Duration) {
	if m == nil {
		return
	}
	if category == "" {
		category = "OK"
	}
	m.toolCalls.WithLabelValues(tool, category).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	if category == "BUDGET_EXCEEDED" {
		m.budgetExhausted.Inc()
	}
}

// ObserveLLM records one model call and its token usage.
func (m *Metrics) ObserveLLM(provider, model, tier string, err error, promptTokens, completionTokens int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.WithLabelValues(provider, model, tier, outcome).Inc()
	m.llmDuration.WithLabelValues(provider, tier).Observe(d.Seconds())
	if promptTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// ObserveContextFetch records one context read.
func (m *Metrics) ObserveContextFetch(key string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.contextFetches.WithLabelValues(key, outcome).Inc()
}

// ObserveCircuit records a provider breaker transition. Unknown states are
// ignored.
func (m *Metrics) ObserveCircuit(provider, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "closed":
	case "half-open":
		v = 1
	case "open":
		v = 2
	default:
		return
	}
	m.circuitState.WithLabelValues(provider).Set(v)
}

// RateLimited counts one request rejected by the rate limiter.
func (m *Metrics) RateLimited(string) {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}
