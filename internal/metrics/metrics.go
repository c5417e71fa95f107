package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_sessions_active",
			Help: "Number of research sessions currently running",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_completed_total",
			Help: "Total number of sessions reaching a terminal state",
		},
		[]string{"state"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_steps_executed_total",
			Help: "Total number of steps executed by action type",
		},
		[]string{"action"},
	)

	TokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_tokens_used_total",
			Help: "Total tokens consumed across all sessions",
		},
	)

	SessionTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_tokens",
			Help:    "Tokens consumed per session",
			Buckets: []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000},
		},
	)

	BeastModeEntered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_beast_mode_entered_total",
			Help: "Total number of beast mode entries by triggering gate",
		},
		[]string{"gate"},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tool_calls_total",
			Help: "Total number of outbound tool calls",
		},
		[]string{"tool", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_tool_call_duration_seconds",
			Help:    "Outbound tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	ToolFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tool_failures_total",
			Help: "Total number of tool failures by error kind",
		},
		[]string{"tool", "kind"},
	)

	// Evaluator metrics
	EvaluationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_evaluation_verdicts_total",
			Help: "Total evaluator verdicts by dimension and outcome",
		},
		[]string{"dimension", "pass"},
	)

	// LLM port metrics
	LLMFallbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_llm_fallback_depth",
			Help:    "How far down the structured-output fallback chain a call went (0 = native)",
			Buckets: []float64{0, 1, 2, 3, 4},
		},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_rate_limit_wait_seconds",
			Help:    "Time spent waiting on vendor rate-limit buckets",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"vendor"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_state",
			Help: "Circuit breaker state per vendor (0=closed, 1=half-open, 2=open)",
		},
		[]string{"vendor"},
	)
)
