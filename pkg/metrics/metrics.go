// Package metrics provides Prometheus metrics for the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by method, path and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration observes HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TurnsTotal counts finished turns by terminal outcome
	// (completed, cancelled, failed).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total number of finished turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration observes full turn latency from admission to terminal event.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// TurnRounds observes how many generation rounds a turn took.
	TurnRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turn_rounds",
			Help:    "Generation rounds per turn",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		},
	)

	// ActiveTurns gauges turns currently in flight.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_turns",
			Help: "Number of turns currently in flight",
		},
	)

	// ToolCallsTotal counts tool invocations by tool name and status.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// ToolCallDuration observes tool invocation latency by tool name.
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)

	// LLMRequestsTotal counts upstream generation requests by provider,
	// model and result (ok, timeout, rate_limited, error).
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of upstream generation requests",
		},
		[]string{"provider", "model", "result"},
	)

	// LLMTokensTotal counts tokens by provider, model and direction (in, out).
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total tokens exchanged with generation providers",
		},
		[]string{"provider", "model", "direction"},
	)

	// SSEConnectionsActive gauges open event-stream connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of open SSE connections",
		},
	)

	// QuotaRejectionsTotal counts requests rejected by the daily quota.
	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total requests rejected by the daily message quota",
		},
	)
)
