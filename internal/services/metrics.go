package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Chat metrics
	ChatTurns       prometheus.Counter
	ChatTurnLatency prometheus.Histogram
	ChatErrors      *prometheus.CounterVec

	// Tool call lifecycle
	ToolCallsProposed *prometheus.CounterVec
	ToolCallsResolved *prometheus.CounterVec

	// Model invocations
	ModelInvocations *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		// Chat turns counter
		ChatTurns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "taskpilot_chat_turns_total",
			Help: "Total number of chat turns processed",
		}),

		// Chat turn latency histogram
		ChatTurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpilot_chat_turn_duration_seconds",
			Help:    "Chat turn latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}, // model calls dominate the tail
		}),

		// Chat errors by taxonomy kind
		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_chat_errors_total",
			Help: "Total number of chat errors by kind",
		}, []string{"kind"}),

		// Tool calls proposed, by tool and gate decision
		ToolCallsProposed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_tool_calls_proposed_total",
			Help: "Total number of proposed tool calls by tool and gate decision",
		}, []string{"tool", "decision"}),

		// Tool call terminal outcomes
		ToolCallsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_tool_calls_resolved_total",
			Help: "Total number of tool calls reaching a terminal status",
		}, []string{"tool", "status"}),

		// Model invocation outcomes
		ModelInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_model_invocations_total",
			Help: "Total number of assistant model invocations by outcome",
		}, []string{"outcome"}), // "success" or "error"
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (may be nil before InitMetrics)
func GetMetrics() *Metrics {
	return globalMetrics
}
