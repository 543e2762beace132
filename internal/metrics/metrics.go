// Package metrics holds the Prometheus collectors of the agent service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent write path. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Preprocessor
	Verdicts *prometheus.CounterVec

	// Confirmation flow
	Confirmations *prometheus.CounterVec

	// Gateway tool calls
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Changelog and rollback
	ChangelogAppends prometheus.Counter
	Rollbacks        *prometheus.CounterVec
	RollbackSteps    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_preprocessor_verdicts_total",
				Help: "Planned batches evaluated by the safety preprocessor",
			},
			[]string{"outcome"}, // allowed, blocked, invalid, read_only
		),

		Confirmations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_confirmations_total",
				Help: "Operator decisions on pending confirmations",
			},
			[]string{"decision"}, // confirmed, cancelled, name_mismatch, nothing_pending
		),

		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Gateway tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"}, // outcome: success, failure
		),

		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_tool_call_duration_seconds",
				Help:    "Latency of gateway tool calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		ChangelogAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_changelog_appends_total",
			Help: "Changelog entries recorded",
		}),

		Rollbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_rollbacks_total",
				Help: "Rollback requests by kind and result",
			},
			[]string{"kind", "result"}, // kind: last, to_version
		),

		RollbackSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_rollback_steps_total",
			Help: "Changelog entries undone",
		}),
	}
}

func (m *Metrics) ObserveVerdict(outcome string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConfirmation(decision string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(decision).Inc()
}

// ObserveToolCall satisfies resource.Observer.
func (m *Metrics) ObserveToolCall(tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveAppend() {
	if m == nil {
		return
	}
	m.ChangelogAppends.Inc()
}

func (m *Metrics) ObserveRollback(kind string, success bool, steps int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.Rollbacks.WithLabelValues(kind, result).Inc()
	m.RollbackSteps.Add(float64(steps))
}
