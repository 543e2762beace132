// Package safety inspects planned tool batches before they reach the gateway.
// It evaluates the preprocessor rules, assigns a risk tier and builds the
// confirmation card shown to the operator. Everything here is pure and safe
// for concurrent use.
package safety

import "github.com/gzf09/agent-aigateway/internal/plan"

// Rule inspects a whole batch. Evaluate returns nil when the rule has nothing
// to say about the batch.
type Rule interface {
	// ID returns the rule's unique identifier.
	ID() string

	// Description is a short human-readable statement of what the rule checks.
	Description() string

	Evaluate(calls []plan.Call) *Verdict
}

// Verdict is the combined outcome of the preprocessor rules.
type Verdict struct {
	Allowed      bool     `json:"allowed"`
	RiskOverride Tier     `json:"riskOverride,omitempty"`
	BlockReason  string   `json:"blockReason,omitempty"`
	BlockedBy    string   `json:"blockedBy,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Preprocessor applies an ordered rule list to planned batches.
type Preprocessor struct {
	rules []Rule
}

// NewPreprocessor returns a preprocessor running rules in order. With no
// rules it runs DefaultRules.
func NewPreprocessor(rules ...Rule) *Preprocessor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Preprocessor{rules: rules}
}

// Rules returns the configured rules in evaluation order.
func (p *Preprocessor) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Evaluate folds the rule outcomes. The first blocking rule is returned on
// its own; otherwise warnings accumulate in rule order and the override is
// the highest tier any rule asked for.
func (p *Preprocessor) Evaluate(calls []plan.Call) Verdict {
	out := Verdict{Allowed: true}
	for _, r := range p.rules {
		v := r.Evaluate(calls)
		if v == nil {
			continue
		}
		if !v.Allowed {
			return Verdict{BlockReason: v.BlockReason, BlockedBy: r.ID()}
		}
		out.Warnings = append(out.Warnings, v.Warnings...)
		out.RiskOverride = out.RiskOverride.Raise(v.RiskOverride)
	}
	return out
}
