package safety

import "github.com/gzf09/agent-aigateway/internal/plan"

// Assess assigns the risk tier of a batch. Deletes are high, updates medium,
// and anything else low. A verdict override can only raise the result.
func Assess(calls []plan.Call, v Verdict) Tier {
	tier := TierLow
	for _, c := range calls {
		switch c.Operation() {
		case plan.OpDelete:
			tier = tier.Raise(TierHigh)
		case plan.OpUpdate:
			tier = tier.Raise(TierMedium)
		}
	}
	return tier.Raise(v.RiskOverride)
}
