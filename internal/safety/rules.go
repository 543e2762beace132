package safety

import (
	"fmt"
	"regexp"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		NewFullTrafficSwitchRule(),
		NewProductionRouteDeletionRule(),
		NewCredentialRotationRule(),
		NewWeightSumRule(),
		NewBatchSizeRule(3),
	}
}

// FullTrafficSwitchRule escalates a route update that sends every request
// to one upstream.
type FullTrafficSwitchRule struct{}

func NewFullTrafficSwitchRule() *FullTrafficSwitchRule {
	return &FullTrafficSwitchRule{}
}

func (r *FullTrafficSwitchRule) ID() string { return "full_traffic_switch" }

func (r *FullTrafficSwitchRule) Description() string {
	return "a route update moves all traffic onto a single upstream"
}

func (r *FullTrafficSwitchRule) Evaluate(calls []plan.Call) *Verdict {
	for _, c := range calls {
		if c.Operation() != plan.OpUpdate || c.ResourceType() != plan.ResourceRoute {
			continue
		}
		ups, ok := plan.Upstreams(c.Args)
		if !ok {
			continue
		}
		for _, u := range ups {
			if u.Weight == 0 || u.Weight == 100 {
				return &Verdict{
					Allowed:      true,
					RiskOverride: TierHigh,
					Warnings: []string{fmt.Sprintf(
						"route %q will send all traffic to a single upstream", c.Name())},
				}
			}
		}
	}
	return nil
}

// ProductionRouteDeletionRule escalates deleting a route whose name looks
// like production.
type ProductionRouteDeletionRule struct {
	pattern *regexp.Regexp
}

func NewProductionRouteDeletionRule() *ProductionRouteDeletionRule {
	return &ProductionRouteDeletionRule{pattern: regexp.MustCompile(`(?i)prod|production|main`)}
}

func (r *ProductionRouteDeletionRule) ID() string { return "production_route_deletion" }

func (r *ProductionRouteDeletionRule) Description() string {
	return "a route that looks like production is being deleted"
}

func (r *ProductionRouteDeletionRule) Evaluate(calls []plan.Call) *Verdict {
	for _, c := range calls {
		if c.Operation() != plan.OpDelete || c.ResourceType() != plan.ResourceRoute {
			continue
		}
		name := c.Name()
		if r.pattern.MatchString(name) {
			return &Verdict{
				Allowed:      true,
				RiskOverride: TierHigh,
				Warnings: []string{fmt.Sprintf(
					"route %q looks like a production route; deleting it may interrupt live traffic", name)},
			}
		}
	}
	return nil
}

// CredentialRotationRule flags provider updates that replace API keys.
type CredentialRotationRule struct{}

func NewCredentialRotationRule() *CredentialRotationRule {
	return &CredentialRotationRule{}
}

func (r *CredentialRotationRule) ID() string { return "credential_rotation" }

func (r *CredentialRotationRule) Description() string {
	return "a provider update replaces its API keys"
}

func (r *CredentialRotationRule) Evaluate(calls []plan.Call) *Verdict {
	for _, c := range calls {
		if c.Operation() != plan.OpUpdate || c.ResourceType() != plan.ResourceProvider {
			continue
		}
		if tokens, ok := c.Args["tokens"]; ok && tokens != nil {
			return &Verdict{
				Allowed: true,
				Warnings: []string{fmt.Sprintf(
					"provider %q credentials are being replaced; verify the new API key before confirming", c.Name())},
			}
		}
	}
	return nil
}

// WeightSumRule blocks route writes whose upstream weights do not total 100.
type WeightSumRule struct{}

func NewWeightSumRule() *WeightSumRule {
	return &WeightSumRule{}
}

func (r *WeightSumRule) ID() string { return "weight_sum" }

func (r *WeightSumRule) Description() string {
	return "route upstream weights must add up to 100"
}

func (r *WeightSumRule) Evaluate(calls []plan.Call) *Verdict {
	for _, c := range calls {
		if !isRouteWrite(c) {
			continue
		}
		ups, ok := plan.Upstreams(c.Args)
		if !ok {
			continue
		}
		if total := plan.WeightSum(ups); total != 100 {
			return &Verdict{
				Allowed: false,
				BlockReason: fmt.Sprintf(
					"upstream weights for route %q sum to %s, expected 100; adjust the weights and try again",
					c.Name(), plan.FormatWeight(total)),
			}
		}
	}
	return nil
}

// BatchSizeRule warns about batches with many writes.
type BatchSizeRule struct {
	threshold int
}

func NewBatchSizeRule(threshold int) *BatchSizeRule {
	return &BatchSizeRule{threshold: threshold}
}

func (r *BatchSizeRule) ID() string { return "batch_size" }

func (r *BatchSizeRule) Description() string {
	return fmt.Sprintf("a batch carries %d or more write operations", r.threshold)
}

func (r *BatchSizeRule) Evaluate(calls []plan.Call) *Verdict {
	writes := 0
	for _, c := range calls {
		if c.IsMutation() {
			writes++
		}
	}
	if writes < r.threshold {
		return nil
	}
	return &Verdict{
		Allowed:  true,
		Warnings: []string{fmt.Sprintf("this batch performs %d write operations; review every step before confirming", writes)},
	}
}

func isRouteWrite(c plan.Call) bool {
	if c.ResourceType() != plan.ResourceRoute {
		return false
	}
	op := c.Operation()
	return op == plan.OpCreate || op == plan.OpUpdate
}
