package safety

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

func routeCall(tool, name string, ups ...plan.Upstream) plan.Call {
	args := map[string]any{"name": name}
	if len(ups) > 0 {
		list := make([]any, len(ups))
		for i, u := range ups {
			list[i] = map[string]any{"provider": u.Provider, "weight": u.Weight}
		}
		args["upstreams"] = list
	}
	return plan.Call{ToolName: tool, Args: args}
}

func TestPreprocessor_AllowsBalancedCreate(t *testing.T) {
	calls := []plan.Call{routeCall("add-ai-route", "r1",
		plan.Upstream{Provider: "openai", Weight: 70},
		plan.Upstream{Provider: "deepseek", Weight: 30})}

	v := NewPreprocessor().Evaluate(calls)
	if !v.Allowed {
		t.Fatalf("expected allowed, got block: %s", v.BlockReason)
	}
	if len(v.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", v.Warnings)
	}
	if v.RiskOverride != 0 {
		t.Fatalf("expected no override, got %v", v.RiskOverride)
	}
	if got := Assess(calls, v); got != TierLow {
		t.Fatalf("expected low risk, got %v", got)
	}
}

func TestPreprocessor_SingleUpstreamEscalates(t *testing.T) {
	calls := []plan.Call{routeCall("update-ai-route", "r1", plan.Upstream{Provider: "openai", Weight: 100})}

	v := NewPreprocessor().Evaluate(calls)
	if !v.Allowed {
		t.Fatalf("expected allowed, got block: %s", v.BlockReason)
	}
	if v.RiskOverride != TierHigh {
		t.Fatalf("expected high override, got %v", v.RiskOverride)
	}
	if len(v.Warnings) != 1 || !strings.Contains(v.Warnings[0], "single upstream") {
		t.Fatalf("expected single upstream warning, got %v", v.Warnings)
	}
	if got := Assess(calls, v); got != TierHigh {
		t.Fatalf("expected high risk, got %v", got)
	}
}

func TestPreprocessor_ZeroWeightUpstreamEscalates(t *testing.T) {
	// 100 + 0 still sums to 100 but leaves one upstream idle.
	calls := []plan.Call{routeCall("update-ai-route", "r1",
		plan.Upstream{Provider: "openai", Weight: 100},
		plan.Upstream{Provider: "deepseek", Weight: 0})}

	v := NewPreprocessor().Evaluate(calls)
	if !v.Allowed || v.RiskOverride != TierHigh {
		t.Fatalf("expected allowed with high override, got %+v", v)
	}
}

func TestPreprocessor_SingleUpstreamCreateIsNotEscalated(t *testing.T) {
	calls := []plan.Call{routeCall("add-ai-route", "r1", plan.Upstream{Provider: "openai", Weight: 100})}

	v := NewPreprocessor().Evaluate(calls)
	if !v.Allowed || v.RiskOverride != 0 || len(v.Warnings) != 0 {
		t.Fatalf("a new route is not a traffic switch, got %+v", v)
	}
}

func TestPreprocessor_ProductionDeletion(t *testing.T) {
	for _, name := range []string{"prod-main", "PRODUCTION-chat", "Main"} {
		calls := []plan.Call{routeCall("delete-ai-route", name)}
		v := NewPreprocessor().Evaluate(calls)
		if !v.Allowed || v.RiskOverride != TierHigh {
			t.Fatalf("%s: expected allowed with high override, got %+v", name, v)
		}
		if len(v.Warnings) != 1 || !strings.Contains(v.Warnings[0], name) {
			t.Fatalf("%s: expected warning naming the route, got %v", name, v.Warnings)
		}
	}

	v := NewPreprocessor().Evaluate([]plan.Call{routeCall("delete-ai-route", "staging-chat")})
	if len(v.Warnings) != 0 || v.RiskOverride != 0 {
		t.Fatalf("expected no escalation for a non-production name, got %+v", v)
	}
}

func TestPreprocessor_CredentialRotationWarnsWithoutOverride(t *testing.T) {
	calls := []plan.Call{{ToolName: "update-ai-provider", Args: map[string]any{
		"name": "openai", "tokens": []any{"sk-new-key-123456"},
	}}}
	v := NewPreprocessor().Evaluate(calls)
	if !v.Allowed || len(v.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", v)
	}
	if v.RiskOverride != 0 {
		t.Fatalf("credential rotation should not override risk, got %v", v.RiskOverride)
	}
	if got := Assess(calls, v); got != TierMedium {
		t.Fatalf("expected medium risk, got %v", got)
	}
}

func TestPreprocessor_BlocksBadWeightSum(t *testing.T) {
	calls := []plan.Call{routeCall("add-ai-route", "r1",
		plan.Upstream{Provider: "openai", Weight: 60},
		plan.Upstream{Provider: "deepseek", Weight: 30})}

	v := NewPreprocessor().Evaluate(calls)
	if v.Allowed {
		t.Fatal("expected block for weights summing to 90")
	}
	if !strings.Contains(v.BlockReason, "90") || !strings.Contains(v.BlockReason, "100") {
		t.Fatalf("block reason should mention actual and expected sums: %q", v.BlockReason)
	}
	if v.BlockedBy != "weight_sum" {
		t.Fatalf("BlockedBy = %q", v.BlockedBy)
	}
}

func TestPreprocessor_BlockDropsEarlierWarnings(t *testing.T) {
	calls := []plan.Call{
		routeCall("delete-ai-route", "prod-main"),
		routeCall("add-ai-route", "r2", plan.Upstream{Provider: "openai", Weight: 50}),
	}
	v := NewPreprocessor().Evaluate(calls)
	if v.Allowed {
		t.Fatal("expected block")
	}
	if len(v.Warnings) != 0 || v.RiskOverride != 0 {
		t.Fatalf("a blocked verdict carries only its reason, got %+v", v)
	}
}

type countingRule struct {
	id    string
	calls int
	out   *Verdict
}

func (r *countingRule) ID() string          { return r.id }
func (r *countingRule) Description() string { return r.id }
func (r *countingRule) Evaluate([]plan.Call) *Verdict {
	r.calls++
	return r.out
}

func TestPreprocessor_ShortCircuitsOnBlock(t *testing.T) {
	first := &countingRule{id: "warn", out: &Verdict{Allowed: true, Warnings: []string{"w1"}, RiskOverride: TierMedium}}
	block := &countingRule{id: "block", out: &Verdict{Allowed: false, BlockReason: "nope"}}
	after := &countingRule{id: "after", out: &Verdict{Allowed: true, Warnings: []string{"w2"}}}

	v := NewPreprocessor(first, block, after).Evaluate(nil)
	if v.Allowed || v.BlockReason != "nope" || v.BlockedBy != "block" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if after.calls != 0 {
		t.Fatal("rules after a block must not run")
	}
	if first.calls != 1 {
		t.Fatal("rules before the block should run")
	}
	if len(v.Warnings) != 0 {
		t.Fatalf("warnings = %v", v.Warnings)
	}
}

func TestPreprocessor_OverrideTakesHighest(t *testing.T) {
	high := &countingRule{id: "high", out: &Verdict{Allowed: true, RiskOverride: TierHigh}}
	medium := &countingRule{id: "medium", out: &Verdict{Allowed: true, RiskOverride: TierMedium}}
	v := NewPreprocessor(high, medium).Evaluate(nil)
	if v.RiskOverride != TierHigh {
		t.Fatalf("override = %v, want high", v.RiskOverride)
	}
}

func TestBatchSizeRule(t *testing.T) {
	calls := []plan.Call{
		{ToolName: "add-ai-provider", Args: map[string]any{"name": "p1"}},
		{ToolName: "add-ai-provider", Args: map[string]any{"name": "p2"}},
		{ToolName: "list-ai-providers", Args: map[string]any{}},
	}
	if v := NewBatchSizeRule(3).Evaluate(calls); v != nil {
		t.Fatalf("two writes should not trigger, got %+v", v)
	}
	calls = append(calls, plan.Call{ToolName: "add-ai-provider", Args: map[string]any{"name": "p3"}})
	v := NewBatchSizeRule(3).Evaluate(calls)
	if v == nil || !v.Allowed || v.RiskOverride != 0 {
		t.Fatalf("three writes should warn without escalating, got %+v", v)
	}
	if !strings.Contains(v.Warnings[0], "3") {
		t.Fatalf("warning should carry the count: %q", v.Warnings[0])
	}
}

func TestAssess_OverrideNeverLowers(t *testing.T) {
	calls := []plan.Call{routeCall("delete-ai-route", "r1")}
	if got := Assess(calls, Verdict{Allowed: true, RiskOverride: TierLow}); got != TierHigh {
		t.Fatalf("expected high, got %v", got)
	}
}

func TestBuildCard_SummaryForCreate(t *testing.T) {
	args := map[string]any{"name": "openai", "type": "openai", "tokens": []any{"sk-abcdefghijkl"}}
	c := BuildCard("add-ai-provider", args, nil, TierHigh, nil)
	sc, ok := c.(*SummaryCard)
	if !ok {
		t.Fatalf("expected summary card, got %T", c)
	}
	if sc.RiskLevel != TierLow {
		t.Fatalf("summary risk = %v, want low", sc.RiskLevel)
	}
	var keys string
	for _, f := range sc.Fields {
		if f.Label == "API keys" {
			keys = f.Value
		}
	}
	if keys != "sk-•••jkl" {
		t.Fatalf("masked keys = %q", keys)
	}
}

func TestBuildCard_RouteDiff(t *testing.T) {
	current := map[string]any{"name": "r1", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": float64(70)},
		map[string]any{"provider": "deepseek", "weight": float64(30)},
	}}
	args := map[string]any{"name": "r1", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": float64(100)},
	}}
	c := BuildCard("update-ai-route", args, current, TierHigh, []string{"w"})
	dc, ok := c.(*DiffCard)
	if !ok {
		t.Fatalf("expected diff card, got %T", c)
	}
	if dc.RiskLevel != TierHigh {
		t.Fatalf("risk = %v", dc.RiskLevel)
	}
	want := []Change{
		{Field: "openai weight", OldValue: "70%", NewValue: "100%", ChangeType: ChangeModified},
		{Field: "deepseek weight", OldValue: "30%", NewValue: "removed", ChangeType: ChangeRemoved},
	}
	if len(dc.Changes) != len(want) {
		t.Fatalf("changes = %+v", dc.Changes)
	}
	for i := range want {
		if dc.Changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, dc.Changes[i], want[i])
		}
	}
}

func TestBuildCard_AddedUpstream(t *testing.T) {
	current := map[string]any{"name": "r1", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": float64(100)},
	}}
	args := map[string]any{"name": "r1", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": float64(50)},
		map[string]any{"provider": "qwen", "weight": float64(50)},
	}}
	dc := BuildCard("update-ai-route", args, current, TierMedium, nil).(*DiffCard)
	if len(dc.Changes) != 2 || dc.Changes[1].ChangeType != ChangeAdded || dc.Changes[1].OldValue != "none" {
		t.Fatalf("changes = %+v", dc.Changes)
	}
}

func TestBuildCard_CredentialOnlyUpdateHasSyntheticRow(t *testing.T) {
	current := map[string]any{"name": "openai", "type": "openai", "tokens": []any{"old"}}
	args := map[string]any{"name": "openai", "tokens": []any{"new"}}
	dc := BuildCard("update-ai-provider", args, current, TierMedium, nil).(*DiffCard)
	if len(dc.Changes) != 1 || dc.Changes[0].ChangeType != ChangeModified {
		t.Fatalf("expected one synthetic modified row, got %+v", dc.Changes)
	}
}

func TestBuildCard_UpdateWithoutStateFallsBackToSummary(t *testing.T) {
	c := BuildCard("update-ai-route", map[string]any{"name": "r1"}, nil, TierHigh, nil)
	if c.Type() != CardSummary {
		t.Fatalf("expected summary card, got %s", c.Type())
	}
}

func TestBuildCard_DeleteIsNameInput(t *testing.T) {
	current := map[string]any{"name": "prod-main", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": float64(100)},
	}}
	c := BuildCard("delete-ai-route", map[string]any{"name": "prod-main"}, current, TierLow, nil)
	nc, ok := c.(*NameInputCard)
	if !ok {
		t.Fatalf("expected name input card, got %T", c)
	}
	if nc.RiskLevel != TierHigh || nc.ResourceName != "prod-main" {
		t.Fatalf("unexpected header: %+v", nc.CardHeader)
	}
	if !strings.Contains(nc.ImpactDescription, "openai(100%)") {
		t.Fatalf("impact = %q", nc.ImpactDescription)
	}
	if len(nc.Warnings) == 0 {
		t.Fatal("expected default warning")
	}
}

func TestCardJSONCarriesTypeTag(t *testing.T) {
	c := BuildCard("delete-ai-provider", map[string]any{"name": "p1"}, nil, TierLow, nil)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "name_input" || out["riskLevel"] != "high" {
		t.Fatalf("unexpected json: %s", data)
	}
}

func TestDecodeCard(t *testing.T) {
	current := map[string]any{"name": "r1", "upstreams": []any{
		map[string]any{"provider": "openai", "weight": 70},
		map[string]any{"provider": "deepseek", "weight": 30},
	}}
	args := map[string]any{"name": "r1", "upstreams": []any{map[string]any{"provider": "openai", "weight": 100}}}
	in := BuildCard("update-ai-route", args, current, TierHigh, []string{"w"})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := DecodeCard(data)
	if err != nil {
		t.Fatalf("DecodeCard: %v", err)
	}
	dc, ok := out.(*DiffCard)
	if !ok {
		t.Fatalf("expected *DiffCard, got %T", out)
	}
	if dc.RiskLevel != TierHigh || len(dc.Changes) != 2 || dc.Warnings[0] != "w" {
		t.Fatalf("unexpected card: %+v", dc)
	}

	if _, err := DecodeCard([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("expected error for unknown card type")
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := map[string]string{
		"":                "••••••••",
		"12345678":        "••••••••",
		"sk-1234567890ab": "sk-•••0ab",
	}
	for in, want := range tests {
		if got := MaskAPIKey(in); got != want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactArgs(t *testing.T) {
	args := map[string]any{"name": "p1", "tokens": []any{"sk-1234567890ab"}}
	out := RedactArgs(args)
	if got := out["tokens"].([]string)[0]; got != "sk-•••0ab" {
		t.Fatalf("redacted token = %q", got)
	}
	if args["tokens"].([]any)[0] != "sk-1234567890ab" {
		t.Fatal("RedactArgs must not modify its input")
	}
}
