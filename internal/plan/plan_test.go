package plan

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		tool string
		op   Operation
		rt   ResourceType
		ok   bool
	}{
		{"list-ai-providers", OpList, ResourceProvider, true},
		{"list-ai-routes", OpList, ResourceRoute, true},
		{"get-ai-provider", OpGet, ResourceProvider, true},
		{"add-ai-route", OpCreate, ResourceRoute, true},
		{"update-ai-route", OpUpdate, ResourceRoute, true},
		{"delete-ai-provider", OpDelete, ResourceProvider, true},
		{"delete-mcp-server", "", "", false},
		{"frobnicate", "", "", false},
	}
	for _, tt := range tests {
		op, rt, ok := Classify(tt.tool)
		if op != tt.op || rt != tt.rt || ok != tt.ok {
			t.Errorf("Classify(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.tool, op, rt, ok, tt.op, tt.rt, tt.ok)
		}
	}
}

func TestToolNameRoundTripsThroughClassify(t *testing.T) {
	for _, op := range []Operation{OpList, OpGet, OpCreate, OpUpdate, OpDelete} {
		for _, rt := range []ResourceType{ResourceProvider, ResourceRoute} {
			name := ToolName(op, rt)
			gotOp, gotRT, ok := Classify(name)
			if !ok || gotOp != op || gotRT != rt {
				t.Errorf("ToolName(%q, %q) = %q, classified as (%q, %q, %v)", op, rt, name, gotOp, gotRT, ok)
			}
		}
	}
}

func TestCallIsMutation(t *testing.T) {
	if (Call{ToolName: "list-ai-routes"}).IsMutation() {
		t.Error("list should not be a mutation")
	}
	if !(Call{ToolName: "delete-ai-route"}).IsMutation() {
		t.Error("delete should be a mutation")
	}
}

func TestUpstreamsDecodesGenericJSON(t *testing.T) {
	args := map[string]any{
		"upstreams": []any{
			map[string]any{"provider": "openai", "weight": float64(70)},
			map[string]any{"provider": "deepseek", "weight": 30},
		},
	}
	ups, ok := Upstreams(args)
	if !ok || len(ups) != 2 {
		t.Fatalf("Upstreams = %v, %v", ups, ok)
	}
	if ups[1].Provider != "deepseek" || ups[1].Weight != 30 {
		t.Errorf("unexpected second upstream: %+v", ups[1])
	}
	if WeightSum(ups) != 100 {
		t.Errorf("WeightSum = %v, want 100", WeightSum(ups))
	}
	if got := DescribeUpstreams(ups); got != "openai(70%) + deepseek(30%)" {
		t.Errorf("DescribeUpstreams = %q", got)
	}
}

func TestUpstreamsAbsent(t *testing.T) {
	if _, ok := Upstreams(map[string]any{"name": "r1"}); ok {
		t.Error("expected ok=false without upstreams")
	}
	if _, ok := Upstreams(map[string]any{"upstreams": "openai"}); ok {
		t.Error("expected ok=false for a non-list value")
	}
}

func TestMergeMissingKeepsExplicitArgs(t *testing.T) {
	args := map[string]any{"name": "r1", "upstreams": []any{}}
	state := map[string]any{"name": "r1", "upstreams": []any{"x"}, "version": "3", "domains": []any{"a.example"}}

	merged := MergeMissing(args, state)
	if len(merged["upstreams"].([]any)) != 0 {
		t.Error("explicit upstreams should win over current state")
	}
	if merged["version"] != "3" {
		t.Errorf("version = %v, want 3", merged["version"])
	}
	if _, ok := args["version"]; ok {
		t.Error("MergeMissing must not modify its input")
	}
}

func TestFormatWeight(t *testing.T) {
	if got := FormatWeight(90); got != "90" {
		t.Errorf("FormatWeight(90) = %q", got)
	}
	if got := FormatWeight(33.5); got != "33.5" {
		t.Errorf("FormatWeight(33.5) = %q", got)
	}
}
