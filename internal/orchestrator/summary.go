package orchestrator

import (
	"fmt"
	"strings"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// describePlan lists the steps of a multi-call batch.
func describePlan(calls []plan.Call) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This plan has %d steps:", len(calls))
	for i, c := range calls {
		fmt.Fprintf(&b, "\n%d. %s", i+1, describeCall(c))
	}
	return b.String()
}

func describeCall(c plan.Call) string {
	label := resourceLabel(c.ResourceType())
	switch c.Operation() {
	case plan.OpList:
		return fmt.Sprintf("list %ss", label)
	case plan.OpGet:
		return fmt.Sprintf("show %s %s", label, c.Name())
	}
	return fmt.Sprintf("%s %s %s", c.Operation(), label, c.Name())
}

// changeSummary is the one-line description stored with a changelog entry,
// for example "create route r1: openai(70%) + deepseek(30%)".
func changeSummary(c plan.Call, before map[string]any) string {
	base := describeCall(c)
	switch c.ResourceType() {
	case plan.ResourceRoute:
		ups, ok := plan.Upstreams(c.Args)
		switch c.Operation() {
		case plan.OpCreate:
			if ok {
				return base + ": " + plan.DescribeUpstreams(ups)
			}
		case plan.OpUpdate:
			old, hadOld := plan.Upstreams(before)
			if ok && hadOld {
				return fmt.Sprintf("%s: %s -> %s", base, plan.DescribeUpstreams(old), plan.DescribeUpstreams(ups))
			}
			if ok {
				return base + ": " + plan.DescribeUpstreams(ups)
			}
		}
	case plan.ResourceProvider:
		switch c.Operation() {
		case plan.OpCreate:
			if t := plan.StringArg(c.Args, "type"); t != "" {
				return fmt.Sprintf("%s (%s)", base, t)
			}
		case plan.OpUpdate:
			if _, ok := c.Args["tokens"]; ok && !sameValue(c.Args["tokens"], before["tokens"]) {
				return base + ": credentials rotated"
			}
		}
	}
	return base
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
