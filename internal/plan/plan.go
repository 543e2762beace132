// Package plan defines the vocabulary shared by every stage of the agent
// pipeline: planned tool calls, the operations they perform, and the gateway
// resources they act on.
package plan

import (
	"encoding/json"
	"strings"
)

// Operation is the kind of action a tool performs.
type Operation string

const (
	OpList   Operation = "list"
	OpGet    Operation = "get"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsMutation reports whether the operation changes gateway state.
func (o Operation) IsMutation() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// ResourceType identifies a gateway resource kind.
type ResourceType string

const (
	ResourceProvider ResourceType = "ai-provider"
	ResourceRoute    ResourceType = "ai-route"
)

// Call is one planned tool invocation produced by the agent.
type Call struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

// Name returns the "name" argument, or "" when absent.
func (c Call) Name() string {
	return StringArg(c.Args, "name")
}

// Operation returns the operation encoded in the tool name.
func (c Call) Operation() Operation {
	op, _, _ := Classify(c.ToolName)
	return op
}

// ResourceType returns the resource type encoded in the tool name.
func (c Call) ResourceType() ResourceType {
	_, rt, _ := Classify(c.ToolName)
	return rt
}

// IsMutation reports whether the call creates, updates or deletes a resource.
func (c Call) IsMutation() bool {
	return c.Operation().IsMutation()
}

var opPrefixes = []struct {
	prefix string
	op     Operation
}{
	{"list-", OpList},
	{"get-", OpGet},
	{"add-", OpCreate},
	{"update-", OpUpdate},
	{"delete-", OpDelete},
}

// Classify splits a tool name such as "add-ai-route" or "list-ai-providers"
// into its operation and resource type. ok is false for unknown tools.
func Classify(toolName string) (op Operation, rt ResourceType, ok bool) {
	for _, p := range opPrefixes {
		rest, found := strings.CutPrefix(toolName, p.prefix)
		if !found {
			continue
		}
		if p.op == OpList {
			rest = strings.TrimSuffix(rest, "s")
		}
		switch ResourceType(rest) {
		case ResourceProvider, ResourceRoute:
			return p.op, ResourceType(rest), true
		}
		return "", "", false
	}
	return "", "", false
}

// ToolName builds the tool name for an operation on a resource type.
func ToolName(op Operation, rt ResourceType) string {
	switch op {
	case OpList:
		return "list-" + string(rt) + "s"
	case OpGet:
		return "get-" + string(rt)
	case OpCreate:
		return "add-" + string(rt)
	case OpUpdate:
		return "update-" + string(rt)
	case OpDelete:
		return "delete-" + string(rt)
	}
	return ""
}

// StringArg returns args[key] when it holds a string.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// Clone returns a deep copy of a JSON-shaped map. Values that cannot be
// represented as JSON are dropped.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// MergeMissing returns a copy of args with every field of state that args
// does not set.
func MergeMissing(args, state map[string]any) map[string]any {
	out := Clone(args)
	if out == nil {
		out = make(map[string]any, len(state))
	}
	for k, v := range Clone(state) {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
