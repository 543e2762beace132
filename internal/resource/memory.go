package resource

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// MemoryClient is an in-process gateway used for local development and
// tests. It keeps providers and routes in maps and bumps a string version
// on every update.
type MemoryClient struct {
	mu        sync.Mutex
	resources map[plan.ResourceType]map[string]map[string]any
}

// NewMemoryClient creates an empty gateway.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		resources: map[plan.ResourceType]map[string]map[string]any{
			plan.ResourceProvider: {},
			plan.ResourceRoute:    {},
		},
	}
}

func (c *MemoryClient) Invoke(_ context.Context, toolName string, args map[string]any) Result {
	op, rt, ok := plan.Classify(toolName)
	if !ok {
		return failure(fmt.Sprintf("unknown tool: %s", toolName))
	}
	name := plan.StringArg(args, "name")
	label := "provider"
	if rt == plan.ResourceRoute {
		label = "route"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	store := c.resources[rt]

	switch op {
	case plan.OpList:
		names := make([]string, 0, len(store))
		for n := range store {
			names = append(names, n)
		}
		sort.Strings(names)
		list := make([]any, 0, len(names))
		for _, n := range names {
			list = append(list, plan.Clone(store[n]))
		}
		return Result{Success: true, Data: map[string]any{"data": list}}

	case plan.OpGet:
		r, exists := store[name]
		if name == "" || !exists {
			return failure(fmt.Sprintf("%s %s does not exist", label, name))
		}
		return Result{Success: true, Data: map[string]any{"data": plan.Clone(r)}}

	case plan.OpCreate:
		if name == "" {
			return failure(fmt.Sprintf("missing %s name", label))
		}
		if _, exists := store[name]; exists {
			return failure(fmt.Sprintf("%s %s already exists", label, name))
		}
		r := plan.Clone(args)
		if rt == plan.ResourceProvider {
			if plan.StringArg(r, "protocol") == "" {
				r["protocol"] = "openai/v1"
			}
		}
		r["version"] = "1"
		store[name] = r
		return Result{Success: true, Data: map[string]any{"data": plan.Clone(r)}}

	case plan.OpUpdate:
		existing, exists := store[name]
		if name == "" || !exists {
			return failure(fmt.Sprintf("%s %s does not exist", label, name))
		}
		updated := plan.Clone(existing)
		for k, v := range plan.Clone(args) {
			updated[k] = v
		}
		updated["version"] = nextVersion(existing["version"])
		store[name] = updated
		return Result{Success: true, Data: map[string]any{"data": plan.Clone(updated)}}

	case plan.OpDelete:
		if _, exists := store[name]; name == "" || !exists {
			return failure(fmt.Sprintf("%s %s does not exist", label, name))
		}
		delete(store, name)
		return Result{Success: true, Data: map[string]any{"message": fmt.Sprintf("%s %s deleted", label, name)}}
	}
	return failure(fmt.Sprintf("unknown tool: %s", toolName))
}

func nextVersion(v any) string {
	s, _ := v.(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		n = 1
	}
	return strconv.Itoa(n + 1)
}
