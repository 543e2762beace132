// Package resource talks to the AI gateway that owns providers and routes.
// Every backend exposes the same tool-call capability so forward operations
// and rollbacks share one path.
package resource

import (
	"context"
	"time"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// Result is the outcome of one tool call. On success Data holds the
// gateway's response envelope, typically {"data": resource} or
// {"data": [resource...]}.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Resource returns the single resource carried by the envelope, or nil.
func (r Result) Resource() map[string]any {
	if !r.Success || r.Data == nil {
		return nil
	}
	m, _ := r.Data["data"].(map[string]any)
	return m
}

// Resources returns the resource list carried by the envelope.
func (r Result) Resources() []map[string]any {
	if !r.Success || r.Data == nil {
		return nil
	}
	switch list := r.Data["data"].(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Client invokes gateway tools. Transport failures are reported through
// Result.Error, never panics or Go errors.
type Client interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) Result
}

// Observer is notified after every tool call.
type Observer interface {
	ObserveToolCall(tool string, success bool, d time.Duration)
}

// Instrument wraps c so every call is reported to obs.
func Instrument(c Client, obs Observer) Client {
	if obs == nil {
		return c
	}
	return &instrumented{next: c, obs: obs}
}

type instrumented struct {
	next Client
	obs  Observer
}

func (i *instrumented) Invoke(ctx context.Context, toolName string, args map[string]any) Result {
	start := time.Now()
	res := i.next.Invoke(ctx, toolName, args)
	i.obs.ObserveToolCall(toolName, res.Success, time.Since(start))
	return res
}

// Get fetches one resource by name. ok is false when the gateway reports an
// error or returns no resource.
func Get(ctx context.Context, c Client, rt plan.ResourceType, name string) (map[string]any, string, bool) {
	res := c.Invoke(ctx, plan.ToolName(plan.OpGet, rt), map[string]any{"name": name})
	if !res.Success {
		return nil, res.Error, false
	}
	r := res.Resource()
	if r == nil {
		return nil, "empty response", false
	}
	return r, "", true
}
