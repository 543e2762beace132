// Package catalog holds the gateway tool definitions the agent may plan
// with and validates planned arguments against their JSON schemas.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// ToolDefinition describes one gateway tool.
type ToolDefinition struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Operation    plan.Operation    `json:"operation"`
	ResourceType plan.ResourceType `json:"resourceType"`
	InputSchema  map[string]any    `json:"inputSchema"`

	schema *jsonschema.Schema
}

// ValidationError reports a call the catalog rejected.
type ValidationError struct {
	ToolName string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid call to %s: %s", e.ToolName, e.Reason)
}

// Catalog is an immutable set of compiled tool definitions.
type Catalog struct {
	tools map[string]*ToolDefinition
}

// New compiles defs. With no definitions it uses Defaults.
func New(defs ...ToolDefinition) (*Catalog, error) {
	if len(defs) == 0 {
		defs = Defaults()
	}
	c := &Catalog{tools: make(map[string]*ToolDefinition, len(defs))}
	for _, d := range defs {
		sch, err := compile(d.Name, d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", d.Name, err)
		}
		d.schema = sch
		if d.Operation == "" || d.ResourceType == "" {
			d.Operation, d.ResourceType, _ = plan.Classify(d.Name)
		}
		c.tools[d.Name] = &d
	}
	return c, nil
}

// MustNew is New for the built-in definitions; it panics on a schema error.
func MustNew() *Catalog {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

func compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	// The compiler wants plain JSON values, so round-trip through encoding/json.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	url := name + ".json"
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, err
	}
	return comp.Compile(url)
}

// Lookup returns the definition of toolName.
func (c *Catalog) Lookup(toolName string) (*ToolDefinition, bool) {
	d, ok := c.tools[toolName]
	return d, ok
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []*ToolDefinition {
	out := make([]*ToolDefinition, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks that call names a known tool and that its arguments
// satisfy the tool's schema.
func (c *Catalog) Validate(call plan.Call) error {
	d, ok := c.tools[call.ToolName]
	if !ok {
		return &ValidationError{ToolName: call.ToolName, Reason: "unknown tool"}
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{ToolName: call.ToolName, Reason: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{ToolName: call.ToolName, Reason: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	if err := d.schema.Validate(doc); err != nil {
		return &ValidationError{ToolName: call.ToolName, Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}
	return nil
}

// ValidateAll validates calls in order and returns the first failure.
func (c *Catalog) ValidateAll(calls []plan.Call) error {
	for _, call := range calls {
		if err := c.Validate(call); err != nil {
			return err
		}
	}
	return nil
}
