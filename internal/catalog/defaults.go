package catalog

func nameOnly(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": 1, "description": desc},
		},
		"required": []any{"name"},
	}
}

var emptyObject = map[string]any{"type": "object", "properties": map[string]any{}}

var upstreamSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"provider":     map[string]any{"type": "string"},
		"weight":       map[string]any{"type": "number", "minimum": 0, "maximum": 100},
		"modelMapping": map[string]any{"type": "object"},
	},
	"required": []any{"provider", "weight"},
}

// Defaults returns the built-in provider and route tools.
func Defaults() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "list-ai-providers",
			Description: "List every configured AI/LLM provider.",
			InputSchema: emptyObject,
		},
		{
			Name:        "get-ai-provider",
			Description: "Show the full configuration of one AI provider.",
			InputSchema: nameOnly("provider name"),
		},
		{
			Name:        "add-ai-provider",
			Description: "Add a new AI/LLM provider such as openai, deepseek or qwen.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "minLength": 1, "description": "unique provider name"},
					"type":     map[string]any{"type": "string", "description": "provider type, e.g. openai, deepseek, qwen"},
					"tokens":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "API keys"},
					"protocol": map[string]any{"type": "string", "enum": []any{"openai/v1", "original"}},
				},
				"required": []any{"name", "type", "tokens"},
			},
		},
		{
			Name:        "update-ai-provider",
			Description: "Update an existing provider, for example to rotate API keys or enable token failover.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":                map[string]any{"type": "string", "minLength": 1},
					"tokens":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"protocol":            map[string]any{"type": "string"},
					"tokenFailoverConfig": map[string]any{"type": "object"},
				},
				"required": []any{"name"},
			},
		},
		{
			Name:        "delete-ai-provider",
			Description: "Delete an AI provider. Make sure no route still references it.",
			InputSchema: nameOnly("provider name"),
		},
		{
			Name:        "list-ai-routes",
			Description: "List every AI route.",
			InputSchema: emptyObject,
		},
		{
			Name:        "get-ai-route",
			Description: "Show the full configuration of one AI route.",
			InputSchema: nameOnly("route name"),
		},
		{
			Name:        "add-ai-route",
			Description: "Create an AI route with weighted upstreams (weights must total 100), model mapping and fallback.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":           map[string]any{"type": "string", "minLength": 1},
					"upstreams":      map[string]any{"type": "array", "items": upstreamSchema, "minItems": 1},
					"fallbackConfig": map[string]any{"type": "object"},
				},
				"required": []any{"name", "upstreams"},
			},
		},
		{
			Name:        "update-ai-route",
			Description: "Update an AI route, for example to rebalance weights or add a fallback.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":           map[string]any{"type": "string", "minLength": 1},
					"upstreams":      map[string]any{"type": "array", "items": upstreamSchema},
					"fallbackConfig": map[string]any{"type": "object"},
				},
				"required": []any{"name"},
			},
		},
		{
			Name:        "delete-ai-route",
			Description: "Delete an AI route. Traffic matching it will no longer be routed.",
			InputSchema: nameOnly("route name"),
		},
	}
}
