package api

import (
	"time"

	"github.com/gzf09/agent-aigateway/internal/catalog"
	"github.com/gzf09/agent-aigateway/internal/changelog"
)

type ErrorResp struct {
	Detail string `json:"detail"`
}

type TimelineResp struct {
	SessionID      string             `json:"sessionId"`
	CurrentVersion int64              `json:"currentVersion"`
	Entries        []*changelog.Entry `json:"entries"`
}

type VersionResp struct {
	SessionID      string `json:"sessionId"`
	CurrentVersion int64  `json:"currentVersion"`
}

type ResourceListResp struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total"`
}

type ToolListResp struct {
	Tools []*catalog.ToolDefinition `json:"tools"`
}

type ChangeEventResp struct {
	EventID       string    `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	OperatorID    string    `json:"operatorId"`
	Kind          string    `json:"kind"`
	ToolName      string    `json:"toolName,omitempty"`
	ResourceType  string    `json:"resourceType,omitempty"`
	ResourceName  string    `json:"resourceName,omitempty"`
	VersionID     int64     `json:"versionId,omitempty"`
	RiskLevel     string    `json:"riskLevel,omitempty"`
	Success       bool      `json:"success"`
	Detail        string    `json:"detail,omitempty"`
	ArgumentsJSON string    `json:"argumentsJson,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	LatencyMs     float32   `json:"latencyMs"`
}

type EventListResp struct {
	Items    []ChangeEventResp `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}
