package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/gzf09/agent-aigateway/internal/plan"
	"github.com/gzf09/agent-aigateway/internal/rollback"
	"github.com/gzf09/agent-aigateway/internal/safety"
)

// EventType tags an Event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventConfirmCard  EventType = "confirm_card"
	EventToolResult   EventType = "tool_result"
	EventRollbackHint EventType = "rollback_hint"
	EventDashboard    EventType = "dashboard_event"
	EventError        EventType = "error"
)

// ErrorCode classifies the failures a turn can report.
type ErrorCode string

const (
	CodeBlockedByPolicy     ErrorCode = "BLOCKED_BY_POLICY"
	CodeResourceNotFound    ErrorCode = "RESOURCE_NOT_FOUND"
	CodeResourceConflict    ErrorCode = "RESOURCE_CONFLICT"
	CodeMissingPriorState   ErrorCode = "MISSING_PRIOR_STATE"
	CodeNameMismatch        ErrorCode = "NAME_MISMATCH"
	CodePartialBatchFailure ErrorCode = "PARTIAL_BATCH_FAILURE"
	CodeInvalidArguments    ErrorCode = "INVALID_ARGUMENTS"
	CodeToolError           ErrorCode = "TOOL_ERROR"
	CodeNothingToConfirm    ErrorCode = "NOTHING_TO_CONFIRM"
	CodeRollbackFailed      ErrorCode = "ROLLBACK_FAILED"

	// CodeChangelogUnavailable: the gateway applied a call that could not be
	// recorded.
	CodeChangelogUnavailable ErrorCode = "CHANGELOG_UNAVAILABLE"
)

// Event is one item of the stream handed to the chat transport. Exactly one
// payload field is set, matching Type.
type Event struct {
	Type         EventType       `json:"type"`
	Message      string          `json:"message,omitempty"`
	Card         safety.Card     `json:"card,omitempty"`
	ToolResult   *ToolResult     `json:"toolResult,omitempty"`
	RollbackHint *RollbackHint   `json:"rollbackHint,omitempty"`
	Dashboard    *DashboardEvent `json:"dashboardEvent,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
}

// UnmarshalJSON restores the concrete card variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Card json.RawMessage `json:"card,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event(raw.alias)
	e.Card = nil
	if len(raw.Card) > 0 && string(raw.Card) != "null" {
		c, err := safety.DecodeCard(raw.Card)
		if err != nil {
			return err
		}
		e.Card = c
	}
	return nil
}

// ToolResult reports one executed tool call. Args are redacted.
type ToolResult struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// RollbackHint tells the operator which version a mutation produced.
type RollbackHint struct {
	SnapshotID string `json:"snapshotId"`
	VersionID  int64  `json:"versionId"`
}

// DashboardEvent notifies dashboards that a resource or the timeline changed.
type DashboardEvent struct {
	EventType    string            `json:"eventType"`
	ResourceType plan.ResourceType `json:"resourceType"`
	ResourceName string            `json:"resourceName"`
	Action       string            `json:"action"`
}

const (
	dashboardProviderChanged = "provider_changed"
	dashboardRouteChanged    = "route_changed"
	dashboardOperationAdded  = "operation_added"

	actionRollback = "rollback"
)

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CallOutcome is the result of one call of a confirmed batch.
type CallOutcome struct {
	Index        int    `json:"index"`
	ToolName     string `json:"toolName"`
	ResourceName string `json:"resourceName,omitempty"`
	Success      bool   `json:"success"`
	VersionID    int64  `json:"versionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchResult describes where a confirmed batch stopped. Succeeded lists
// the calls that ran, and for mutations the versions they were recorded at.
type BatchResult struct {
	Success      bool          `json:"success"`
	Succeeded    []CallOutcome `json:"succeeded"`
	Failed       *CallOutcome  `json:"failed,omitempty"`
	NotAttempted []string      `json:"notAttempted,omitempty"`
}

// Turn is everything one operator action produced.
type Turn struct {
	SessionID string           `json:"sessionId"`
	State     State            `json:"state"`
	Events    []Event          `json:"events"`
	Verdict   *safety.Verdict  `json:"verdict,omitempty"`
	Risk      safety.Tier      `json:"risk,omitempty"`
	Batch     *BatchResult     `json:"batch,omitempty"`
	Rollback  *rollback.Result `json:"rollback,omitempty"`
}

// Card returns the confirmation card emitted during the turn, or nil.
func (t *Turn) Card() safety.Card {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Type == EventConfirmCard {
			return t.Events[i].Card
		}
	}
	return nil
}

// Err returns the first error event of the turn, or nil.
func (t *Turn) Err() *ErrorInfo {
	for _, e := range t.Events {
		if e.Type == EventError {
			return e.Error
		}
	}
	return nil
}

// Messages returns the text of every message event.
func (t *Turn) Messages() []string {
	var out []string
	for _, e := range t.Events {
		if e.Type == EventMessage {
			out = append(out, e.Message)
		}
	}
	return out
}

func (t *Turn) message(format string, args ...any) {
	t.Events = append(t.Events, Event{Type: EventMessage, Message: fmt.Sprintf(format, args...)})
}

func (t *Turn) fail(code ErrorCode, format string, args ...any) {
	t.Events = append(t.Events, Event{
		Type:  EventError,
		Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)},
	})
}

func (t *Turn) card(c safety.Card) {
	t.Events = append(t.Events, Event{Type: EventConfirmCard, Card: c})
}

func (t *Turn) toolResult(r *ToolResult) {
	t.Events = append(t.Events, Event{Type: EventToolResult, ToolResult: r})
}

func (t *Turn) rollbackHint(snapshotID string, version int64) {
	t.Events = append(t.Events, Event{
		Type:         EventRollbackHint,
		RollbackHint: &RollbackHint{SnapshotID: snapshotID, VersionID: version},
	})
}

func (t *Turn) dashboard(eventType string, rt plan.ResourceType, name, action string) {
	t.Events = append(t.Events, Event{
		Type: EventDashboard,
		Dashboard: &DashboardEvent{
			EventType:    eventType,
			ResourceType: rt,
			ResourceName: name,
			Action:       action,
		},
	})
}
