// Package storage persists the audit trail of agent decisions.
package storage

import (
	"sync"
	"time"
)

// EventWriter is the interface for writing change events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ChangeEvent)
	Close()
}

// Event kinds.
const (
	KindInvalid           = "invalid"
	KindBlocked           = "blocked"
	KindAwaitConfirmation = "awaiting_confirmation"
	KindCancelled         = "cancelled"
	KindNameMismatch      = "name_mismatch"
	KindExecuted          = "executed"
	KindFailed            = "failed"
	KindRead              = "read"
	KindRollback          = "rollback"
)

// ChangeEvent is one decision or action on the agent write path.
type ChangeEvent struct {
	EventID       string
	Timestamp     time.Time
	SessionID     string
	OperatorID    string
	Kind          string
	ToolName      string
	ResourceType  string
	ResourceName  string
	VersionID     int64
	RiskLevel     string
	Success       bool
	Detail        string
	ArgumentsJSON string // credentials masked
	Warnings      []string
	LatencyMs     float32
}

// MemoryWriter keeps events in memory. Used by tests and local tooling.
type MemoryWriter struct {
	mu     sync.Mutex
	events []*ChangeEvent
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) Write(event *ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
}

func (w *MemoryWriter) Close() {}

// Events returns a snapshot of the written events.
func (w *MemoryWriter) Events() []*ChangeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*ChangeEvent, len(w.events))
	copy(out, w.events)
	return out
}

// Kinds returns the Kind of every written event in order.
func (w *MemoryWriter) Kinds() []string {
	events := w.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
