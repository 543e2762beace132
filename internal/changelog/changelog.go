// Package changelog keeps the per-session, append-only record of completed
// gateway mutations. Versions start at 1 and increase by one per append;
// every entry carries the state needed to undo it.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// DefaultTimelineLimit bounds Timeline when the caller passes no limit.
const DefaultTimelineLimit = 50

// ErrNotFound is returned by stores when a version does not exist.
var ErrNotFound = errors.New("changelog entry not found")

// Status is the only mutable field of an entry.
type Status string

const (
	StatusActive     Status = "active"
	StatusRolledBack Status = "rolled_back"
	StatusSuperseded Status = "superseded"
)

// Entry is one completed mutation.
type Entry struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	VersionID      int64             `json:"versionId"`
	OperationType  plan.Operation    `json:"operationType"`
	ResourceType   plan.ResourceType `json:"resourceType"`
	ResourceName   string            `json:"resourceName"`
	BeforeState    map[string]any    `json:"beforeState"`
	AfterState     map[string]any    `json:"afterState"`
	ChangeSummary  string            `json:"changeSummary"`
	CreatedAt      time.Time         `json:"createdAt"`
	RollbackStatus Status            `json:"rollbackStatus"`
}

// Draft is the caller-supplied part of an entry.
type Draft struct {
	OperationType plan.Operation
	ResourceType  plan.ResourceType
	ResourceName  string
	BeforeState   map[string]any
	AfterState    map[string]any
	ChangeSummary string
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.BeforeState = plan.Clone(e.BeforeState)
	c.AfterState = plan.Clone(e.AfterState)
	return &c
}

// Store persists entries. Append must assign versions atomically per
// session so that concurrent appends never share a version.
type Store interface {
	// Append assigns the next version of e.SessionID to e and persists it.
	Append(ctx context.Context, e *Entry) (int64, error)

	// CurrentVersion returns the highest assigned version, 0 if none.
	CurrentVersion(ctx context.Context, sessionID string) (int64, error)

	// Get returns ErrNotFound when the version does not exist.
	Get(ctx context.Context, sessionID string, version int64) (*Entry, error)

	SetStatus(ctx context.Context, sessionID string, version int64, status Status) error

	// List returns up to limit entries, newest first.
	List(ctx context.Context, sessionID string, limit int) ([]*Entry, error)
}

// Manager is the changelog API used by the orchestrator and the rollback
// executor.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Append records a completed mutation and returns the stored entry with its
// assigned version.
func (m *Manager) Append(ctx context.Context, sessionID string, d Draft) (*Entry, error) {
	e := &Entry{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		OperationType:  d.OperationType,
		ResourceType:   d.ResourceType,
		ResourceName:   d.ResourceName,
		BeforeState:    plan.Clone(d.BeforeState),
		AfterState:     plan.Clone(d.AfterState),
		ChangeSummary:  d.ChangeSummary,
		CreatedAt:      m.now().UTC(),
		RollbackStatus: StatusActive,
	}
	// A create has no prior state regardless of what the caller recorded.
	if e.OperationType == plan.OpCreate {
		e.BeforeState = nil
	}

	v, err := m.store.Append(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	e.VersionID = v

	m.logger.Debug("changelog entry appended",
		zap.String("session_id", sessionID),
		zap.Int64("version_id", v),
		zap.String("operation", string(e.OperationType)),
		zap.String("resource", e.ResourceName),
	)
	return e, nil
}

// CurrentVersion returns the session's latest version, 0 for a new session.
func (m *Manager) CurrentVersion(ctx context.Context, sessionID string) (int64, error) {
	v, err := m.store.CurrentVersion(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("CurrentVersion: %w", err)
	}
	return v, nil
}

// Latest returns the newest entry that is still active, or nil.
func (m *Manager) Latest(ctx context.Context, sessionID string) (*Entry, error) {
	current, err := m.CurrentVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for v := current; v >= 1; v-- {
		e, err := m.ByVersion(ctx, sessionID, v)
		if err != nil {
			return nil, err
		}
		if e != nil && e.RollbackStatus == StatusActive {
			return e, nil
		}
	}
	return nil, nil
}

// ByVersion returns the entry at version, or nil if it does not exist.
func (m *Manager) ByVersion(ctx context.Context, sessionID string, version int64) (*Entry, error) {
	if version < 1 {
		return nil, nil
	}
	e, err := m.store.Get(ctx, sessionID, version)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ByVersion: %w", err)
	}
	return e, nil
}

// UpdateStatus sets the rollback status of one entry.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, version int64, status Status) error {
	if err := m.store.SetStatus(ctx, sessionID, version, status); err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return nil
}

// Timeline returns up to limit entries, newest first. A non-positive limit
// means DefaultTimelineLimit.
func (m *Manager) Timeline(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	entries, err := m.store.List(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("Timeline: %w", err)
	}
	return entries, nil
}
