// Package rollback undoes changelog entries by replaying their inverse
// operations through the same resource client used for forward calls.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/plan"
	"github.com/gzf09/agent-aigateway/internal/resource"
)

// ErrMissingPriorState is returned by Inverse for an update or delete whose
// prior state was never captured.
var ErrMissingPriorState = errors.New("cannot roll back: missing prior state")

// Failure identifies the entry a rollback stopped at.
type Failure struct {
	VersionID int64  `json:"versionId"`
	Error     string `json:"error"`
}

// Step is one entry that was undone.
type Step struct {
	VersionID    int64             `json:"versionId"`
	ToolName     string            `json:"toolName"`
	ResourceType plan.ResourceType `json:"resourceType"`
	ResourceName string            `json:"resourceName"`
}

// Result is always returned, never thrown: failures are described by
// Success and FailedAt.
type Result struct {
	Success         bool     `json:"success"`
	FromVersion     int64    `json:"fromVersion"`
	ToVersion       int64    `json:"toVersion"`
	StepsRolledBack int      `json:"stepsRolledBack"`
	FailedAt        *Failure `json:"failedAt,omitempty"`
	Steps           []Step   `json:"steps,omitempty"`
}

// Inverse computes the call that undoes e:
//   - create -> delete by name
//   - update -> update with the prior state
//   - delete -> add with the prior state
func Inverse(e *changelog.Entry) (plan.Call, error) {
	switch e.OperationType {
	case plan.OpCreate:
		return plan.Call{
			ToolName: plan.ToolName(plan.OpDelete, e.ResourceType),
			Args:     map[string]any{"name": e.ResourceName},
		}, nil
	case plan.OpUpdate, plan.OpDelete:
		if e.BeforeState == nil {
			return plan.Call{}, ErrMissingPriorState
		}
		op := plan.OpUpdate
		if e.OperationType == plan.OpDelete {
			op = plan.OpCreate
		}
		args := plan.Clone(e.BeforeState)
		if plan.StringArg(args, "name") == "" {
			args["name"] = e.ResourceName
		}
		return plan.Call{ToolName: plan.ToolName(op, e.ResourceType), Args: args}, nil
	}
	return plan.Call{}, fmt.Errorf("cannot roll back operation %q", e.OperationType)
}

// Executor applies inverses.
type Executor struct {
	changelog *changelog.Manager
	client    resource.Client
	logger    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cl *changelog.Manager, client resource.Client, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{changelog: cl, client: client, logger: logger}
}

// RollbackLast undoes the newest active entry of the session.
func (x *Executor) RollbackLast(ctx context.Context, sessionID string) Result {
	e, err := x.changelog.Latest(ctx, sessionID)
	if err != nil {
		return Result{FailedAt: &Failure{Error: err.Error()}}
	}
	if e == nil {
		return Result{FailedAt: &Failure{Error: "nothing to roll back"}}
	}

	step, err := x.undo(ctx, e)
	if err != nil {
		return Result{
			FromVersion: e.VersionID,
			ToVersion:   e.VersionID,
			FailedAt:    &Failure{VersionID: e.VersionID, Error: err.Error()},
		}
	}
	return Result{
		Success:         true,
		FromVersion:     e.VersionID,
		ToVersion:       e.VersionID - 1,
		StepsRolledBack: 1,
		Steps:           []Step{step},
	}
}

// RollbackToVersion undoes every active entry newer than target, newest
// first, and stops at the first failure. Entries already rolled back or
// superseded are skipped.
func (x *Executor) RollbackToVersion(ctx context.Context, sessionID string, target int64) Result {
	current, err := x.changelog.CurrentVersion(ctx, sessionID)
	if err != nil {
		return Result{ToVersion: target, FailedAt: &Failure{Error: err.Error()}}
	}
	if target < 0 || target >= current {
		return Result{
			FromVersion: current,
			ToVersion:   target,
			FailedAt: &Failure{
				VersionID: target,
				Error:     fmt.Sprintf("invalid target version %d (current version is %d)", target, current),
			},
		}
	}

	res := Result{FromVersion: current, ToVersion: target}
	for v := current; v > target; v-- {
		e, err := x.changelog.ByVersion(ctx, sessionID, v)
		if err != nil {
			res.FailedAt = &Failure{VersionID: v, Error: err.Error()}
			return res
		}
		if e == nil || e.RollbackStatus != changelog.StatusActive {
			continue
		}
		step, err := x.undo(ctx, e)
		if err != nil {
			res.FailedAt = &Failure{VersionID: v, Error: err.Error()}
			return res
		}
		res.StepsRolledBack++
		res.Steps = append(res.Steps, step)
	}
	res.Success = true
	return res
}

// undo applies the inverse of e and marks it rolled back.
func (x *Executor) undo(ctx context.Context, e *changelog.Entry) (Step, error) {
	call, err := Inverse(e)
	if err != nil {
		return Step{}, err
	}
	out := x.client.Invoke(ctx, call.ToolName, call.Args)
	if !out.Success {
		x.logger.Warn("rollback step failed",
			zap.String("session_id", e.SessionID),
			zap.Int64("version_id", e.VersionID),
			zap.String("tool_name", call.ToolName),
			zap.String("error", out.Error),
		)
		return Step{}, errors.New(out.Error)
	}
	if err := x.changelog.UpdateStatus(ctx, e.SessionID, e.VersionID, changelog.StatusRolledBack); err != nil {
		return Step{}, err
	}
	x.logger.Info("rolled back changelog entry",
		zap.String("session_id", e.SessionID),
		zap.Int64("version_id", e.VersionID),
		zap.String("tool_name", call.ToolName),
	)
	return Step{
		VersionID:    e.VersionID,
		ToolName:     call.ToolName,
		ResourceType: e.ResourceType,
		ResourceName: e.ResourceName,
	}, nil
}
