// Package orchestrator runs the write path of the agent: validation, policy
// rules, risk assessment, confirmation, sequential execution, changelog
// recording and rollback. Each session is either idle or awaiting the
// confirmation of exactly one batch; turns for the same session are
// serialized, different sessions run in parallel.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/catalog"
	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/metrics"
	"github.com/gzf09/agent-aigateway/internal/plan"
	"github.com/gzf09/agent-aigateway/internal/resource"
	"github.com/gzf09/agent-aigateway/internal/rollback"
	"github.com/gzf09/agent-aigateway/internal/safety"
	"github.com/gzf09/agent-aigateway/internal/storage"
)

// Config wires an Orchestrator. Client and Changelog are required; every
// other field has a working default.
type Config struct {
	Client       resource.Client
	Changelog    *changelog.Manager
	Catalog      *catalog.Catalog
	Preprocessor *safety.Preprocessor
	Rollback     *rollback.Executor
	Sessions     SessionStore
	Writer       storage.EventWriter
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	// CallTimeout bounds each tool call. Zero means no per-call bound.
	CallTimeout time.Duration

	// TimelineLimit is used when Timeline is called without a limit.
	TimelineLimit int
}

// Orchestrator owns the per-session confirmation state machine.
type Orchestrator struct {
	client        resource.Client
	changelog     *changelog.Manager
	catalog       *catalog.Catalog
	preprocessor  *safety.Preprocessor
	rollback      *rollback.Executor
	sessions      SessionStore
	writer        storage.EventWriter
	metrics       *metrics.Metrics
	logger        *zap.Logger
	callTimeout   time.Duration
	timelineLimit int
	locks         *sessionLocks
	now           func() time.Time
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.MustNew()
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = safety.NewPreprocessor()
	}
	if cfg.Rollback == nil {
		cfg.Rollback = rollback.NewExecutor(cfg.Changelog, cfg.Client, cfg.Logger)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessionStore()
	}
	if cfg.Writer == nil {
		cfg.Writer = storage.NewLogWriter(cfg.Logger)
	}
	if cfg.TimelineLimit <= 0 {
		cfg.TimelineLimit = changelog.DefaultTimelineLimit
	}
	return &Orchestrator{
		client:        cfg.Client,
		changelog:     cfg.Changelog,
		catalog:       cfg.Catalog,
		preprocessor:  cfg.Preprocessor,
		rollback:      cfg.Rollback,
		sessions:      cfg.Sessions,
		writer:        cfg.Writer,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		callTimeout:   cfg.CallTimeout,
		timelineLimit: cfg.TimelineLimit,
		locks:         newSessionLocks(),
		now:           time.Now,
	}
}

// Catalog returns the tool catalog batches are validated against.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog
}

// State reports whether the session is waiting for a confirmation.
func (o *Orchestrator) State(sessionID string) State {
	if _, ok := o.sessions.Get(sessionID); ok {
		return StateAwaitingConfirmation
	}
	return StateIdle
}

// Submit runs a planned batch. Read-only batches execute immediately. Write
// batches are checked and, when allowed, parked behind a confirmation card;
// nothing is mutated until Confirm.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, calls []plan.Call) (*Turn, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	turn := &Turn{SessionID: sessionID}
	defer func() { turn.State = o.State(sessionID) }()

	if len(calls) == 0 {
		turn.fail(CodeInvalidArguments, "the plan contains no tool calls")
		return turn, nil
	}
	if err := o.catalog.ValidateAll(calls); err != nil {
		var ve *catalog.ValidationError
		if errors.As(err, &ve) {
			o.audit(ctx, sessionID, storage.KindInvalid, plan.Call{ToolName: ve.ToolName}, func(e *storage.ChangeEvent) {
				e.Detail = ve.Reason
			})
		}
		o.metrics.ObserveVerdict("invalid")
		turn.fail(CodeInvalidArguments, "%s", err.Error())
		return turn, nil
	}

	if !hasMutation(calls) {
		o.runReads(ctx, sessionID, calls, turn)
		return turn, nil
	}

	verdict := o.preprocessor.Evaluate(calls)
	turn.Verdict = &verdict
	if !verdict.Allowed {
		o.metrics.ObserveVerdict("blocked")
		o.audit(ctx, sessionID, storage.KindBlocked, calls[0], func(e *storage.ChangeEvent) {
			e.Detail = verdict.BlockedBy + ": " + verdict.BlockReason
		})
		o.logger.Info("batch blocked by policy",
			zap.String("session_id", sessionID),
			zap.String("rule", verdict.BlockedBy),
		)
		turn.fail(CodeBlockedByPolicy, "%s", verdict.BlockReason)
		return turn, nil
	}
	if len(verdict.Warnings) > 0 {
		o.metrics.ObserveVerdict("warned")
	} else {
		o.metrics.ObserveVerdict("allowed")
	}

	risk := safety.Assess(calls, verdict)
	turn.Risk = risk

	// Work on copies so update args can be completed from fetched state.
	batch := make([]plan.Call, len(calls))
	for i, c := range calls {
		batch[i] = plan.Call{ToolName: c.ToolName, Args: plan.Clone(c.Args)}
	}

	// A call on a resource an earlier call of the batch already touched
	// starts from that call's result, not from the gateway.
	before := make(map[int]map[string]any)
	projected := make(map[string]map[string]any)
	for i, c := range batch {
		op := c.Operation()
		key := resourceKey(c)
		if op == plan.OpUpdate || op == plan.OpDelete {
			state, seen := projected[key]
			switch {
			case seen && state == nil:
				turn.fail(CodeResourceNotFound, "%s %q is deleted by step %d of this batch",
					resourceLabel(c.ResourceType()), c.Name(), lastTouch(batch[:i], key)+1)
				return turn, nil
			case !seen:
				var msg string
				var ok bool
				state, msg, ok = resource.Get(ctx, o.client, c.ResourceType(), c.Name())
				if !ok {
					o.audit(ctx, sessionID, storage.KindFailed, c, func(e *storage.ChangeEvent) {
						e.Detail = "before-state fetch failed: " + msg
					})
					turn.fail(CodeResourceNotFound, "%s %q was not found: %s", resourceLabel(c.ResourceType()), c.Name(), msg)
					return turn, nil
				}
			}
			before[i] = state
			if op == plan.OpUpdate {
				batch[i].Args = plan.MergeMissing(c.Args, state)
			}
		}
		switch op {
		case plan.OpCreate, plan.OpUpdate:
			projected[key] = plan.Clone(batch[i].Args)
		case plan.OpDelete:
			projected[key] = nil
		}
	}

	if len(batch) > 1 {
		turn.message("%s", describePlan(batch))
	}

	first := firstMutation(batch)
	card := safety.BuildCard(batch[first].ToolName, batch[first].Args, before[first], risk, verdict.Warnings)

	if prev, ok := o.sessions.Get(sessionID); ok {
		turn.message("The previous pending operation (%s) was discarded.", prev.Card.Header().Title)
	}
	o.sessions.Put(sessionID, &Pending{
		Calls:        batch,
		Card:         card,
		BeforeStates: before,
		Risk:         risk,
		Warnings:     verdict.Warnings,
		CreatedAt:    o.now(),
	})
	turn.card(card)

	o.audit(ctx, sessionID, storage.KindAwaitConfirmation, batch[first], func(e *storage.ChangeEvent) {
		e.RiskLevel = risk.String()
		e.Warnings = verdict.Warnings
	})
	return turn, nil
}

// Confirm executes the pending batch. For a name-input card, name must equal
// the card's resource name byte for byte; a mismatch keeps the batch pending.
func (o *Orchestrator) Confirm(ctx context.Context, sessionID, name string) (*Turn, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	turn := &Turn{SessionID: sessionID}
	defer func() { turn.State = o.State(sessionID) }()

	p, ok := o.sessions.Get(sessionID)
	if !ok {
		o.metrics.ObserveConfirmation("nothing_pending")
		turn.fail(CodeNothingToConfirm, "there is nothing to confirm")
		return turn, nil
	}
	turn.Risk = p.Risk

	if nc, ok := p.Card.(*safety.NameInputCard); ok && name != nc.ResourceName {
		o.metrics.ObserveConfirmation("name_mismatch")
		o.audit(ctx, sessionID, storage.KindNameMismatch, p.Calls[firstMutation(p.Calls)], nil)
		turn.fail(CodeNameMismatch, "the name entered does not match; type %q exactly to confirm", nc.ResourceName)
		turn.card(p.Card)
		return turn, nil
	}

	// Cleared before anything runs so the batch executes at most once.
	o.sessions.Put(sessionID, nil)
	o.metrics.ObserveConfirmation("confirmed")

	turn.Batch = o.execute(ctx, sessionID, p, turn)
	return turn, nil
}

// Cancel drops the pending batch without side effects.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (*Turn, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	turn := &Turn{SessionID: sessionID}
	defer func() { turn.State = o.State(sessionID) }()

	p, ok := o.sessions.Get(sessionID)
	if !ok {
		turn.message("There is no pending operation to cancel.")
		return turn, nil
	}
	o.sessions.Put(sessionID, nil)
	o.metrics.ObserveConfirmation("cancelled")
	o.audit(ctx, sessionID, storage.KindCancelled, p.Calls[firstMutation(p.Calls)], nil)
	turn.message("Cancelled: %s. Nothing was changed.", p.Card.Header().Title)
	return turn, nil
}

// RollbackLast undoes the newest active changelog entry of the session.
func (o *Orchestrator) RollbackLast(ctx context.Context, sessionID string) (*Turn, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	res := o.rollback.RollbackLast(ctx, sessionID)
	return o.rollbackTurn(ctx, sessionID, "last", res), nil
}

// RollbackToVersion undoes every active entry newer than target.
func (o *Orchestrator) RollbackToVersion(ctx context.Context, sessionID string, target int64) (*Turn, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	res := o.rollback.RollbackToVersion(ctx, sessionID, target)
	return o.rollbackTurn(ctx, sessionID, "to_version", res), nil
}

// Timeline returns the session's changelog, newest first, with API keys in
// the recorded states masked. Rollback reads the raw entries through the
// changelog manager.
func (o *Orchestrator) Timeline(ctx context.Context, sessionID string, limit int) ([]*changelog.Entry, error) {
	if limit <= 0 {
		limit = o.timelineLimit
	}
	entries, err := o.changelog.Timeline(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*changelog.Entry, len(entries))
	for i, e := range entries {
		masked := *e
		masked.BeforeState = safety.RedactArgs(e.BeforeState)
		masked.AfterState = safety.RedactArgs(e.AfterState)
		out[i] = &masked
	}
	return out, nil
}

// CurrentVersion returns the session's latest changelog version.
func (o *Orchestrator) CurrentVersion(ctx context.Context, sessionID string) (int64, error) {
	return o.changelog.CurrentVersion(ctx, sessionID)
}

func (o *Orchestrator) runReads(ctx context.Context, sessionID string, calls []plan.Call, turn *Turn) {
	for _, c := range calls {
		res := o.invoke(ctx, c)
		turn.toolResult(toolResult(c, res))
		o.audit(ctx, sessionID, storage.KindRead, c, func(e *storage.ChangeEvent) {
			e.Success = res.Success
			e.Detail = res.Error
		})
		if !res.Success {
			turn.fail(CodeToolError, "%s failed: %s", c.ToolName, res.Error)
		}
	}
}

// execute runs the batch in order and stops at the first failing call.
// Every successful mutation is recorded before the next call starts; a
// mutation the gateway applied but the changelog could not record still
// counts as succeeded, and the batch stops there.
func (o *Orchestrator) execute(ctx context.Context, sessionID string, p *Pending, turn *Turn) *BatchResult {
	result := &BatchResult{}
	var lastVersion int64
	// after-states of this batch's recorded mutations, by resource
	applied := make(map[string]map[string]any)

	for i, c := range p.Calls {
		start := o.now()
		res := o.invoke(ctx, c)
		latency := o.now().Sub(start)
		turn.toolResult(toolResult(c, res))

		if !res.Success {
			result.Failed = &CallOutcome{Index: i, ToolName: c.ToolName, ResourceName: c.Name(), Error: res.Error}
			for _, rest := range p.Calls[i+1:] {
				result.NotAttempted = append(result.NotAttempted, rest.ToolName)
			}
			o.audit(ctx, sessionID, storage.KindFailed, c, func(e *storage.ChangeEvent) {
				e.Detail = res.Error
				e.RiskLevel = p.Risk.String()
				e.LatencyMs = millis(latency)
			})
			o.reportFailure(turn, result, c, res.Error)
			return result
		}

		outcome := CallOutcome{Index: i, ToolName: c.ToolName, ResourceName: c.Name(), Success: true}
		if c.IsMutation() {
			before := p.BeforeStates[i]
			if after, ok := applied[resourceKey(c)]; ok {
				before = after
			}
			entry, err := o.record(ctx, sessionID, c, before, res)
			if err != nil {
				o.logger.Error("changelog append failed after gateway call",
					zap.String("session_id", sessionID),
					zap.String("tool", c.ToolName),
					zap.String("resource", c.Name()),
					zap.Error(err),
				)
				outcome.Error = "not recorded: " + err.Error()
				result.Succeeded = append(result.Succeeded, outcome)
				for _, rest := range p.Calls[i+1:] {
					result.NotAttempted = append(result.NotAttempted, rest.ToolName)
				}
				turn.dashboard(resourceChanged(c.ResourceType()), c.ResourceType(), c.Name(), string(c.Operation()))
				o.audit(ctx, sessionID, storage.KindExecuted, c, func(e *storage.ChangeEvent) {
					e.Success = true
					e.RiskLevel = p.Risk.String()
					e.Detail = outcome.Error
					e.LatencyMs = millis(latency)
				})
				turn.fail(CodeChangelogUnavailable,
					"step %d (%s %s) was applied but could not be recorded, so it cannot be rolled back automatically: %v; not attempted: %d step(s)",
					i+1, c.ToolName, c.Name(), err, len(result.NotAttempted))
				return result
			}
			outcome.VersionID = entry.VersionID
			lastVersion = entry.VersionID
			applied[resourceKey(c)] = entry.AfterState

			turn.rollbackHint(entry.ID, entry.VersionID)
			turn.dashboard(resourceChanged(c.ResourceType()), c.ResourceType(), c.Name(), string(c.Operation()))
			turn.dashboard(dashboardOperationAdded, c.ResourceType(), c.Name(), string(c.Operation()))
			o.audit(ctx, sessionID, storage.KindExecuted, c, func(e *storage.ChangeEvent) {
				e.Success = true
				e.VersionID = entry.VersionID
				e.RiskLevel = p.Risk.String()
				e.Detail = entry.ChangeSummary
				e.LatencyMs = millis(latency)
			})
		}
		result.Succeeded = append(result.Succeeded, outcome)
	}

	result.Success = true
	if lastVersion > 0 {
		turn.message("Done: %d operation(s) applied, now at version %d. Ask to roll back at any time to undo.",
			len(result.Succeeded), lastVersion)
	}
	return result
}

func (o *Orchestrator) reportFailure(turn *Turn, result *BatchResult, c plan.Call, errMsg string) {
	if len(result.Succeeded) > 0 {
		var applied []string
		for _, s := range result.Succeeded {
			if s.VersionID > 0 {
				applied = append(applied, fmt.Sprintf("%s %s (v%d)", s.ToolName, s.ResourceName, s.VersionID))
			} else {
				applied = append(applied, s.ToolName)
			}
		}
		turn.fail(CodePartialBatchFailure,
			"step %d (%s %s) failed: %s; applied before the failure: %s; not attempted: %d step(s)",
			result.Failed.Index+1, c.ToolName, c.Name(), errMsg, strings.Join(applied, ", "), len(result.NotAttempted))
		return
	}
	turn.fail(classifyToolError(errMsg), "%s %s failed: %s", c.ToolName, c.Name(), errMsg)
}

func (o *Orchestrator) record(ctx context.Context, sessionID string, c plan.Call, before map[string]any, res resource.Result) (*changelog.Entry, error) {
	var after map[string]any
	if c.Operation() != plan.OpDelete {
		if after = res.Resource(); after == nil {
			after = c.Args
		}
	}
	entry, err := o.changelog.Append(ctx, sessionID, changelog.Draft{
		OperationType: c.Operation(),
		ResourceType:  c.ResourceType(),
		ResourceName:  c.Name(),
		BeforeState:   before,
		AfterState:    after,
		ChangeSummary: changeSummary(c, before),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveAppend()
	return entry, nil
}

func (o *Orchestrator) rollbackTurn(ctx context.Context, sessionID, kind string, res rollback.Result) *Turn {
	turn := &Turn{SessionID: sessionID, Rollback: &res}
	o.metrics.ObserveRollback(kind, res.Success, res.StepsRolledBack)

	for _, s := range res.Steps {
		turn.dashboard(resourceChanged(s.ResourceType), s.ResourceType, s.ResourceName, actionRollback)
		o.audit(ctx, sessionID, storage.KindRollback, plan.Call{ToolName: s.ToolName, Args: map[string]any{"name": s.ResourceName}}, func(e *storage.ChangeEvent) {
			e.Success = true
			e.VersionID = s.VersionID
		})
	}
	if len(res.Steps) > 0 {
		turn.dashboard(dashboardOperationAdded, res.Steps[0].ResourceType, res.Steps[0].ResourceName, actionRollback)
	}

	if !res.Success {
		msg := "rollback failed"
		if res.FailedAt != nil {
			o.audit(ctx, sessionID, storage.KindRollback, plan.Call{}, func(e *storage.ChangeEvent) {
				e.VersionID = res.FailedAt.VersionID
				e.Detail = res.FailedAt.Error
			})
			msg = res.FailedAt.Error
			if res.FailedAt.VersionID > 0 {
				msg = fmt.Sprintf("version %d: %s", res.FailedAt.VersionID, res.FailedAt.Error)
			}
		}
		code := CodeRollbackFailed
		if res.FailedAt != nil && res.FailedAt.Error == rollback.ErrMissingPriorState.Error() {
			code = CodeMissingPriorState
		}
		turn.fail(code, "%s (%d step(s) rolled back before stopping)", msg, res.StepsRolledBack)
	} else if res.StepsRolledBack == 0 {
		turn.message("Nothing changed: every entry after version %d is already rolled back.", res.ToVersion)
	} else {
		turn.message("Rolled back %d step(s); the session is now at version %d.", res.StepsRolledBack, res.ToVersion)
	}

	turn.State = o.State(sessionID)
	return turn
}

func (o *Orchestrator) invoke(ctx context.Context, c plan.Call) resource.Result {
	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}
	return o.client.Invoke(ctx, c.ToolName, c.Args)
}

// audit writes a change event; fill may set the outcome fields.
func (o *Orchestrator) audit(ctx context.Context, sessionID, kind string, c plan.Call, fill func(*storage.ChangeEvent)) {
	e := &storage.ChangeEvent{
		EventID:      uuid.NewString(),
		Timestamp:    o.now().UTC(),
		SessionID:    sessionID,
		OperatorID:   auth.OperatorID(ctx),
		Kind:         kind,
		ToolName:     c.ToolName,
		ResourceType: string(c.ResourceType()),
		ResourceName: c.Name(),
	}
	if c.Args != nil {
		if data, err := json.Marshal(safety.RedactArgs(c.Args)); err == nil {
			e.ArgumentsJSON = string(data)
		}
	}
	if fill != nil {
		fill(e)
	}
	o.writer.Write(e)
}

func toolResult(c plan.Call, res resource.Result) *ToolResult {
	return &ToolResult{
		ToolName: c.ToolName,
		Args:     safety.RedactArgs(c.Args),
		Success:  res.Success,
		Data:     redactData(res.Data),
		Error:    res.Error,
	}
}

// redactData masks API keys in a response envelope.
func redactData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	switch inner := data["data"].(type) {
	case map[string]any:
		out["data"] = safety.RedactArgs(inner)
	case []any:
		list := make([]any, len(inner))
		for i, item := range inner {
			if m, ok := item.(map[string]any); ok {
				list[i] = safety.RedactArgs(m)
			} else {
				list[i] = item
			}
		}
		out["data"] = list
	}
	return out
}

func hasMutation(calls []plan.Call) bool {
	for _, c := range calls {
		if c.IsMutation() {
			return true
		}
	}
	return false
}

// firstMutation returns the index of the first mutating call, or 0.
func firstMutation(calls []plan.Call) int {
	for i, c := range calls {
		if c.IsMutation() {
			return i
		}
	}
	return 0
}

func classifyToolError(msg string) ErrorCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return CodeResourceConflict
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "not found"):
		return CodeResourceNotFound
	}
	return CodeToolError
}

func resourceChanged(rt plan.ResourceType) string {
	if rt == plan.ResourceProvider {
		return dashboardProviderChanged
	}
	return dashboardRouteChanged
}

func resourceKey(c plan.Call) string {
	return string(c.ResourceType()) + "/" + c.Name()
}

// lastTouch returns the index of the last call in calls on key, or -1.
func lastTouch(calls []plan.Call, key string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].IsMutation() && resourceKey(calls[i]) == key {
			return i
		}
	}
	return -1
}

func resourceLabel(rt plan.ResourceType) string {
	switch rt {
	case plan.ResourceProvider:
		return "provider"
	case plan.ResourceRoute:
		return "route"
	}
	return string(rt)
}

func millis(d time.Duration) float32 {
	return float32(float64(d) / float64(time.Millisecond))
}
