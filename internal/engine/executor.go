// Package engine advances workflow instances through their SOP step graphs:
// scheduling steps, enforcing completion criteria and approvals, branching,
// fanning out parallel paths, and sweeping timeouts and SLA breaches.
//
// All mutations of an instance happen under its per-instance lock, so exactly
// one of two racing completions commits; the other observes the committed
// outcome as a CONFLICT.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casaops/sopflow/internal/actions"
	"github.com/casaops/sopflow/internal/approval"
	"github.com/casaops/sopflow/internal/commlog"
	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/internal/hierarchy"
	"github.com/casaops/sopflow/internal/logging"
	"github.com/casaops/sopflow/internal/notify"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/streaming"
	"github.com/casaops/sopflow/internal/workload"
	"github.com/casaops/sopflow/pkg/schema"
)

// Options configures executor behavior.
type Options struct {
	// SweepConcurrency bounds how many timed-out executions are handled in
	// parallel during a sweep. Defaults to 4.
	SweepConcurrency int
}

// Executor drives instance execution over registered SOPs.
type Executor struct {
	store     store.Store
	registry  *registry.Registry
	resolver  *hierarchy.Resolver
	approvals *approval.Coordinator
	workload  *workload.Tracker
	comms     *commlog.Log
	actions   *actions.Registry
	notifier  notify.Dispatcher
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.GoJQEngine
	hub       streaming.EventHub
	logger    *slog.Logger

	instFSM *InstanceFSM
	execFSM *ExecutionFSM
	locks   *instanceLocks
	pool    *WorkerPool

	graphMu sync.RWMutex
	graphs  map[string]*registry.StepGraph
}

// NewExecutor wires an Executor from its collaborators.
func NewExecutor(
	s store.Store,
	reg *registry.Registry,
	resolver *hierarchy.Resolver,
	approvals *approval.Coordinator,
	tracker *workload.Tracker,
	comms *commlog.Log,
	acts *actions.Registry,
	notifier notify.Dispatcher,
	cel *expressions.CELEngine,
	exprEng *expressions.ExprEngine,
	jq *expressions.GoJQEngine,
	hub streaming.EventHub,
	logger *slog.Logger,
	opts Options,
) *Executor {
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	return &Executor{
		store:     s,
		registry:  reg,
		resolver:  resolver,
		approvals: approvals,
		workload:  tracker,
		comms:     comms,
		actions:   acts,
		notifier:  notifier,
		cel:       cel,
		expr:      exprEng,
		jq:        jq,
		hub:       hub,
		logger:    logger,
		instFSM:   NewInstanceFSM(hub),
		execFSM:   NewExecutionFSM(hub),
		locks:     newInstanceLocks(),
		pool:      NewWorkerPool(opts.SweepConcurrency),
		graphs:    make(map[string]*registry.StepGraph),
	}
}

// Shutdown drains in-flight sweep work.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// StartInstance creates and starts a new instance of sop for the trigger.
// instanceCtx becomes the instance context visible to predicates and criteria.
func (e *Executor) StartInstance(ctx context.Context, sop *store.SOP, trigger schema.Trigger, instanceCtx map[string]any) (*store.Instance, error) {
	graph, err := e.graphFor(sop)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &store.Instance{
		ID:          uuid.NewString(),
		SOPID:       sop.ID,
		SOPVersion:  sop.Version,
		TriggerType: trigger.Type,
		TriggerID:   trigger.ID,
		Context:     instanceCtx,
		Status:      schema.InstanceStatusPending,
		StepResults: make(map[string]any),
		CreatedAt:   now,
	}
	if sop.Definition.TimeLimit != "" {
		if d, err := time.ParseDuration(sop.Definition.TimeLimit); err == nil {
			due := now.Add(d)
			inst.DueAt = &due
		}
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create instance: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	e.publish(ctx, inst.ID, "", schema.EventInstanceCreated, map[string]any{
		"sop_id":       sop.ID,
		"sop_version":  sop.Version,
		"trigger_type": trigger.Type,
		"trigger_id":   trigger.ID,
	})

	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	if err := e.transitionInstance(ctx, inst, schema.InstanceStatusInProgress); err != nil {
		return nil, err
	}
	inst.StartedAt = &now

	if err := e.scheduleAndRun(ctx, inst, graph, graph.Entry); err != nil {
		return nil, err
	}
	if err := e.persistInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "instance started",
		slog.String("sop_id", sop.ID),
		slog.Int("sop_version", sop.Version),
		slog.String("trigger_id", trigger.ID),
	)
	return inst, nil
}

// CompleteStep processes a step-completion submission. The first submission
// for a step commits; a concurrent duplicate gets a CONFLICT carrying the
// committed result.
func (e *Executor) CompleteStep(ctx context.Context, completion schema.StepCompletion) (*store.Execution, error) {
	ctx = logging.WithIDs(ctx, completion.InstanceID, completion.StepID)

	unlock := e.locks.Lock(completion.InstanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, completion.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is %s", inst.ID, inst.Status)
	}

	graph, err := e.graphForInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	step, ok := graph.Steps[completion.StepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q is not part of sop %s", completion.StepID, inst.SOPID).WithStep(completion.StepID)
	}

	exec, err := e.latestExecution(ctx, inst.ID, completion.StepID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q has not been scheduled for instance %s", completion.StepID, inst.ID).WithStep(completion.StepID)
	}
	if exec.Status.Terminal() {
		if exec.Status == schema.ExecStatusCompleted {
			var committed any
			if len(exec.Result) > 0 {
				_ = json.Unmarshal(exec.Result, &committed)
			}
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"step %q already completed", completion.StepID).
				WithStep(completion.StepID).
				WithDetails(map[string]any{"committed_result": committed})
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"step %q execution is %s", completion.StepID, exec.Status).WithStep(completion.StepID)
	}

	// An escalated step is reissued to the very role its pending request is
	// addressed to; that role acting on the step doubles as the approval.
	// Anyone else must wait for the request to resolve.
	pendingAp, err := e.approvals.PendingForExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if pendingAp != nil && (pendingAp.RequestedFromRole != completion.Actor.Role || completion.Actor.Role != exec.AssignedRole) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"step %q is waiting on approval %s", completion.StepID, pendingAp.ID).WithStep(completion.StepID)
	}

	if exec.AssignedRole != "" && completion.Actor.Role != exec.AssignedRole {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"actor role %q does not hold assignment %q", completion.Actor.Role, exec.AssignedRole).
			WithStep(completion.StepID)
	}

	if step.CompletionCriteria != "" {
		satisfied, err := e.cel.EvaluateBool(ctx, step.CompletionCriteria, map[string]any{
			"result":  completion.Result,
			"context": inst.Context,
			"steps":   inst.StepResults,
		})
		if err != nil {
			return nil, err
		}
		if !satisfied {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"completion criteria not satisfied for step %q", completion.StepID).
				WithStep(completion.StepID).
				WithDetails(map[string]any{"criteria": step.CompletionCriteria})
		}
	}

	// A waiting instance resumes when its escalated step is acted on.
	if inst.Status == schema.InstanceStatusWaiting {
		if err := e.transitionInstance(ctx, inst, schema.InstanceStatusInProgress); err != nil {
			return nil, err
		}
	}

	if pendingAp != nil {
		if _, err := e.approvals.Resolve(ctx, schema.ApprovalDecision{
			RequestID:     pendingAp.ID,
			Decision:      string(schema.ApprovalStatusApproved),
			ResolvingRole: completion.Actor.Role,
			ResolvingUser: completion.Actor.User,
			Notes:         "resolved by acting on the escalated step",
		}); err != nil {
			return nil, err
		}
	}

	if step.Approval != nil {
		amount, err := e.approvalAmount(ctx, step, completion.Result)
		if err != nil {
			return nil, err
		}
		outcome, err := e.approvals.Request(ctx, inst, exec, completion.Actor.Role, amount)
		if err != nil {
			return nil, err
		}
		if outcome.Pending {
			if err := e.parkForApproval(ctx, inst, exec, completion); err != nil {
				return nil, err
			}
			return exec, nil
		}
	}

	if err := e.completeAndAdvance(ctx, inst, graph, step, exec, completion.Result, completion.ActionsTaken); err != nil {
		return nil, err
	}
	if err := e.persistInstance(ctx, inst); err != nil {
		return nil, err
	}
	return exec, nil
}

// ResolveApproval applies an approve/reject decision and resumes or reroutes
// the waiting step.
func (e *Executor) ResolveApproval(ctx context.Context, decision schema.ApprovalDecision) (*store.Approval, error) {
	pending, err := e.store.GetApproval(ctx, decision.RequestID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithInstanceID(ctx, pending.InstanceID)

	unlock := e.locks.Lock(pending.InstanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, pending.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is %s", inst.ID, inst.Status)
	}

	ap, err := e.approvals.Resolve(ctx, decision)
	if err != nil {
		return nil, err
	}

	exec, err := e.store.GetExecution(ctx, ap.ExecutionID)
	if err != nil {
		return nil, err
	}
	graph, err := e.graphForInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	step, ok := graph.Steps[exec.StepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"approval %s references unknown step %q", ap.ID, exec.StepID)
	}

	if ap.Status == schema.ApprovalStatusApproved {
		if inst.Status == schema.InstanceStatusWaiting {
			if err := e.transitionInstance(ctx, inst, schema.InstanceStatusInProgress); err != nil {
				return nil, err
			}
		}
		var result map[string]any
		if len(exec.Result) > 0 {
			if err := json.Unmarshal(exec.Result, &result); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"parked result for execution %s is corrupt: %s", exec.ID, err.Error()).WithCause(err)
			}
		}
		if err := e.completeAndAdvance(ctx, inst, graph, step, exec, result, exec.ActionsTaken); err != nil {
			return nil, err
		}
	} else {
		if err := e.handleRejection(ctx, inst, graph, step, exec, ap.Notes); err != nil {
			return nil, err
		}
	}

	if err := e.persistInstance(ctx, inst); err != nil {
		return nil, err
	}
	return ap, nil
}

// CancelInstance cancels a non-terminal instance. Open executions are skipped,
// pending approvals rejected, and the communication log left intact.
func (e *Executor) CancelInstance(ctx context.Context, instanceID, reason string) (*store.Instance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is %s", inst.ID, inst.Status)
	}

	if err := e.transitionInstance(ctx, inst, schema.InstanceStatusCancelled); err != nil {
		return nil, err
	}

	if err := e.skipOpenExecutions(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.approvals.CancelPending(ctx, inst.ID, "instance cancelled"); err != nil {
		e.logger.WarnContext(ctx, "pending approvals not rejected on cancel", slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	inst.CompletedAt = &now
	inst.FailureReason = reason
	inst.CurrentStepIDs = nil

	if _, err := e.comms.Append(ctx, inst.ID, "system", inst.CurrentRole, schema.MessageTypeNotification, map[string]any{
		"event":  schema.EventInstanceCancelled,
		"reason": reason,
	}); err != nil {
		e.logger.WarnContext(ctx, "cancel notification not recorded", slog.String("error", err.Error()))
	}

	if err := e.persistInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "instance cancelled", slog.String("reason", reason))
	return inst, nil
}

// Instance returns an instance by ID.
func (e *Executor) Instance(ctx context.Context, id string) (*store.Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListActive returns non-terminal instances, optionally filtered by the role
// currently responsible for them.
func (e *Executor) ListActive(ctx context.Context, role string) ([]*store.Instance, error) {
	return e.store.ListInstances(ctx, store.InstanceFilter{ActiveOnly: true, Role: role})
}

// --- shared internals ---

// transitionInstance runs the FSM transition and mutates the in-memory status.
func (e *Executor) transitionInstance(ctx context.Context, inst *store.Instance, to schema.InstanceStatus) error {
	if err := e.instFSM.Transition(ctx, inst.ID, inst.Status, to); err != nil {
		return err
	}
	inst.Status = to
	return nil
}

// persistInstance writes the in-memory instance state back to the store.
func (e *Executor) persistInstance(ctx context.Context, inst *store.Instance) error {
	update := store.InstanceUpdate{
		Status:         &inst.Status,
		Context:        inst.Context,
		CurrentStepIDs: &inst.CurrentStepIDs,
		CompletedSteps: &inst.CompletedSteps,
		StepResults:    inst.StepResults,
		AssignedTo:     &inst.AssignedTo,
		CurrentRole:    &inst.CurrentRole,
		FailureReason:  &inst.FailureReason,
		SLABreached:    &inst.SLABreached,
		StartedAt:      inst.StartedAt,
		DueAt:          inst.DueAt,
		CompletedAt:    inst.CompletedAt,
	}
	if err := e.store.UpdateInstance(ctx, inst.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist instance: %s", err.Error()).WithCause(err)
	}
	return nil
}

// graphFor builds (or fetches the cached) step graph for an SOP version.
func (e *Executor) graphFor(sop *store.SOP) (*registry.StepGraph, error) {
	key := sop.ID + "@" + strconv.Itoa(sop.Version)

	e.graphMu.RLock()
	if g, ok := e.graphs[key]; ok {
		e.graphMu.RUnlock()
		return g, nil
	}
	e.graphMu.RUnlock()

	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	if g, ok := e.graphs[key]; ok {
		return g, nil
	}

	g, err := registry.BuildGraph(&sop.Definition)
	if err != nil {
		return nil, err
	}
	e.graphs[key] = g
	return g, nil
}

func (e *Executor) graphForInstance(ctx context.Context, inst *store.Instance) (*registry.StepGraph, error) {
	sop, err := e.registry.Get(ctx, inst.SOPID, inst.SOPVersion)
	if err != nil {
		return nil, err
	}
	return e.graphFor(sop)
}

// latestExecution returns the most recent execution of a step within an
// instance, or nil when the step was never scheduled.
func (e *Executor) latestExecution(ctx context.Context, instanceID, stepID string) (*store.Execution, error) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{InstanceID: instanceID, StepID: stepID})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return execs[len(execs)-1], nil
}

func (e *Executor) approvalAmount(ctx context.Context, step *schema.StepDefinition, result map[string]any) (float64, error) {
	if step.Approval.AmountExpr != "" {
		amount, err := e.jq.EvaluateNumber(ctx, step.Approval.AmountExpr, result)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"extract approval amount for step %q: %s", step.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		return amount, nil
	}
	return step.Approval.Amount, nil
}

// parkForApproval stashes the submitted result on the execution and puts the
// instance into waiting until the approval resolves.
func (e *Executor) parkForApproval(ctx context.Context, inst *store.Instance, exec *store.Execution, completion schema.StepCompletion) error {
	raw, err := json.Marshal(completion.Result)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal step result: %s", err.Error()).WithCause(err)
	}
	actionsTaken := completion.ActionsTaken
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Result:       raw,
		ActionsTaken: &actionsTaken,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "park execution result: %s", err.Error()).WithCause(err)
	}
	exec.Result = raw
	exec.ActionsTaken = actionsTaken

	if inst.Status == schema.InstanceStatusInProgress {
		if err := e.transitionInstance(ctx, inst, schema.InstanceStatusWaiting); err != nil {
			return err
		}
	}
	return e.persistInstance(ctx, inst)
}

// skipOpenExecutions moves every non-terminal execution of the instance to
// skipped and releases its workload assignment.
func (e *Executor) skipOpenExecutions(ctx context.Context, inst *store.Instance) error {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{InstanceID: inst.ID})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		if err := e.execFSM.Transition(ctx, inst.ID, exec.StepID, exec.Status, schema.ExecStatusSkipped); err != nil {
			return err
		}
		skipped := schema.ExecStatusSkipped
		if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			Status:      &skipped,
			CompletedAt: &now,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "skip execution %s: %s", exec.ID, err.Error()).WithCause(err)
		}
		e.workload.Release(exec.AssignedRole, exec.AssignedUser)
	}
	return nil
}

func (e *Executor) publish(ctx context.Context, instanceID, stepID, eventType string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		InstanceID: instanceID,
		StepID:     stepID,
		EventType:  eventType,
		Payload:    payload,
	})
}
