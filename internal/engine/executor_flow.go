package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casaops/sopflow/internal/actions"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

// completeAndAdvance commits a step completion and walks the graph forward.
// Caller holds the instance lock and persists the instance afterward.
func (e *Executor) completeAndAdvance(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, exec *store.Execution, result map[string]any, actionsTaken []string) error {
	if err := e.commitCompletion(ctx, inst, step, exec, result, actionsTaken); err != nil {
		return err
	}
	return e.advance(ctx, inst, graph, step, result)
}

// commitCompletion records a successful execution and releases its assignment.
func (e *Executor) commitCompletion(ctx context.Context, inst *store.Instance, step *schema.StepDefinition, exec *store.Execution, result map[string]any, actionsTaken []string) error {
	if err := e.execFSM.Transition(ctx, inst.ID, step.ID, exec.Status, schema.ExecStatusCompleted); err != nil {
		return err
	}

	now := time.Now().UTC()
	raw, err := json.Marshal(result)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal step result: %s", err.Error()).WithCause(err)
	}
	completed := schema.ExecStatusCompleted
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:       &completed,
		Result:       raw,
		ActionsTaken: &actionsTaken,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete execution: %s", err.Error()).WithCause(err)
	}
	exec.Status = completed
	exec.Result = raw
	exec.ActionsTaken = actionsTaken
	exec.CompletedAt = &now

	e.workload.Release(exec.AssignedRole, exec.AssignedUser)
	e.markStepDone(inst, step.ID, result)
	return nil
}

// markStepDone records a step's completion on the in-memory instance.
func (e *Executor) markStepDone(inst *store.Instance, stepID string, result map[string]any) {
	inst.CurrentStepIDs = removeString(inst.CurrentStepIDs, stepID)
	if !containsStr(inst.CompletedSteps, stepID) {
		inst.CompletedSteps = append(inst.CompletedSteps, stepID)
	}
	if inst.StepResults == nil {
		inst.StepResults = make(map[string]any)
	}
	if result != nil {
		inst.StepResults[stepID] = result
	}
}

// pendingAutomation is an automated execution registered during fan-out but
// not yet run. Running is deferred until every sibling branch is registered,
// so a branch completing (or dying) synchronously cannot release a join or
// finish the instance while siblings are still unscheduled.
type pendingAutomation struct {
	step *schema.StepDefinition
	exec *store.Execution
}

// advance schedules the successors of a completed step, runs whatever
// automated work that queued, and finishes the instance when no active steps
// remain.
func (e *Executor) advance(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, result map[string]any) error {
	var autos []pendingAutomation
	if err := e.expandSuccessors(ctx, inst, graph, step, result, &autos); err != nil {
		return err
	}
	return e.drainAutomations(ctx, inst, graph, autos)
}

// expandSuccessors registers executions for every ready successor of a
// completed step. Automated steps are queued on autos instead of run.
func (e *Executor) expandSuccessors(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, result map[string]any, autos *[]pendingAutomation) error {
	successors, err := e.selectSuccessors(ctx, inst, step, result)
	if err != nil {
		return err
	}
	for _, next := range successors {
		ready, err := e.joinReady(inst, graph, next)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := e.scheduleStep(ctx, inst, graph, next, autos); err != nil {
			return err
		}
	}
	return nil
}

// drainAutomations runs queued automated executions in scheduling order.
func (e *Executor) drainAutomations(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, autos []pendingAutomation) error {
	for _, a := range autos {
		if inst.Status.Terminal() {
			return nil
		}
		if err := e.runAutomated(ctx, inst, graph, a.step, a.exec); err != nil {
			return err
		}
	}

	if len(inst.CurrentStepIDs) == 0 && !inst.Status.Terminal() {
		return e.finishInstance(ctx, inst)
	}
	return nil
}

// scheduleAndRun schedules a single step and drives any automated work it
// queued. Entry point for the first step of an instance and for on_rejected
// jumps.
func (e *Executor) scheduleAndRun(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, stepID string) error {
	var autos []pendingAutomation
	if err := e.scheduleStep(ctx, inst, graph, stepID, &autos); err != nil {
		return err
	}
	return e.drainAutomations(ctx, inst, graph, autos)
}

// selectSuccessors picks the next step IDs after a completed step.
//
// Parallel steps fan out to every declared successor. All other step types
// pick exactly one: predicated candidates are tried in declared order and the
// first whose predicate holds wins; when none holds, the first declared
// successor is the fallback. A candidate without a predicate never
// short-circuits later predicated candidates.
func (e *Executor) selectSuccessors(ctx context.Context, inst *store.Instance, step *schema.StepDefinition, result map[string]any) ([]string, error) {
	if len(step.NextSteps) == 0 {
		return nil, nil
	}

	if step.Type == schema.StepTypeParallel {
		out := make([]string, 0, len(step.NextSteps))
		for _, next := range step.NextSteps {
			out = append(out, next.StepID)
		}
		return out, nil
	}

	env := map[string]any{
		"context": inst.Context,
		"result":  result,
		"steps":   inst.StepResults,
	}
	for _, next := range step.NextSteps {
		if next.When == "" {
			continue
		}
		matched, err := e.expr.EvaluateBool(ctx, next.When, env)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"branch predicate on step %q: %s", step.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		if matched {
			return []string{next.StepID}, nil
		}
	}
	return []string{step.NextSteps[0].StepID}, nil
}

// joinReady reports whether every predecessor of candidate that is still on
// an active path has completed. Predecessors unreachable from any active step
// (an untaken decision arm) never block the join.
func (e *Executor) joinReady(inst *store.Instance, graph *registry.StepGraph, candidate string) (bool, error) {
	var preds []string
	for id, succs := range graph.Edges {
		for _, s := range succs {
			if s == candidate {
				preds = append(preds, id)
				break
			}
		}
	}
	if len(preds) <= 1 {
		return true, nil
	}

	active := reachableFrom(graph, inst.CurrentStepIDs)
	for _, p := range preds {
		if containsStr(inst.CompletedSteps, p) {
			continue
		}
		if containsStr(inst.CurrentStepIDs, p) || active[p] {
			return false, nil
		}
	}
	return true, nil
}

// reachableFrom returns the set of steps reachable from the given starting
// steps, the starts included.
func reachableFrom(graph *registry.StepGraph, starts []string) map[string]bool {
	seen := make(map[string]bool, len(starts))
	queue := append([]string(nil), starts...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, graph.Edges[cur]...)
	}
	return seen
}

// scheduleStep creates an execution for stepID. Automated steps are queued on
// autos for the caller to run once scheduling settles; parallel steps expand
// in place, feeding their branches through the same queue.
func (e *Executor) scheduleStep(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, stepID string, autos *[]pendingAutomation) error {
	step, ok := graph.Steps[stepID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"successor %q missing from step graph", stepID).WithStep(stepID)
	}

	// A re-entered step (on_rejected jump) sheds its previous completion.
	inst.CompletedSteps = removeString(inst.CompletedSteps, stepID)

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     stepID,
		Status:     schema.ExecStatusPending,
		CreatedAt:  now,
	}

	switch step.Type {
	case schema.StepTypeHumanAction, schema.StepTypeDecision:
		role, err := e.resolver.Get(step.AssignedRole)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q assigned to unknown role %q", stepID, step.AssignedRole).WithStep(stepID)
		}
		exec.AssignedRole = role.ID
		exec.AssignedUser = e.workload.Assign(role)
		exec.StartedAt = &now
		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err == nil {
				deadline := now.Add(d)
				exec.TimeoutAt = &deadline
			}
		}
		if err := e.createAndStart(ctx, inst, exec); err != nil {
			return err
		}
		inst.CurrentStepIDs = append(inst.CurrentStepIDs, stepID)
		inst.CurrentRole = role.ID
		inst.AssignedTo = exec.AssignedUser
		e.notifyAssignment(ctx, inst, step, exec)
		return nil

	case schema.StepTypeAutomated:
		if err := e.createAndStart(ctx, inst, exec); err != nil {
			return err
		}
		inst.CurrentStepIDs = append(inst.CurrentStepIDs, stepID)
		*autos = append(*autos, pendingAutomation{step: step, exec: exec})
		return nil

	case schema.StepTypeParallel:
		// Control node: completes instantly and fans out.
		if err := e.createAndStart(ctx, inst, exec); err != nil {
			return err
		}
		inst.CurrentStepIDs = append(inst.CurrentStepIDs, stepID)
		if err := e.commitCompletion(ctx, inst, step, exec, nil, nil); err != nil {
			return err
		}
		return e.expandSuccessors(ctx, inst, graph, step, nil, autos)

	default:
		return schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"step %q has unschedulable type %q", stepID, step.Type).WithStep(stepID)
	}
}

// createAndStart persists a pending execution and moves it to in_progress.
func (e *Executor) createAndStart(ctx context.Context, inst *store.Instance, exec *store.Execution) error {
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	if err := e.execFSM.Transition(ctx, inst.ID, exec.StepID, exec.Status, schema.ExecStatusInProgress); err != nil {
		return err
	}
	now := time.Now().UTC()
	inProgress := schema.ExecStatusInProgress
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &inProgress,
		StartedAt: exec.StartedAt,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "start execution: %s", err.Error()).WithCause(err)
	}
	exec.Status = inProgress
	return nil
}

// notifyAssignment records the assignment in the communication log and hands
// a notification request to the dispatcher. Neither failure blocks the step.
func (e *Executor) notifyAssignment(ctx context.Context, inst *store.Instance, step *schema.StepDefinition, exec *store.Execution) {
	if _, err := e.comms.Append(ctx, inst.ID, "system", exec.AssignedRole, schema.MessageTypeNotification, map[string]any{
		"event":   "step_assigned",
		"step_id": step.ID,
		"user":    exec.AssignedUser,
	}); err != nil {
		e.logger.WarnContext(ctx, "assignment message not recorded", slog.String("error", err.Error()))
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Dispatch(ctx, schema.NotificationRequest{
		ToRole:   exec.AssignedRole,
		ToUser:   exec.AssignedUser,
		Channel:  "chat",
		Template: "step_assigned",
		Variables: map[string]any{
			"instance_id": inst.ID,
			"step_id":     step.ID,
			"sop_id":      inst.SOPID,
		},
	}); err != nil {
		e.logger.WarnContext(ctx, "assignment notification failed", slog.String("error", err.Error()))
	}
}

// runAutomated executes a step's action with its retry policy and advances on
// success. A non-best_effort failure fails the whole instance.
func (e *Executor) runAutomated(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, exec *store.Execution) error {
	result, err := e.invokeAction(ctx, inst, step)
	if err != nil {
		return e.handleAutomatedFailure(ctx, inst, graph, step, exec, err)
	}
	return e.completeAndAdvance(ctx, inst, graph, step, exec, result, []string{step.Action})
}

// invokeAction runs the action with retries per the step's policy.
func (e *Executor) invokeAction(ctx context.Context, inst *store.Instance, step *schema.StepDefinition) (map[string]any, error) {
	act, err := e.actions.Get(step.Action)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(step.Params) > 0 {
		if err := json.Unmarshal(step.Params, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q params are not an object: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
		}
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts = step.Retry.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(step.Retry, attempt-1)); err != nil {
				return nil, err
			}
		}
		out, err := act.Execute(ctx, actionInput(params, inst))
		if err == nil {
			return actionResult(out)
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
		e.logger.WarnContext(ctx, "automated step attempt failed",
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"action %q failed: %s", step.Action, lastErr.Error()).WithStep(step.ID).WithCause(lastErr)
}

func (e *Executor) handleAutomatedFailure(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, exec *store.Execution, cause error) error {
	if err := e.execFSM.Transition(ctx, inst.ID, step.ID, exec.Status, schema.ExecStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.ExecStatusFailed
	errPayload, _ := json.Marshal(map[string]any{"error": cause.Error()})
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errPayload,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "fail execution: %s", err.Error()).WithCause(err)
	}
	exec.Status = failed

	inst.CurrentStepIDs = removeString(inst.CurrentStepIDs, step.ID)

	if step.BestEffort {
		// The branch dies quietly; the rest of the instance continues.
		if inst.StepResults == nil {
			inst.StepResults = make(map[string]any)
		}
		inst.StepResults[step.ID] = map[string]any{"error": cause.Error()}
		e.logger.WarnContext(ctx, "best-effort step failed",
			slog.String("step_id", step.ID),
			slog.String("error", cause.Error()),
		)
		if len(inst.CurrentStepIDs) == 0 && !inst.Status.Terminal() {
			return e.finishInstance(ctx, inst)
		}
		return nil
	}

	return e.failInstance(ctx, inst, cause.Error())
}

// handleRejection routes a rejected approval: either jump to the step's
// on_rejected target or fail the instance.
func (e *Executor) handleRejection(ctx context.Context, inst *store.Instance, graph *registry.StepGraph, step *schema.StepDefinition, exec *store.Execution, notes string) error {
	if err := e.execFSM.Transition(ctx, inst.ID, step.ID, exec.Status, schema.ExecStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.ExecStatusFailed
	errPayload, _ := json.Marshal(map[string]any{"error": "approval rejected", "notes": notes})
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errPayload,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "fail execution: %s", err.Error()).WithCause(err)
	}
	exec.Status = failed

	e.workload.Release(exec.AssignedRole, exec.AssignedUser)
	inst.CurrentStepIDs = removeString(inst.CurrentStepIDs, step.ID)

	if step.OnRejected == "" {
		return e.failInstance(ctx, inst, "approval rejected for step "+step.ID)
	}

	if inst.Status == schema.InstanceStatusWaiting {
		if err := e.transitionInstance(ctx, inst, schema.InstanceStatusInProgress); err != nil {
			return err
		}
	}
	return e.scheduleAndRun(ctx, inst, graph, step.OnRejected)
}

// finishInstance moves the instance to completed.
func (e *Executor) finishInstance(ctx context.Context, inst *store.Instance) error {
	if err := e.transitionInstance(ctx, inst, schema.InstanceStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.CompletedAt = &now
	inst.CurrentStepIDs = nil
	e.logger.InfoContext(ctx, "instance completed",
		slog.String("sop_id", inst.SOPID),
		slog.Int("steps", len(inst.CompletedSteps)),
	)
	return nil
}

// failInstance moves the instance to failed and skips whatever is still open.
func (e *Executor) failInstance(ctx context.Context, inst *store.Instance, reason string) error {
	if err := e.transitionInstance(ctx, inst, schema.InstanceStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.CompletedAt = &now
	inst.FailureReason = reason
	inst.CurrentStepIDs = nil

	if err := e.skipOpenExecutions(ctx, inst); err != nil {
		return err
	}
	if err := e.approvals.CancelPending(ctx, inst.ID, "instance failed: "+reason); err != nil {
		e.logger.WarnContext(ctx, "pending approvals not rejected on failure", slog.String("error", err.Error()))
	}

	e.logger.ErrorContext(ctx, "instance failed", slog.String("reason", reason))
	return nil
}

func actionInput(params map[string]any, inst *store.Instance) actions.ActionInput {
	return actions.ActionInput{Params: params, Context: inst.Context}
}

// actionResult coerces an action output into a step result map.
func actionResult(out *actions.ActionOutput) (map[string]any, error) {
	if out == nil || len(out.Data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(out.Data, &m); err == nil {
		return m, nil
	}
	var v any
	if err := json.Unmarshal(out.Data, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "action output is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return map[string]any{"output": v}, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
