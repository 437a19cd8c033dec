package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casaops/sopflow/internal/logging"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

// RunTimeoutSweep finds executions past their timeout deadline and applies
// each step's on_timeout behavior. Executions are handled concurrently on the
// worker pool; per-instance locks serialize against live completions.
// Returns how many executions were processed.
func (e *Executor) RunTimeoutSweep(ctx context.Context, now time.Time) (int, error) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{TimedOutBefore: &now})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list timed-out executions: %s", err.Error()).WithCause(err)
	}

	for _, exec := range execs {
		exec := exec
		if err := e.pool.Submit(ctx, func(ctx context.Context) error {
			if err := e.handleTimeout(ctx, exec.ID, now); err != nil {
				e.logger.ErrorContext(ctx, "timeout handling failed",
					slog.String("execution_id", exec.ID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		}); err != nil {
			return 0, err
		}
	}
	e.pool.Wait()
	return len(execs), nil
}

// handleTimeout re-checks one timed-out execution under the instance lock and
// either escalates the step to the assigned role's supervisor or fails the
// instance.
func (e *Executor) handleTimeout(ctx context.Context, executionID string, now time.Time) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, exec.InstanceID, exec.StepID)

	unlock := e.locks.Lock(exec.InstanceID)
	defer unlock()

	// Re-read: the step may have completed while we queued.
	exec, err = e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() || exec.TimeoutAt == nil || exec.TimeoutAt.After(now) {
		return nil
	}

	inst, err := e.store.GetInstance(ctx, exec.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	graph, err := e.graphForInstance(ctx, inst)
	if err != nil {
		return err
	}
	step, ok := graph.Steps[exec.StepID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"timed-out execution %s references unknown step %q", exec.ID, exec.StepID)
	}

	if err := e.execFSM.Transition(ctx, inst.ID, exec.StepID, exec.Status, schema.ExecStatusTimeout); err != nil {
		return err
	}
	timedOut := schema.ExecStatusTimeout
	nowUTC := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &timedOut,
		CompletedAt: &nowUTC,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mark execution timed out: %s", err.Error()).WithCause(err)
	}
	e.workload.Release(exec.AssignedRole, exec.AssignedUser)

	if step.OnTimeout == schema.OnTimeoutEscalate {
		if err := e.escalateTimedOutStep(ctx, inst, step, exec, now); err == nil {
			return e.persistInstance(ctx, inst)
		} else if schema.CodeOf(err) != schema.ErrCodeAuthorityResolution {
			return err
		}
		// No supervisor to escalate to: fall through to failure.
	}

	inst.CurrentStepIDs = removeString(inst.CurrentStepIDs, exec.StepID)
	if err := e.failInstance(ctx, inst, "step "+exec.StepID+" timed out"); err != nil {
		return err
	}
	return e.persistInstance(ctx, inst)
}

// escalateTimedOutStep treats the lapse as an authority deficiency of the role
// that let the step expire: the approval coordinator opens a pending request
// up the chain, the step is reissued to the request's target with a fresh
// timeout window measured from the sweep time, and the instance parks in
// waiting. Exactly one escalation message is recorded, by the coordinator.
func (e *Executor) escalateTimedOutStep(ctx context.Context, inst *store.Instance, step *schema.StepDefinition, timedOut *store.Execution, now time.Time) error {
	role, err := e.resolver.Get(timedOut.AssignedRole)
	if err != nil {
		return err
	}
	if role.ReportsTo == "" {
		return schema.NewErrorf(schema.ErrCodeAuthorityResolution,
			"role %s has no supervisor to escalate to", role.ID)
	}

	// The deficiency amount is the step's declared approval amount when it has
	// one, otherwise the lapsed role's own limit.
	amount := 0.0
	if step.Approval != nil && step.Approval.Amount > 0 {
		amount = step.Approval.Amount
	} else if role.ApprovalLimit != nil {
		amount = *role.ApprovalLimit
	}

	execID := uuid.NewString()
	ap, err := e.approvals.Escalate(ctx, inst, execID, step.ID, role.ID, amount, "step timed out")
	if err != nil {
		return err
	}
	target, err := e.resolver.Get(ap.RequestedFromRole)
	if err != nil {
		return err
	}

	exec := &store.Execution{
		ID:           execID,
		InstanceID:   inst.ID,
		StepID:       step.ID,
		Status:       schema.ExecStatusPending,
		AssignedRole: target.ID,
		AssignedUser: e.workload.Assign(target),
		StartedAt:    &now,
		CreatedAt:    now,
	}
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			deadline := now.Add(d)
			exec.TimeoutAt = &deadline
		}
	}
	if err := e.createAndStart(ctx, inst, exec); err != nil {
		return err
	}
	inst.CurrentRole = target.ID
	inst.AssignedTo = exec.AssignedUser

	if inst.Status == schema.InstanceStatusInProgress {
		if err := e.transitionInstance(ctx, inst, schema.InstanceStatusWaiting); err != nil {
			return err
		}
	}

	e.logger.InfoContext(ctx, "step escalated after timeout",
		slog.String("from_role", timedOut.AssignedRole),
		slog.String("to_role", target.ID),
	)
	return nil
}

// RunSLASweep flags active instances past their SLA deadline. Each breach is
// flagged once, announced on the hub, and recorded in the communication log.
// Returns how many instances were newly flagged.
func (e *Executor) RunSLASweep(ctx context.Context, now time.Time) (int, error) {
	notBreached := false
	overdue, err := e.store.ListInstances(ctx, store.InstanceFilter{
		ActiveOnly:  true,
		DueBefore:   &now,
		SLABreached: &notBreached,
	})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list overdue instances: %s", err.Error()).WithCause(err)
	}

	flagged := 0
	for _, inst := range overdue {
		if err := e.flagSLABreach(ctx, inst); err != nil {
			e.logger.ErrorContext(ctx, "sla breach not flagged",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		flagged++
	}
	return flagged, nil
}

func (e *Executor) flagSLABreach(ctx context.Context, inst *store.Instance) error {
	ctx = logging.WithInstanceID(ctx, inst.ID)

	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() || inst.SLABreached {
		return nil
	}

	breached := true
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{SLABreached: &breached}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "flag sla breach: %s", err.Error()).WithCause(err)
	}

	target := inst.CurrentRole
	if target == "" {
		target = e.resolver.Root()
	}
	if _, err := e.comms.Append(ctx, inst.ID, "system", target, schema.MessageTypeNotification, map[string]any{
		"event":  schema.EventSLABreached,
		"due_at": inst.DueAt,
	}); err != nil {
		e.logger.WarnContext(ctx, "sla breach message not recorded", slog.String("error", err.Error()))
	}

	e.publish(ctx, inst.ID, "", schema.EventSLABreached, map[string]any{
		"sop_id": inst.SOPID,
		"due_at": inst.DueAt,
	})
	e.logger.WarnContext(ctx, "sla breached", slog.String("sop_id", inst.SOPID))
	return nil
}

// RunApprovalSweep applies the starvation policy to stale approvals and fails
// the steps behind requests the policy rejected.
func (e *Executor) RunApprovalSweep(ctx context.Context, now time.Time) (int, error) {
	rejected, err := e.approvals.SweepStarved(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, ap := range rejected {
		if err := e.failStarvedStep(ctx, ap); err != nil {
			e.logger.ErrorContext(ctx, "starved approval step not failed",
				slog.String("request_id", ap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(rejected), nil
}

func (e *Executor) failStarvedStep(ctx context.Context, ap *store.Approval) error {
	ctx = logging.WithInstanceID(ctx, ap.InstanceID)

	unlock := e.locks.Lock(ap.InstanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, ap.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	exec, err := e.store.GetExecution(ctx, ap.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	graph, err := e.graphForInstance(ctx, inst)
	if err != nil {
		return err
	}
	step, ok := graph.Steps[exec.StepID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"approval %s references unknown step %q", ap.ID, exec.StepID)
	}

	if err := e.handleRejection(ctx, inst, graph, step, exec, ap.Notes); err != nil {
		return err
	}
	return e.persistInstance(ctx, inst)
}
