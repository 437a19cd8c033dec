// Package approval coordinates spending-approval requests over the role
// hierarchy. A request either auto-approves (the acting role's limit covers
// the amount) or opens a pending request targeted at the first role in the
// escalation chain whose limit is sufficient, walking upward one hop at a
// time when a request starves.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casaops/sopflow/internal/commlog"
	"github.com/casaops/sopflow/internal/hierarchy"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/streaming"
	"github.com/casaops/sopflow/pkg/schema"
)

// StarvationPolicy controls what happens to a pending approval request that
// nobody resolved within the configured TTL.
type StarvationPolicy string

const (
	// StarvationAutoEscalate moves the request one hop up the chain.
	StarvationAutoEscalate StarvationPolicy = "auto_escalate"
	// StarvationFail rejects the request, failing the waiting step.
	StarvationFail StarvationPolicy = "fail"
)

// Store is the slice of the persistence layer the coordinator needs.
type Store interface {
	CreateApproval(ctx context.Context, ap *store.Approval) error
	GetApproval(ctx context.Context, id string) (*store.Approval, error)
	UpdateApproval(ctx context.Context, id string, update store.ApprovalUpdate) error
	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*store.Approval, error)
}

// Outcome is the result of an approval request.
type Outcome struct {
	Approved bool
	Pending  bool
	Approval *store.Approval
}

// Coordinator creates, resolves, and escalates approval requests.
type Coordinator struct {
	store    Store
	resolver *hierarchy.Resolver
	comms    *commlog.Log
	hub      streaming.EventHub
	logger   *slog.Logger

	policy     StarvationPolicy
	pendingTTL time.Duration
}

// NewCoordinator creates a Coordinator. pendingTTL of zero disables the
// starvation sweep; policy defaults to auto_escalate.
func NewCoordinator(s Store, resolver *hierarchy.Resolver, comms *commlog.Log, hub streaming.EventHub, logger *slog.Logger, policy StarvationPolicy, pendingTTL time.Duration) *Coordinator {
	if policy == "" {
		policy = StarvationAutoEscalate
	}
	return &Coordinator{
		store:      s,
		resolver:   resolver,
		comms:      comms,
		hub:        hub,
		logger:     logger,
		policy:     policy,
		pendingTTL: pendingTTL,
	}
}

// PendingTTL returns the configured starvation TTL.
func (c *Coordinator) PendingTTL() time.Duration { return c.pendingTTL }

// Request opens an approval for amount on behalf of actorRole. When the
// actor's own limit covers the amount the request auto-approves and an
// approved record is written for the audit trail. Otherwise a pending
// request targets the first role up the chain with sufficient authority and
// the step must wait.
func (c *Coordinator) Request(ctx context.Context, inst *store.Instance, exec *store.Execution, actorRole string, amount float64) (*Outcome, error) {
	role, err := c.resolver.Get(actorRole)
	if err != nil {
		return nil, err
	}

	if role.Covers(amount) {
		now := time.Now().UTC()
		ap := &store.Approval{
			ID:                uuid.NewString(),
			ExecutionID:       exec.ID,
			InstanceID:        inst.ID,
			RequestedByRole:   actorRole,
			RequestedFromRole: actorRole,
			Amount:            amount,
			Status:            schema.ApprovalStatusApproved,
			ResolvedBy:        actorRole,
			CreatedAt:         now,
			ResolvedAt:        &now,
		}
		if err := c.store.CreateApproval(ctx, ap); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "record auto-approval: %s", err.Error()).WithCause(err)
		}
		c.publish(ctx, inst.ID, exec.StepID, schema.EventApprovalAutoApproved, map[string]any{
			"request_id": ap.ID,
			"role":       actorRole,
			"amount":     amount,
		})
		return &Outcome{Approved: true, Approval: ap}, nil
	}

	chain, err := c.resolver.ResolveEscalation(actorRole, amount)
	if err != nil {
		return nil, err
	}

	ap := &store.Approval{
		ID:                uuid.NewString(),
		ExecutionID:       exec.ID,
		InstanceID:        inst.ID,
		RequestedByRole:   actorRole,
		RequestedFromRole: chain[0],
		Amount:            amount,
		Status:            schema.ApprovalStatusPending,
		Chain:             chain[1:],
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.store.CreateApproval(ctx, ap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create approval: %s", err.Error()).WithCause(err)
	}

	if _, err := c.comms.Append(ctx, inst.ID, actorRole, ap.RequestedFromRole, schema.MessageTypeEscalation, map[string]any{
		"request_id": ap.ID,
		"step_id":    exec.StepID,
		"amount":     amount,
		"reason":     "approval required",
	}); err != nil {
		c.logger.WarnContext(ctx, "approval request message not recorded", slog.String("error", err.Error()))
	}

	c.publish(ctx, inst.ID, exec.StepID, schema.EventApprovalRequested, map[string]any{
		"request_id": ap.ID,
		"from_role":  ap.RequestedFromRole,
		"amount":     amount,
	})

	c.logger.InfoContext(ctx, "approval requested",
		slog.String("request_id", ap.ID),
		slog.String("requested_from", ap.RequestedFromRole),
		slog.Float64("amount", amount),
	)
	return &Outcome{Pending: true, Approval: ap}, nil
}

// Escalate opens a pending request for a step whose assignee let it lapse,
// treating the lapse as an authority deficiency of fromRole: the request
// targets the first role up the chain whose limit covers amount. executionID
// is the reissued execution the request is attached to.
func (c *Coordinator) Escalate(ctx context.Context, inst *store.Instance, executionID, stepID, fromRole string, amount float64, reason string) (*store.Approval, error) {
	chain, err := c.resolver.ResolveEscalation(fromRole, amount)
	if err != nil {
		return nil, err
	}

	ap := &store.Approval{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		InstanceID:        inst.ID,
		RequestedByRole:   fromRole,
		RequestedFromRole: chain[0],
		Amount:            amount,
		Status:            schema.ApprovalStatusPending,
		Chain:             chain[1:],
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.store.CreateApproval(ctx, ap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create escalation approval: %s", err.Error()).WithCause(err)
	}

	if _, err := c.comms.Append(ctx, inst.ID, fromRole, ap.RequestedFromRole, schema.MessageTypeEscalation, map[string]any{
		"request_id": ap.ID,
		"step_id":    stepID,
		"amount":     amount,
		"reason":     reason,
	}); err != nil {
		c.logger.WarnContext(ctx, "escalation message not recorded", slog.String("error", err.Error()))
	}

	c.publish(ctx, inst.ID, stepID, schema.EventApprovalRequested, map[string]any{
		"request_id": ap.ID,
		"from_role":  ap.RequestedFromRole,
		"amount":     amount,
	})
	c.logger.InfoContext(ctx, "step escalated",
		slog.String("request_id", ap.ID),
		slog.String("requested_from", ap.RequestedFromRole),
		slog.String("reason", reason),
	)
	return ap, nil
}

// Resolve applies an approve/reject decision to a pending request.
// Approving requires the resolving role's limit to cover the amount; any role
// the request is (or could be) addressed to may reject.
func (c *Coordinator) Resolve(ctx context.Context, decision schema.ApprovalDecision) (*store.Approval, error) {
	if decision.Decision != string(schema.ApprovalStatusApproved) && decision.Decision != string(schema.ApprovalStatusRejected) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", decision.Decision)
	}

	ap, err := c.store.GetApproval(ctx, decision.RequestID)
	if err != nil {
		return nil, err
	}
	if ap.Status != schema.ApprovalStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s already resolved: %s", ap.ID, ap.Status)
	}

	role, err := c.resolver.Get(decision.ResolvingRole)
	if err != nil {
		return nil, err
	}
	if !c.addressable(ap, decision.ResolvingRole) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"role %s is not in the escalation chain for approval %s", decision.ResolvingRole, ap.ID)
	}

	status := schema.ApprovalStatus(decision.Decision)
	if status == schema.ApprovalStatusApproved && !role.Covers(ap.Amount) {
		return nil, schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"role %s limit does not cover amount %.2f", decision.ResolvingRole, ap.Amount)
	}

	now := time.Now().UTC()
	resolvedBy := decision.ResolvingRole
	if decision.ResolvingUser != "" {
		resolvedBy = decision.ResolvingUser
	}
	if err := c.store.UpdateApproval(ctx, ap.ID, store.ApprovalUpdate{
		Status:     &status,
		Notes:      &decision.Notes,
		ResolvedBy: &resolvedBy,
		ResolvedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "resolve approval: %s", err.Error()).WithCause(err)
	}
	ap.Status = status
	ap.Notes = decision.Notes
	ap.ResolvedBy = resolvedBy
	ap.ResolvedAt = &now

	if _, err := c.comms.Append(ctx, ap.InstanceID, decision.ResolvingRole, ap.RequestedByRole, schema.MessageTypeResponse, map[string]any{
		"request_id": ap.ID,
		"decision":   decision.Decision,
		"notes":      decision.Notes,
	}); err != nil {
		c.logger.WarnContext(ctx, "approval response message not recorded", slog.String("error", err.Error()))
	}

	c.publish(ctx, ap.InstanceID, "", schema.EventApprovalResolved, map[string]any{
		"request_id":  ap.ID,
		"decision":    decision.Decision,
		"resolved_by": resolvedBy,
	})
	return ap, nil
}

// PendingFor lists pending requests addressed to a role.
func (c *Coordinator) PendingFor(ctx context.Context, roleID string) ([]*store.Approval, error) {
	pending := schema.ApprovalStatusPending
	return c.store.ListApprovals(ctx, store.ApprovalFilter{FromRole: roleID, Status: &pending})
}

// PendingForExecution returns the pending request for a step execution, if any.
func (c *Coordinator) PendingForExecution(ctx context.Context, executionID string) (*store.Approval, error) {
	pending := schema.ApprovalStatusPending
	aps, err := c.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID, Status: &pending, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(aps) == 0 {
		return nil, nil
	}
	return aps[0], nil
}

// CancelPending rejects every pending request of an instance with the given
// note. Used by the cancel cascade.
func (c *Coordinator) CancelPending(ctx context.Context, instanceID, note string) error {
	pending := schema.ApprovalStatusPending
	aps, err := c.store.ListApprovals(ctx, store.ApprovalFilter{InstanceID: instanceID, Status: &pending})
	if err != nil {
		return err
	}
	for _, ap := range aps {
		if err := c.reject(ctx, ap, note); err != nil {
			return err
		}
	}
	return nil
}

// SweepStarved applies the starvation policy to pending requests older than
// the TTL. Returns the requests that were rejected by the fail policy so the
// caller can fail their waiting steps.
func (c *Coordinator) SweepStarved(ctx context.Context, now time.Time) ([]*store.Approval, error) {
	if c.pendingTTL <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-c.pendingTTL)
	pending := schema.ApprovalStatusPending
	starved, err := c.store.ListApprovals(ctx, store.ApprovalFilter{Status: &pending, CreatedBefore: &cutoff})
	if err != nil {
		return nil, err
	}

	var failed []*store.Approval
	for _, ap := range starved {
		switch {
		case c.policy == StarvationAutoEscalate && len(ap.Chain) > 0:
			if err := c.escalate(ctx, ap); err != nil {
				c.logger.WarnContext(ctx, "escalation failed",
					slog.String("request_id", ap.ID), slog.String("error", err.Error()))
			}
		default:
			// fail policy, or an exhausted chain under auto_escalate
			if err := c.reject(ctx, ap, "approval request expired unresolved"); err != nil {
				c.logger.WarnContext(ctx, "starved approval not rejected",
					slog.String("request_id", ap.ID), slog.String("error", err.Error()))
				continue
			}
			failed = append(failed, ap)
		}
	}
	return failed, nil
}

// escalate re-targets a pending request at the next role in its chain.
func (c *Coordinator) escalate(ctx context.Context, ap *store.Approval) error {
	previous := ap.RequestedFromRole
	next := ap.Chain[0]
	rest := ap.Chain[1:]

	if err := c.store.UpdateApproval(ctx, ap.ID, store.ApprovalUpdate{
		FromRole: &next,
		Chain:    &rest,
	}); err != nil {
		return err
	}
	ap.RequestedFromRole = next
	ap.Chain = rest

	if _, err := c.comms.Append(ctx, ap.InstanceID, previous, next, schema.MessageTypeEscalation, map[string]any{
		"request_id": ap.ID,
		"amount":     ap.Amount,
		"reason":     "approval request unresolved, escalating",
	}); err != nil {
		c.logger.WarnContext(ctx, "escalation message not recorded", slog.String("error", err.Error()))
	}

	c.publish(ctx, ap.InstanceID, "", schema.EventApprovalEscalated, map[string]any{
		"request_id": ap.ID,
		"from_role":  previous,
		"to_role":    next,
	})
	c.logger.InfoContext(ctx, "approval escalated",
		slog.String("request_id", ap.ID),
		slog.String("to_role", next),
	)
	return nil
}

func (c *Coordinator) reject(ctx context.Context, ap *store.Approval, reason string) error {
	now := time.Now().UTC()
	rejected := schema.ApprovalStatusRejected
	system := "system"
	if err := c.store.UpdateApproval(ctx, ap.ID, store.ApprovalUpdate{
		Status:     &rejected,
		Notes:      &reason,
		ResolvedBy: &system,
		ResolvedAt: &now,
	}); err != nil {
		return err
	}
	ap.Status = rejected
	ap.Notes = reason
	ap.ResolvedBy = system
	ap.ResolvedAt = &now

	c.publish(ctx, ap.InstanceID, "", schema.EventApprovalResolved, map[string]any{
		"request_id":  ap.ID,
		"decision":    string(rejected),
		"resolved_by": system,
	})
	return nil
}

// addressable reports whether roleID may act on the request: the current
// target, or any role further up the remaining chain.
func (c *Coordinator) addressable(ap *store.Approval, roleID string) bool {
	if ap.RequestedFromRole == roleID {
		return true
	}
	for _, r := range ap.Chain {
		if r == roleID {
			return true
		}
	}
	return false
}

func (c *Coordinator) publish(ctx context.Context, instanceID, stepID, eventType string, payload map[string]any) {
	if c.hub == nil {
		return
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		InstanceID: instanceID,
		StepID:     stepID,
		EventType:  eventType,
		Payload:    payload,
	})
}
