package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/pkg/schema"
)

func timedSOP(onTimeout, assignedRole string) *schema.SOPDefinition {
	return &schema.SOPDefinition{
		ID:        "noise_complaint",
		TimeLimit: "4h",
		Triggers:  []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:           "respond",
				AssignedRole: assignedRole,
				Timeout:      "30m",
				OnTimeout:    onTimeout,
				NextSteps:    []schema.NextStep{{StepID: "file_report"}},
			},
			{ID: "file_report", AssignedRole: "property_manager"},
		},
	}
}

func TestTimeoutSweepEscalatesToSupervisor(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, timedSOP(schema.OnTimeoutEscalate, "maintenance_tech"), nil)

	// Nothing is overdue yet.
	n, err := h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC().Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	execs := h.executions(t, inst.ID, "respond")
	require.Len(t, execs, 2)
	assert.Equal(t, schema.ExecStatusTimeout, execs[0].Status)
	assert.Equal(t, schema.ExecStatusInProgress, execs[1].Status)
	assert.Equal(t, "property_manager", execs[1].AssignedRole)
	require.NotNil(t, execs[1].TimeoutAt)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusWaiting, got.Status)
	assert.Equal(t, "property_manager", got.CurrentRole)
	assert.Equal(t, []string{"respond"}, got.CurrentStepIDs)

	// The lapse opens a pending request against the reissued execution,
	// addressed to the supervisor and sized by the lapsed role's limit.
	aps := h.approvalsFor(t, inst.ID)
	require.Len(t, aps, 1)
	assert.Equal(t, schema.ApprovalStatusPending, aps[0].Status)
	assert.Equal(t, "maintenance_tech", aps[0].RequestedByRole)
	assert.Equal(t, "property_manager", aps[0].RequestedFromRole)
	assert.Equal(t, execs[1].ID, aps[0].ExecutionID)
	assert.Equal(t, float64(500), aps[0].Amount)

	// Exactly one escalation message, even if the sweep runs again.
	require.Len(t, h.messagesOfType(t, inst.ID, schema.MessageTypeEscalation), 1)
	n, err = h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC().Add(31*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, h.messagesOfType(t, inst.ID, schema.MessageTypeEscalation), 1)

	// The supervisor acting on the step resumes the instance and settles the
	// pending request in one move.
	h.complete(t, inst.ID, "respond", "property_manager", map[string]any{"resolved": true})
	got = h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"file_report"}, got.CurrentStepIDs)

	settled, err := h.store.GetApproval(context.Background(), aps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, settled.Status)
	assert.Equal(t, "property_manager", settled.ResolvedBy)
}

// Nobody but the request's addressee may act on an escalated step while its
// request is pending.
func TestTimeoutEscalationBlocksOriginalAssignee(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, timedSOP(schema.OnTimeoutEscalate, "maintenance_tech"), nil)

	_, err := h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC().Add(31*time.Minute))
	require.NoError(t, err)

	_, err = h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID,
		StepID:     "respond",
		Actor:      schema.Actor{Role: "maintenance_tech"},
		Result:     map[string]any{"resolved": true},
	})
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestTimeoutSweepFailPolicy(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, timedSOP(schema.OnTimeoutFail, "maintenance_tech"), nil)

	n, err := h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "timed out")

	execs := h.executions(t, inst.ID, "respond")
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecStatusTimeout, execs[0].Status)
}

func TestTimeoutEscalationWithoutSupervisorFails(t *testing.T) {
	h := newHarness(t)
	// vp_operations is the hierarchy root; there is nobody above.
	inst := h.start(t, timedSOP(schema.OnTimeoutEscalate, "vp_operations"), nil)

	n, err := h.exec.RunTimeoutSweep(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, schema.InstanceStatusFailed, h.instance(t, inst.ID).Status)
}

func TestSLASweepFlagsOverdueOnce(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, timedSOP(schema.OnTimeoutEscalate, "maintenance_tech"), nil)

	n, err := h.exec.RunSLASweep(context.Background(), time.Now().UTC().Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.instance(t, inst.ID)
	assert.True(t, got.SLABreached)
	// The breach does not kill the instance.
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	require.Len(t, h.messagesOfType(t, inst.ID, schema.MessageTypeNotification), 2) // assignment + breach

	n, err = h.exec.RunSLASweep(context.Background(), time.Now().UTC().Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApprovalSweepEscalatesStarvedRequests(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{pendingTTL: time.Hour})
	inst := h.start(t, maintenanceSOP(), nil)

	h.complete(t, inst.ID, "assess", "maintenance_tech", nil)
	h.complete(t, inst.ID, "repair", "maintenance_tech", map[string]any{"cost": 8000})

	ap := h.approvalsFor(t, inst.ID)[0]
	require.Equal(t, "property_manager", ap.RequestedFromRole)

	// One starvation pass moves the request one hop up the chain.
	n, err := h.exec.RunApprovalSweep(context.Background(), time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n) // escalated, not rejected

	moved, err := h.store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, moved.Status)
	assert.Equal(t, "regional_director", moved.RequestedFromRole)
	assert.Empty(t, moved.Chain)
	// The initial chain-targeted message plus the starvation hop.
	require.Len(t, h.messagesOfType(t, inst.ID, schema.MessageTypeEscalation), 2)
}

func TestApprovalSweepFailPolicyRejects(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{
		starvationPolicy: "fail",
		pendingTTL:       time.Hour,
	})
	inst := h.start(t, maintenanceSOP(), nil)

	h.complete(t, inst.ID, "assess", "maintenance_tech", nil)
	h.complete(t, inst.ID, "repair", "maintenance_tech", map[string]any{"cost": 8000})
	ap := h.approvalsFor(t, inst.ID)[0]

	n, err := h.exec.RunApprovalSweep(context.Background(), time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rejected, err := h.store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusRejected, rejected.Status)
	assert.Equal(t, "system", rejected.ResolvedBy)

	// The step behind the request fails with it.
	assert.Equal(t, schema.InstanceStatusFailed, h.instance(t, inst.ID).Status)
}
