package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/pkg/schema"
)

func simpleSOP() *schema.SOPDefinition {
	return &schema.SOPDefinition{
		ID:        "unit_turnover",
		TimeLimit: "48h",
		Triggers:  []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:           "inspect",
				Type:         schema.StepTypeHumanAction,
				AssignedRole: "maintenance_tech",
				NextSteps:    []schema.NextStep{{StepID: "report"}},
			},
			{
				ID:           "report",
				Type:         schema.StepTypeHumanAction,
				AssignedRole: "property_manager",
			},
		},
	}
}

func TestStartInstanceSchedulesEntryStep(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), map[string]any{"unit": "4B"})

	assert.Equal(t, schema.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, []string{"inspect"}, inst.CurrentStepIDs)
	assert.Equal(t, "maintenance_tech", inst.CurrentRole)
	assert.NotEmpty(t, inst.AssignedTo)
	require.NotNil(t, inst.DueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), *inst.DueAt, time.Minute)

	execs := h.executions(t, inst.ID, "inspect")
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecStatusInProgress, execs[0].Status)
	assert.Equal(t, "maintenance_tech", execs[0].AssignedRole)

	assigned := h.notifier.byTemplate("step_assigned")
	require.Len(t, assigned, 1)
	assert.Equal(t, "maintenance_tech", assigned[0].ToRole)
}

func TestCompleteStepAdvances(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	exec := h.complete(t, inst.ID, "inspect", "maintenance_tech", map[string]any{"condition": "good"})
	assert.Equal(t, schema.ExecStatusCompleted, h.executions(t, inst.ID, "inspect")[0].Status)
	assert.Equal(t, inst.ID, exec.InstanceID)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"report"}, got.CurrentStepIDs)
	assert.Equal(t, []string{"inspect"}, got.CompletedSteps)
	assert.Equal(t, map[string]any{"condition": "good"}, got.StepResults["inspect"].(map[string]any))

	h.complete(t, inst.ID, "report", "property_manager", nil)
	got = h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStepIDs)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteStepWrongRole(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	_, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID,
		StepID:     "inspect",
		Actor:      schema.Actor{Role: "leasing_agent"},
	})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestCompleteStepUnknownOrUnscheduled(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	_, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID, StepID: "no_such_step", Actor: schema.Actor{Role: "maintenance_tech"},
	})
	requireCode(t, err, schema.ErrCodeNotFound)

	// report exists in the SOP but has not been scheduled yet.
	_, err = h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID, StepID: "report", Actor: schema.Actor{Role: "property_manager"},
	})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestCompletionCriteriaEnforced(t *testing.T) {
	def := simpleSOP()
	def.Steps[0].CompletionCriteria = `result.condition == "good" && result.photos >= 2`

	h := newHarness(t)
	inst := h.start(t, def, nil)

	_, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID,
		StepID:     "inspect",
		Actor:      schema.Actor{Role: "maintenance_tech"},
		Result:     map[string]any{"condition": "good", "photos": 1},
	})
	engErr := requireCode(t, err, schema.ErrCodeValidation)
	assert.Contains(t, engErr.Message, "completion criteria")

	// The failed submission must not have consumed the step.
	h.complete(t, inst.ID, "inspect", "maintenance_tech",
		map[string]any{"condition": "good", "photos": 3})
	assert.Equal(t, []string{"report"}, h.instance(t, inst.ID).CurrentStepIDs)
}

func TestDuplicateCompletionGetsCommittedResult(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	h.complete(t, inst.ID, "inspect", "maintenance_tech", map[string]any{"condition": "good"})

	_, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID,
		StepID:     "inspect",
		Actor:      schema.Actor{Role: "maintenance_tech"},
		Result:     map[string]any{"condition": "poor"},
	})
	engErr := requireCode(t, err, schema.ErrCodeConflict)
	committed, ok := engErr.Details["committed_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "good", committed["condition"])
}

func TestConcurrentCompletionExactlyOnce(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.exec.CompleteStep(context.Background(), schema.StepCompletion{
				InstanceID: inst.ID,
				StepID:     "inspect",
				Actor:      schema.Actor{Role: "maintenance_tech"},
				Result:     map[string]any{"racer": i},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			requireCode(t, err, schema.ErrCodeConflict)
		}
	}
	assert.Equal(t, 1, succeeded)
	require.Len(t, h.executions(t, inst.ID, "inspect"), 1)
}

func TestCompleteStepOnTerminalInstance(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, simpleSOP(), nil)

	_, err := h.exec.CancelInstance(context.Background(), inst.ID, "duplicate request")
	require.NoError(t, err)

	_, err = h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID, StepID: "inspect", Actor: schema.Actor{Role: "maintenance_tech"},
	})
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestDecisionBranching(t *testing.T) {
	def := &schema.SOPDefinition{
		ID:       "triage",
		Triggers: []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:           "classify",
				Type:         schema.StepTypeDecision,
				AssignedRole: "property_manager",
				NextSteps: []schema.NextStep{
					{StepID: "archive"},
					{StepID: "repair", When: `result.severity == "high"`},
				},
			},
			{ID: "repair", AssignedRole: "maintenance_tech"},
			{ID: "archive", AssignedRole: "leasing_agent"},
		},
	}

	t.Run("predicate match wins", func(t *testing.T) {
		h := newHarness(t)
		inst := h.start(t, def, nil)
		h.complete(t, inst.ID, "classify", "property_manager", map[string]any{"severity": "high"})
		assert.Equal(t, []string{"repair"}, h.instance(t, inst.ID).CurrentStepIDs)
	})

	t.Run("no match falls back to first declared", func(t *testing.T) {
		h := newHarness(t)
		inst := h.start(t, def, nil)
		h.complete(t, inst.ID, "classify", "property_manager", map[string]any{"severity": "low"})
		assert.Equal(t, []string{"archive"}, h.instance(t, inst.ID).CurrentStepIDs)
	})
}

func TestParallelFanOutAndJoin(t *testing.T) {
	def := &schema.SOPDefinition{
		ID:       "move_in_prep",
		Triggers: []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:   "fan_out",
				Type: schema.StepTypeParallel,
				NextSteps: []schema.NextStep{
					{StepID: "clean"},
					{StepID: "utilities"},
				},
			},
			{ID: "clean", AssignedRole: "maintenance_tech", NextSteps: []schema.NextStep{{StepID: "handover"}}},
			{ID: "utilities", AssignedRole: "leasing_agent", NextSteps: []schema.NextStep{{StepID: "handover"}}},
			{ID: "handover", AssignedRole: "property_manager"},
		},
	}

	h := newHarness(t)
	inst := h.start(t, def, nil)

	got := h.instance(t, inst.ID)
	assert.ElementsMatch(t, []string{"clean", "utilities"}, got.CurrentStepIDs)

	// The join must hold until both branches land.
	h.complete(t, inst.ID, "clean", "maintenance_tech", nil)
	got = h.instance(t, inst.ID)
	assert.Equal(t, []string{"utilities"}, got.CurrentStepIDs)

	h.complete(t, inst.ID, "utilities", "leasing_agent", nil)
	got = h.instance(t, inst.ID)
	assert.Equal(t, []string{"handover"}, got.CurrentStepIDs)

	h.complete(t, inst.ID, "handover", "property_manager", nil)
	assert.Equal(t, schema.InstanceStatusCompleted, h.instance(t, inst.ID).Status)
}

func TestCancelCascade(t *testing.T) {
	def := simpleSOP()
	def.Steps[0].Approval = &schema.ApprovalSpec{AmountExpr: ".cost"}

	h := newHarness(t)
	inst := h.start(t, def, nil)

	// Park the step behind a pending approval, then cancel.
	_, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: inst.ID,
		StepID:     "inspect",
		Actor:      schema.Actor{Role: "maintenance_tech"},
		Result:     map[string]any{"cost": 2000},
	})
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, h.instance(t, inst.ID).Status)

	cancelled, err := h.exec.CancelInstance(context.Background(), inst.ID, "tenant moved out")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCancelled, cancelled.Status)
	assert.Equal(t, "tenant moved out", cancelled.FailureReason)
	require.NotNil(t, cancelled.CompletedAt)

	for _, exec := range h.executions(t, inst.ID, "inspect") {
		assert.True(t, exec.Status.Terminal(), "execution %s left open", exec.ID)
	}
	for _, ap := range h.approvalsFor(t, inst.ID) {
		assert.Equal(t, schema.ApprovalStatusRejected, ap.Status)
	}

	// The communication log survives the cascade.
	msgs, err := h.store.ListMessages(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs)

	_, err = h.exec.CancelInstance(context.Background(), inst.ID, "again")
	requireCode(t, err, schema.ErrCodeConflict)
}
