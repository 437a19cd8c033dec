package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/internal/actions"
	"github.com/casaops/sopflow/pkg/schema"
)

func automatedSOP(retry *schema.RetryPolicy, bestEffort bool) *schema.SOPDefinition {
	return &schema.SOPDefinition{
		ID:       "utility_transfer",
		Triggers: []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:         "notify_provider",
				Type:       schema.StepTypeAutomated,
				Action:     "provider_webhook",
				Params:     json.RawMessage(`{"provider": "city-power"}`),
				Retry:      retry,
				BestEffort: bestEffort,
				NextSteps:  []schema.NextStep{{StepID: "confirm"}},
			},
			{ID: "confirm", AssignedRole: "leasing_agent"},
		},
	}
}

func TestAutomatedStepRunsAction(t *testing.T) {
	h := newHarness(t)

	act := &stubAction{name: "provider_webhook", fn: func(_ int, input actions.ActionInput) (*actions.ActionOutput, error) {
		assert.Equal(t, "city-power", input.Params["provider"])
		assert.Equal(t, "12", input.Context["unit"])
		return &actions.ActionOutput{Data: json.RawMessage(`{"ticket": "T-99"}`)}, nil
	}}
	require.NoError(t, h.actions.Register(act))

	inst := h.start(t, automatedSOP(nil, false), map[string]any{"unit": "12"})

	assert.Equal(t, 1, act.callCount())
	got := h.instance(t, inst.ID)
	assert.Equal(t, []string{"confirm"}, got.CurrentStepIDs)
	assert.Contains(t, got.CompletedSteps, "notify_provider")

	result, ok := got.StepResults["notify_provider"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "T-99", result["ticket"])

	execs := h.executions(t, inst.ID, "notify_provider")
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecStatusCompleted, execs[0].Status)
	assert.Equal(t, []string{"provider_webhook"}, execs[0].ActionsTaken)
}

func TestAutomatedStepRetriesRetryableErrors(t *testing.T) {
	h := newHarness(t)

	act := &stubAction{name: "provider_webhook", fn: func(call int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		if call < 3 {
			return nil, schema.NewError(schema.ErrCodeTimeout, "provider unreachable")
		}
		return &actions.ActionOutput{Data: json.RawMessage(`{"ok": true}`)}, nil
	}}
	require.NoError(t, h.actions.Register(act))

	retry := &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "1ms"}
	inst := h.start(t, automatedSOP(retry, false), nil)

	assert.Equal(t, 3, act.callCount())
	assert.Equal(t, []string{"confirm"}, h.instance(t, inst.ID).CurrentStepIDs)
}

func TestAutomatedStepDoesNotRetryValidationErrors(t *testing.T) {
	h := newHarness(t)

	act := &stubAction{name: "provider_webhook", fn: func(_ int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad params")
	}}
	require.NoError(t, h.actions.Register(act))

	retry := &schema.RetryPolicy{Max: 5, Delay: "1ms"}
	inst := h.start(t, automatedSOP(retry, false), nil)

	assert.Equal(t, 1, act.callCount())
	assert.Equal(t, schema.InstanceStatusFailed, h.instance(t, inst.ID).Status)
}

func TestAutomatedFailureFailsInstance(t *testing.T) {
	h := newHarness(t)

	act := &stubAction{name: "provider_webhook", fn: func(_ int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		return nil, errors.New("boom")
	}}
	require.NoError(t, h.actions.Register(act))

	inst := h.start(t, automatedSOP(nil, false), nil)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	require.NotNil(t, got.CompletedAt)

	execs := h.executions(t, inst.ID, "notify_provider")
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecStatusFailed, execs[0].Status)
	assert.NotEmpty(t, execs[0].Error)
}

func TestAutomatedBestEffortFailureContinues(t *testing.T) {
	h := newHarness(t)

	act := &stubAction{name: "provider_webhook", fn: func(_ int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		return nil, errors.New("boom")
	}}
	require.NoError(t, h.actions.Register(act))

	inst := h.start(t, automatedSOP(nil, true), nil)

	// The branch dies without failing the instance; with nothing else
	// running the instance completes.
	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStepIDs)

	// The error stays visible to later predicates and criteria.
	result, ok := got.StepResults["notify_provider"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result["error"], "boom")
}

func TestAutomatedStepUnknownAction(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, automatedSOP(nil, false), nil)
	assert.Equal(t, schema.InstanceStatusFailed, h.instance(t, inst.ID).Status)
}

func parallelAutomatedSOP(bestEffort bool) *schema.SOPDefinition {
	return &schema.SOPDefinition{
		ID:       "move_out",
		Triggers: []string{"test.event"},
		Steps: []schema.StepDefinition{
			{
				ID:   "fan_out",
				Type: schema.StepTypeParallel,
				NextSteps: []schema.NextStep{
					{StepID: "notify_provider"},
					{StepID: "walkthrough"},
				},
			},
			{
				ID:         "notify_provider",
				Type:       schema.StepTypeAutomated,
				Action:     "provider_webhook",
				BestEffort: bestEffort,
				NextSteps:  []schema.NextStep{{StepID: "close_out"}},
			},
			{ID: "walkthrough", AssignedRole: "maintenance_tech", NextSteps: []schema.NextStep{{StepID: "close_out"}}},
			{ID: "close_out", AssignedRole: "property_manager"},
		},
	}
}

// An automated branch that lands before its human sibling is even looked at
// must not release the join early.
func TestParallelJoinWaitsForAutomatedSibling(t *testing.T) {
	h := newHarness(t)
	act := &stubAction{name: "provider_webhook", fn: func(_ int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		return &actions.ActionOutput{Data: json.RawMessage(`{"ok": true}`)}, nil
	}}
	require.NoError(t, h.actions.Register(act))

	inst := h.start(t, parallelAutomatedSOP(false), nil)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"walkthrough"}, got.CurrentStepIDs)
	assert.Empty(t, h.executions(t, inst.ID, "close_out"))

	h.complete(t, inst.ID, "walkthrough", "maintenance_tech", nil)
	assert.Equal(t, []string{"close_out"}, h.instance(t, inst.ID).CurrentStepIDs)

	h.complete(t, inst.ID, "close_out", "property_manager", nil)
	assert.Equal(t, schema.InstanceStatusCompleted, h.instance(t, inst.ID).Status)
}

// A best-effort branch dying during fan-out must not complete the instance
// while its sibling is still open, and must not block the join afterward.
func TestParallelBestEffortFailureKeepsSiblings(t *testing.T) {
	h := newHarness(t)
	act := &stubAction{name: "provider_webhook", fn: func(_ int, _ actions.ActionInput) (*actions.ActionOutput, error) {
		return nil, errors.New("boom")
	}}
	require.NoError(t, h.actions.Register(act))

	inst := h.start(t, parallelAutomatedSOP(true), nil)

	got := h.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"walkthrough"}, got.CurrentStepIDs)
	result, ok := got.StepResults["notify_provider"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result["error"], "boom")

	h.complete(t, inst.ID, "walkthrough", "maintenance_tech", nil)
	assert.Equal(t, []string{"close_out"}, h.instance(t, inst.ID).CurrentStepIDs)

	h.complete(t, inst.ID, "close_out", "property_manager", nil)
	assert.Equal(t, schema.InstanceStatusCompleted, h.instance(t, inst.ID).Status)
}
