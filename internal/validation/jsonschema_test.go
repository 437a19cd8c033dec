package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/pkg/schema"
)

func validDef() *schema.SOPDefinition {
	return &schema.SOPDefinition{
		ID:        "emergency_maintenance",
		Name:      "Emergency Maintenance",
		TimeLimit: "24h",
		Triggers:  []string{"maintenance.emergency"},
		Steps: []schema.StepDefinition{
			{
				ID:                 "assess",
				Type:               schema.StepTypeHumanAction,
				AssignedRole:       "maintenance_tech",
				CompletionCriteria: `result.severity != ""`,
				Timeout:            "30m",
				OnTimeout:          "escalate",
				NextSteps:          []schema.NextStep{{StepID: "repair"}},
			},
			{
				ID:           "repair",
				AssignedRole: "maintenance_tech",
				Approval:     &schema.ApprovalSpec{AmountExpr: ".cost"},
				Retry:        &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "5s"},
			},
		},
	}
}

func TestValidateDefinitionAccepts(t *testing.T) {
	v, err := NewSOPValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateDefinition(validDef()))
}

func TestValidateDefinitionRejects(t *testing.T) {
	v, err := NewSOPValidator()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*schema.SOPDefinition)
	}{
		{"missing id", func(d *schema.SOPDefinition) { d.ID = "" }},
		{"no steps", func(d *schema.SOPDefinition) { d.Steps = nil }},
		{"bad time limit", func(d *schema.SOPDefinition) { d.TimeLimit = "soon" }},
		{"bad step timeout", func(d *schema.SOPDefinition) { d.Steps[0].Timeout = "half an hour" }},
		{"bad on_timeout", func(d *schema.SOPDefinition) { d.Steps[0].OnTimeout = "retry" }},
		{"bad step type", func(d *schema.SOPDefinition) { d.Steps[0].Type = "robotic" }},
		{"bad backoff", func(d *schema.SOPDefinition) { d.Steps[1].Retry.Backoff = "quadratic" }},
		{"empty next step id", func(d *schema.SOPDefinition) { d.Steps[0].NextSteps[0].StepID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			tc.mutate(def)
			err := v.ValidateDefinition(def)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateDefinitionNil(t *testing.T) {
	v, err := NewSOPValidator()
	require.NoError(t, err)
	err = v.ValidateDefinition(nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidationErrorCarriesViolations(t *testing.T) {
	v, err := NewSOPValidator()
	require.NoError(t, err)

	def := validDef()
	def.ID = ""
	def.TimeLimit = "soon"

	verr := v.ValidateDefinition(def)
	require.Error(t, verr)

	var ee *schema.EngineError
	require.ErrorAs(t, verr, &ee)
	violations, ok := ee.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}
