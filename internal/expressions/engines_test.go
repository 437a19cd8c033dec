package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/pkg/schema"
)

func TestCELEvaluate(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := eng.EvaluateBool(ctx, `result.condition == "good" && result.photos >= 2`, map[string]any{
		"result": map[string]any{"condition": "good", "photos": 3},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.EvaluateBool(ctx, `result.photos >= 2`, map[string]any{
		"result": map[string]any{"photos": 1},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELMissingKeysDefaultToEmptyMaps(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	// No data at all: the variables still exist as empty maps.
	ok, err := eng.EvaluateBool(context.Background(), `!("urgency" in classification)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELErrors(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = eng.Evaluate(ctx, "result ==", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	// Well-formed but non-boolean result.
	_, err = eng.EvaluateBool(ctx, `result.photos`, map[string]any{
		"result": map[string]any{"photos": 3},
	})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	// Runtime failure: key access on a missing nested field.
	_, err = eng.Evaluate(ctx, `result.missing.deeper`, map[string]any{
		"result": map[string]any{},
	})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestExprEvaluatePredicates(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	ok, err := eng.EvaluateBool(ctx, `result.severity == "high"`, map[string]any{
		"result": map[string]any{"severity": "high"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Undefined variables are allowed and compare as nil.
	ok, err = eng.EvaluateBool(ctx, `nonexistent == nil`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExprErrors(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	_, err := eng.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = eng.Evaluate(ctx, "1 +", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = eng.EvaluateBool(ctx, `1 + 1`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQEvaluate(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	out, err := eng.Evaluate(ctx, ".repair.cost", map[string]any{
		"repair": map[string]any{"cost": 8000},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(8000), out)

	// Multiple outputs collect into a slice.
	out, err = eng.Evaluate(ctx, ".items[]", map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	// No output at all.
	out, err = eng.Evaluate(ctx, "empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEvaluateNumber(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	n, err := eng.EvaluateNumber(ctx, ".cost", map[string]any{"cost": 1250.5})
	require.NoError(t, err)
	assert.Equal(t, 1250.5, n)

	_, err = eng.EvaluateNumber(ctx, ".cost", map[string]any{"cost": "expensive"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQErrors(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	_, err := eng.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = eng.Evaluate(ctx, ".foo[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	// Iterating a non-array is a runtime error.
	_, err = eng.Evaluate(ctx, ".cost[]", map[string]any{"cost": 5})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestGoJQBlocksEnvironment(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)
}

func TestEngineNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", cel.Name())
	assert.Equal(t, "expr", NewExprEngine().Name())
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}
