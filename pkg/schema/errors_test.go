package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeNotFound, "instance missing")
	assert.Equal(t, "[NOT_FOUND] instance missing", err.Error())

	err = NewErrorf(ErrCodeValidation, "bad value %d", 42).WithStep("inspect")
	assert.Equal(t, "[VALIDATION_ERROR] step inspect: bad value 42", err.Error())
}

func TestEngineErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)

	var ee *EngineError
	assert.ErrorAs(t, error(err), &ee)
	assert.Equal(t, ErrCodeStore, ee.Code)
}

func TestWithDetails(t *testing.T) {
	err := NewError(ErrCodeConflict, "already completed").
		WithDetails(map[string]any{"committed_result": map[string]any{"ok": true}})
	assert.Contains(t, err.Details, "committed_result")
}

func TestCodeOf(t *testing.T) {
	assert.Empty(t, CodeOf(nil))
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Equal(t, ErrCodeTimeout, CodeOf(NewError(ErrCodeTimeout, "late")))

	// Codes survive fmt wrapping.
	wrapped := fmt.Errorf("sweep failed: %w", NewError(ErrCodeStore, "db locked"))
	assert.Equal(t, ErrCodeStore, CodeOf(wrapped))
}
