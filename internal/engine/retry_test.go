package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casaops/sopflow/pkg/schema"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: host unreachable" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"engine timeout", schema.NewError(schema.ErrCodeTimeout, "slow provider"), true},
		{"engine store", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"engine validation", schema.NewError(schema.ErrCodeValidation, "bad params"), false},
		{"engine conflict", schema.NewError(schema.ErrCodeConflict, "raced"), false},
		{"net error", fakeNetError{}, true},
		{"connection refused text", errors.New("dial: connection refused"), true},
		{"service unavailable text", errors.New("503 Service Unavailable"), true},
		{"plain error", errors.New("boom"), false},
		{"wrapped deadline", schema.NewError(schema.ErrCodeValidation, "x").WithCause(context.DeadlineExceeded), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	linear := &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(linear, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(linear, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(linear, 2))

	exp := &schema.RetryPolicy{Max: 3, Backoff: "exponential", Delay: "50ms"}
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(exp, 0))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(exp, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(exp, 2))

	fixed := &schema.RetryPolicy{Max: 3, Delay: "25ms"}
	assert.Equal(t, 25*time.Millisecond, ComputeBackoff(fixed, 0))
	assert.Equal(t, 25*time.Millisecond, ComputeBackoff(fixed, 5))

	assert.Zero(t, ComputeBackoff(nil, 0))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{Max: 1}, 0))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{Max: 1, Delay: "nonsense"}, 0))
}

func TestWaitForBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))
}
