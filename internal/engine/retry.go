package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/casaops/sopflow/pkg/schema"
)

// retryableCodes are the engine error codes worth retrying on an automated step.
var retryableCodes = map[string]bool{
	schema.ErrCodeTimeout: true,
	schema.ErrCodeStore:   true,
}

// IsRetryableError classifies whether an automated-step error should be retried.
// Network errors and timeouts retry; validation and conflict errors never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the engine is shutting down or the instance is gone.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return retryableCodes[engErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (zero-based).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	switch policy.Backoff {
	case "exponential":
		delay := base
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
		return delay
	case "linear":
		return base * time.Duration(attempt+1)
	default: // "none" or empty
		return base
	}
}

// WaitForBackoff sleeps for delay or returns early when the context is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
