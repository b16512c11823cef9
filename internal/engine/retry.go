package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Default retry timing when a policy omits them.
const (
	DefaultRetryDelay    = 1 * time.Second
	DefaultRetryMaxDelay = 30 * time.Second
)

// IsRetryableError reports whether a node failure is worth retrying.
// Validation problems and deliberate terminations never are; transient
// transport failures are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		switch cfErr.Code {
		case schema.ErrCodeValidation,
			schema.ErrCodeCancelled,
			schema.ErrCodeCycleDetected,
			schema.ErrCodeInvalidTransition,
			schema.ErrCodeConflict,
			schema.ErrCodeNotFound:
			return false
		case schema.ErrCodeTimeout, schema.ErrCodeDispatch, schema.ErrCodeBreakerOpen, schema.ErrCodeStore:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

// ComputeBackoff returns the wait before the given attempt (1-based) under
// the node's retry policy. A nil policy means a single attempt, so no wait.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt <= 0 {
		return 0
	}

	delay := DefaultRetryDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d > 0 {
			delay = d
		}
	}
	maxDelay := DefaultRetryMaxDelay
	if policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			maxDelay = d
		}
	}

	var wait time.Duration
	switch policy.Backoff {
	case "none":
		wait = 0
	case "constant":
		wait = delay
	case "linear":
		wait = delay * time.Duration(attempt)
	case "exponential", "":
		wait = delay
		for i := 1; i < attempt; i++ {
			wait *= 2
			if wait >= maxDelay {
				wait = maxDelay
				break
			}
		}
	default:
		wait = delay
	}

	if wait > maxDelay {
		wait = maxDelay
	}
	return wait
}

// WaitForBackoff sleeps for the computed backoff, returning early if the
// context dies first.
func WaitForBackoff(ctx context.Context, policy *schema.RetryPolicy, attempt int) error {
	wait := ComputeBackoff(policy, attempt)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxAttempts returns the total attempt count a node is allowed: one initial
// attempt plus the policy's retries.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.Max <= 0 {
		return 1
	}
	return policy.Max + 1
}
