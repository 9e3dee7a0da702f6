// Package retry provides a retry policy value object for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrAttemptsExceeded is returned when the attempt budget is exhausted.
	ErrAttemptsExceeded = errors.New("max retry attempts exceeded")

	// ErrContextCancelled is returned when the context ends during a retry wait.
	ErrContextCancelled = errors.New("context cancelled during retry")
)

// Policy configures retry behavior. The zero value is not usable; start from
// DefaultPolicy and override.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first attempt.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Multiplier is the backoff multiplier.
	Multiplier float64
	// Retryable decides whether an error is worth another attempt.
	// Non-retryable errors propagate immediately.
	Retryable func(error) bool
}

// DefaultPolicy returns a policy suitable for network-facing work.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Retryable:    IsTransient,
	}
}

// IsTransient reports whether an error looks like a transient network or
// upstream failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"no such host",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do executes fn under the policy. It returns nil on the first success, the
// original error for non-retryable failures, and a wrapped
// ErrAttemptsExceeded once the budget runs out.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.Retryable(err) {
			return err
		}

		if attempt < policy.MaxAttempts {
			backoff := time.Duration(float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1)))
			if backoff > policy.MaxDelay {
				backoff = policy.MaxDelay
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExceeded, policy.MaxAttempts, lastErr)
}
