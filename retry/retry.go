// Package retry provides context-aware retries with exponential backoff for
// idempotent operations.
package retry

import (
	"context"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Values at or below 1
	// disable backoff growth.
	Multiplier float64
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. retryable decides whether an error is worth
// another attempt. The context cancels waiting between attempts.
func WithRetry[T any](ctx context.Context, cfg Config, retryable func(error) bool, fn func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result T
	var err error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
			if cfg.Multiplier > 1 {
				delay = time.Duration(float64(delay) * cfg.Multiplier)
			}
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		result, err = fn()
		if err == nil || retryable == nil || !retryable(err) {
			return result, err
		}
	}
	return result, err
}
