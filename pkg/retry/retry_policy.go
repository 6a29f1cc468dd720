// Package retry provides exponential backoff policies shared by the job queue
// and best-effort collaborator calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a new retry policy with exponential backoff and no jitter.
// Attempt n (1-based) that fails waits InitialDelay * 2^(n-1) before the next one.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
	}
}

// DefaultRetryPolicy is the job budget: 3 attempts, first retry after 3s.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(3, 3*time.Second)
}

// Exhausted reports whether attempts already made use up the budget.
func (rp *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= rp.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return rp.calculateDelay(attempt - 1)
}

// Execute runs fn until it succeeds, shouldRetry rejects the error, or the
// attempts are used up. A nil shouldRetry retries every error.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(context.Context) error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", rp.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for a given zero-based attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	// Apply randomization factor (jitter)
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta

		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}
