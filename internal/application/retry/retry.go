// Package retry executes external-call closures under an exponential
// backoff policy, with a distinct, steeper base delay for rate-limited
// errors than for ordinary transient ones.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
)

// Policy defines the retry behavior for an external call.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the base delay before the first retry of a Transient error.
	InitialDelay time.Duration

	// RateLimitedInitialDelay is the base delay before the first retry of a
	// RateLimited error — steeper than InitialDelay since a 429 means "back
	// off longer", not "try again immediately".
	RateLimitedInitialDelay time.Duration

	// MaxDelay caps the computed backoff regardless of strategy.
	MaxDelay time.Duration

	// OnRetry is an optional callback invoked before each retry sleep.
	OnRetry func(attempt int, err error)
}

// Default returns the policy used by every adapter unless overridden:
// 3 attempts, 1s exponential base, 60s cap, 5s base for rate-limited errors.
func Default() *Policy {
	return &Policy{
		MaxAttempts:             3,
		InitialDelay:            1 * time.Second,
		RateLimitedInitialDelay: 5 * time.Second,
		MaxDelay:                60 * time.Second,
	}
}

// NoRetry returns a policy that never retries, for adapters that should
// fail fast (e.g. the deterministic Tier-1 company filter has nothing to
// retry against).
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// shouldRetry reports whether err's taxonomy kind permits a retry at all.
func (p *Policy) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var e *errkind.Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	// Unclassified errors default to retryable, matching the teacher's
	// IsRetryableError fallback.
	return true
}

// delay computes the backoff for the given 1-indexed attempt, using the
// rate-limited base when err is a RateLimited error.
func (p *Policy) delay(attempt int, err error) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := p.InitialDelay
	var e *errkind.Error
	if errors.As(err, &e) && e.Kind == errkind.RateLimited {
		base = p.RateLimitedInitialDelay
	}

	multiplier := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * multiplier)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Execute runs fn under this policy, retrying on temporary errors until
// MaxAttempts is exhausted or ctx is cancelled.
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("execution cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= p.MaxAttempts || !p.shouldRetry(err) {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		d := p.delay(attempt, err)
		if d > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("execution cancelled during retry delay: %w", ctx.Err())
			case <-time.After(d):
			}
		}
	}

	return fmt.Errorf("all retry attempts failed: %w", lastErr)
}
