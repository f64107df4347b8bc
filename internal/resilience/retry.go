// Package resilience guards outbound calls with retries and circuit breakers.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"stagecoach/internal/faults"
)

// RetryPolicy controls bounded exponential backoff for outbound calls.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase int
	Jitter          bool

	// Injectable for tests.
	Sleep       func(context.Context, time.Duration) error
	Rand        func(int64) int64
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy mirrors the service-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Delay returns the unjittered backoff before attempt+1, where attempt counts
// from 1: min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	base := p.ExponentialBase
	if base < 2 {
		base = 2
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(base)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn up to MaxAttempts times. Non-retryable errors and exhaustion
// return the last error unchanged. The jittered delay is uniform in
// [0, delay] (full jitter) to keep concurrent callers from retrying in
// lockstep.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	random := p.Rand
	if random == nil {
		random = rand.Int63n
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return faults.IsRetryable(err) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.Delay(attempt)
		if p.Jitter && delay > 0 {
			delay = time.Duration(random(int64(delay) + 1))
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
