// Package retry provides the bounded exponential backoff shared by the
// order submitter and the stopping executor.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
}

// Backoff computes the delay before attempt+1:
// clamp(base * 2^attempt, base, max), lifted to retryAfter when the venue
// asked for a longer pause, with +/-20% jitter.
func (p Policy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if delay < float64(p.InitialBackoff) {
		delay = float64(p.InitialBackoff)
	}
	if float64(retryAfter) > delay {
		delay = float64(retryAfter)
	}

	jitter := (rand.Float64()*0.4 - 0.2) * delay
	return time.Duration(delay + jitter)
}

// IsTransientFunc reports whether an error is transient and worth retrying
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff(attempt, 0)):
		}
	}

	return err
}
