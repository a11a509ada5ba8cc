package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ctoriola/orderly-fresh/internal/store"
)

// RetryPolicy bounds how long an operation keeps chasing version
// conflicts before giving up with ErrContended.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// retryConditional re-runs op while it fails with a version conflict,
// backing off with jitter between attempts. Every other error stops the
// loop immediately. Each attempt re-reads its inputs, so losing a race
// means redoing the decision on fresh state rather than replaying a
// stale write.
func retryConditional[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.RandomizationFactor = 0.5
	expo.Multiplier = 2
	expo.MaxInterval = policy.MaxInterval

	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(policy.MaxAttempts)))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return out, ErrContended
		}
		return out, err
	}
	return out, nil
}
