package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicq/queue-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 10 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 200 * time.Millisecond
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// retryConflicts re-runs op from a fresh read while it fails with a version
// conflict. Any other error stops immediately.
func retryConflicts[T any](ctx context.Context, policy RetryPolicy, logger zerolog.Logger, name string, op func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		value, err := op()
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug().Str("op", name).Dur("wait", wait).Msg("version conflict, retrying")
		}),
	)
	if errors.Is(err, store.ErrVersionConflict) {
		return result, fmt.Errorf("%s: %w after %d attempts", name, ErrConflict, policy.MaxAttempts)
	}
	return result, err
}
