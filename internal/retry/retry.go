// Package retry wraps calls to external collaborators with a bounded,
// fixed-delay retry policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
)

type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	Delay    time.Duration
}

func FromConfig(cfg config.WorkerConfig) Policy {
	return Policy{Attempts: cfg.MaxRetries, Delay: cfg.RetryDelay}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), notify func(attempt int, err error)) (T, error) {
	attempts := max(p.Attempts, 1)
	attempt := 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			notify(attempt, err)
		}))
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return fn(ctx)
	}, opts...)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}
