// Package retry runs an operation a bounded number of times with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy is used for startup connections to external stores.
var DefaultPolicy = Policy{Attempts: 5, Base: 200 * time.Millisecond, Max: 5 * time.Second}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the attempts are exhausted, or ctx ends.
// Errors are retried unless wrapped with Permanent; the last one is
// returned.
func Do(ctx context.Context, logger *slog.Logger, op string, p Policy, fn func(context.Context) error) error {
	if p.Attempts == 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = time.Millisecond
	}
	b := goretry.NewExponential(p.Base)
	if p.Max > 0 {
		b = goretry.WithCappedDuration(p.Max, b)
	}
	b = goretry.WithMaxRetries(p.Attempts-1, b)

	attempt := 0
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			if logger != nil {
				logger.Warn("operation failed", "op", op, "attempt", attempt, "error", err)
			}
			return goretry.RetryableError(err)
		}
		return nil
	})
}
