// Package retrylimit provides bounded retries with backoff and a pacer for
// spreading bursts of work over time.
//
// Example usage:
//
//	err := retrylimit.Retry(ctx, retrylimit.Config{
//	    MaxAttempts: 3,
//	    Backoff:     retrylimit.Linear(800 * time.Millisecond),
//	    Retryable:   isTransient,
//	}, func(attempt int) error {
//	    return join()
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Backoff
// =============================================================================

// Backoff returns the delay to wait before the given attempt (1-based).
type Backoff func(attempt int) time.Duration

// Linear waits base × attempt.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(attempt)
	}
}

// Constant waits d every time.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Errors
// =============================================================================

// FatalError wraps errors that should stop retries immediately.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// ErrExhausted is wrapped by Retry when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// =============================================================================
// Retry
// =============================================================================

// Config configures Retry.
type Config struct {
	MaxAttempts int     // total attempts, at least 1
	Backoff     Backoff // delay before attempt n+1 after attempt n failed; nil = no delay
	// Retryable decides whether an error is worth another attempt. nil
	// retries everything except FatalError.
	Retryable func(error) bool
	// BeforeRetry runs after the backoff and before the next attempt.
	BeforeRetry func(attempt int)
	OnRetry     func(attempt int, err error)
}

// Retry runs fn until it succeeds, returns a non-retryable error, ctx is
// done or MaxAttempts is reached. The last error is wrapped with ErrExhausted.
func Retry(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if cfg.Backoff != nil {
				if err := Sleep(ctx, cfg.Backoff(attempt-1)); err != nil {
					return err
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			if cfg.BeforeRetry != nil {
				cfg.BeforeRetry(attempt)
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		last = err

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return fatal.Err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if cfg.OnRetry != nil && attempt < cfg.MaxAttempts {
			cfg.OnRetry(attempt, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, last)
}

// =============================================================================
// Pacer
// =============================================================================

// Pacer lets one caller through per interval. It is shared by everything
// that must not hit the engine in a burst.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer admitting one call per interval. A non-positive
// interval never waits.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next slot or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.limiter.Wait(ctx)
}
