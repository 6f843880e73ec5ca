// Package retry runs an operation with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Retryable reports whether a failure may be retried. Other errors return immediately.
	Retryable func(error) bool
	// OnRetry is called after each retryable failure.
	OnRetry func(err error, attempt int)
}

// Exponential waits base*2^attempt, with up to jitter fraction of random spread.
func Exponential(base time.Duration, jitter float64) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		return spread(d, jitter)
	}
}

// Linear waits step*attempt.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

func spread(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	delta := int64(float64(d) * jitter)
	if delta <= 0 {
		return d
	}
	return d - time.Duration(delta) + time.Duration(rand.Int64N(2*delta+1))
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// StoppedError is returned when ctx ended before the attempts ran out. Last
// holds the failure of the most recent attempt.
type StoppedError struct {
	Err  error
	Last error
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("retry stopped: %v, last error: %v", e.Err, e.Last)
}

func (e *StoppedError) Unwrap() []error { return []error{e.Err, e.Last} }

// Do calls fn until it succeeds, returns a non-retryable error, the attempts run
// out, or ctx is done. Waits are measured on clk. A stop after at least one
// failed attempt returns a *StoppedError carrying that failure.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = func(int) time.Duration { return time.Millisecond }
	}

	var lastErr error
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lastErr = fn(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			return p.Retryable == nil || !p.Retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if p.OnRetry != nil {
				p.OnRetry(err, attempt)
			}
		},
		Attempts: p.Attempts,
		Delay:    positive(backoff(1)),
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return positive(backoff(attempt))
		},
		Clock: clk,
		Stop:  ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err):
		return &ExhaustedError{Attempts: p.Attempts, Last: lastErr}
	case jujuretry.IsRetryStopped(err) && lastErr != nil:
		return &StoppedError{Err: ctx.Err(), Last: lastErr}
	case jujuretry.IsRetryStopped(err):
		return fmt.Errorf("retry stopped: %w", ctx.Err())
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && errors.Is(err, ctxErr) && !errors.Is(lastErr, ctxErr) {
		return &StoppedError{Err: ctxErr, Last: lastErr}
	}
	return err
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
