// Package retry implements the retry and rate-limit mediators: a
// configurable backoff strategy wrapping a fallible operation, and a
// token-bucket budget (backed by golang.org/x/time/rate) that throttles
// how often the operation may even be attempted.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Strategy computes the delay before the (attempt+1)th retry, given the
// number of attempts already made (attempt starts at 0 for the first
// retry after an initial failure).
type Strategy func(attempt int) time.Duration

// Constant returns a Strategy that always waits d.
func Constant(d time.Duration) Strategy {
	return func(int) time.Duration { return d }
}

// Linear returns a Strategy that waits base*(attempt+1), capped at max.
func Linear(base, max time.Duration) Strategy {
	return func(attempt int) time.Duration {
		d := base * time.Duration(attempt+1)
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Exponential returns a Strategy that waits base*2^attempt, capped at max,
// with up to +/-jitterFrac relative jitter applied to smooth out retry
// storms from many callers backing off in lockstep.
func Exponential(base, max time.Duration, jitterFrac float64) Strategy {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				d = max
				break
			}
		}
		if jitterFrac <= 0 {
			return d
		}
		delta := float64(d) * jitterFrac
		offset := (rand.Float64()*2 - 1) * delta
		d += time.Duration(offset)
		if d < 0 {
			d = 0
		}
		return d
	}
}

// Predicate reports whether err is retryable. The default predicate
// (used when Policy.Retryable is nil) retries every non-nil error.
type Predicate func(err error) bool

// Policy configures a Do invocation.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Zero or negative means 1 (no retries).
	MaxAttempts int

	// Strategy computes the delay between attempts. Defaults to
	// Exponential(100ms, 10s, 0.2) when nil.
	Strategy Strategy

	// Retryable decides whether a given error should trigger a retry.
	// Defaults to retrying any non-nil error.
	Retryable Predicate

	// Limiter, if set, is consulted via Wait before every attempt
	// (including the first), throttling the call rate independently of
	// failure/retry behavior.
	Limiter *rate.Limiter
}

// ErrExhausted wraps the last error after MaxAttempts have failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

func (p Policy) strategy() Strategy {
	if p.Strategy != nil {
		return p.Strategy
	}
	return Exponential(100*time.Millisecond, 10*time.Second, 0.2)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return err != nil
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op, retrying per p until it succeeds, MaxAttempts is exhausted,
// ctx is cancelled, or op returns a non-retryable error. On exhaustion the
// last error is wrapped with ErrExhausted.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	strategy := p.strategy()
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts(); attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
		if attempt == p.maxAttempts()-1 {
			break
		}

		delay := RetryAfterOr(lastErr, strategy(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}

// retryAfter is implemented by errors that carry a server-supplied
// retry-after hint (e.g. rate-limit responses with a Retry-After header).
// When present, RetryAfterOr prefers it over the configured Strategy.
type retryAfter interface {
	RetryAfter() time.Duration
}

// RetryAfterOr returns err's server-hinted retry delay if it implements
// retryAfter and reports a positive duration, otherwise fallback.
func RetryAfterOr(err error, fallback time.Duration) time.Duration {
	var ra retryAfter
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d
		}
	}
	return fallback
}

// RateLimitError indicates the operation was rejected due to rate limiting,
// optionally carrying a server-supplied Retry-After hint.
type RateLimitError struct {
	Retry time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return "retry: rate limited: " + e.Err.Error()
	}
	return "retry: rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RetryAfter implements the retryAfter interface.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Retry }
