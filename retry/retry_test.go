package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/threadrun/threadrun/retry"
)

var errBoom = errors.New("boom")

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{
		MaxAttempts: 5,
		Strategy:    retry.Constant(time.Millisecond),
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{
		MaxAttempts: 3,
		Strategy:    retry.Constant(time.Millisecond),
	}, func(context.Context) error {
		calls++
		return errBoom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{
		MaxAttempts: 5,
		Retryable:   func(error) bool { return false },
	}, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsRateLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow()) // drain the initial burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Policy{MaxAttempts: 1, Limiter: limiter}, func(context.Context) error {
		t.Fatal("op should not run before the limiter grants a token")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitErrorRetryAfter(t *testing.T) {
	err := &retry.RateLimitError{Retry: 2 * time.Second, Err: errBoom}
	assert.Equal(t, 2*time.Second, retry.RetryAfterOr(err, time.Second))
	assert.ErrorIs(t, err, errBoom)
}

func TestExponentialCapsAtMax(t *testing.T) {
	s := retry.Exponential(time.Second, 4*time.Second, 0)
	assert.Equal(t, time.Second, s(0))
	assert.Equal(t, 2*time.Second, s(1))
	assert.Equal(t, 4*time.Second, s(2))
	assert.Equal(t, 4*time.Second, s(5))
}
