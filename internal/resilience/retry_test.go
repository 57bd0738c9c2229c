package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	opts := DefaultRetryOptions()
	opts.sleep = noSleep(&delays)

	calls := 0
	err := Retry(context.Background(), opts, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestRetry_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	var delays []time.Duration
	opts := DefaultRetryOptions()
	opts.sleep = noSleep(&delays)

	calls := 0
	err := Retry(context.Background(), opts, func() error {
		calls++
		return errBoom
	})

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRetry_BackoffDoublesAndCaps(t *testing.T) {
	var delays []time.Duration
	opts := RetryOptions{
		MaxAttempts:  6,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		sleep:        noSleep(&delays),
	}

	_ = Retry(context.Background(), opts, func() error { return errBoom })

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, delays)
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	fatal := errors.New("bad request")
	var delays []time.Duration
	opts := DefaultRetryOptions()
	opts.sleep = noSleep(&delays)
	opts.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	err := Retry(context.Background(), opts, func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestRetry_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := DefaultRetryOptions()
	opts.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	err := Retry(ctx, opts, func() error {
		calls++
		return errBoom
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
