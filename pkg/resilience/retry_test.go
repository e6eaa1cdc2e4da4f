package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemesh/pulsemesh/pkg/errors"
)

func TestRetrier_SucceedsFirstAttempt(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_RetriesTransientFailures(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewExternalError("svc", "transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewTimeoutError("call")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})

	tests := []struct {
		name string
		err  error
	}{
		{"circuit open", errors.NewCircuitOpenError("cb")},
		{"downstream", errors.NewDownstreamError("svc", 500, "")},
		{"unavailable", errors.NewServiceUnavailableError("svc")},
		{"blocked", errors.NewNonCriticalBlockedError("svc", "/p")},
		{"validation", errors.NewValidationError("bad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := retrier.Execute(context.Background(), func(ctx context.Context) error {
				attempts++
				return tt.err
			})

			require.Error(t, err)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, tt.err, err)
		})
	}
}

func TestRetrier_ContextCancellation(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, Jitter: false})

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewTimeoutError("call")
	})

	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_OnRetryCallback(t *testing.T) {
	var delays []time.Duration

	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	})

	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return errors.NewTimeoutError("call")
	})

	require.Len(t, delays, 2)
	assert.Equal(t, time.Millisecond, delays[0])
	assert.Equal(t, 2*time.Millisecond, delays[1])
}

func TestRetrier_ExecuteWithResult(t *testing.T) {
	retrier := NewRetrier(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	result, err := retrier.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.NewExternalError("svc", "transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestCalculateDelay_Backoff(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          300 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	})

	assert.Equal(t, 100*time.Millisecond, retrier.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, retrier.calculateDelay(2))
	// Capped at MaxDelay
	assert.Equal(t, 300*time.Millisecond, retrier.calculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, retrier.calculateDelay(4))
}
