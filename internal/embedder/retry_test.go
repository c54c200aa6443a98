package embedder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/pkg/types"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxRetries:     attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0.5,
	}
}

func TestRetryWithBackoff_RetriesTransient(t *testing.T) {
	calls := 0
	var waits []time.Duration
	hook := func(attempt int, wait time.Duration, err error) {
		waits = append(waits, wait)
	}

	got, err := retryWithBackoff(context.Background(), fastRetry(3), hook, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &types.TransientComputeError{Op: "embed", StatusCode: 503, Err: errors.New("unavailable")}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestRetryWithBackoff_PermanentNotRetried(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), fastRetry(5), nil, func() (int, error) {
		calls++
		return 0, &types.PermanentItemError{Err: errors.New("bad input")}
	})
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), fastRetry(4), nil, func() (int, error) {
		calls++
		return 0, &types.TransientComputeError{Op: "embed", Err: errors.New("reset")}
	})
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, 4, calls)
}

func TestRetryWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := retryWithBackoff(ctx, cfg, nil, func() (int, error) {
		calls++
		return 0, &types.TransientComputeError{Op: "embed", Err: errors.New("timeout")}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
	none := func() float64 { return 0 }
	full := func() float64 { return 1 }

	assert.Equal(t, 100*time.Millisecond, cfg.delay(0, none))
	assert.Equal(t, 400*time.Millisecond, cfg.delay(2, none))
	assert.Equal(t, time.Second, cfg.delay(10, none))

	// Jitter is bounded by the fraction
	assert.Equal(t, 120*time.Millisecond, cfg.delay(0, full))
	assert.Equal(t, 1200*time.Millisecond, cfg.delay(10, full))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{408, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{413, false},
	}
	for _, tt := range tests {
		err := classifyStatus("embed", tt.status, errors.New("boom"))
		assert.Equal(t, tt.transient, types.IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, types.IsPermanent(err), "status %d", tt.status)
	}
}

func TestClassifyTransport(t *testing.T) {
	err := classifyTransport(context.Background(), "embed", errors.New("connection reset"))
	assert.True(t, types.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = classifyTransport(ctx, "embed", errors.New("connection reset"))
	assert.ErrorIs(t, err, context.Canceled)
}
