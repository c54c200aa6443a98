package embedder

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/dshills/tagindex/pkg/types"
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
	Multiplier float64       // Exponential backoff multiplier
	// JitterFraction adds up to this fraction of the delay, uniformly drawn
	JitterFraction float64
}

// DefaultRetryConfig returns sensible defaults for API retry
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     MaxRetries,
		BaseDelay:      time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:       time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier:     BackoffMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// delay returns the wait before retry number attempt (0-based), jitter included
func (c RetryConfig) delay(attempt int, rnd func() float64) time.Duration {
	d := float64(c.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * rnd()
	}
	return time.Duration(d)
}

// retryHook observes each retry; attempt is 1-based
type retryHook func(attempt int, wait time.Duration, err error)

// retryWithBackoff calls fn until it succeeds, returns a non-transient
// error, or runs out of attempts. Only *types.TransientComputeError is
// retried. Cancellation aborts the wait.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, hook retryHook, fn func() (T, error)) (T, error) {
	var zero T
	config = config.withDefaults()

	var lastErr error
	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !types.IsTransient(err) || attempt == config.MaxRetries-1 {
			break
		}

		wait := config.delay(attempt, rand.Float64)
		if hook != nil {
			hook(attempt+1, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// classifyStatus wraps an HTTP failure in the error taxonomy: 408, 429 and
// 5xx are transient, every other status is permanent for the batch.
func classifyStatus(op string, status int, err error) error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return &types.TransientComputeError{Op: op, StatusCode: status, Err: err}
	}
	return &types.PermanentItemError{Err: errors.Join(ErrProviderFailed, err)}
}

// classifyTransport wraps a failure that never produced a status code.
// Connection resets, timeouts and truncated bodies are all worth retrying.
func classifyTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &types.TransientComputeError{Op: op, Err: err}
}
