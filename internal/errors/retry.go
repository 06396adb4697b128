package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"nova/internal/logging"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first (default 3)
	BaseDelay    time.Duration // First backoff delay (default 1s)
	MaxDelay     time.Duration // Backoff cap (default 30s)
	JitterFactor float64       // Randomisation factor, 0.25 = +/-25%
}

// DefaultRetryConfig returns the gateway defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Retry executes fn up to MaxAttempts times, backing off between transient
// failures. Non-transient errors stop the loop immediately.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog is RetryWithResult with a caller-supplied logger.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	config = config.normalized()
	logger = logging.OrNop(logger)

	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("succeeded on attempt %d/%d", attempt, config.MaxAttempts)
			}
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			logger.Debug("attempt %d failed with non-transient error: %v", attempt, err)
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, config)
		logger.Debug("attempt %d/%d failed (%v), backing off %v", attempt, config.MaxAttempts, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// backoffDelay computes the exponential delay for a 1-based attempt number,
// capped at MaxDelay and randomised by JitterFactor.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * config.JitterFactor * float64(delay)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
