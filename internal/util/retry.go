package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff.
type RetryConfig struct {
	// MaxRetries caps retry attempts. 0 means no retries, -1 unlimited.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// Jitter randomizes delays by up to this fraction (0.0 to 1.0).
	Jitter float64
	// RetryIf, when set, limits which errors are retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the standard backoff settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// RetryResult reports how a retried operation went.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// ErrMaxRetriesExceeded marks an operation that never succeeded.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled marks a retry loop cut short by its context.
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry runs fn until it succeeds, the retry budget runs out, or ctx
// is canceled, backing off exponentially between attempts.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	if config == nil {
		config = DefaultRetryConfig()
	}

	result := &RetryResult{}
	start := time.Now()

	for {
		result.Attempts++

		err := fn()
		if err == nil {
			result.LastError = nil
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			result.Duration = time.Since(start)
			return result
		}
		if config.MaxRetries >= 0 && result.Attempts > config.MaxRetries {
			result.LastError = errors.Join(ErrMaxRetriesExceeded, err)
			result.Duration = time.Since(start)
			return result
		}

		select {
		case <-ctx.Done():
			result.LastError = errors.Join(ErrContextCanceled, ctx.Err())
			result.Duration = time.Since(start)
			return result
		case <-time.After(calculateDelay(config, result.Attempts)):
		}
	}
}

func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if max := float64(config.MaxDelay); config.MaxDelay > 0 && delay > max {
		delay = max
	}
	if config.Jitter > 0 {
		delay += delay * config.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
