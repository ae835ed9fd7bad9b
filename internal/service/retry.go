package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the bounded retry of cart deactivation after checkout.
type RetryConfig struct {
	// MaxAttempts includes the first try
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// backoff returns the wait before retry number n (0-based)
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(n))
	if ceiling := float64(c.MaxBackoff); c.MaxBackoff > 0 && d > ceiling {
		d = ceiling
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// retry calls fn until it succeeds, attempts run out or ctx is done.
// The last error from fn is returned.
func retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	attempts := max(cfg.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.backoff(attempt - 1)):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
	}
	return err
}
