package resilience

import (
	"context"
	"time"

	"dispatch/internal/types"
)

// RetryConfig tunes the bounded exponential backoff executor.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the initial call, so a
	// call is attempted at most MaxRetries+1 times.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultRetryConfig returns the standard delivery retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// Retrier executes a fallible operation with bounded exponential backoff.
// Attempt 0 runs immediately; attempt k waits
// min(InitialDelay * Factor^(k-1), MaxDelay) first. Non-retryable errors
// (validation-class, permanent delivery failures, open circuit) are returned
// immediately without consuming the retry budget.
type Retrier struct {
	cfg    RetryConfig
	logger types.Logger
	sleep  func(time.Duration) // for testability; defaults to time.Sleep
}

// RetrierOption is a functional option for configuring a Retrier.
type RetrierOption func(*Retrier)

// WithSleepFunc overrides the sleep function used between attempts.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) RetrierOption {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// NewRetrier creates a Retrier with the given configuration.
func NewRetrier(cfg RetryConfig, logger types.Logger, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delay returns the wait before attempt k (1-based):
// min(InitialDelay * Factor^(k-1), MaxDelay).
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.cfg.Factor
	}
	d := time.Duration(delay)
	if d > r.cfg.MaxDelay || d < 0 {
		d = r.cfg.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds or the attempt budget is exhausted, returning
// the first success or the last observed error. The op string names the
// operation in log output. Waits suspend only the calling goroutine, so one
// struggling provider slows its own queue without stalling siblings.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt)
			r.logger.Info("retrying operation",
				"operation", op,
				"attempt", attempt,
				"max_retries", r.cfg.MaxRetries,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			r.sleep(delay)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			r.logger.Warn("operation failed with non-retryable error",
				"operation", op,
				"attempt", attempt,
				"error", err.Error(),
			)
			return "", err
		}

		r.logger.Warn("operation attempt failed",
			"operation", op,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"error", err.Error(),
		)
	}

	r.logger.Error("retry budget exhausted",
		"operation", op,
		"max_retries", r.cfg.MaxRetries,
		"error", lastErr.Error(),
	)
	return "", lastErr
}
