// Package resilience wraps provider calls in the failure-isolation stack
// used by the consumer workers: a bounded exponential-backoff retry executor
// around a per-provider circuit breaker around the call itself.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"dispatch/internal/types"
)

// BreakerConfig tunes a circuit breaker instance.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before admitting
	// half-open probe calls.
	ResetTimeout time.Duration
	// CallTimeout is the hard deadline on every wrapped call. A timeout
	// counts as a failure.
	CallTimeout time.Duration
}

// DefaultBreakerConfig returns the standard provider-isolation settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker. One instance is shared by all
// worker goroutines delivering through the same provider; state transitions
// are atomic inside gobreaker, so concurrent invocation is safe.
type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker[string]
	callTimeout time.Duration
	logger      types.Logger
}

// NewBreaker creates a named circuit breaker for one delivery provider.
func NewBreaker(name string, cfg BreakerConfig, logger types.Logger) *Breaker {
	b := &Breaker{
		name:        name,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}

	b.cb = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return b
}

// Execute runs fn under the breaker with the hard call timeout applied. When
// the breaker is open the call is short-circuited immediately with a
// delivery_circuit_open error and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	result, err := b.cb.Execute(func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return "", b.mapError(err)
	}
	return result, nil
}

// State returns the breaker's current state name (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// mapError translates breaker-level short circuits into the pipeline error
// taxonomy; other errors pass through unchanged so the caller sees the
// provider's own classification.
func (b *Breaker) mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeDeliveryCircuitOpen,
			"circuit breaker '"+b.name+"' is open", err)
	}
	return err
}
