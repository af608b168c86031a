package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/types"
)

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (noopLogger) With(args ...any) types.Logger { return noopLogger{} }

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// newTestRetrier returns a retrier whose sleeps are recorded instead of slept.
func newTestRetrier(cfg RetryConfig) (*Retrier, *[]time.Duration) {
	var slept []time.Duration
	r := NewRetrier(cfg, noopLogger{}, WithSleepFunc(func(d time.Duration) {
		slept = append(slept, d)
	}))
	return r, &slept
}

func TestRetrier_SuccessFirstAttempt(t *testing.T) {
	r, slept := newTestRetrier(testRetryConfig())

	calls := 0
	result, err := r.Do(context.Background(), "send", func(ctx context.Context) (string, error) {
		calls++
		return "msg-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", result)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetrier_TransientFailureThenSuccess(t *testing.T) {
	r, slept := newTestRetrier(testRetryConfig())

	calls := 0
	result, err := r.Do(context.Background(), "send", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", types.NewAppError(types.ErrCodeDeliveryTransient, "timeout", nil)
		}
		return "msg-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRetrier_BudgetExhausted(t *testing.T) {
	r, slept := newTestRetrier(testRetryConfig())

	calls := 0
	lastErr := types.NewAppError(types.ErrCodeDeliveryTransient, "still down", nil)
	_, err := r.Do(context.Background(), "send", func(ctx context.Context) (string, error) {
		calls++
		return "", lastErr
	})
	require.Error(t, err)
	assert.Equal(t, lastErr, err)
	assert.Equal(t, 4, calls, "MaxRetries=3 means 4 total attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestRetrier_NonRetryableShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent delivery failure", types.NewAppError(types.ErrCodeDeliveryPermanent, "bad token", nil)},
		{"open circuit", types.NewAppError(types.ErrCodeDeliveryCircuitOpen, "breaker open", nil)},
		{"validation failure", types.NewAppError(types.ErrCodeValidationInvalidType, "unknown channel", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, slept := newTestRetrier(testRetryConfig())

			calls := 0
			_, err := r.Do(context.Background(), "send", func(ctx context.Context) (string, error) {
				calls++
				return "", tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, calls, "non-retryable errors must not consume the retry budget")
			assert.Empty(t, *slept)
		})
	}
}

func TestRetrier_PlainErrorIsRetried(t *testing.T) {
	r, _ := newTestRetrier(testRetryConfig())

	calls := 0
	_, err := r.Do(context.Background(), "send", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("dial tcp: connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	r, _ := newTestRetrier(testRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := r.Do(ctx, "send", func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", types.NewAppError(types.ErrCodeDeliveryTransient, "timeout", nil)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Delay(t *testing.T) {
	r := NewRetrier(testRetryConfig(), noopLogger{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{0, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}
