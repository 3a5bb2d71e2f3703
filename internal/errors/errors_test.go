package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typedErr struct {
	kind  ErrorType
	after time.Duration
}

func (e *typedErr) Error() string             { return fmt.Sprintf("typed %s", e.kind) }
func (e *typedErr) ErrorType() ErrorType      { return e.kind }
func (e *typedErr) RetryAfter() time.Duration { return e.after }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         maxAttempts,
		InitialDelay:        time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		Multiplier:          2,
		MaxRateLimitRetries: 1,
	}
}

func TestClassifyType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"typed error wins", fmt.Errorf("wrapped: %w", &typedErr{kind: ErrorTypeBadRequest}), ErrorTypeBadRequest},
		{"canceled context", fmt.Errorf("fetch: %w", context.Canceled), ErrorTypeCanceled},
		{"deadline exceeded", context.DeadlineExceeded, ErrorTypeTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, ErrorTypeTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork},
		{"rate limit message", errors.New("Too Many Requests"), ErrorTypeRateLimit},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyType(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	ec := NewErrorClassifier(fastPolicy(3), nil)

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, ec.Classify(nil, "fetcher", "klines"))
	})

	t.Run("retryable metadata", func(t *testing.T) {
		ce := ec.Classify(&typedErr{kind: ErrorTypeNetwork}, "fetcher", "klines")
		require.NotNil(t, ce)
		assert.True(t, ce.Retryable)
		assert.Equal(t, SeverityLow, ce.Severity)
		assert.Contains(t, ce.Error(), "[fetcher/network] klines")
	})

	t.Run("storage errors are not retryable", func(t *testing.T) {
		ce := ec.Classify(&typedErr{kind: ErrorTypeStorage}, "sink", "write")
		assert.False(t, ce.Retryable)
		assert.Equal(t, SeverityHigh, ce.Severity)
	})

	t.Run("already classified is returned as is", func(t *testing.T) {
		ce := ec.Classify(errors.New("x"), "a", "b")
		assert.Same(t, ce, ec.Classify(fmt.Errorf("outer: %w", ce), "c", "d"))
	})

	t.Run("stats are recorded", func(t *testing.T) {
		stats := ec.GetStats()
		assert.GreaterOrEqual(t, stats[ErrorTypeNetwork].Count, int64(1))
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		ec := NewErrorClassifier(fastPolicy(3), nil)
		calls := 0
		err := ec.Retry(ctx, "fetcher", "klines", func() error {
			calls++
			if calls < 3 {
				return &typedErr{kind: ErrorTypeNetwork}
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		ec := NewErrorClassifier(fastPolicy(2), nil)
		calls := 0
		err := ec.Retry(ctx, "fetcher", "klines", func() error {
			calls++
			return &typedErr{kind: ErrorTypeTimeout}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		var te *typedErr
		assert.ErrorAs(t, err, &te)
		assert.Contains(t, err.Error(), "after 3 attempt(s)")
	})

	t.Run("non retryable fails immediately", func(t *testing.T) {
		ec := NewErrorClassifier(fastPolicy(5), nil)
		calls := 0
		err := ec.Retry(ctx, "fetcher", "klines", func() error {
			calls++
			return &typedErr{kind: ErrorTypeBadRequest}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("rate limit retried exactly once", func(t *testing.T) {
		ec := NewErrorClassifier(fastPolicy(5), nil)
		calls := 0
		err := ec.Retry(ctx, "fetcher", "klines", func() error {
			calls++
			return &typedErr{kind: ErrorTypeRateLimit}
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("rate limit honours retry after hint", func(t *testing.T) {
		ec := NewErrorClassifier(fastPolicy(0), nil)
		calls := 0
		start := time.Now()
		err := ec.Retry(ctx, "fetcher", "klines", func() error {
			calls++
			if calls == 1 {
				return &typedErr{kind: ErrorTypeRateLimit, after: 30 * time.Millisecond}
			}
			return nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("cancellation interrupts backoff", func(t *testing.T) {
		policy := fastPolicy(10)
		policy.InitialDelay = time.Hour
		policy.MaxDelay = time.Hour
		ec := NewErrorClassifier(policy, nil)

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := ec.Retry(cctx, "fetcher", "klines", func() error {
			return &typedErr{kind: ErrorTypeNetwork}
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsRetryable(&typedErr{kind: ErrorTypeServerError}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Equal(t, ErrorTypeValidation, GetErrorType(&typedErr{kind: ErrorTypeValidation}))
	assert.Nil(t, WrapError(nil, "a", "b", "c"))
	assert.EqualError(t, WrapError(errors.New("x"), "sink", "write", "insert failed"), "insert failed in sink.write: x")
}
