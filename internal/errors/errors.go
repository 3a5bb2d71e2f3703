// Package errors provides error classification and bounded retry for klinesync.
// Errors raised by the exchange client and the storage layer classify themselves
// through the Typed interface; everything else is classified from its shape
// (net.Error, context errors) and, as a last resort, its message.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/klinesync/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // connection refused, reset, DNS
	ErrorTypeTimeout     ErrorType = "timeout"      // request or dial timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 / 418 from the exchange
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx without a structured body
	ErrorTypeTemporary   ErrorType = "temporary"

	// Non-retryable error types
	ErrorTypeBadRequest    ErrorType = "bad_request" // structured rejection from the exchange
	ErrorTypeValidation    ErrorType = "validation"  // malformed payloads, unknown granularity
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeCanceled      ErrorType = "canceled"
	ErrorTypeInternal      ErrorType = "internal"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Typed is implemented by errors that know their own classification.
type Typed interface {
	error
	ErrorType() ErrorType
}

// RetryAfterer is implemented by errors that carry a server-provided wait hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports whether target is a ClassifiedError of the same type, or matches
// the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	// MaxAttempts counts retries after the first call for retryable errors.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxRateLimitRetries caps retries of rate_limit errors separately.
	MaxRateLimitRetries int
}

// PolicyFromConfig converts the retry section of the application config.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         cfg.MaxAttempts,
		InitialDelay:        config.MustDuration(cfg.InitialDelay),
		MaxDelay:            config.MustDuration(cfg.MaxDelay),
		Multiplier:          cfg.Multiplier,
		Jitter:              cfg.Jitter,
		MaxRateLimitRetries: 1,
	}
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	policy RetryPolicy
	logger *slog.Logger

	mu    sync.RWMutex
	stats map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	Retries   int64     `json:"retries"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewErrorClassifier creates a new error classifier with the given retry policy
func NewErrorClassifier(policy RetryPolicy, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		policy: policy,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := ClassifyType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityOf(errorType),
		Retryable: retryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.mu.Lock()
	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = classified.Timestamp
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
	ec.mu.Unlock()

	return classified
}

// ClassifyType determines the error type of err without recording statistics.
func ClassifyType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	// Cancellation wins over everything; a canceled run must never be retried.
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "connection refused", "connection reset", "no route to host",
		"network unreachable", "broken pipe", "eof"):
		return ErrorTypeNetwork
	case containsAny(errStr, "timeout", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(errStr, "rate limit", "too many requests"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "service unavailable", "bad gateway", "internal server error"):
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func severityOf(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeConfiguration, ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary:
		return true
	default:
		return false
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Rate-limit errors are retried at most
// MaxRateLimitRetries times and wait for the server's Retry-After hint when
// one is larger than the computed backoff. Waiting stops as soon as ctx is done.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	strategy := ec.newBackOff()
	attempts := 0
	retries := 0
	rateLimitRetries := 0

	for {
		attempts++
		err := fn()
		if err == nil {
			if attempts > 1 {
				ec.logger.DebugContext(ctx, "operation succeeded after retry",
					"component", component,
					"operation", operation,
					"attempts", attempts)
			}
			return nil
		}

		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts

		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled after %d attempt(s): %w", operation, attempts, err)
		}

		allowed := classified.Retryable && retries < ec.policy.MaxAttempts
		if classified.Type == ErrorTypeRateLimit {
			allowed = rateLimitRetries < ec.policy.MaxRateLimitRetries
		}
		if !allowed {
			return fmt.Errorf("%s failed after %d attempt(s): %w", operation, attempts, err)
		}

		wait := strategy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%s failed after %d attempt(s): %w", operation, attempts, err)
		}
		var hinted RetryAfterer
		if errors.As(err, &hinted) && hinted.RetryAfter() > wait {
			wait = hinted.RetryAfter()
		}

		retries++
		if classified.Type == ErrorTypeRateLimit {
			rateLimitRetries++
		}
		ec.recordRetry(classified.Type)

		ec.logger.WarnContext(ctx, "retrying operation",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"error_type", classified.Type,
			"wait", wait,
			"error", err.Error())

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		}
	}
}

func (ec *ErrorClassifier) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	if ec.policy.InitialDelay > 0 {
		exponential.InitialInterval = ec.policy.InitialDelay
	}
	if ec.policy.MaxDelay > 0 {
		exponential.MaxInterval = ec.policy.MaxDelay
	}
	if ec.policy.Multiplier >= 1 {
		exponential.Multiplier = ec.policy.Multiplier
	}
	if !ec.policy.Jitter {
		exponential.RandomizationFactor = 0
	}
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return exponential
}

func (ec *ErrorClassifier) recordRetry(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	stats := ec.stats[errorType]
	stats.Retries++
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable reports whether err would be retried by Retry.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return retryableType(ClassifyType(err))
}

// GetErrorType extracts or derives the error type of err.
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ClassifyType(err)
}
