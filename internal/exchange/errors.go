package exchange

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	apperrors "github.com/johnayoung/klinesync/internal/errors"
)

// ErrNoData is returned by FetchFirstTime when the exchange has no candles.
var ErrNoData = errors.New("exchange returned no data")

// ExchangeError is a structured rejection from the exchange API, e.g.
// {"code":-1121,"msg":"Invalid symbol."}. It is not retried, except for the
// rate-limit statuses 429 and 418 which are retried once.
type ExchangeError struct {
	StatusCode int
	Code       int
	Message    string
	retryAfter time.Duration
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange error (http %d): %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether the exchange asked the client to slow down.
func (e *ExchangeError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusTeapot
}

// ErrorType classifies the rejection for the retry policy.
func (e *ExchangeError) ErrorType() apperrors.ErrorType {
	if e.IsRateLimit() {
		return apperrors.ErrorTypeRateLimit
	}
	return apperrors.ErrorTypeBadRequest
}

// RetryAfter is the server's Retry-After hint, zero when absent.
func (e *ExchangeError) RetryAfter() time.Duration {
	return e.retryAfter
}

// TransportError is a failure to obtain a well-formed response: connection
// errors, timeouts, truncated bodies and 5xx responses without a structured body.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s %s: http %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorType classifies the failure for the retry policy.
func (e *TransportError) ErrorType() apperrors.ErrorType {
	if e.StatusCode >= 500 {
		return apperrors.ErrorTypeServerError
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return apperrors.ErrorTypeTimeout
	}
	return apperrors.ErrorTypeNetwork
}

// DecodeError reports a response body that could not be turned into candles.
type DecodeError struct {
	Endpoint string
	Row      int
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("decode %s row %d: %v", e.Endpoint, e.Row, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrorType marks decode failures as non-retryable validation errors.
func (e *DecodeError) ErrorType() apperrors.ErrorType {
	return apperrors.ErrorTypeValidation
}
