// Package models provides the core data types of klinesync: the interval
// catalog, candles, ingestion targets and run reports.
package models

import (
	"fmt"
	"math"
	"time"
)

// Candle is one immutable OHLCV bar. Times are UTC with millisecond precision.
// CloseTime is the primary key of the relation a candle is stored in.
type Candle struct {
	OpenTime  time.Time `json:"time_open" db:"time_open"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
	CloseTime time.Time `json:"time_close" db:"time_close"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the invariants every stored candle must satisfy: a close
// time strictly after the open time, finite prices and a non-negative volume.
// OHLC ordering is not enforced; exchanges occasionally publish bars that
// violate it and those are still stored as received.
func (c Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return &ValidationError{Field: "time_open", Message: "open time cannot be zero"}
	}
	if !c.CloseTime.After(c.OpenTime) {
		return &ValidationError{Field: "time_close", Message: fmt.Sprintf("close time %s is not after open time %s",
			c.CloseTime.Format(time.RFC3339Nano), c.OpenTime.Format(time.RFC3339Nano))}
	}

	fields := []struct {
		name  string
		value float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &ValidationError{Field: f.name, Message: "value must be finite"}
		}
	}
	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume cannot be negative"}
	}
	return nil
}

// IsComplete reports whether the bar spans a full interval, i.e. the exchange
// has closed it. The exchange reports close time as open + duration - 1ms.
func (c Candle) IsComplete(iv Interval) bool {
	return c.CloseTime.Sub(c.OpenTime) == iv.Duration-time.Millisecond
}

// FromMillis converts an exchange epoch-millisecond timestamp to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToMillis converts t to epoch milliseconds.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}
