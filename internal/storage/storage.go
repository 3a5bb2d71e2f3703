// Package storage persists candles idempotently. Every ingestion target owns
// one relation, "<venue>_<symbol>"."interval_<name>", keyed by close time, and
// writes go through INSERT ... ON CONFLICT DO NOTHING in one transaction per
// batch so re-runs and overlapping windows never create duplicates.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/klinesync/internal/config"
	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/models"
)

// Sink is the storage surface used by the orchestrator and the watermark
// resolver. Implementations are safe for concurrent use.
type Sink interface {
	// EnsureRelation creates the target's schema and table if missing. It is
	// idempotent and tolerates concurrent callers.
	EnsureRelation(ctx context.Context, target models.Target) error

	// Write inserts candles in a single transaction, skipping rows whose close
	// time is already stored. It returns the number of rows actually inserted.
	// On error nothing from the batch is visible.
	Write(ctx context.Context, target models.Target, candles []models.Candle) (int, error)

	// LatestCloseTime returns MAX(time_close) of the target's relation and
	// whether any row exists.
	LatestCloseTime(ctx context.Context, target models.Target) (time.Time, bool, error)

	// Query reads stored candles ordered by close time.
	Query(ctx context.Context, req QueryRequest) ([]models.Candle, error)

	// Describe summarizes the target's relation. A missing relation is not an
	// error: Exists is false.
	Describe(ctx context.Context, target models.Target) (*RelationStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// QueryRequest selects candles of one target with From <= time_close < To.
// Zero bounds are open; a zero Limit returns everything.
type QueryRequest struct {
	Target     models.Target
	From       time.Time
	To         time.Time
	Limit      int
	Descending bool
}

// RelationStats describes what is stored for a target.
type RelationStats struct {
	Relation   string    `json:"relation"`
	Exists     bool      `json:"exists"`
	Rows       int64     `json:"rows"`
	FirstClose time.Time `json:"first_close,omitempty"`
	LastClose  time.Time `json:"last_close,omitempty"`
}

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "write", "ensure_relation")
	Operation string

	// Relation is the quoted relation involved, empty for connection-level failures
	Relation string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Relation != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Relation, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorType classifies storage failures as non-retryable storage errors.
func (e *StorageError) ErrorType() apperrors.ErrorType {
	return apperrors.ErrorTypeStorage
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, relation string, err error) *StorageError {
	return &StorageError{Operation: operation, Relation: relation, Err: err}
}

// Open builds the sink selected by cfg.Type and verifies connectivity.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresStorage(ctx, cfg, logger)
	case "duckdb":
		return NewDuckDBStorage(ctx, cfg.DuckDBPath, logger)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, NewStorageError("open", "", fmt.Errorf("unsupported storage type %q", cfg.Type))
	}
}

func validateBatch(target models.Target, candles []models.Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return NewStorageError("write", target.Relation(), fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}
	return nil
}
