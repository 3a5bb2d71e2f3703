package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/johnayoung/klinesync/internal/config"
	"github.com/lib/pq"
)

// Postgres error codes raised when two sessions create the same schema or
// table at once.
const (
	pgUniqueViolation = "23505"
	pgDuplicateSchema = "42P06"
	pgDuplicateTable  = "42P07"
)

var postgresDialect = dialect{
	name:      "postgres",
	floatType: "DOUBLE PRECISION",
	timeType:  "TIMESTAMP(3)",
	benignDDLError: func(err error) bool {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return false
		}
		switch pqErr.Code {
		case pgUniqueViolation, pgDuplicateSchema, pgDuplicateTable:
			return true
		}
		return false
	},
}

// PostgresStorage is the primary Sink, backed by a pooled sqlx.DB. Times are
// stored as TIMESTAMP without time zone and are always written and read as UTC.
type PostgresStorage struct {
	*sqlStore
}

// NewPostgresStorage opens a connection pool from cfg and pings it.
func NewPostgresStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := cfg.PostgresDSN()

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open postgres: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime); err == nil {
		db.SetConnMaxLifetime(lifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, NewStorageError("connect", "", fmt.Errorf("failed to ping postgres: %w", err))
	}

	logger.Info("connected to postgres",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_open_conns", cfg.MaxOpenConns)

	return NewPostgresStorageFromDB(db, logger), nil
}

// NewPostgresStorageFromDB wraps an already opened pool.
func NewPostgresStorageFromDB(db *sqlx.DB, logger *slog.Logger) *PostgresStorage {
	return &PostgresStorage{sqlStore: newSQLStore(db, postgresDialect, logger)}
}

var _ Sink = (*PostgresStorage)(nil)
