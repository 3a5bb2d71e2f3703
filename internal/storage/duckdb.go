package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb/v2"
)

func init() {
	sqlx.BindDriver("duckdb", sqlx.DOLLAR)
}

var duckDBDialect = dialect{
	name:      "duckdb",
	floatType: "DOUBLE",
	// DuckDB TIMESTAMP already has microsecond precision and rejects a
	// precision modifier.
	timeType: "TIMESTAMP",
}

// DuckDBStorage is an embedded, single-file Sink. It shares the SQL core with
// PostgresStorage and serializes access through one connection, the single
// writer pattern DuckDB expects.
type DuckDBStorage struct {
	*sqlStore
	dbPath string
}

// NewDuckDBStorage opens (or creates) the database at dbPath. An empty path or
// ":memory:" opens a private in-memory database.
func NewDuckDBStorage(ctx context.Context, dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}
	if dbPath != "" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, NewStorageError("open", "", fmt.Errorf("failed to create database directory: %w", err))
			}
		}
	}

	raw, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)
	raw.SetConnMaxLifetime(0)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, NewStorageError("connect", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	name := dbPath
	if name == "" {
		name = ":memory:"
	}
	logger.Debug("opened DuckDB storage", "db_path", name)

	return &DuckDBStorage{
		sqlStore: newSQLStore(sqlx.NewDb(raw, "duckdb"), duckDBDialect, logger),
		dbPath:   name,
	}, nil
}

// Path returns the database file, or ":memory:".
func (d *DuckDBStorage) Path() string {
	return d.dbPath
}

var _ Sink = (*DuckDBStorage)(nil)
