package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/johnayoung/klinesync/internal/models"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name      string
	floatType string
	timeType  string
	// benignDDLError reports errors raised by a concurrent creator of the same
	// schema or table, which leave the relation in place.
	benignDDLError func(error) bool
}

// sqlStore is the Sink core shared by Postgres and DuckDB. Both accept $n
// placeholders and ON CONFLICT, so the statements are identical apart from
// column types.
type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
	logger  *slog.Logger
}

func newSQLStore(db *sqlx.DB, d dialect, logger *slog.Logger) *sqlStore {
	if logger == nil {
		logger = slog.Default()
	}
	if d.benignDDLError == nil {
		d.benignDDLError = func(error) bool { return false }
	}
	return &sqlStore{db: db, dialect: d, logger: logger.With("component", "storage", "backend", d.name)}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (s *sqlStore) createTableSQL(target models.Target) string {
	f, t := s.dialect.floatType, s.dialect.timeType
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		time_open %s NOT NULL,
		open %s NOT NULL,
		high %s NOT NULL,
		low %s NOT NULL,
		close %s NOT NULL,
		volume %s NOT NULL,
		time_close %s NOT NULL PRIMARY KEY
	)`, target.Relation(), t, f, f, f, f, f, t)
}

// EnsureRelation implements Sink.
func (s *sqlStore) EnsureRelation(ctx context.Context, target models.Target) error {
	relation := target.Relation()
	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(target.Schema()),
		s.createTableSQL(target),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect.benignDDLError(err) {
				s.logger.DebugContext(ctx, "relation created concurrently", "relation", relation, "error", err.Error())
				continue
			}
			return NewStorageError("ensure_relation", relation, err)
		}
	}
	return nil
}

// Write implements Sink.
func (s *sqlStore) Write(ctx context.Context, target models.Target, candles []models.Candle) (inserted int, err error) {
	if len(candles) == 0 {
		return 0, nil
	}
	relation := target.Relation()
	if err := validateBatch(target, candles); err != nil {
		return 0, err
	}

	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("write", relation, fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "rollback failed", "relation", relation, "error", rbErr.Error())
			}
		}
	}()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (time_open, open, high, low, close, volume, time_close)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (time_close) DO NOTHING`, relation))
	if err != nil {
		return 0, NewStorageError("write", relation, fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for i, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.OpenTime.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime.UTC())
		if err != nil {
			return 0, NewStorageError("write", relation, fmt.Errorf("insert row %d: %w", i, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, NewStorageError("write", relation, fmt.Errorf("rows affected: %w", err))
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStorageError("write", relation, fmt.Errorf("commit: %w", err))
	}

	s.logger.DebugContext(ctx, "stored candles batch",
		"relation", relation,
		"received", len(candles),
		"inserted", inserted,
		"duration", time.Since(start))
	return inserted, nil
}

// LatestCloseTime implements Sink.
func (s *sqlStore) LatestCloseTime(ctx context.Context, target models.Target) (time.Time, bool, error) {
	relation := target.Relation()
	var latest sql.NullTime
	if err := s.db.GetContext(ctx, &latest, "SELECT MAX(time_close) FROM "+relation); err != nil {
		return time.Time{}, false, NewStorageError("latest_close_time", relation, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// Query implements Sink.
func (s *sqlStore) Query(ctx context.Context, req QueryRequest) ([]models.Candle, error) {
	relation := req.Target.Relation()

	var (
		conditions []string
		args       []any
	)
	if !req.From.IsZero() {
		args = append(args, req.From.UTC())
		conditions = append(conditions, fmt.Sprintf("time_close >= $%d", len(args)))
	}
	if !req.To.IsZero() {
		args = append(args, req.To.UTC())
		conditions = append(conditions, fmt.Sprintf("time_close < $%d", len(args)))
	}

	query := "SELECT time_open, open, high, low, close, volume, time_close FROM " + relation
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if req.Descending {
		query += " ORDER BY time_close DESC"
	} else {
		query += " ORDER BY time_close ASC"
	}
	if req.Limit > 0 {
		args = append(args, req.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var candles []models.Candle
	if err := s.db.SelectContext(ctx, &candles, query, args...); err != nil {
		return nil, NewStorageError("query", relation, err)
	}
	for i := range candles {
		candles[i].OpenTime = candles[i].OpenTime.UTC()
		candles[i].CloseTime = candles[i].CloseTime.UTC()
	}
	return candles, nil
}

// Describe implements Sink.
func (s *sqlStore) Describe(ctx context.Context, target models.Target) (*RelationStats, error) {
	relation := target.Relation()
	stats := &RelationStats{Relation: relation}

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
		target.Schema(), target.Table())
	if err != nil {
		return nil, NewStorageError("describe", relation, err)
	}
	if count == 0 {
		return stats, nil
	}
	stats.Exists = true

	var row struct {
		Rows  int64        `db:"row_count"`
		First sql.NullTime `db:"first_close"`
		Last  sql.NullTime `db:"last_close"`
	}
	err = s.db.GetContext(ctx, &row,
		"SELECT COUNT(*) AS row_count, MIN(time_close) AS first_close, MAX(time_close) AS last_close FROM "+relation)
	if err != nil {
		return nil, NewStorageError("describe", relation, err)
	}
	stats.Rows = row.Rows
	if row.First.Valid {
		stats.FirstClose = row.First.Time.UTC()
	}
	if row.Last.Valid {
		stats.LastClose = row.Last.Time.UTC()
	}
	return stats, nil
}

// HealthCheck implements Sink.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close implements Sink.
func (s *sqlStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("close", "", err)
	}
	return nil
}
