package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
)

// ErrRelationNotFound is returned by MemoryStorage for relations that were
// never ensured, mirroring the SQL backends.
var ErrRelationNotFound = errors.New("relation does not exist")

// MemoryStorage provides an in-memory Sink with the same idempotence and
// atomicity as the SQL backends. It backs tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// relations: relation -> close time (ms) -> candle
	relations map[string]map[int64]models.Candle

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{relations: make(map[string]map[int64]models.Candle)}
}

// EnsureRelation implements Sink.
func (m *MemoryStorage) EnsureRelation(ctx context.Context, target models.Target) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("ensure_relation", target.Relation(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("ensure_relation", target.Relation(), errors.New("storage is closed"))
	}
	if _, ok := m.relations[target.Relation()]; !ok {
		m.relations[target.Relation()] = make(map[int64]models.Candle)
	}
	return nil
}

// Write implements Sink. The batch is validated before any row is applied, so
// a failing batch leaves the relation untouched.
func (m *MemoryStorage) Write(ctx context.Context, target models.Target, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	relation := target.Relation()
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("write", relation, err)
	}
	if err := validateBatch(target, candles); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewStorageError("write", relation, errors.New("storage is closed"))
	}
	rows, ok := m.relations[relation]
	if !ok {
		return 0, NewStorageError("write", relation, ErrRelationNotFound)
	}

	inserted := 0
	for _, c := range candles {
		key := models.ToMillis(c.CloseTime)
		if _, exists := rows[key]; exists {
			continue
		}
		c.OpenTime = c.OpenTime.UTC()
		c.CloseTime = c.CloseTime.UTC()
		rows[key] = c
		inserted++
	}
	return inserted, nil
}

// LatestCloseTime implements Sink.
func (m *MemoryStorage) LatestCloseTime(ctx context.Context, target models.Target) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.relations[target.Relation()]
	if !ok {
		return time.Time{}, false, NewStorageError("latest_close_time", target.Relation(), ErrRelationNotFound)
	}
	var (
		latest int64
		found  bool
	)
	for key := range rows {
		if !found || key > latest {
			latest, found = key, true
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	return rows[latest].CloseTime, true, nil
}

// Query implements Sink.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) ([]models.Candle, error) {
	m.mu.RLock()
	rows, ok := m.relations[req.Target.Relation()]
	if !ok {
		m.mu.RUnlock()
		return nil, NewStorageError("query", req.Target.Relation(), ErrRelationNotFound)
	}
	candles := make([]models.Candle, 0, len(rows))
	for _, c := range rows {
		if !req.From.IsZero() && c.CloseTime.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && !c.CloseTime.Before(req.To) {
			continue
		}
		candles = append(candles, c)
	}
	m.mu.RUnlock()

	sort.Slice(candles, func(i, j int) bool {
		if req.Descending {
			return candles[i].CloseTime.After(candles[j].CloseTime)
		}
		return candles[i].CloseTime.Before(candles[j].CloseTime)
	})
	if req.Limit > 0 && len(candles) > req.Limit {
		candles = candles[:req.Limit]
	}
	return candles, nil
}

// Describe implements Sink.
func (m *MemoryStorage) Describe(ctx context.Context, target models.Target) (*RelationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &RelationStats{Relation: target.Relation()}
	rows, ok := m.relations[target.Relation()]
	if !ok {
		return stats, nil
	}
	stats.Exists = true
	stats.Rows = int64(len(rows))
	for _, c := range rows {
		if stats.FirstClose.IsZero() || c.CloseTime.Before(stats.FirstClose) {
			stats.FirstClose = c.CloseTime
		}
		if c.CloseTime.After(stats.LastClose) {
			stats.LastClose = c.CloseTime
		}
	}
	return stats, nil
}

// Candles returns every stored candle of target ordered by close time.
func (m *MemoryStorage) Candles(target models.Target) []models.Candle {
	candles, err := m.Query(context.Background(), QueryRequest{Target: target})
	if err != nil {
		return nil
	}
	return candles
}

// HealthCheck verifies that the memory storage is operational.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", errors.New("storage is closed"))
	}
	return nil
}

// Close marks the storage closed; later calls fail.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("close", "", fmt.Errorf("storage already closed"))
	}
	m.closed = true
	return nil
}

var _ Sink = (*MemoryStorage)(nil)
