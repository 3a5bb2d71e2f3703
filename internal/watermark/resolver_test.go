package watermark

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/exchange"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	first time.Time
	err   error
	calls int
}

func (s *stubFetcher) FetchFirstTime(ctx context.Context, symbol string, iv models.Interval) (time.Time, error) {
	s.calls++
	return s.first, s.err
}

type brokenStore struct{ err error }

func (b brokenStore) LatestCloseTime(ctx context.Context, target models.Target) (time.Time, bool, error) {
	return time.Time{}, false, b.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTarget(t *testing.T) models.Target {
	t.Helper()
	target, err := models.NewTarget("spot", "BTCUSDT", models.MustInterval("1m"))
	require.NoError(t, err)
	return target
}

func TestResolveStored(t *testing.T) {
	ctx := context.Background()
	target := newTarget(t)
	sink := storage.NewMemoryStorage()
	require.NoError(t, sink.EnsureRelation(ctx, target))

	open := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := sink.Write(ctx, target, []models.Candle{
		{OpenTime: open, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, CloseTime: open.Add(time.Minute - time.Millisecond)},
		{OpenTime: open.Add(time.Minute), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, CloseTime: open.Add(2*time.Minute - time.Millisecond)},
	})
	require.NoError(t, err)

	fetcher := &stubFetcher{}
	wm, err := NewResolver(sink, fetcher, quietLogger()).Resolve(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, models.WatermarkStored, wm.Source)
	assert.Equal(t, open.Add(2*time.Minute-time.Millisecond), wm.Time)
	assert.Zero(t, fetcher.calls, "stored data never triggers discovery")
}

func TestResolveDiscovered(t *testing.T) {
	ctx := context.Background()
	target := newTarget(t)
	sink := storage.NewMemoryStorage()
	require.NoError(t, sink.EnsureRelation(ctx, target))

	first := time.Date(2017, 8, 17, 4, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{first: first}
	wm, err := NewResolver(sink, fetcher, quietLogger()).Resolve(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, models.WatermarkDiscovered, wm.Source)
	assert.Equal(t, first, wm.Time)
	assert.Equal(t, 1, fetcher.calls)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	target := newTarget(t)

	t.Run("missing relation", func(t *testing.T) {
		fetcher := &stubFetcher{}
		_, err := NewResolver(storage.NewMemoryStorage(), fetcher, quietLogger()).Resolve(ctx, target)
		var storageErr *storage.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.ErrorIs(t, err, storage.ErrRelationNotFound)
		assert.Zero(t, fetcher.calls)
	})

	t.Run("plain storage failure is wrapped", func(t *testing.T) {
		cause := errors.New("connection refused")
		_, err := NewResolver(brokenStore{err: cause}, &stubFetcher{}, nil).Resolve(ctx, target)
		var storageErr *storage.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, target.Relation(), storageErr.Relation)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.ClassifyType(err))
	})

	t.Run("exchange has no data", func(t *testing.T) {
		sink := storage.NewMemoryStorage()
		require.NoError(t, sink.EnsureRelation(ctx, target))
		_, err := NewResolver(sink, &stubFetcher{err: exchange.ErrNoData}, quietLogger()).Resolve(ctx, target)
		assert.ErrorIs(t, err, exchange.ErrNoData)
		assert.Contains(t, err.Error(), "spot:BTCUSDT:1m")
	})
}
