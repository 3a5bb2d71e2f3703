// Package watermark decides where each ingestion target resumes. The resume
// point is derived from storage on every run and never cached: the newest
// stored close time, or, for an empty relation, the earliest bar the exchange
// has for the symbol.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/storage"
)

// LatestReader is the part of storage.Sink the resolver needs.
type LatestReader interface {
	LatestCloseTime(ctx context.Context, target models.Target) (time.Time, bool, error)
}

// FirstTimeFetcher is the part of exchange.KlineFetcher the resolver needs.
type FirstTimeFetcher interface {
	FetchFirstTime(ctx context.Context, symbol string, iv models.Interval) (time.Time, error)
}

// Watermark is a resolved resume point.
type Watermark struct {
	Time   time.Time
	Source models.WatermarkSource
}

// Resolver resolves watermarks. It is safe for concurrent use.
type Resolver struct {
	store   LatestReader
	fetcher FirstTimeFetcher
	logger  *slog.Logger
}

// NewResolver creates a resolver over store and fetcher.
func NewResolver(store LatestReader, fetcher FirstTimeFetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With("component", "watermark"),
	}
}

// Resolve returns the resume point of target. Re-fetching the bar that closes
// at a stored watermark is harmless because sink writes skip existing keys.
//
// Storage failures are returned as *storage.StorageError so the caller can
// fail just this target. The exchange is only queried when the relation is
// empty.
func (r *Resolver) Resolve(ctx context.Context, target models.Target) (Watermark, error) {
	latest, found, err := r.store.LatestCloseTime(ctx, target)
	if err != nil {
		var storageErr *storage.StorageError
		if !errors.As(err, &storageErr) {
			err = storage.NewStorageError("latest_close_time", target.Relation(), err)
		}
		return Watermark{}, err
	}
	if found {
		r.logger.DebugContext(ctx, "resuming from stored watermark",
			"target", target.String(),
			"watermark", latest)
		return Watermark{Time: latest.UTC(), Source: models.WatermarkStored}, nil
	}

	first, err := r.fetcher.FetchFirstTime(ctx, target.Symbol, target.Interval)
	if err != nil {
		return Watermark{}, fmt.Errorf("discovering first candle of %s: %w", target, err)
	}
	r.logger.InfoContext(ctx, "no stored candles, starting from first available bar",
		"target", target.String(),
		"first_open", first)
	return Watermark{Time: first.UTC(), Source: models.WatermarkDiscovered}, nil
}
