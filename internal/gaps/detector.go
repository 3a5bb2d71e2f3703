// Package gaps finds holes in stored candle series and backfills them from
// the exchange.
//
// Ingestion only moves a watermark forward, so a series can carry holes when
// the exchange returned short pages or a relation was written by other tools.
// Detection reads stored candles in close time order and reports every run of
// missing bars between two stored neighbours.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/klinesync/internal/exchange"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/planner"
	"github.com/johnayoung/klinesync/internal/storage"
)

// Reader is the part of a sink gap detection needs.
type Reader interface {
	Query(ctx context.Context, req storage.QueryRequest) ([]models.Candle, error)
}

// Writer is the part of a sink backfilling needs.
type Writer interface {
	Write(ctx context.Context, target models.Target, candles []models.Candle) (int, error)
}

// Detector scans stored series for missing bars.
type Detector struct {
	store  Reader
	logger *slog.Logger
}

// NewDetector creates a detector reading from store.
func NewDetector(store Reader, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, logger: logger.With("component", "gap_detector")}
}

// DetectGaps returns the gaps between candles of target whose close time is
// in [from, to). Zero bounds are open.
func (d *Detector) DetectGaps(ctx context.Context, target models.Target, from, to time.Time) ([]models.Gap, error) {
	candles, err := d.store.Query(ctx, storage.QueryRequest{Target: target, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target, err)
	}

	gaps, err := DetectGapsInSequence(target, candles)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("gap scan finished",
		"target", target.String(),
		"candles", len(candles),
		"gaps", len(gaps))
	return gaps, nil
}

// DetectGapsInSequence reports the missing bars between consecutive candles.
// Candles are sorted by open time first; duplicates are ignored.
func DetectGapsInSequence(target models.Target, candles []models.Candle) ([]models.Gap, error) {
	if len(candles) < 2 {
		return nil, nil
	}
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	var gaps []models.Gap
	for i := 1; i < len(sorted); i++ {
		expected := target.Interval.Next(sorted[i-1].OpenTime)
		if !sorted[i].OpenTime.After(expected) {
			continue
		}
		gap, err := models.NewGap(target, expected, sorted[i].OpenTime)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

// Backfiller refetches the bars of detected gaps and writes them.
type Backfiller struct {
	fetcher  exchange.KlineFetcher
	sink     Writer
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

// NewBackfiller creates a backfiller. A zero pageSize uses the planner
// default.
func NewBackfiller(fetcher exchange.KlineFetcher, sink Writer, pageSize int, logger *slog.Logger) *Backfiller {
	if pageSize <= 0 {
		pageSize = planner.DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		fetcher:  fetcher,
		sink:     sink,
		pageSize: pageSize,
		now:      time.Now,
		logger:   logger.With("component", "backfiller"),
	}
}

// Backfill fills every gap of target in order and updates its status. A gap
// whose fetch or write fails keeps the detected status and its error is
// joined into the returned error; the remaining gaps are still attempted
// unless ctx is done.
func (b *Backfiller) Backfill(ctx context.Context, target models.Target, gaps []models.Gap) ([]models.Gap, error) {
	out := make([]models.Gap, len(gaps))
	copy(out, gaps)

	var errs []error
	for i := range out {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		stored, err := b.fill(ctx, target, out[i])
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			b.logger.Warn("backfill failed", "gap", out[i].String(), "error", err)
			errs = append(errs, fmt.Errorf("gap %s: %w", out[i].Start.Format(time.RFC3339), err))
			continue
		}
		out[i].MarkBackfilled(stored)
		b.logger.Info("gap backfilled",
			"target", target.String(),
			"start", out[i].Start,
			"missing", out[i].Missing(),
			"stored", stored,
			"status", out[i].Status)
	}
	return out, errors.Join(errs...)
}

func (b *Backfiller) fill(ctx context.Context, target models.Target, gap models.Gap) (int, error) {
	windows, err := planner.PlanRange(target.Symbol, target.Interval, gap.Start, gap.End, b.pageSize)
	if err != nil {
		return 0, err
	}

	now := b.now().UTC()
	stored := 0
	for _, w := range windows {
		result, err := b.fetcher.FetchWindow(ctx, w)
		if err != nil {
			return stored, err
		}
		batch := make([]models.Candle, 0, len(result.Candles))
		for _, c := range result.Candles {
			if c.OpenTime.Before(gap.Start) || !c.OpenTime.Before(gap.End) || !c.CloseTime.Before(now) {
				continue
			}
			batch = append(batch, c)
		}
		if len(batch) == 0 {
			continue
		}
		n, err := b.sink.Write(ctx, target, batch)
		if err != nil {
			return stored, err
		}
		stored += n
	}
	return stored, nil
}
