// Package collector orchestrates ingestion runs. A run crosses the symbol set
// with the configured intervals and, for every target, ensures the relation,
// resolves the watermark, plans windows from the watermark to now, fetches
// them with bounded parallelism and streams the batches into the sink.
//
// Failures are isolated per target: a target that fails is reported and its
// sibling windows are canceled, but other targets keep running. Only a global
// cancellation stops the whole run.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/klinesync/internal/config"
	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/exchange"
	"github.com/johnayoung/klinesync/internal/logger"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/planner"
	"github.com/johnayoung/klinesync/internal/storage"
	"github.com/johnayoung/klinesync/internal/watermark"
)

// Defaults used when a Config field is left zero.
const (
	DefaultTargetWorkers = 4
	DefaultWindowWorkers = 4
	DefaultBatchBuffer   = 8
)

var (
	// ErrRunFailed is returned when every target of a run failed.
	ErrRunFailed = errors.New("ingestion run failed")

	// ErrNoTargets is returned when symbols times intervals is empty.
	ErrNoTargets = errors.New("no ingestion targets")
)

// RunObserver is notified once per finished run.
type RunObserver interface {
	ObserveRun(report *models.RunReport)
}

// Config configures the collector behavior
type Config struct {
	Venue         string
	Intervals     []models.Interval
	PageSize      int
	TargetWorkers int
	WindowWorkers int
	// BatchBuffer is the capacity of the channel between a target's window
	// fetchers and its sink writer.
	BatchBuffer int
	Logger      *slog.Logger
	Observer    RunObserver
	// Now returns the end of every planned range. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a configuration for the spot venue ingesting one
// minute bars.
func DefaultConfig() *Config {
	return &Config{
		Venue:         exchange.Spot.Name,
		Intervals:     []models.Interval{models.MustInterval("1m")},
		PageSize:      planner.DefaultPageSize,
		TargetWorkers: DefaultTargetWorkers,
		WindowWorkers: DefaultWindowWorkers,
		BatchBuffer:   DefaultBatchBuffer,
		Logger:        slog.Default(),
	}
}

// ConfigFromApp builds a collector configuration from the application config.
func ConfigFromApp(cfg *config.AppConfig, log *slog.Logger) (*Config, error) {
	intervals, err := models.ParseIntervals(cfg.Ingest.Intervals)
	if err != nil {
		return nil, err
	}
	return &Config{
		Venue:         cfg.Venue.Name,
		Intervals:     intervals,
		PageSize:      cfg.Ingest.PageSize,
		TargetWorkers: cfg.Ingest.TargetWorkers,
		WindowWorkers: cfg.Ingest.WindowWorkers,
		BatchBuffer:   cfg.Ingest.BatchBuffer,
		Logger:        log,
	}, nil
}

func (c *Config) validate() error {
	if c.Venue == "" {
		return fmt.Errorf("collector: venue is required")
	}
	if len(c.Intervals) == 0 {
		return fmt.Errorf("collector: at least one interval is required")
	}
	if c.PageSize <= 0 || c.PageSize > planner.MaxPageSize {
		return fmt.Errorf("collector: %w: %d", planner.ErrInvalidPageSize, c.PageSize)
	}
	if c.TargetWorkers < 0 || c.WindowWorkers < 0 || c.BatchBuffer < 0 {
		return fmt.Errorf("collector: worker and buffer sizes cannot be negative")
	}
	return nil
}

// Collector runs ingestion passes. It holds no per-run state, so Run may be
// called repeatedly; concurrent runs are safe but share the rate budget of the
// fetcher.
type Collector struct {
	cfg      Config
	fetcher  exchange.KlineFetcher
	sink     storage.Sink
	resolver *watermark.Resolver
	pool     *WorkerPool
	metrics  *metricsCollector
	logger   *slog.Logger
}

// New creates a Collector over fetcher and sink.
func New(fetcher exchange.KlineFetcher, sink storage.Sink, cfg *Config) (*Collector, error) {
	if fetcher == nil || sink == nil {
		return nil, fmt.Errorf("collector: fetcher and sink are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.TargetWorkers == 0 {
		c.TargetWorkers = DefaultTargetWorkers
	}
	if c.WindowWorkers == 0 {
		c.WindowWorkers = DefaultWindowWorkers
	}
	if c.BatchBuffer == 0 {
		c.BatchBuffer = DefaultBatchBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	log := c.Logger.With("component", "collector", "venue", c.Venue)
	return &Collector{
		cfg:      c,
		fetcher:  fetcher,
		sink:     sink,
		resolver: watermark.NewResolver(sink, fetcher, c.Logger),
		pool:     NewWorkerPool(c.TargetWorkers, log),
		metrics:  newMetricsCollector(),
		logger:   log,
	}, nil
}

// Targets crosses symbols with the configured intervals.
func (c *Collector) Targets(symbols []string) ([]models.Target, error) {
	targets, err := models.BuildTargets(c.cfg.Venue, symbols, c.cfg.Intervals)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets, nil
}

// Run performs one ingestion pass over symbols. The report is returned even
// when the error is non-nil. The error is non-nil only when the run was
// canceled, when no target could be built, or when every target failed
// (ErrRunFailed).
func (c *Collector) Run(ctx context.Context, symbols []string) (*models.RunReport, error) {
	targets, err := c.Targets(symbols)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	report := models.NewRunReport(runID, c.cfg.Venue, time.Now().UTC())

	c.logger.InfoContext(ctx, "starting ingestion run",
		"targets", len(targets),
		"symbols", len(targets)/len(c.cfg.Intervals),
		"intervals", len(c.cfg.Intervals))

	for _, res := range c.pool.Run(ctx, targets, c.runTarget) {
		report.Add(res)
	}
	report.FinishedAt = time.Now().UTC()
	report.Sort()

	c.metrics.recordRun(report)
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveRun(report)
	}

	c.logger.InfoContext(ctx, "ingestion run finished",
		"succeeded", report.Count(models.TargetSucceeded),
		"failed", report.Count(models.TargetFailed),
		"skipped", report.Count(models.TargetSkipped),
		"requests", report.Requests(),
		"candles_written", report.CandlesWritten(),
		"duration", report.Duration())

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("run %s interrupted: %w", runID, err)
	}
	if report.AllFailed() {
		return report, fmt.Errorf("%w: all %d targets failed", ErrRunFailed, report.Count(models.TargetFailed))
	}
	return report, nil
}

// runTarget ingests a single target. It never returns an error; failures are
// recorded on the result.
func (c *Collector) runTarget(ctx context.Context, target models.Target) models.TargetResult {
	start := time.Now()
	ctx = logger.WithTarget(ctx, target.Venue, target.Symbol, target.Interval.Label)
	res := models.TargetResult{Target: target, Key: target.String(), Status: models.TargetSucceeded}

	err := c.ingest(ctx, target, &res)
	res.Duration = time.Since(start)
	if err != nil {
		errorType := apperrors.ClassifyType(err)
		res.Fail(err, string(errorType))
		c.logger.ErrorContext(ctx, "target failed",
			"target", target.String(),
			"error_type", errorType,
			"error", err.Error(),
			"duration", res.Duration)
		return res
	}

	c.logger.InfoContext(ctx, "target ingested",
		"target", target.String(),
		"watermark", res.Watermark,
		"watermark_source", res.WatermarkSource,
		"windows", res.Windows,
		"requests", res.Requests,
		"candles_written", res.CandlesWritten,
		"duration", res.Duration)
	return res
}

func (c *Collector) ingest(ctx context.Context, target models.Target, res *models.TargetResult) error {
	if err := c.sink.EnsureRelation(ctx, target); err != nil {
		return err
	}

	wm, err := c.resolver.Resolve(ctx, target)
	if err != nil {
		return err
	}
	res.Watermark = wm.Time
	res.WatermarkSource = wm.Source
	if wm.Source == models.WatermarkDiscovered {
		res.Requests++
	}

	now := c.cfg.Now().UTC()
	windows, err := planner.Plan(planner.ByRangeWithLimit{
		Symbol:   target.Symbol,
		Interval: target.Interval,
		Start:    wm.Time,
		End:      now,
		PageSize: c.cfg.PageSize,
	})
	if err != nil {
		return err
	}
	res.Windows = len(windows)
	if len(windows) == 0 {
		c.logger.DebugContext(ctx, "target is up to date", "target", target.String(), "watermark", wm.Time)
		return nil
	}

	return c.fetchAndStore(ctx, target, windows, now, res)
}

// batch is the fetched, closed candles of the window at index.
type batch struct {
	index   int
	candles []models.Candle
}

// fetchAndStore fetches windows with at most WindowWorkers in flight and hands
// each batch to a single writer as soon as it arrives. The writer commits
// batches in plan order: a batch that completes early waits until every
// earlier window is stored, so a failed window never leaves stored data after
// a hole that the next run's watermark would skip. The first failure cancels
// the remaining windows of this target only.
func (c *Collector) fetchAndStore(ctx context.Context, target models.Target, windows []planner.Window, now time.Time, res *models.TargetResult) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		requests atomic.Int64
		fetched  atomic.Int64
		written  int
		sinkErr  error
	)

	batches := make(chan batch, c.cfg.BatchBuffer)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		pending := make(map[int][]models.Candle)
		next := 0
		for b := range batches {
			if sinkErr != nil {
				continue
			}
			pending[b.index] = b.candles
			for {
				candles, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if len(candles) == 0 {
					continue
				}
				n, err := c.sink.Write(ctx, target, candles)
				if err != nil {
					sinkErr = err
					cancel()
					break
				}
				written += n
			}
		}
		if len(pending) > 0 {
			c.logger.DebugContext(ctx, "discarding batches after failed window",
				"target", target.String(), "batches", len(pending))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WindowWorkers)
	for i, w := range windows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := c.fetcher.FetchWindow(gctx, w)
			if result != nil {
				requests.Add(int64(result.Requests))
			}
			if err != nil {
				return fmt.Errorf("window %s: %w", w, err)
			}
			candles := closedCandles(result.Candles, now)
			fetched.Add(int64(len(candles)))
			select {
			case batches <- batch{index: i, candles: candles}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	fetchErr := g.Wait()
	close(batches)
	writer.Wait()

	res.Requests += int(requests.Load())
	res.CandlesFetched = int(fetched.Load())
	res.CandlesWritten = written

	switch {
	case sinkErr != nil:
		return sinkErr
	case fetchErr != nil:
		return fetchErr
	}
	return ctx.Err()
}

// closedCandles drops bars that have not closed by now. The exchange returns
// the bar in progress as the last row; storing it would freeze a partial bar
// under a key that later writes skip.
func closedCandles(candles []models.Candle, now time.Time) []models.Candle {
	end := len(candles)
	for end > 0 && !candles[end-1].CloseTime.Before(now) {
		end--
	}
	return candles[:end]
}

// Init ensures the relation of every target built from symbols.
func (c *Collector) Init(ctx context.Context, symbols []string) ([]models.Target, error) {
	targets, err := c.Targets(symbols)
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		if err := c.sink.EnsureRelation(ctx, target); err != nil {
			return nil, err
		}
		c.logger.DebugContext(ctx, "relation ready", "relation", target.Relation())
	}
	c.logger.InfoContext(ctx, "relations initialized", "count", len(targets))
	return targets, nil
}

// TargetState is the stored state of one target.
type TargetState struct {
	Target models.Target
	Stats  *storage.RelationStats
}

// Status describes what is stored for every target built from symbols. It
// never calls the exchange.
func (c *Collector) Status(ctx context.Context, symbols []string) ([]TargetState, error) {
	targets, err := c.Targets(symbols)
	if err != nil {
		return nil, err
	}
	states := make([]TargetState, 0, len(targets))
	for _, target := range targets {
		stats, err := c.sink.Describe(ctx, target)
		if err != nil {
			return nil, err
		}
		states = append(states, TargetState{Target: target, Stats: stats})
	}
	return states, nil
}

// GetMetrics returns totals accumulated over every run of this collector.
func (c *Collector) GetMetrics() *CollectionMetrics {
	m := c.metrics.snapshot()
	m.WorkerPoolStats = c.pool.GetStats()
	return m
}
