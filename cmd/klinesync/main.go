// klinesync keeps per-symbol, per-interval candle tables in sync with the
// Binance kline API.
//
// Usage:
//
//	klinesync run --symbols BTCUSDT,ETHUSDT --intervals 1m,1h
//	klinesync schedule --config klinesync.yaml
//	klinesync status --symbols BTCUSDT
//	klinesync query --symbol BTCUSDT --interval 1h --from 2024-01-01 --limit 24
//	klinesync gaps --symbols BTCUSDT --intervals 1m --backfill
//
// For detailed help on any command, use: klinesync <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/klinesync/internal/collector"
	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/discovery"
	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/exchange"
	"github.com/johnayoung/klinesync/internal/gaps"
	"github.com/johnayoung/klinesync/internal/logger"
	"github.com/johnayoung/klinesync/internal/metrics"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/ratelimit"
	"github.com/johnayoung/klinesync/internal/storage"
	"github.com/johnayoung/klinesync/internal/validator"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "klinesync"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// exitError carries the process exit code of a setup failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.As(err, &ee):
		return ee.code
	}
	// collector.ErrRunFailed and anything unclassified.
	return ExitDataError
}

// App holds the wired components of one command invocation.
type App struct {
	cfg       *config.AppConfig
	logs      *logger.LoggerManager
	logger    *slog.Logger
	budget    *ratelimit.Budget
	adapter   *exchange.BinanceAdapter
	sink      storage.Sink
	cache     discovery.Cache
	symbols   *discovery.Source
	recorder  *metrics.Recorder
	collector *collector.Collector
	out       io.Writer
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(dispatch(ctx, os.Args[1], os.Args[2:]))
}

func dispatch(ctx context.Context, command string, args []string) int {
	var err error
	switch command {
	case "run":
		err = runCommand(ctx, "run", args, handleRun)
	case "schedule":
		err = runCommand(ctx, "schedule", args, handleSchedule)
	case "init":
		err = runCommand(ctx, "init", args, handleInit)
	case "status":
		err = runCommand(ctx, "status", args, handleStatus)
	case "symbols":
		err = runCommand(ctx, "symbols", args, handleSymbols)
	case "query":
		err = handleQuery(ctx, args)
	case "gaps":
		err = handleGaps(ctx, args)
	case "check":
		err = handleCheck(ctx, args)
	case "intervals":
		outputIntervals(os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
	case "help", "--help", "-h":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		return ExitUsageError
	}

	if err != nil {
		code := exitCode(err)
		if code != ExitInterrupt {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return code
	}
	return ExitSuccess
}

type handler func(ctx context.Context, app *App, opts *Options) error

func runCommand(ctx context.Context, command string, args []string, h handler) error {
	opts, err := parseOptions(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if opts.Help {
		printCommandHelp(command)
		return nil
	}
	app, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()
	return h(ctx, app, opts)
}

// loadConfig layers flags over the file and environment configuration.
func loadConfig(ctx context.Context, opts *Options) (*config.AppConfig, error) {
	boot := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.NewConfigManager(opts.ConfigPath, boot).
		WithEnvFile(opts.EnvFile).
		LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Venue != "" {
		cfg.Venue.Name = opts.Venue
	}
	if len(opts.Symbols) > 0 {
		cfg.Ingest.Symbols = opts.Symbols
	}
	if len(opts.Intervals) > 0 {
		cfg.Ingest.Intervals = opts.Intervals
	}
	if len(cfg.Ingest.Intervals) == 0 {
		cfg.Ingest.Intervals = []string{"1m"}
	}
	if opts.Storage != "" {
		cfg.Storage.Type = opts.Storage
	}
	if opts.DryRun {
		cfg.Storage.Type = "memory"
	}
	return cfg, nil
}

// newApp wires config, logging, the rate budget, the exchange adapter,
// storage, symbol discovery and the collector.
func newApp(ctx context.Context, opts *Options) (*App, error) {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	app := &App{cfg: cfg, logs: logs, logger: logs.GetLogger(), out: os.Stdout}

	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	budget, err := ratelimit.New(ratelimit.Config{
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		MinSpacing:        config.MustDuration(cfg.RateLimit.MinSpacing),
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
	})
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	a.budget = budget

	a.recorder = metrics.New()
	a.recorder.RegisterBudget(budget)

	venue, err := exchange.VenueByName(cfg.Venue.Name, cfg.Venue.BaseURL, cfg.Venue.APIVersion)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	a.adapter, err = exchange.NewBinanceAdapter(exchange.Options{
		Venue:     venue,
		Budget:    budget,
		Retry:     apperrors.PolicyFromConfig(cfg.Retry),
		Timeout:   config.MustDuration(cfg.Venue.Timeout),
		UserAgent: cfg.Venue.UserAgent,
		Logger:    a.logger,
		Observer:  a.recorder,
	})
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	sink, err := storage.Open(ctx, cfg.Storage, a.logs.GetComponentLogger("storage"))
	if err != nil {
		return withCode(ExitConnectionErr, err)
	}
	a.sink = sink

	if cache, err := discovery.NewCache(ctx, cfg.Discovery); err != nil {
		a.logger.WarnContext(ctx, "symbol cache unavailable, continuing without it", "error", err.Error())
	} else {
		a.cache = cache
	}
	a.symbols = discovery.NewSource(discovery.Options{
		Venue:       venue.Name,
		Static:      cfg.Ingest.Symbols,
		QuoteAssets: cfg.Discovery.QuoteAssets,
		MaxSymbols:  cfg.Discovery.MaxSymbols,
		Lister:      a.adapter,
		Cache:       a.cache,
		TTL:         config.MustDuration(cfg.Discovery.CacheTTL),
		Logger:      a.logger,
	})

	ccfg, err := collector.ConfigFromApp(cfg, a.logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	ccfg.Observer = a.recorder
	a.collector, err = collector.New(a.adapter, a.sink, ccfg)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	return nil
}

// Close releases storage, cache and log resources.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err.Error())
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close symbol cache", "error", err.Error())
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) resolveSymbols(ctx context.Context) ([]string, error) {
	symbols, err := a.symbols.Symbols(ctx)
	if err != nil {
		return nil, withCode(ExitConnectionErr, err)
	}
	return symbols, nil
}

// handleRun performs a single ingestion pass. Partial failures exit zero; a
// run in which every target failed exits with ExitDataError.
func handleRun(ctx context.Context, a *App, opts *Options) error {
	symbols, err := a.resolveSymbols(ctx)
	if err != nil {
		return err
	}

	report, runErr := a.collector.Run(ctx, symbols)
	if report != nil {
		if opts.JSON {
			if err := writeJSON(a.out, report); err != nil {
				return err
			}
		} else {
			outputReportTable(a.out, report)
		}
	}
	return runErr
}

// handleSchedule polls until interrupted, serving metrics alongside.
func handleSchedule(ctx context.Context, a *App, opts *Options) error {
	sched := collector.NewScheduler(collector.SchedulerConfigFromApp(a.cfg.Scheduler), a.collector, a.symbols, a.logger)
	sched.AddHealthCheck("storage", a.sink)
	sched.AddHealthCheck("exchange", a.adapter)

	server := metrics.NewServer(a.cfg.Metrics, a.recorder, a.logger)
	server.AddHealthCheck("storage", a.sink)
	server.SetReportSource(sched)
	if err := server.Start(ctx); err != nil {
		return withCode(ExitConfigError, err)
	}

	if err := sched.Start(ctx); err != nil {
		_ = server.Stop(context.Background())
		return withCode(ExitConfigError, err)
	}
	fmt.Fprintf(a.out, "Scheduling %s every %s. Press Ctrl+C to stop gracefully\n",
		a.cfg.Venue.Name, a.cfg.Scheduler.PollInterval)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		a.logger.Warn("scheduler did not stop cleanly", "error", err.Error())
	}
	if err := server.Stop(stopCtx); err != nil {
		a.logger.Warn("metrics server did not stop cleanly", "error", err.Error())
	}

	stats := sched.GetStats()
	fmt.Fprintf(a.out, "Stopped after %d runs (%d failed)\n", stats.Runs, stats.FailedRuns)
	return nil
}

// handleInit creates every relation without fetching anything.
func handleInit(ctx context.Context, a *App, opts *Options) error {
	symbols, err := a.resolveSymbols(ctx)
	if err != nil {
		return err
	}
	targets, err := a.collector.Init(ctx, symbols)
	if err != nil {
		return withCode(ExitConnectionErr, err)
	}
	for _, t := range targets {
		fmt.Fprintln(a.out, t.Relation())
	}
	return nil
}

// handleStatus prints what is stored per target.
func handleStatus(ctx context.Context, a *App, opts *Options) error {
	symbols, err := a.resolveSymbols(ctx)
	if err != nil {
		return err
	}
	states, err := a.collector.Status(ctx, symbols)
	if err != nil {
		return withCode(ExitConnectionErr, err)
	}
	if opts.JSON {
		return writeJSON(a.out, states)
	}
	outputStatusTable(a.out, states)
	return nil
}

// handleSymbols prints the symbol universe of the next run.
func handleSymbols(ctx context.Context, a *App, opts *Options) error {
	symbols, err := a.resolveSymbols(ctx)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(a.out, symbols)
	}
	for _, s := range symbols {
		fmt.Fprintln(a.out, s)
	}
	return nil
}

// handleQuery reads stored candles of one target.
func handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if flags.Help {
		printCommandHelp("query")
		return nil
	}
	iv, err := models.ParseInterval(flags.Interval)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	flags.Symbols = []string{flags.Symbol}
	flags.Intervals = []string{iv.Label}

	app, err := newApp(ctx, &flags.Options)
	if err != nil {
		return err
	}
	defer app.Close()

	target, err := models.NewTarget(app.cfg.Venue.Name, flags.Symbol, iv)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	candles, err := app.sink.Query(ctx, storage.QueryRequest{
		Target:     target,
		From:       flags.From,
		To:         flags.To,
		Limit:      flags.Limit,
		Descending: flags.Desc,
	})
	if err != nil {
		return withCode(ExitConnectionErr, err)
	}

	switch flags.Format {
	case "json":
		return writeJSON(app.out, candles)
	case "csv":
		outputCandlesCSV(app.out, target, candles)
	default:
		outputCandlesTable(app.out, target, candles)
	}
	return nil
}

// gapReport is the gaps command output for one target.
type gapReport struct {
	Target string       `json:"target"`
	Gaps   []models.Gap `json:"gaps"`
	Error  string       `json:"error,omitempty"`
}

// handleGaps lists holes in stored series and optionally backfills them.
// Targets without a relation are skipped.
func handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if flags.Help {
		printCommandHelp("gaps")
		return nil
	}

	app, err := newApp(ctx, &flags.Options)
	if err != nil {
		return err
	}
	defer app.Close()

	symbols, err := app.resolveSymbols(ctx)
	if err != nil {
		return err
	}
	targets, err := app.collector.Targets(symbols)
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	detector := gaps.NewDetector(app.sink, app.logs.GetComponentLogger("gaps"))
	backfiller := gaps.NewBackfiller(app.adapter, app.sink, app.cfg.Ingest.PageSize, app.logs.GetComponentLogger("gaps"))

	var (
		reports []gapReport
		failed  int
	)
	for _, target := range targets {
		stats, err := app.sink.Describe(ctx, target)
		if err != nil {
			return withCode(ExitConnectionErr, err)
		}
		if !stats.Exists {
			continue
		}
		found, err := detector.DetectGaps(ctx, target, flags.From, flags.To)
		if err != nil {
			return withCode(ExitConnectionErr, err)
		}
		report := gapReport{Target: target.String(), Gaps: found}
		if flags.Backfill && len(found) > 0 {
			report.Gaps, err = backfiller.Backfill(ctx, target, found)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Error = err.Error()
				failed++
			}
		}
		reports = append(reports, report)
	}

	if flags.JSON {
		if err := writeJSON(app.out, reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			outputGaps(app.out, r)
		}
	}
	if failed > 0 && failed == len(reports) {
		return fmt.Errorf("backfill failed for all %d targets", failed)
	}
	return nil
}

// handleCheck reports gaps and suspicious candles of every stored target.
// Findings do not change the exit code.
func handleCheck(ctx context.Context, args []string) error {
	flags, err := parseCheckFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if flags.Help {
		printCommandHelp("check")
		return nil
	}

	app, err := newApp(ctx, &flags.Options)
	if err != nil {
		return err
	}
	defer app.Close()

	symbols, err := app.resolveSymbols(ctx)
	if err != nil {
		return err
	}
	targets, err := app.collector.Targets(symbols)
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	v := validator.New(validator.ConfigFromApp(app.cfg.Quality), app.logs.GetComponentLogger("validator"))
	var reports []*validator.Report
	for _, target := range targets {
		stats, err := app.sink.Describe(ctx, target)
		if err != nil {
			return withCode(ExitConnectionErr, err)
		}
		if !stats.Exists {
			continue
		}
		report, err := v.CheckStored(ctx, app.sink, storage.QueryRequest{Target: target, From: flags.From, To: flags.To})
		if err != nil {
			return withCode(ExitConnectionErr, err)
		}
		reports = append(reports, report)
	}

	if flags.JSON {
		return writeJSON(app.out, reports)
	}
	for _, r := range reports {
		outputQualityReport(app.out, r)
	}
	return nil
}
