package collector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/models"
)

// Runner performs one ingestion pass. *Collector implements it.
type Runner interface {
	Run(ctx context.Context, symbols []string) (*models.RunReport, error)
}

// SymbolSource supplies the symbol set at the start of every run.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// HealthChecker is a dependency probed by the health monitoring loop.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SchedulerConfig configures the scheduler behavior
type SchedulerConfig struct {
	PollInterval time.Duration
	// Align starts runs on multiples of PollInterval (UTC), plus Offset.
	Align bool
	// Offset delays aligned runs past the boundary so the bar that just
	// closed is published by the exchange.
	Offset              time.Duration
	HealthCheckInterval time.Duration
	// RunTimeout bounds a single run. Zero means no bound.
	RunTimeout time.Duration
}

// DefaultSchedulerConfig returns a configuration with sensible defaults
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:        time.Minute,
		Align:               true,
		Offset:              2 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// SchedulerConfigFromApp converts the scheduler section of the application config.
func SchedulerConfigFromApp(cfg config.SchedulerConfig) *SchedulerConfig {
	sc := DefaultSchedulerConfig()
	if d := config.MustDuration(cfg.PollInterval); d > 0 {
		sc.PollInterval = d
	}
	sc.Align = cfg.Align
	return sc
}

// SchedulerStats provides scheduler performance metrics
type SchedulerStats struct {
	Runs          int64
	FailedRuns    int64
	Running       bool
	LastRunTime   time.Time
	NextRunTime   time.Time
	UptimeSeconds int64
	MemoryUsageMB float64
}

// Scheduler runs ingestion passes periodically. A pass starts immediately on
// Start and then on every tick; passes run one after another on a single
// goroutine, so they never overlap. A pass that outlasts the interval delays
// the next one instead of stacking it.
type Scheduler struct {
	config  *SchedulerConfig
	runner  Runner
	symbols SymbolSource
	logger  *slog.Logger
	now     func() time.Time

	checkersMu sync.RWMutex
	checkers   map[string]HealthChecker

	// State management
	isRunning int32
	isPaused  int32
	inRun     int32
	startTime time.Time

	// Statistics
	runs        int64
	failedRuns  int64
	statsMu     sync.RWMutex
	lastRunTime time.Time
	nextRunTime time.Time
	lastReport  *models.RunReport

	// Lifecycle management
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *SchedulerConfig, runner Runner, symbols SymbolSource, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		runner:   runner,
		symbols:  symbols,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		checkers: make(map[string]HealthChecker),
	}
}

// AddHealthCheck registers a dependency probed every HealthCheckInterval.
func (s *Scheduler) AddHealthCheck(name string, checker HealthChecker) {
	s.checkersMu.Lock()
	defer s.checkersMu.Unlock()
	s.checkers[name] = checker
}

// Start begins the scheduler operation
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.config.PollInterval)
	}
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}

	s.logger.InfoContext(ctx, "starting scheduler",
		"poll_interval", s.config.PollInterval,
		"align", s.config.Align)

	s.startTime = s.now()
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.schedulingLoop(ctx)

	if s.config.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthMonitoringLoop(ctx)
	}
	return nil
}

// Stop cancels the current run and waits for the loops to exit or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return fmt.Errorf("scheduler is not running")
	}
	s.logger.InfoContext(ctx, "stopping scheduler")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "scheduler stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// Wait blocks until the scheduler loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Pause skips ticks until Resume. A run in progress is not interrupted.
func (s *Scheduler) Pause() error {
	if !atomic.CompareAndSwapInt32(&s.isPaused, 0, 1) {
		return fmt.Errorf("scheduler is already paused")
	}
	s.logger.Info("scheduler paused")
	return nil
}

// Resume resumes a paused scheduler
func (s *Scheduler) Resume() error {
	if !atomic.CompareAndSwapInt32(&s.isPaused, 1, 0) {
		return fmt.Errorf("scheduler is not paused")
	}
	s.logger.Info("scheduler resumed")
	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// IsPaused returns whether the scheduler is currently paused
func (s *Scheduler) IsPaused() bool {
	return atomic.LoadInt32(&s.isPaused) == 1
}

// LastReport returns the report of the most recent finished run, or nil.
func (s *Scheduler) LastReport() *models.RunReport {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastReport
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var uptime int64
	if !s.startTime.IsZero() {
		uptime = int64(s.now().Sub(s.startTime).Seconds())
	}

	return SchedulerStats{
		Runs:          atomic.LoadInt64(&s.runs),
		FailedRuns:    atomic.LoadInt64(&s.failedRuns),
		Running:       atomic.LoadInt32(&s.inRun) == 1,
		LastRunTime:   s.lastRunTime,
		NextRunTime:   s.nextRunTime,
		UptimeSeconds: uptime,
		MemoryUsageMB: float64(memStats.Alloc) / (1024 * 1024),
	}
}

// schedulingLoop runs a pass, then sleeps until the next boundary.
func (s *Scheduler) schedulingLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if atomic.LoadInt32(&s.isPaused) == 1 {
			s.logger.DebugContext(ctx, "scheduler is paused, skipping tick")
		} else {
			s.runOnce(ctx)
		}

		next := s.nextRun(s.now())
		s.statsMu.Lock()
		s.nextRunTime = next
		s.statsMu.Unlock()
		s.logger.DebugContext(ctx, "next run scheduled", "next_run", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "scheduling loop canceled")
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	atomic.StoreInt32(&s.inRun, 1)
	defer atomic.StoreInt32(&s.inRun, 0)

	runCtx := ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	s.statsMu.Lock()
	s.lastRunTime = s.now()
	s.statsMu.Unlock()
	atomic.AddInt64(&s.runs, 1)

	symbols, err := s.symbols.Symbols(runCtx)
	if err != nil {
		atomic.AddInt64(&s.failedRuns, 1)
		s.logger.ErrorContext(ctx, "symbol discovery failed", "error", err.Error())
		return
	}

	report, err := s.runner.Run(runCtx, symbols)
	if report != nil {
		s.statsMu.Lock()
		s.lastReport = report
		s.statsMu.Unlock()
	}
	if err != nil {
		atomic.AddInt64(&s.failedRuns, 1)
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduled run failed", "error", err.Error())
		}
		return
	}
	s.logger.InfoContext(ctx, "scheduled run completed", "summary", report.Summary())
}

// nextRun returns when the pass after one started at now should begin.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	if !s.config.Align {
		return now.Add(s.config.PollInterval)
	}
	return nextBoundary(now, s.config.PollInterval).Add(s.config.Offset)
}

// nextBoundary returns the first multiple of every after current, counted
// from the Unix epoch in UTC. Daily and longer periods align to midnight UTC.
func nextBoundary(current time.Time, every time.Duration) time.Time {
	current = current.UTC()
	if every >= 24*time.Hour && every%(24*time.Hour) == 0 {
		midnight := time.Date(current.Year(), current.Month(), current.Day(), 0, 0, 0, 0, time.UTC)
		return midnight.Add(every)
	}
	return current.Truncate(every).Add(every)
}

// healthMonitoringLoop performs periodic health checks
func (s *Scheduler) healthMonitoringLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// performHealthCheck probes every registered dependency and logs failures.
func (s *Scheduler) performHealthCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.checkersMu.RLock()
	defer s.checkersMu.RUnlock()
	for name, checker := range s.checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err.Error())
		}
	}
}
