package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
)

// TargetFunc ingests one target and reports its outcome.
type TargetFunc func(ctx context.Context, target models.Target) models.TargetResult

// WorkerPoolStats provides worker pool performance metrics
type WorkerPoolStats struct {
	Workers        int
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	SkippedJobs    int64
	AvgJobDuration time.Duration
}

// WorkerPool runs targets on a fixed number of goroutines. It is the outer of
// the two fan-out levels; the window fan-out inside each target is bounded
// separately.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	activeWorkers atomic.Int32
	queuedJobs    atomic.Int32
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	skippedJobs   atomic.Int64
	totalJobTime  atomic.Int64 // nanoseconds
	jobCount      atomic.Int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{workerCount: workerCount, logger: logger}
}

// Run processes every target and returns one result per target, in input
// order. When ctx is canceled no further target is started; those targets are
// reported as skipped. Targets already running observe ctx themselves.
func (wp *WorkerPool) Run(ctx context.Context, targets []models.Target, process TargetFunc) []models.TargetResult {
	results := make([]models.TargetResult, len(targets))
	done := make([]bool, len(targets))

	workers := wp.workerCount
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for id := 1; id <= workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.activeWorkers.Add(1)
			defer wp.activeWorkers.Add(-1)
			for i := range jobs {
				wp.queuedJobs.Add(-1)
				if ctx.Err() != nil {
					continue
				}
				results[i] = wp.processJob(ctx, id, targets[i], process)
				done[i] = true
			}
		}(id)
	}

	wp.queuedJobs.Add(int32(len(targets)))
dispatch:
	for i := range targets {
		select {
		case jobs <- i:
		case <-ctx.Done():
			wp.queuedJobs.Add(-int32(len(targets) - i))
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for i, target := range targets {
		if done[i] {
			continue
		}
		wp.skippedJobs.Add(1)
		results[i] = models.TargetResult{
			Target: target,
			Key:    target.String(),
			Status: models.TargetSkipped,
		}
	}
	return results
}

// processJob runs one target on worker id and records its statistics.
func (wp *WorkerPool) processJob(ctx context.Context, id int, target models.Target, process TargetFunc) models.TargetResult {
	start := time.Now()
	wp.logger.DebugContext(ctx, "processing target", "worker_id", id, "target", target.String())

	res := process(ctx, target)
	if res.Key == "" {
		res.Key = target.String()
	}
	res.Target = target

	duration := time.Since(start)
	wp.totalJobTime.Add(duration.Nanoseconds())
	wp.jobCount.Add(1)
	switch res.Status {
	case models.TargetFailed:
		wp.failedJobs.Add(1)
	case models.TargetSkipped:
		wp.skippedJobs.Add(1)
	default:
		wp.completedJobs.Add(1)
	}
	return res
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() *WorkerPoolStats {
	var avg time.Duration
	if n := wp.jobCount.Load(); n > 0 {
		avg = time.Duration(wp.totalJobTime.Load() / n)
	}
	return &WorkerPoolStats{
		Workers:        wp.workerCount,
		ActiveWorkers:  int(wp.activeWorkers.Load()),
		QueuedJobs:     int(wp.queuedJobs.Load()),
		CompletedJobs:  wp.completedJobs.Load(),
		FailedJobs:     wp.failedJobs.Load(),
		SkippedJobs:    wp.skippedJobs.Load(),
		AvgJobDuration: avg,
	}
}
