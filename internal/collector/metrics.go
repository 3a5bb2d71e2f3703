package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
)

// CollectionMetrics provides totals over every run of a Collector
type CollectionMetrics struct {
	Runs             int64
	FailedRuns       int64
	TargetsSucceeded int64
	TargetsFailed    int64
	TargetsSkipped   int64
	Requests         int64
	CandlesFetched   int64
	CandlesWritten   int64
	SuccessRate      float64
	AvgRunDuration   time.Duration
	LastRunID        string
	LastRunAt        time.Time
	ErrorsByType     map[string]int64
	WorkerPoolStats  *WorkerPoolStats
}

// metricsCollector tracks collection performance and statistics
type metricsCollector struct {
	// Atomic counters for thread-safe updates
	runs             int64
	failedRuns       int64
	targetsSucceeded int64
	targetsFailed    int64
	targetsSkipped   int64
	requests         int64
	candlesFetched   int64
	candlesWritten   int64
	totalRunTime     int64 // nanoseconds

	mu           sync.RWMutex
	lastRunID    string
	lastRunAt    time.Time
	errorsByType map[string]int64
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{errorsByType: make(map[string]int64)}
}

// recordRun folds a finished report into the totals
func (m *metricsCollector) recordRun(report *models.RunReport) {
	atomic.AddInt64(&m.runs, 1)
	if report.AllFailed() {
		atomic.AddInt64(&m.failedRuns, 1)
	}
	atomic.AddInt64(&m.totalRunTime, report.Duration().Nanoseconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRunID = report.RunID
	m.lastRunAt = report.FinishedAt
	for _, res := range report.Results {
		atomic.AddInt64(&m.requests, int64(res.Requests))
		atomic.AddInt64(&m.candlesFetched, int64(res.CandlesFetched))
		atomic.AddInt64(&m.candlesWritten, int64(res.CandlesWritten))
		switch res.Status {
		case models.TargetSucceeded:
			atomic.AddInt64(&m.targetsSucceeded, 1)
		case models.TargetFailed:
			atomic.AddInt64(&m.targetsFailed, 1)
			m.errorsByType[res.ErrorType]++
		case models.TargetSkipped:
			atomic.AddInt64(&m.targetsSkipped, 1)
		}
	}
}

// snapshot returns a copy of the current totals
func (m *metricsCollector) snapshot() *CollectionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &CollectionMetrics{
		Runs:             atomic.LoadInt64(&m.runs),
		FailedRuns:       atomic.LoadInt64(&m.failedRuns),
		TargetsSucceeded: atomic.LoadInt64(&m.targetsSucceeded),
		TargetsFailed:    atomic.LoadInt64(&m.targetsFailed),
		TargetsSkipped:   atomic.LoadInt64(&m.targetsSkipped),
		Requests:         atomic.LoadInt64(&m.requests),
		CandlesFetched:   atomic.LoadInt64(&m.candlesFetched),
		CandlesWritten:   atomic.LoadInt64(&m.candlesWritten),
		LastRunID:        m.lastRunID,
		LastRunAt:        m.lastRunAt,
		ErrorsByType:     make(map[string]int64, len(m.errorsByType)),
	}
	for k, v := range m.errorsByType {
		out.ErrorsByType[k] = v
	}
	if out.Runs > 0 {
		out.AvgRunDuration = time.Duration(atomic.LoadInt64(&m.totalRunTime) / out.Runs)
	}
	if attempted := out.TargetsSucceeded + out.TargetsFailed; attempted > 0 {
		out.SuccessRate = float64(out.TargetsSucceeded) / float64(attempted)
	}
	return out
}
