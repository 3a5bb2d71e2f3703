// Package ratelimit implements the process-wide request budget shared by every
// exchange call. A Budget bounds the number of requests in flight and keeps
// each slot occupied for at least MinSpacing, so N slots never produce more
// than N requests per MinSpacing. An optional token bucket adds a hard
// requests-per-second ceiling on top.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config describes a Budget.
type Config struct {
	// MaxConcurrent is the number of slots; at most this many requests hold a slot at once.
	MaxConcurrent int
	// MinSpacing is the minimum time between acquiring a slot and releasing it.
	MinSpacing time.Duration
	// RequestsPerSecond, when positive, additionally caps the acquire rate.
	RequestsPerSecond float64
}

// Budget is safe for concurrent use. Construct one per process and pass it to
// every component that talks to the exchange.
type Budget struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	inFlight atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
}

// New validates cfg and builds a Budget.
func New(cfg Config) (*Budget, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("rate budget needs at least one slot, got %d", cfg.MaxConcurrent)
	}
	if cfg.MinSpacing < 0 {
		return nil, fmt.Errorf("negative min spacing %s", cfg.MinSpacing)
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("negative requests per second %v", cfg.RequestsPerSecond)
	}

	b := &Budget{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return b, nil
}

// Config returns the configuration the budget was built with.
func (b *Budget) Config() Config {
	return b.cfg
}

// Slot is one acquired unit of the budget. Release must be called exactly
// once; extra calls are no-ops.
type Slot struct {
	b          *Budget
	acquiredAt time.Time
	released   atomic.Bool
}

// Acquire blocks until a slot is free or ctx is done.
func (b *Budget) Acquire(ctx context.Context) (*Slot, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.sem.Release(1)
			return nil, err
		}
	}

	n := b.inFlight.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	b.acquired.Add(1)

	return &Slot{b: b, acquiredAt: time.Now()}, nil
}

// Release frees the slot once MinSpacing has elapsed since acquisition. The
// caller waits out the remainder unless ctx is done first; in that case the
// caller returns at once and the slot is freed in the background when the
// spacing expires, so cancellation never shortens the spacing seen by others.
func (s *Slot) Release(ctx context.Context) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	remaining := s.b.cfg.MinSpacing - time.Since(s.acquiredAt)
	if remaining > 0 && !sleepCtx(ctx, remaining) {
		time.AfterFunc(s.b.cfg.MinSpacing-time.Since(s.acquiredAt), s.free)
		return
	}
	s.free()
}

func (s *Slot) free() {
	s.b.inFlight.Add(-1)
	s.b.sem.Release(1)
}

// Do runs fn while holding a slot. The slot is released on every return path,
// including panics in fn.
func (b *Budget) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	slot, err := b.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("waiting for rate budget: %w", err)
	}
	defer slot.Release(ctx)
	return fn(ctx)
}

// Stats is a point-in-time view of budget usage.
type Stats struct {
	InFlight int64
	Peak     int64
	Acquired int64
}

// Stats returns current usage counters.
func (b *Budget) Stats() Stats {
	return Stats{
		InFlight: b.inFlight.Load(),
		Peak:     b.peak.Load(),
		Acquired: b.acquired.Load(),
	}
}

// sleepCtx waits for d and reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
