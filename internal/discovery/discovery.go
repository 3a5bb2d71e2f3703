// Package discovery resolves the symbol universe of a run: either the
// configured list, or the venue's trading symbols filtered by quote asset and
// optionally cached in memory or Redis.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/models"
)

// ErrNoSymbols is returned when neither the configuration nor the exchange
// yields any symbol.
var ErrNoSymbols = errors.New("no symbols to ingest")

// Lister enumerates trading symbols on a venue, restricted to quote assets
// when quotes is non-empty.
type Lister interface {
	SymbolsByQuote(ctx context.Context, quotes []string) ([]string, error)
}

// Cache stores symbol lists under a key for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, symbols []string, ttl time.Duration) error
	Close() error
}

// Options configures a Source.
type Options struct {
	Venue       string
	Static      []string
	QuoteAssets []string
	MaxSymbols  int
	Lister      Lister
	Cache       Cache
	TTL         time.Duration
	Logger      *slog.Logger
}

// Source yields the symbols of a run.
type Source struct {
	opts   Options
	logger *slog.Logger
}

// NewSource builds a Source. A nil Cache disables caching.
func NewSource(opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{opts: opts, logger: logger.With("component", "discovery")}
}

// Symbols returns upper-case, de-duplicated symbol codes. A configured static
// list wins and keeps its order; discovered lists are sorted.
func (s *Source) Symbols(ctx context.Context) ([]string, error) {
	if len(s.opts.Static) > 0 {
		return normalize(s.opts.Static)
	}
	if s.opts.Lister == nil {
		return nil, fmt.Errorf("%w: no static symbols and no exchange lister", ErrNoSymbols)
	}

	key := s.cacheKey()
	if s.opts.Cache != nil {
		cached, ok, err := s.opts.Cache.Get(ctx, key)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "symbol cache read failed", "key", key, "error", err.Error())
		case ok && len(cached) > 0:
			s.logger.DebugContext(ctx, "symbols served from cache", "key", key, "count", len(cached))
			return s.limit(cached), nil
		}
	}

	listed, err := s.opts.Lister.SymbolsByQuote(ctx, s.opts.QuoteAssets)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	symbols, err := normalize(listed)
	if err != nil {
		return nil, err
	}
	sort.Strings(symbols)

	if s.opts.Cache != nil && len(symbols) > 0 {
		if err := s.opts.Cache.Set(ctx, key, symbols, s.opts.TTL); err != nil {
			s.logger.WarnContext(ctx, "symbol cache write failed", "key", key, "error", err.Error())
		}
	}

	s.logger.InfoContext(ctx, "discovered symbols",
		"venue", s.opts.Venue,
		"quote_assets", s.opts.QuoteAssets,
		"count", len(symbols))
	return s.limit(symbols), nil
}

func (s *Source) limit(symbols []string) []string {
	if s.opts.MaxSymbols > 0 && len(symbols) > s.opts.MaxSymbols {
		return symbols[:s.opts.MaxSymbols]
	}
	return symbols
}

func (s *Source) cacheKey() string {
	quotes := make([]string, len(s.opts.QuoteAssets))
	for i, q := range s.opts.QuoteAssets {
		quotes[i] = strings.ToUpper(q)
	}
	sort.Strings(quotes)
	if len(quotes) == 0 {
		quotes = []string{"ALL"}
	}
	return "klinesync:symbols:" + s.opts.Venue + ":" + strings.Join(quotes, ",")
}

func normalize(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		sym, err := models.NormalizeSymbol(raw)
		if err != nil {
			return nil, err
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, ErrNoSymbols
	}
	return out, nil
}

// NewCache builds the cache selected by cfg.Cache. "none" returns nil.
func NewCache(ctx context.Context, cfg config.DiscoveryConfig) (Cache, error) {
	switch cfg.Cache {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported symbol cache %q", cfg.Cache)
	}
}
