package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/planner"
	"github.com/johnayoung/klinesync/internal/ratelimit"
)

const (
	klinesEndpoint       = "klines"
	exchangeInfoEndpoint = "exchangeInfo"
	pingEndpoint         = "ping"

	defaultTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
	defaultUserAgent   = "klinesync/1.0"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 2048
)

// Options configures a BinanceAdapter. Budget is required; every request the
// adapter issues holds one of its slots.
type Options struct {
	Venue      Venue
	Budget     *ratelimit.Budget
	Retry      apperrors.RetryPolicy
	Timeout    time.Duration
	UserAgent  string
	Logger     *slog.Logger
	Observer   RequestObserver
	HTTPClient *http.Client
}

// BinanceAdapter implements Adapter against the Binance REST kline API. Spot
// and futures share the implementation and differ only in Venue.
type BinanceAdapter struct {
	venue     Venue
	client    *http.Client
	budget    *ratelimit.Budget
	retrier   *apperrors.ErrorClassifier
	userAgent string
	logger    *slog.Logger
	observer  RequestObserver
}

// NewBinanceAdapter creates an adapter for opts.Venue.
func NewBinanceAdapter(opts Options) (*BinanceAdapter, error) {
	if opts.Budget == nil {
		return nil, errors.New("binance adapter requires a rate budget")
	}
	if opts.Venue.BaseURL == "" || opts.Venue.APIVersion == "" {
		return nil, fmt.Errorf("incomplete venue %+v", opts.Venue)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "exchange", "venue", opts.Venue.Name)

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: opts.Budget.Config().MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &BinanceAdapter{
		venue:     opts.Venue,
		client:    client,
		budget:    opts.Budget,
		retrier:   apperrors.NewErrorClassifier(opts.Retry, logger),
		userAgent: userAgent,
		logger:    logger,
		observer:  opts.Observer,
	}, nil
}

// Venue returns the market this adapter talks to.
func (b *BinanceAdapter) Venue() Venue {
	return b.venue
}

// FetchWindow implements KlineFetcher. On error the returned result is still
// non-nil and carries the candles gathered so far and the request count.
func (b *BinanceAdapter) FetchWindow(ctx context.Context, w planner.Window) (*FetchResult, error) {
	result := &FetchResult{}
	if w.Interval.IsZero() {
		return result, fmt.Errorf("%w: empty interval", models.ErrUnknownGranularity)
	}

	cur := w
	for {
		candles, requests, err := b.fetchPage(ctx, cur)
		result.Requests += requests
		if err != nil {
			return result, err
		}
		result.Candles = append(result.Candles, candles...)

		if !w.IsRange() || len(candles) == 0 || len(candles) >= cur.Bars() {
			break
		}
		next := candles[len(candles)-1].OpenTime.Add(w.Interval.Duration)
		if !next.Before(w.End) || !next.After(cur.Start) {
			break
		}
		b.logger.DebugContext(ctx, "continuing truncated window",
			"window", w.String(),
			"received", len(candles),
			"next_start", next)
		cur.Start = next
	}

	b.logger.DebugContext(ctx, "fetched window",
		"window", w.String(),
		"candles", len(result.Candles),
		"requests", result.Requests)
	return result, nil
}

func (b *BinanceAdapter) fetchPage(ctx context.Context, w planner.Window) ([]models.Candle, int, error) {
	body, requests, err := b.get(ctx, klinesEndpoint, windowParams(w))
	if err != nil {
		return nil, requests, err
	}
	candles, err := decodeKlines(body)
	if err != nil {
		b.logger.WarnContext(ctx, "malformed kline payload",
			"window", w.String(),
			"error", err.Error())
		return nil, requests, err
	}
	return candles, requests, nil
}

// windowParams builds the kline query. Range windows send startTime and an
// inclusive endTime one millisecond before the exclusive window end; page
// windows send limit and, when anchored, startTime.
func windowParams(w planner.Window) url.Values {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(w.Symbol))
	params.Set("interval", w.Interval.Label)
	if w.IsRange() {
		params.Set("startTime", strconv.FormatInt(models.ToMillis(w.Start), 10))
		params.Set("endTime", strconv.FormatInt(models.ToMillis(w.End)-1, 10))
		return params
	}
	if !w.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(models.ToMillis(w.Start), 10))
	}
	params.Set("limit", strconv.Itoa(w.Limit))
	return params
}

// FetchFirstTime implements KlineFetcher.
func (b *BinanceAdapter) FetchFirstTime(ctx context.Context, symbol string, iv models.Interval) (time.Time, error) {
	if iv.IsZero() {
		return time.Time{}, fmt.Errorf("%w: empty interval", models.ErrUnknownGranularity)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", iv.Label)
	params.Set("startTime", "0")
	params.Set("limit", "1")

	body, _, err := b.get(ctx, klinesEndpoint, params)
	if err != nil {
		return time.Time{}, err
	}
	candles, err := decodeKlines(body)
	if err != nil {
		return time.Time{}, err
	}
	if len(candles) == 0 {
		return time.Time{}, fmt.Errorf("%s %s: %w", symbol, iv, ErrNoData)
	}
	return candles[0].OpenTime, nil
}

// ListSymbols implements SymbolLister.
func (b *BinanceAdapter) ListSymbols(ctx context.Context) ([]string, error) {
	return b.SymbolsByQuote(ctx, nil)
}

// SymbolsByQuote is ListSymbols restricted to the given quote assets. An
// empty quotes list keeps every trading symbol.
func (b *BinanceAdapter) SymbolsByQuote(ctx context.Context, quotes []string) ([]string, error) {
	body, _, err := b.get(ctx, exchangeInfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &DecodeError{Endpoint: exchangeInfoEndpoint, Row: -1, Err: err}
	}

	wanted := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		wanted[strings.ToUpper(q)] = struct{}{}
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if s.IsSpotTradingAllowed != nil && !*s.IsSpotTradingAllowed {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[strings.ToUpper(s.QuoteAsset)]; !ok {
				continue
			}
		}
		symbols = append(symbols, strings.ToUpper(s.Symbol))
	}
	sort.Strings(symbols)

	b.logger.DebugContext(ctx, "listed symbols", "count", len(symbols), "total", len(info.Symbols))
	return symbols, nil
}

// HealthCheck implements HealthChecker.
func (b *BinanceAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, _, err := b.get(healthCtx, pingEndpoint, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	b.logger.DebugContext(ctx, "health check passed")
	return nil
}

// get performs a budgeted GET with the retry policy applied around it. Each
// attempt takes its own budget slot. The attempt count is returned even on
// failure.
func (b *BinanceAdapter) get(ctx context.Context, endpoint string, params url.Values) ([]byte, int, error) {
	requestURL := b.venue.Endpoint(endpoint)
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var (
		body     []byte
		attempts int
	)
	err := b.retrier.Retry(ctx, "exchange", endpoint, func() error {
		return b.budget.Do(ctx, func(ctx context.Context) error {
			attempts++
			var err error
			body, err = b.doRequest(ctx, endpoint, requestURL)
			return err
		})
	})
	if err != nil {
		return nil, attempts, err
	}
	return body, attempts, nil
}

func (b *BinanceAdapter) doRequest(ctx context.Context, endpoint, requestURL string) (body []byte, err error) {
	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		if b.observer != nil {
			b.observer.ObserveRequest(b.venue.Name, endpoint, outcome, time.Since(start))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		outcome = OutcomeTransportError
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
			return nil, ctx.Err()
		}
		outcome = OutcomeTransportError
		return nil, &TransportError{Op: http.MethodGet, URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
			return nil, ctx.Err()
		}
		outcome = OutcomeTransportError
		return nil, &TransportError{Op: "read body", URL: requestURL, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}

	var apiErr apiError
	structured := json.Unmarshal(body, &apiErr) == nil && (apiErr.Code != 0 || apiErr.Msg != "")

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		outcome = OutcomeRateLimited
		exErr := &ExchangeError{
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Msg,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if exErr.Message == "" {
			exErr.Message = strings.TrimSpace(snippet)
		}
		b.logger.WarnContext(ctx, "rate limited by exchange",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"retry_after", exErr.retryAfter,
			"body", snippet)
		return nil, exErr
	}

	if structured {
		outcome = OutcomeExchangeError
		b.logger.ErrorContext(ctx, "exchange rejected request",
			"endpoint", endpoint,
			"url", requestURL,
			"status", resp.StatusCode,
			"body", snippet)
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Msg}
	}

	if resp.StatusCode >= 500 {
		outcome = OutcomeTransportError
		return nil, &TransportError{
			Op:         http.MethodGet,
			URL:        requestURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(snippet)),
		}
	}

	outcome = OutcomeExchangeError
	b.logger.ErrorContext(ctx, "exchange rejected request",
		"endpoint", endpoint,
		"url", requestURL,
		"status", resp.StatusCode,
		"body", snippet)
	return nil, &ExchangeError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(snippet)}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
