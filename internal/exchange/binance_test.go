package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/johnayoung/klinesync/internal/errors"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/planner"
	"github.com/johnayoung/klinesync/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oneMinute = models.MustInterval("1m")
	epoch2023 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

// klineHistory serves synthetic candles for [first, last) at a fixed interval,
// capping every page at pageCap rows the way the real endpoint does.
type klineHistory struct {
	first    time.Time
	last     time.Time
	interval models.Interval
	pageCap  int

	requests atomic.Int64
}

func (h *klineHistory) handle(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	q := r.URL.Query()
	if q.Get("limit") != "" && q.Get("endTime") != "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1100,"msg":"limit and endTime together"}`))
		return
	}

	d := h.interval.Duration
	limit := h.pageCap
	if l := q.Get("limit"); l != "" {
		n, _ := strconv.Atoi(l)
		if n < limit {
			limit = n
		}
	}

	var opens []time.Time
	switch {
	case q.Get("startTime") != "":
		ms, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		from := models.FromMillis(ms)
		if from.Before(h.first) {
			from = h.first
		}
		from = h.first.Add((from.Sub(h.first) + d - 1) / d * d)
		endMs := int64(-1)
		if e := q.Get("endTime"); e != "" {
			endMs, _ = strconv.ParseInt(e, 10, 64)
		}
		for t := from; t.Before(h.last) && len(opens) < limit; t = t.Add(d) {
			if endMs >= 0 && models.ToMillis(t) > endMs {
				break
			}
			opens = append(opens, t)
		}
	default:
		for t := h.last.Add(-d); !t.Before(h.first) && len(opens) < limit; t = t.Add(-d) {
			opens = append([]time.Time{t}, opens...)
		}
	}

	rows := make([][]any, 0, len(opens))
	for i, t := range opens {
		open := 100 + float64(i)
		rows = append(rows, []any{
			models.ToMillis(t),
			strconv.FormatFloat(open, 'f', 2, 64),
			strconv.FormatFloat(open+2, 'f', 2, 64),
			strconv.FormatFloat(open-1, 'f', 2, 64),
			strconv.FormatFloat(open+1, 'f', 2, 64),
			"12.5",
			models.ToMillis(t.Add(d)) - 1,
			"1250.0", 42, "6.0", "600.0", "0",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func testRetryPolicy() apperrors.RetryPolicy {
	return apperrors.RetryPolicy{
		MaxAttempts:         3,
		InitialDelay:        time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		Multiplier:          2,
		MaxRateLimitRetries: 1,
	}
}

func newTestAdapter(t *testing.T, serverURL string, observer RequestObserver) (*BinanceAdapter, *ratelimit.Budget) {
	t.Helper()
	budget, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 4})
	require.NoError(t, err)

	venue, err := VenueByName("spot", serverURL, "")
	require.NoError(t, err)

	adapter, err := NewBinanceAdapter(Options{
		Venue:    venue,
		Budget:   budget,
		Retry:    testRetryPolicy(),
		Timeout:  2 * time.Second,
		Logger:   createTestLogger(),
		Observer: observer,
	})
	require.NoError(t, err)
	return adapter, budget
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveRequest(venue, endpoint, outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, endpoint+":"+outcome)
}

func (o *recordingObserver) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func TestNewBinanceAdapter(t *testing.T) {
	t.Run("requires a budget", func(t *testing.T) {
		_, err := NewBinanceAdapter(Options{Venue: Spot})
		assert.Error(t, err)
	})

	t.Run("requires a complete venue", func(t *testing.T) {
		budget, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 1})
		require.NoError(t, err)
		_, err = NewBinanceAdapter(Options{Venue: Venue{Name: "spot"}, Budget: budget})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		budget, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 2})
		require.NoError(t, err)
		adapter, err := NewBinanceAdapter(Options{Venue: Futures, Budget: budget})
		require.NoError(t, err)
		assert.Equal(t, Futures, adapter.Venue())
		assert.Equal(t, defaultTimeout, adapter.client.Timeout)
		assert.Equal(t, defaultUserAgent, adapter.userAgent)
	})
}

func TestVenues(t *testing.T) {
	v, err := VenueByName("SPOT", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.binance.com/api/v3/klines", v.Endpoint("klines"))

	v, err = VenueByName("futures", "http://localhost:8080/", "/fapi/v2/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/fapi/v2/klines", v.Endpoint("klines"))

	_, err = VenueByName("margin", "", "")
	assert.Error(t, err)
}

func TestWindowParams(t *testing.T) {
	start := epoch2023
	end := start.Add(1000 * time.Minute)

	t.Run("range window sends an inclusive endTime and no limit", func(t *testing.T) {
		p := windowParams(planner.Window{Symbol: "btcusdt", Interval: oneMinute, Start: start, End: end})
		assert.Equal(t, "BTCUSDT", p.Get("symbol"))
		assert.Equal(t, "1m", p.Get("interval"))
		assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), p.Get("startTime"))
		assert.Equal(t, strconv.FormatInt(end.UnixMilli()-1, 10), p.Get("endTime"))
		assert.False(t, p.Has("limit"))
	})

	t.Run("page window sends limit only", func(t *testing.T) {
		p := windowParams(planner.Window{Symbol: "ETHUSDT", Interval: oneMinute, Limit: 24})
		assert.Equal(t, "24", p.Get("limit"))
		assert.False(t, p.Has("startTime"))
		assert.False(t, p.Has("endTime"))
	})

	t.Run("anchored page window sends startTime and limit", func(t *testing.T) {
		p := windowParams(planner.Window{Symbol: "ETHUSDT", Interval: oneMinute, Start: start, Limit: 5})
		assert.Equal(t, "5", p.Get("limit"))
		assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), p.Get("startTime"))
		assert.False(t, p.Has("endTime"))
	})
}

func TestDecodeKlines(t *testing.T) {
	t.Run("accepts numbers and numeric strings and ignores trailers", func(t *testing.T) {
		body := `[
			[1672531200000,"16541.77","16545.70","16508.39","16529.67","4364.8357",1672531259999,"72180812.01",3412,"2.5","41300.1","0"],
			["1672531260000",16529.67,16540,16520.1,16530,0,1672531319999]
		]`
		candles, err := decodeKlines([]byte(body))
		require.NoError(t, err)
		require.Len(t, candles, 2)

		assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), candles[0].OpenTime)
		assert.InDelta(t, 16541.77, candles[0].Open, 1e-9)
		assert.InDelta(t, 4364.8357, candles[0].Volume, 1e-9)
		assert.Equal(t, time.UnixMilli(1672531259999).UTC(), candles[0].CloseTime)

		assert.Equal(t, time.Date(2023, 1, 1, 0, 1, 0, 0, time.UTC), candles[1].OpenTime)
		assert.InDelta(t, 16540.0, candles[1].High, 1e-9)
		assert.Zero(t, candles[1].Volume)
	})

	t.Run("empty array is no data", func(t *testing.T) {
		candles, err := decodeKlines([]byte(`[]`))
		require.NoError(t, err)
		assert.Empty(t, candles)
	})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"object instead of array", `{"code":0}`},
		{"short row", `[[1672531200000,"1","2","0.5","1.5","10"]]`},
		{"non numeric price", `[[1672531200000,"abc","2","0.5","1.5","10",1672531259999]]`},
		{"NaN price", `[[1672531200000,"NaN","2","0.5","1.5","10",1672531259999]]`},
		{"infinite volume", `[[1672531200000,"1","2","0.5","1.5","Inf",1672531259999]]`},
		{"null field", `[[1672531200000,null,"2","0.5","1.5","10",1672531259999]]`},
		{"fractional timestamp", `[[1672531200000.5,"1","2","0.5","1.5","10",1672531259999]]`},
		{"close before open", `[[1672531200000,"1","2","0.5","1.5","10",1672531100000]]`},
		{"negative volume", `[[1672531200000,"1","2","0.5","1.5","-3",1672531259999]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeKlines([]byte(tt.body))
			require.Error(t, err)
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.ClassifyType(err))
		})
	}
}

func TestFetchWindowRange(t *testing.T) {
	history := &klineHistory{first: epoch2023, last: epoch2023.Add(5000 * time.Minute), interval: oneMinute, pageCap: 1000}
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/klines": history.handle,
	})
	defer server.Close()

	adapter, budget := newTestAdapter(t, server.URL, nil)
	w := planner.Window{Symbol: "BTCUSDT", Interval: oneMinute, Start: epoch2023, End: epoch2023.Add(1000 * time.Minute)}

	result, err := adapter.FetchWindow(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requests)
	require.Len(t, result.Candles, 1000)
	assert.Equal(t, w.Start, result.Candles[0].OpenTime)
	assert.Equal(t, w.End.Add(-time.Minute), result.Candles[999].OpenTime)
	assert.Equal(t, int64(1), budget.Stats().Acquired)
}

func TestFetchWindowContinuesTruncatedPages(t *testing.T) {
	// The server caps pages at 500 rows, half of what the window spans.
	history := &klineHistory{first: epoch2023, last: epoch2023.Add(5000 * time.Minute), interval: oneMinute, pageCap: 500}
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/klines": history.handle,
	})
	defer server.Close()

	adapter, budget := newTestAdapter(t, server.URL, nil)
	w := planner.Window{Symbol: "BTCUSDT", Interval: oneMinute, Start: epoch2023, End: epoch2023.Add(1000 * time.Minute)}

	result, err := adapter.FetchWindow(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Requests)
	assert.Equal(t, int64(2), budget.Stats().Acquired)
	require.Len(t, result.Candles, 1000)
	for i := 1; i < len(result.Candles); i++ {
		assert.Equal(t, time.Minute, result.Candles[i].OpenTime.Sub(result.Candles[i-1].OpenTime))
	}
}

func TestFetchWindowStopsOnEmptyPage(t *testing.T) {
	// History ends 300 bars into the window.
	history := &klineHistory{first: epoch2023, last: epoch2023.Add(300 * time.Minute), interval: oneMinute, pageCap: 1000}
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/klines": history.handle,
	})
	defer server.Close()

	adapter, _ := newTestAdapter(t, server.URL, nil)
	w := planner.Window{Symbol: "BTCUSDT", Interval: oneMinute, Start: epoch2023, End: epoch2023.Add(1000 * time.Minute)}

	result, err := adapter.FetchWindow(context.Background(), w)
	require.NoError(t, err)
	assert.Len(t, result.Candles, 300)
	assert.Equal(t, 2, result.Requests)
}

func TestFetchWindowLimit(t *testing.T) {
	history := &klineHistory{first: epoch2023, last: epoch2023.Add(100 * time.Minute), interval: oneMinute, pageCap: 1000}
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/klines": history.handle,
	})
	defer server.Close()

	adapter, _ := newTestAdapter(t, server.URL, nil)
	windows, err := planner.Plan(planner.ByLimit{Symbol: "BTCUSDT", Interval: oneMinute, Limit: 10})
	require.NoError(t, err)
	require.Len(t, windows, 1)

	result, err := adapter.FetchWindow(context.Background(), windows[0])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requests)
	require.Len(t, result.Candles, 10)
	assert.Equal(t, epoch2023.Add(99*time.Minute), result.Candles[9].OpenTime)
}

func TestFetchWindowErrors(t *testing.T) {
	w := planner.Window{Symbol: "BTCUSDT", Interval: oneMinute, Start: epoch2023, End: epoch2023.Add(10 * time.Minute)}

	t.Run("rate limit is retried exactly once", func(t *testing.T) {
		var calls atomic.Int64
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
			},
		})
		defer server.Close()

		observer := &recordingObserver{}
		adapter, _ := newTestAdapter(t, server.URL, observer)
		result, err := adapter.FetchWindow(context.Background(), w)
		require.Error(t, err)

		var exErr *ExchangeError
		require.ErrorAs(t, err, &exErr)
		assert.True(t, exErr.IsRateLimit())
		assert.Equal(t, -1003, exErr.Code)
		assert.Equal(t, int64(2), calls.Load())
		assert.Equal(t, 2, result.Requests)
		assert.Equal(t, []string{"klines:rate_limited", "klines:rate_limited"}, observer.all())
	})

	t.Run("rate limit followed by success", func(t *testing.T) {
		history := &klineHistory{first: epoch2023, last: epoch2023.Add(time.Hour), interval: oneMinute, pageCap: 1000}
		var calls atomic.Int64
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.Header().Set("Retry-After", "0")
					w.WriteHeader(http.StatusTeapot)
					return
				}
				history.handle(w, r)
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		result, err := adapter.FetchWindow(context.Background(), w)
		require.NoError(t, err)
		assert.Len(t, result.Candles, 10)
		assert.Equal(t, 2, result.Requests)
	})

	t.Run("structured rejection is not retried", func(t *testing.T) {
		var calls atomic.Int64
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		_, err := adapter.FetchWindow(context.Background(), w)
		require.Error(t, err)

		var exErr *ExchangeError
		require.ErrorAs(t, err, &exErr)
		assert.Equal(t, http.StatusBadRequest, exErr.StatusCode)
		assert.Equal(t, -1121, exErr.Code)
		assert.Equal(t, "Invalid symbol.", exErr.Message)
		assert.Equal(t, int64(1), calls.Load())
		assert.False(t, apperrors.IsRetryable(err))
	})

	t.Run("server errors are retried then surfaced as transport errors", func(t *testing.T) {
		var calls atomic.Int64
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("upstream unavailable"))
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		result, err := adapter.FetchWindow(context.Background(), w)
		require.Error(t, err)

		var trErr *TransportError
		require.ErrorAs(t, err, &trErr)
		assert.Equal(t, http.StatusServiceUnavailable, trErr.StatusCode)
		assert.Equal(t, int64(4), calls.Load(), "first attempt plus three retries")
		assert.Equal(t, 4, result.Requests)
	})

	t.Run("transient server error recovers", func(t *testing.T) {
		history := &klineHistory{first: epoch2023, last: epoch2023.Add(time.Hour), interval: oneMinute, pageCap: 1000}
		var calls atomic.Int64
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= 2 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				history.handle(w, r)
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		result, err := adapter.FetchWindow(context.Background(), w)
		require.NoError(t, err)
		assert.Len(t, result.Candles, 10)
		assert.Equal(t, 3, result.Requests)
	})

	t.Run("unreachable host is a transport error", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		adapter, _ := newTestAdapter(t, addr, nil)
		_, err := adapter.FetchWindow(context.Background(), w)
		require.Error(t, err)
		var trErr *TransportError
		assert.ErrorAs(t, err, &trErr)
	})

	t.Run("malformed payload", func(t *testing.T) {
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[[1672531200000,"1"]]`))
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		_, err := adapter.FetchWindow(context.Background(), w)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("canceled context", func(t *testing.T) {
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := adapter.FetchWindow(ctx, w)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("cancellation interrupts retry backoff", func(t *testing.T) {
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		})
		defer server.Close()

		budget, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 1})
		require.NoError(t, err)
		venue, err := VenueByName("spot", server.URL, "")
		require.NoError(t, err)
		policy := testRetryPolicy()
		policy.InitialDelay = time.Hour
		policy.MaxDelay = time.Hour
		adapter, err := NewBinanceAdapter(Options{Venue: venue, Budget: budget, Retry: policy, Logger: createTestLogger()})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err = adapter.FetchWindow(ctx, w)
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestFetchFirstTime(t *testing.T) {
	t.Run("returns the earliest open time", func(t *testing.T) {
		first := epoch2023.Add(17 * time.Hour)
		history := &klineHistory{first: first, last: first.Add(48 * time.Hour), interval: models.MustInterval("1h"), pageCap: 1000}
		var query atomic.Value
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				query.Store(r.URL.Query())
				history.handle(w, r)
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		got, err := adapter.FetchFirstTime(context.Background(), "ethusdt", models.MustInterval("1h"))
		require.NoError(t, err)
		assert.Equal(t, first, got)

		q := query.Load().(url.Values)
		assert.Equal(t, []string{"0"}, q["startTime"])
		assert.Equal(t, []string{"1"}, q["limit"])
		assert.Equal(t, []string{"ETHUSDT"}, q["symbol"])
		assert.NotContains(t, q, "endTime")
	})

	t.Run("no history", func(t *testing.T) {
		server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[]`))
			},
		})
		defer server.Close()

		adapter, _ := newTestAdapter(t, server.URL, nil)
		_, err := adapter.FetchFirstTime(context.Background(), "NEWCOIN", oneMinute)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("empty interval", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, "http://127.0.0.1:1", nil)
		_, err := adapter.FetchFirstTime(context.Background(), "BTCUSDT", models.Interval{})
		assert.ErrorIs(t, err, models.ErrUnknownGranularity)
	})
}

const exchangeInfoBody = `{
	"timezone": "UTC",
	"symbols": [
		{"symbol": "ETHUSDT", "status": "TRADING", "quoteAsset": "USDT", "isSpotTradingAllowed": true},
		{"symbol": "BTCUSDT", "status": "TRADING", "quoteAsset": "USDT", "isSpotTradingAllowed": true},
		{"symbol": "LUNAUSDT", "status": "BREAK", "quoteAsset": "USDT", "isSpotTradingAllowed": true},
		{"symbol": "ETHBTC", "status": "TRADING", "quoteAsset": "BTC", "isSpotTradingAllowed": true},
		{"symbol": "XYZUSDT", "status": "TRADING", "quoteAsset": "USDT", "isSpotTradingAllowed": false},
		{"symbol": "SOLUSDT", "status": "TRADING", "quoteAsset": "USDT"}
	]
}`

func TestListSymbols(t *testing.T) {
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/exchangeInfo": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(exchangeInfoBody))
		},
	})
	defer server.Close()

	adapter, _ := newTestAdapter(t, server.URL, nil)

	symbols, err := adapter.ListSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHBTC", "ETHUSDT", "SOLUSDT"}, symbols)

	symbols, err = adapter.SymbolsByQuote(context.Background(), []string{"btc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHBTC"}, symbols)
}

func TestListSymbolsMalformed(t *testing.T) {
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/exchangeInfo": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"symbols": "nope"}`))
		},
	})
	defer server.Close()

	adapter, _ := newTestAdapter(t, server.URL, nil)
	_, err := adapter.ListSymbols(context.Background())
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestHealthCheck(t *testing.T) {
	var agent atomic.Value
	server := createMockServer(map[string]func(http.ResponseWriter, *http.Request){
		"/api/v3/ping": func(w http.ResponseWriter, r *http.Request) {
			agent.Store(r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte(`{}`))
		},
	})
	defer server.Close()

	observer := &recordingObserver{}
	adapter, _ := newTestAdapter(t, server.URL, observer)
	require.NoError(t, adapter.HealthCheck(context.Background()))
	assert.Equal(t, defaultUserAgent, agent.Load())
	assert.Equal(t, []string{"ping:ok"}, observer.all())

	server.Close()
	assert.Error(t, adapter.HealthCheck(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("0"))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err  error
		want apperrors.ErrorType
	}{
		{&ExchangeError{StatusCode: 429}, apperrors.ErrorTypeRateLimit},
		{&ExchangeError{StatusCode: 418}, apperrors.ErrorTypeRateLimit},
		{&ExchangeError{StatusCode: 400, Code: -1121}, apperrors.ErrorTypeBadRequest},
		{&TransportError{StatusCode: 502, Err: errors.New("bad gateway")}, apperrors.ErrorTypeServerError},
		{&TransportError{Err: errors.New("connection refused")}, apperrors.ErrorTypeNetwork},
		{&DecodeError{Endpoint: "klines", Err: errors.New("x")}, apperrors.ErrorTypeValidation},
		{fmt.Errorf("wrapped: %w", &ExchangeError{StatusCode: 400}), apperrors.ErrorTypeBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, apperrors.ClassifyType(tt.err), tt.err.Error())
	}

	hinted := &ExchangeError{StatusCode: 429, retryAfter: 2 * time.Second}
	assert.Equal(t, 2*time.Second, hinted.RetryAfter())
	assert.Contains(t, (&ExchangeError{StatusCode: 400, Code: -1121, Message: "Invalid symbol."}).Error(), "-1121")
}
