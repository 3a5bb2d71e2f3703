// Package exchange defines the exchange-facing interfaces of klinesync and
// their Binance implementation.
//
// The interfaces are small and focused so the orchestrator, the watermark
// resolver and the symbol discovery can each depend on only what they use.
// All implementations must route every outbound request through the shared
// rate budget supplied at construction.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/planner"
)

// KlineFetcher retrieves candles for planned windows.
type KlineFetcher interface {
	// FetchWindow issues the request described by w and returns the decoded
	// candles in exchange order (oldest first).
	//
	// A page shorter than requested is not an error: it means the exchange
	// has no more data for the window. Range windows cut short by the
	// exchange's own page cap are continued with further requests, each
	// taken from the rate budget, until the window is covered or a page
	// comes back empty.
	//
	// Errors are *ExchangeError for structured rejections, *TransportError
	// for transport failures that survived the retry policy, *DecodeError for
	// malformed payloads, or the context's error.
	FetchWindow(ctx context.Context, w planner.Window) (*FetchResult, error)

	// FetchFirstTime returns the open time of the earliest candle the
	// exchange has for symbol at interval iv. It issues a single one-row page
	// anchored at the Unix epoch. ErrNoData is returned when the exchange has
	// no candles at all for the symbol.
	FetchFirstTime(ctx context.Context, symbol string, iv models.Interval) (time.Time, error)
}

// SymbolLister enumerates tradable instruments.
type SymbolLister interface {
	// ListSymbols returns the upper-case codes of instruments currently
	// trading on the venue, sorted.
	ListSymbols(ctx context.Context) ([]string, error)
}

// HealthChecker verifies connectivity to the exchange.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Adapter is the full exchange surface used by the command line.
type Adapter interface {
	KlineFetcher
	SymbolLister
	HealthChecker
	Venue() Venue
}

// FetchResult is the outcome of one FetchWindow call.
type FetchResult struct {
	Candles []models.Candle
	// Requests counts HTTP requests issued, including retries and continuations.
	Requests int
}

// RequestObserver receives one call per HTTP request attempt.
type RequestObserver interface {
	ObserveRequest(venue, endpoint, outcome string, duration time.Duration)
}

// Request outcomes reported to a RequestObserver.
const (
	OutcomeOK             = "ok"
	OutcomeExchangeError  = "exchange_error"
	OutcomeRateLimited    = "rate_limited"
	OutcomeTransportError = "transport_error"
	OutcomeCanceled       = "canceled"
)

// Venue identifies a market by its REST root. It is a plain value: spot and
// futures differ only in the data here.
type Venue struct {
	Name       string
	BaseURL    string
	APIVersion string
}

// Spot is the Binance spot market.
var Spot = Venue{Name: "spot", BaseURL: "https://api.binance.com", APIVersion: "api/v3"}

// Futures is the Binance USD-M futures market.
var Futures = Venue{Name: "futures", BaseURL: "https://fapi.binance.com", APIVersion: "fapi/v1"}

// VenueByName returns the preset named name with optional overrides applied.
func VenueByName(name, baseURL, apiVersion string) (Venue, error) {
	var v Venue
	switch strings.ToLower(name) {
	case Spot.Name:
		v = Spot
	case Futures.Name:
		v = Futures
	default:
		return Venue{}, fmt.Errorf("unknown venue %q", name)
	}
	if baseURL != "" {
		v.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if apiVersion != "" {
		v.APIVersion = strings.Trim(apiVersion, "/")
	}
	return v, nil
}

// Endpoint returns the absolute URL of a REST endpoint such as "klines".
func (v Venue) Endpoint(name string) string {
	return v.BaseURL + "/" + v.APIVersion + "/" + name
}
