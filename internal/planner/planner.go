// Package planner turns fetch requests into the bounded windows the exchange
// client issues, one request per window.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
)

// MaxPageSize is the largest page the kline endpoint serves.
const MaxPageSize = 1000

// DefaultPageSize is used by ByRange requests.
const DefaultPageSize = MaxPageSize

// ErrInvalidPageSize is returned for page sizes outside (0, MaxPageSize].
var ErrInvalidPageSize = errors.New("invalid page size")

// Window describes exactly one outbound kline request. A range window has a
// non-zero End and no Limit; a page window has a Limit and no End, and may
// carry a Start to anchor the page.
type Window struct {
	Symbol   string
	Interval models.Interval
	Start    time.Time
	End      time.Time
	Limit    int
}

// IsRange reports whether w is a (start, end) window.
func (w Window) IsRange() bool {
	return !w.End.IsZero()
}

// Bars is the number of interval buckets the window can hold.
func (w Window) Bars() int {
	if !w.IsRange() {
		return w.Limit
	}
	d := w.Interval.Duration
	return int((w.End.Sub(w.Start) + d - 1) / d)
}

func (w Window) String() string {
	if w.IsRange() {
		return fmt.Sprintf("%s %s [%s, %s)", w.Symbol, w.Interval,
			w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
	}
	if w.Start.IsZero() {
		return fmt.Sprintf("%s %s last %d", w.Symbol, w.Interval, w.Limit)
	}
	return fmt.Sprintf("%s %s %d from %s", w.Symbol, w.Interval, w.Limit, w.Start.UTC().Format(time.RFC3339))
}

// FetchRequest is one of ByLimit, ByRange or ByRangeWithLimit.
type FetchRequest interface {
	fetchRequest()
}

// ByLimit pulls the most recent Limit candles in a single page.
type ByLimit struct {
	Symbol   string
	Interval models.Interval
	Limit    int
}

// ByRange covers [Start, End) with pages of DefaultPageSize.
type ByRange struct {
	Symbol   string
	Interval models.Interval
	Start    time.Time
	End      time.Time
}

// ByRangeWithLimit covers [Start, End) with pages of PageSize candles.
type ByRangeWithLimit struct {
	Symbol   string
	Interval models.Interval
	Start    time.Time
	End      time.Time
	PageSize int
}

func (ByLimit) fetchRequest()          {}
func (ByRange) fetchRequest()          {}
func (ByRangeWithLimit) fetchRequest() {}

// Plan expands req into its windows.
func Plan(req FetchRequest) ([]Window, error) {
	switch r := req.(type) {
	case ByLimit:
		return PlanLimit(r.Symbol, r.Interval, r.Limit)
	case ByRange:
		return PlanRange(r.Symbol, r.Interval, r.Start, r.End, DefaultPageSize)
	case ByRangeWithLimit:
		return PlanRange(r.Symbol, r.Interval, r.Start, r.End, r.PageSize)
	case nil:
		return nil, errors.New("nil fetch request")
	default:
		return nil, fmt.Errorf("unsupported fetch request %T", req)
	}
}

// PlanLimit returns the single page window of a ByLimit request.
func PlanLimit(symbol string, iv models.Interval, limit int) ([]Window, error) {
	if err := checkPageSize(limit); err != nil {
		return nil, err
	}
	if iv.IsZero() {
		return nil, fmt.Errorf("%w: empty interval", models.ErrUnknownGranularity)
	}
	return []Window{{Symbol: symbol, Interval: iv, Limit: limit}}, nil
}

// PlanRange splits [start, end) into consecutive windows of at most pageSize
// bars. Windows are ordered by start, share boundary points and never
// overlap. An empty or inverted range yields no windows.
func PlanRange(symbol string, iv models.Interval, start, end time.Time, pageSize int) ([]Window, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	if iv.IsZero() {
		return nil, fmt.Errorf("%w: empty interval", models.ErrUnknownGranularity)
	}
	if !start.Before(end) {
		return nil, nil
	}

	span := time.Duration(pageSize) * iv.Duration
	windows := make([]Window, 0, int(end.Sub(start)/span)+1)
	for cur := start; cur.Before(end); {
		next := cur.Add(span)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Symbol: symbol, Interval: iv, Start: cur, End: next})
		cur = next
	}
	return windows, nil
}

func checkPageSize(n int) error {
	if n <= 0 || n > MaxPageSize {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidPageSize, n, MaxPageSize)
	}
	return nil
}
