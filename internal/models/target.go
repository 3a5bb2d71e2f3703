package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSymbol is returned for instrument codes that are not plain
// alphanumerics. Symbols end up in schema names, so nothing else is accepted.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Target is one ingestion stream: a (symbol, interval) pair on a venue. Each
// target maps to exactly one storage relation.
type Target struct {
	Venue    string
	Symbol   string
	Interval Interval
}

// NewTarget normalizes symbol to upper case and validates it.
func NewTarget(venue, symbol string, iv Interval) (Target, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Target{}, err
	}
	if venue == "" || !isIdent(venue) {
		return Target{}, fmt.Errorf("invalid venue name %q", venue)
	}
	if iv.IsZero() {
		return Target{}, fmt.Errorf("%w: empty interval", ErrUnknownGranularity)
	}
	return Target{Venue: strings.ToLower(venue), Symbol: sym, Interval: iv}, nil
}

// NormalizeSymbol upper-cases symbol and rejects anything that is not [A-Z0-9].
func NormalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	for _, r := range sym {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	return sym, nil
}

func isIdent(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// Schema is the namespace holding every interval table of the symbol,
// e.g. "spot_btcusdt".
func (t Target) Schema() string {
	return t.Venue + "_" + strings.ToLower(t.Symbol)
}

// Table is the relation name inside Schema, e.g. "interval_1m" or "interval_1mo".
func (t Target) Table() string {
	return "interval_" + t.Interval.Name
}

// Relation returns the quoted, schema-qualified relation name.
func (t Target) Relation() string {
	return fmt.Sprintf("%q.%q", t.Schema(), t.Table())
}

// String returns a stable key such as "spot:BTCUSDT:1m".
func (t Target) String() string {
	return t.Venue + ":" + t.Symbol + ":" + t.Interval.Label
}

// BuildTargets crosses symbols with intervals. Duplicate symbols collapse;
// the result is ordered by symbol first, then by interval in catalog order.
func BuildTargets(venue string, symbols []string, intervals []Interval) ([]Target, error) {
	seen := make(map[string]bool, len(symbols))
	targets := make([]Target, 0, len(symbols)*len(intervals))
	for _, s := range symbols {
		sym, err := NormalizeSymbol(s)
		if err != nil {
			return nil, err
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		for _, iv := range intervals {
			t, err := NewTarget(venue, sym, iv)
			if err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
	}
	return targets, nil
}
