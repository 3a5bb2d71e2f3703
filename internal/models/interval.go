package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownGranularity is returned for interval labels outside the catalog.
var ErrUnknownGranularity = errors.New("unknown granularity")

// Interval is one supported bar granularity. Label is the exchange wire label
// ("1m", "1M"); Name is the case-insensitively unique form used for relation
// names ("1m", "1mo").
type Interval struct {
	Label    string
	Name     string
	Duration time.Duration
}

// String returns the wire label.
func (i Interval) String() string {
	return i.Label
}

// Milliseconds returns the interval length in milliseconds.
func (i Interval) Milliseconds() int64 {
	return i.Duration.Milliseconds()
}

// Next returns the open time of the bar after the one opening at open. Month
// bars follow the calendar; every other interval is a fixed step.
func (i Interval) Next(open time.Time) time.Time {
	if i.Label == "1M" {
		return open.AddDate(0, 1, 0)
	}
	return open.Add(i.Duration)
}

// IsZero reports whether i is the zero Interval.
func (i Interval) IsZero() bool {
	return i.Label == ""
}

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// catalog is ordered by strictly increasing duration.
var catalog = []Interval{
	{Label: "1m", Name: "1m", Duration: time.Minute},
	{Label: "3m", Name: "3m", Duration: 3 * time.Minute},
	{Label: "5m", Name: "5m", Duration: 5 * time.Minute},
	{Label: "15m", Name: "15m", Duration: 15 * time.Minute},
	{Label: "30m", Name: "30m", Duration: 30 * time.Minute},
	{Label: "1h", Name: "1h", Duration: time.Hour},
	{Label: "2h", Name: "2h", Duration: 2 * time.Hour},
	{Label: "4h", Name: "4h", Duration: 4 * time.Hour},
	{Label: "6h", Name: "6h", Duration: 6 * time.Hour},
	{Label: "8h", Name: "8h", Duration: 8 * time.Hour},
	{Label: "12h", Name: "12h", Duration: 12 * time.Hour},
	{Label: "1d", Name: "1d", Duration: day},
	{Label: "3d", Name: "3d", Duration: 3 * day},
	{Label: "1w", Name: "1w", Duration: week},
	{Label: "1M", Name: "1mo", Duration: month},
}

var byLabel = func() map[string]Interval {
	m := make(map[string]Interval, len(catalog))
	for _, iv := range catalog {
		m[iv.Label] = iv
	}
	return m
}()

// ParseInterval looks up a wire label. Labels are case-sensitive: "1m" is one
// minute and "1M" is one month.
func ParseInterval(label string) (Interval, error) {
	iv, ok := byLabel[label]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrUnknownGranularity, label)
	}
	return iv, nil
}

// MustInterval is ParseInterval for labels known at compile time.
func MustInterval(label string) Interval {
	iv, err := ParseInterval(label)
	if err != nil {
		panic(err)
	}
	return iv
}

// DurationMs returns the duration of label in milliseconds.
func DurationMs(label string) (int64, error) {
	iv, err := ParseInterval(label)
	if err != nil {
		return 0, err
	}
	return iv.Milliseconds(), nil
}

// Intervals returns the full catalog in ascending duration order.
func Intervals() []Interval {
	out := make([]Interval, len(catalog))
	copy(out, catalog)
	return out
}

// Labels returns the wire labels of the catalog in ascending duration order.
func Labels() []string {
	out := make([]string, len(catalog))
	for i, iv := range catalog {
		out[i] = iv.Label
	}
	return out
}

// ParseIntervals resolves a list of labels, preserving catalog order and
// dropping duplicates. An empty list selects the whole catalog.
func ParseIntervals(labels []string) ([]Interval, error) {
	if len(labels) == 0 {
		return Intervals(), nil
	}

	want := make(map[string]bool, len(labels))
	for _, label := range labels {
		if _, err := ParseInterval(label); err != nil {
			return nil, err
		}
		want[label] = true
	}

	out := make([]Interval, 0, len(want))
	for _, iv := range catalog {
		if want[iv.Label] {
			out = append(out, iv)
		}
	}
	return out, nil
}
