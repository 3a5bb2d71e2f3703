package models

import (
	"errors"
	"fmt"
	"time"
)

// GapStatus tracks a hole in a stored series from detection to resolution.
type GapStatus string

const (
	// GapStatusDetected indicates a gap has been identified but no action taken yet
	GapStatusDetected GapStatus = "detected"
	// GapStatusFilled indicates every missing bar was fetched and stored
	GapStatusFilled GapStatus = "filled"
	// GapStatusPartial indicates some, but not all, missing bars were stored
	GapStatusPartial GapStatus = "partial"
	// GapStatusPermanent indicates the exchange has no data for the period,
	// typically a trading halt or maintenance window
	GapStatusPermanent GapStatus = "permanent"
)

// Gap is a run of missing bars between two stored candles of one target.
// Start is the open time of the first missing bar and End the open time of
// the next stored bar, so the gap covers [Start, End).
type Gap struct {
	Key      string    `json:"target"`
	Interval Interval  `json:"-"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Status   GapStatus `json:"status"`
	// Filled counts bars stored by a backfill.
	Filled int `json:"filled,omitempty"`
}

// NewGap validates the bounds and returns a detected gap.
func NewGap(target Target, start, end time.Time) (Gap, error) {
	if target.Interval.IsZero() {
		return Gap{}, fmt.Errorf("%w: empty interval", ErrUnknownGranularity)
	}
	if !start.Before(end) {
		return Gap{}, errors.New("gap start must be before end")
	}
	return Gap{
		Key:      target.String(),
		Interval: target.Interval,
		Start:    start.UTC(),
		End:      end.UTC(),
		Status:   GapStatusDetected,
	}, nil
}

// Missing is the number of bars the gap covers.
func (g Gap) Missing() int {
	if g.Interval.Duration <= 0 {
		return 0
	}
	if g.Interval.Label != "1M" {
		return int(g.End.Sub(g.Start) / g.Interval.Duration)
	}
	n := 0
	for t := g.Start; t.Before(g.End); t = g.Interval.Next(t) {
		n++
	}
	return n
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// MarkBackfilled sets the status from how many bars a backfill stored.
func (g *Gap) MarkBackfilled(stored int) {
	g.Filled = stored
	switch {
	case stored <= 0:
		g.Status = GapStatusPermanent
	case stored < g.Missing():
		g.Status = GapStatusPartial
	default:
		g.Status = GapStatusFilled
	}
}

func (g Gap) String() string {
	return fmt.Sprintf("%s [%s, %s) %d bars %s", g.Key,
		g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Missing(), g.Status)
}
