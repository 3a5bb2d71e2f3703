package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SeverityLevel ranks how suspicious an anomaly is.
type SeverityLevel string

const (
	SeverityWarning  SeverityLevel = "warning"
	SeverityError    SeverityLevel = "error"
	SeverityCritical SeverityLevel = "critical"
)

// Rank orders severities; unknown levels rank zero.
func (s SeverityLevel) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AnomalyType names a quality check.
type AnomalyType string

const (
	AnomalyTypePriceSpike  AnomalyType = "price_spike"
	AnomalyTypeVolumeSurge AnomalyType = "volume_surge"
	AnomalyTypeLogicError  AnomalyType = "logic_error"
)

// Anomaly is a stored candle that failed a quality check. Anomalies are
// reported, never corrected: candles stay as the exchange published them.
type Anomaly struct {
	Type     AnomalyType   `json:"type"`
	Severity SeverityLevel `json:"severity"`
	OpenTime time.Time     `json:"time_open"`
	// Value is the observed ratio for spikes and surges, or the offending
	// field value for logic errors.
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
	Message   string          `json:"message"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s %s: %s", a.OpenTime.Format(time.RFC3339), a.Severity, a.Type, a.Message)
}

// changeRatio is the larger of cur/prev and prev/cur, so a fall scores the
// same as a rise of the same factor. Zero operands give zero.
func changeRatio(cur, prev decimal.Decimal) decimal.Decimal {
	if cur.Sign() <= 0 || prev.Sign() <= 0 {
		return decimal.Zero
	}
	r := cur.Div(prev)
	if inv := prev.Div(cur); inv.GreaterThan(r) {
		return inv
	}
	return r
}

// ratioSeverity escalates to critical once the ratio is twice the threshold.
func ratioSeverity(ratio, threshold decimal.Decimal) SeverityLevel {
	if ratio.GreaterThan(threshold.Mul(decimal.NewFromInt(2))) {
		return SeverityCritical
	}
	return SeverityWarning
}

// DetectPriceSpike reports a close-to-close move larger than threshold times
// in either direction.
func DetectPriceSpike(cur, prev Candle, threshold decimal.Decimal) (Anomaly, bool) {
	ratio := changeRatio(decimal.NewFromFloat(cur.Close), decimal.NewFromFloat(prev.Close))
	if !ratio.GreaterThan(threshold) {
		return Anomaly{}, false
	}
	return Anomaly{
		Type:      AnomalyTypePriceSpike,
		Severity:  ratioSeverity(ratio, threshold),
		OpenTime:  cur.OpenTime,
		Value:     ratio,
		Threshold: threshold,
		Message: fmt.Sprintf("close moved %sx (previous %s, current %s)",
			ratio.StringFixed(2), decimal.NewFromFloat(prev.Close), decimal.NewFromFloat(cur.Close)),
	}, true
}

// DetectVolumeSurge reports a volume more than threshold times the previous
// bar's. Only rises count; quiet bars after busy ones are normal.
func DetectVolumeSurge(cur, prev Candle, threshold decimal.Decimal) (Anomaly, bool) {
	prevVol := decimal.NewFromFloat(prev.Volume)
	if prevVol.Sign() <= 0 {
		return Anomaly{}, false
	}
	ratio := decimal.NewFromFloat(cur.Volume).Div(prevVol)
	if !ratio.GreaterThan(threshold) {
		return Anomaly{}, false
	}
	return Anomaly{
		Type:      AnomalyTypeVolumeSurge,
		Severity:  ratioSeverity(ratio, threshold),
		OpenTime:  cur.OpenTime,
		Value:     ratio,
		Threshold: threshold,
		Message: fmt.Sprintf("volume rose %sx (previous %s, current %s)",
			ratio.StringFixed(2), prevVol, decimal.NewFromFloat(cur.Volume)),
	}, true
}

// CheckOHLCLogic reports violations of high >= max(open, close),
// low <= min(open, close) and positive prices.
func CheckOHLCLogic(c Candle) []Anomaly {
	open := decimal.NewFromFloat(c.Open)
	high := decimal.NewFromFloat(c.High)
	low := decimal.NewFromFloat(c.Low)
	closePrice := decimal.NewFromFloat(c.Close)

	var out []Anomaly
	add := func(value decimal.Decimal, format string, args ...any) {
		out = append(out, Anomaly{
			Type:     AnomalyTypeLogicError,
			Severity: SeverityError,
			OpenTime: c.OpenTime,
			Value:    value,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if high.LessThan(decimal.Max(open, closePrice)) {
		add(high, "high %s is below open %s or close %s", high, open, closePrice)
	}
	if low.GreaterThan(decimal.Min(open, closePrice)) {
		add(low, "low %s is above open %s or close %s", low, open, closePrice)
	}
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{{"open", open}, {"high", high}, {"low", low}, {"close", closePrice}} {
		if p.value.Sign() <= 0 {
			add(p.value, "%s price %s is not positive", p.name, p.value)
		}
	}
	return out
}
