// Package validator checks the quality of stored candle series. It reports
// holes, impossible OHLC combinations, price spikes and volume surges. The
// stored data is never modified.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/gaps"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/storage"
)

// Default thresholds, as ratios of a bar to its predecessor.
const (
	DefaultPriceSpikeThreshold  = 5.0
	DefaultVolumeSurgeThreshold = 10.0
)

// Config holds the detection thresholds.
type Config struct {
	PriceSpikeThreshold  float64
	VolumeSurgeThreshold float64
}

// ConfigFromApp converts the quality section of the application config.
func ConfigFromApp(cfg config.QualityConfig) Config {
	return Config{
		PriceSpikeThreshold:  cfg.PriceSpikeThreshold,
		VolumeSurgeThreshold: cfg.VolumeSurgeThreshold,
	}
}

// Report is the outcome of checking one target.
type Report struct {
	Target    string                     `json:"target"`
	Candles   int                        `json:"candles"`
	Gaps      []models.Gap               `json:"gaps"`
	Anomalies []models.Anomaly           `json:"anomalies"`
	Counts    map[models.AnomalyType]int `json:"counts"`
	// Worst is the highest anomaly severity, empty when none was found.
	Worst models.SeverityLevel `json:"worst,omitempty"`
}

// Clean reports whether the series has neither gaps nor anomalies.
func (r *Report) Clean() bool {
	return len(r.Gaps) == 0 && len(r.Anomalies) == 0
}

// Validator runs quality checks over candle series.
type Validator struct {
	spike  decimal.Decimal
	surge  decimal.Decimal
	logger *slog.Logger
}

// New creates a validator. Thresholds at or below one fall back to the
// defaults.
func New(cfg Config, logger *slog.Logger) *Validator {
	if cfg.PriceSpikeThreshold <= 1 {
		cfg.PriceSpikeThreshold = DefaultPriceSpikeThreshold
	}
	if cfg.VolumeSurgeThreshold <= 1 {
		cfg.VolumeSurgeThreshold = DefaultVolumeSurgeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		spike:  decimal.NewFromFloat(cfg.PriceSpikeThreshold),
		surge:  decimal.NewFromFloat(cfg.VolumeSurgeThreshold),
		logger: logger.With("component", "validator"),
	}
}

// Check inspects candles of target. Input order does not matter.
func (v *Validator) Check(target models.Target, candles []models.Candle) (*Report, error) {
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	found, err := gaps.DetectGapsInSequence(target, sorted)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Target:  target.String(),
		Candles: len(sorted),
		Gaps:    found,
		Counts:  make(map[models.AnomalyType]int),
	}

	for i, c := range sorted {
		report.add(models.CheckOHLCLogic(c)...)
		if i == 0 {
			continue
		}
		if a, ok := models.DetectPriceSpike(c, sorted[i-1], v.spike); ok {
			report.add(a)
		}
		if a, ok := models.DetectVolumeSurge(c, sorted[i-1], v.surge); ok {
			report.add(a)
		}
	}

	v.logger.Debug("quality check finished",
		"target", report.Target,
		"candles", report.Candles,
		"gaps", len(report.Gaps),
		"anomalies", len(report.Anomalies))
	return report, nil
}

func (r *Report) add(anomalies ...models.Anomaly) {
	for _, a := range anomalies {
		r.Anomalies = append(r.Anomalies, a)
		r.Counts[a.Type]++
		if a.Severity.Rank() > r.Worst.Rank() {
			r.Worst = a.Severity
		}
	}
}

// CheckStored reads the candles of target with close time in [req.From,
// req.To) from store and checks them.
func (v *Validator) CheckStored(ctx context.Context, store gaps.Reader, req storage.QueryRequest) (*Report, error) {
	req.Limit = 0
	req.Descending = false
	candles, err := store.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Target, err)
	}
	return v.Check(req.Target, candles)
}
