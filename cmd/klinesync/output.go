package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/klinesync/internal/collector"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/validator"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatPrice renders a float without exponent or binary noise.
func formatPrice(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func outputCandlesCSV(w io.Writer, target models.Target, candles []models.Candle) {
	fmt.Fprintln(w, "time_open,time_close,symbol,interval,open,high,low,close,volume")
	for _, c := range candles {
		fmt.Fprintf(w, "%d,%d,%s,%s,%s,%s,%s,%s,%s\n",
			models.ToMillis(c.OpenTime),
			models.ToMillis(c.CloseTime),
			target.Symbol,
			target.Interval.Label,
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			formatPrice(c.Volume))
	}
}

func outputCandlesTable(w io.Writer, target models.Target, candles []models.Candle) {
	fmt.Fprintf(w, "%-20s %-10s %-8s %-14s %-14s %-14s %-14s %-16s\n",
		"Open Time", "Symbol", "Interval", "Open", "High", "Low", "Close", "Volume")
	fmt.Fprintln(w, strings.Repeat("-", 116))
	for _, c := range candles {
		fmt.Fprintf(w, "%-20s %-10s %-8s %-14s %-14s %-14s %-14s %-16s\n",
			formatTime(c.OpenTime),
			target.Symbol,
			target.Interval.Label,
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			formatPrice(c.Volume))
	}
}

func outputStatusTable(w io.Writer, states []collector.TargetState) {
	fmt.Fprintf(w, "%-28s %-34s %-8s %-10s %-20s %-20s\n",
		"Target", "Relation", "Exists", "Rows", "First Close", "Last Close")
	fmt.Fprintln(w, strings.Repeat("-", 124))
	for _, s := range states {
		fmt.Fprintf(w, "%-28s %-34s %-8t %-10d %-20s %-20s\n",
			s.Target.String(),
			s.Stats.Relation,
			s.Stats.Exists,
			s.Stats.Rows,
			formatTime(s.Stats.FirstClose),
			formatTime(s.Stats.LastClose))
	}
}

func outputReportTable(w io.Writer, report *models.RunReport) {
	fmt.Fprintf(w, "%-28s %-10s %-8s %-9s %-10s %-10s %-14s %s\n",
		"Target", "Status", "Windows", "Requests", "Fetched", "Written", "Error Type", "Watermark")
	fmt.Fprintln(w, strings.Repeat("-", 124))
	for _, res := range report.Results {
		watermark := "-"
		if !res.Watermark.IsZero() {
			watermark = formatTime(res.Watermark) + " (" + string(res.WatermarkSource) + ")"
		}
		errorType := res.ErrorType
		if errorType == "" {
			errorType = "-"
		}
		fmt.Fprintf(w, "%-28s %-10s %-8d %-9d %-10d %-10d %-14s %s\n",
			res.Key,
			res.Status,
			res.Windows,
			res.Requests,
			res.CandlesFetched,
			res.CandlesWritten,
			errorType,
			watermark)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, report.Summary())
}

func outputGaps(w io.Writer, r gapReport) {
	if len(r.Gaps) == 0 {
		fmt.Fprintf(w, "%s: no gaps\n", r.Target)
		return
	}
	fmt.Fprintf(w, "%s: %d gaps\n", r.Target, len(r.Gaps))
	for _, g := range r.Gaps {
		fmt.Fprintf(w, "  %-20s %-20s %8d %-10s", formatTime(g.Start), formatTime(g.End), g.Missing(), g.Status)
		if g.Filled > 0 {
			fmt.Fprintf(w, " filled %d", g.Filled)
		}
		fmt.Fprintln(w)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

func outputQualityReport(w io.Writer, r *validator.Report) {
	if r.Clean() {
		fmt.Fprintf(w, "%s: %d candles, clean\n", r.Target, r.Candles)
		return
	}
	fmt.Fprintf(w, "%s: %d candles, %d gaps, %d anomalies (worst: %s)\n",
		r.Target, r.Candles, len(r.Gaps), len(r.Anomalies), formatSeverity(r.Worst))
	for _, g := range r.Gaps {
		fmt.Fprintf(w, "  gap      %-20s %-20s %8d bars\n", formatTime(g.Start), formatTime(g.End), g.Missing())
	}
	for _, a := range r.Anomalies {
		fmt.Fprintf(w, "  %-8s %-20s %-13s %s\n", a.Severity, formatTime(a.OpenTime), a.Type, a.Message)
	}
}

func formatSeverity(s models.SeverityLevel) string {
	if s == "" {
		return "-"
	}
	return string(s)
}

func outputIntervals(w io.Writer) {
	fmt.Fprintf(w, "%-6s %-6s %s\n", "Label", "Name", "Milliseconds")
	for _, iv := range models.Intervals() {
		fmt.Fprintf(w, "%-6s %-6s %s\n", iv.Label, iv.Name, strconv.FormatInt(iv.Milliseconds(), 10))
	}
}
