package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TargetStatus is the outcome of one target within a run.
type TargetStatus string

const (
	TargetSucceeded TargetStatus = "succeeded"
	TargetFailed    TargetStatus = "failed"
	// TargetSkipped marks targets never started because the run was canceled.
	TargetSkipped TargetStatus = "skipped"
)

// WatermarkSource tells where a target's resume point came from.
type WatermarkSource string

const (
	WatermarkStored     WatermarkSource = "stored"
	WatermarkDiscovered WatermarkSource = "discovered"
)

// TargetResult is the per-target line of a RunReport.
type TargetResult struct {
	Target          Target          `json:"-"`
	Key             string          `json:"target"`
	Status          TargetStatus    `json:"status"`
	Watermark       time.Time       `json:"watermark,omitempty"`
	WatermarkSource WatermarkSource `json:"watermark_source,omitempty"`
	Windows         int             `json:"windows"`
	Requests        int             `json:"requests"`
	CandlesFetched  int             `json:"candles_fetched"`
	CandlesWritten  int             `json:"candles_written"`
	ErrorType       string          `json:"error_type,omitempty"`
	Error           string          `json:"error,omitempty"`
	Duration        time.Duration   `json:"duration"`

	Err error `json:"-"`
}

// Fail marks the result failed with err.
func (r *TargetResult) Fail(err error, errorType string) {
	r.Status = TargetFailed
	r.Err = err
	r.Error = err.Error()
	r.ErrorType = errorType
}

// RunReport summarizes one ingestion pass over all targets.
type RunReport struct {
	RunID      string         `json:"run_id"`
	Venue      string         `json:"venue"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []TargetResult `json:"results"`
}

// NewRunReport starts a report for runID.
func NewRunReport(runID, venue string, startedAt time.Time) *RunReport {
	return &RunReport{RunID: runID, Venue: venue, StartedAt: startedAt}
}

// Add appends a target result.
func (r *RunReport) Add(res TargetResult) {
	if res.Key == "" {
		res.Key = res.Target.String()
	}
	r.Results = append(r.Results, res)
}

// Sort orders results by target key so reports are stable across runs.
func (r *RunReport) Sort() {
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].Key < r.Results[j].Key })
}

// Count returns the number of results with the given status.
func (r *RunReport) Count(status TargetStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// CandlesWritten sums newly stored candles over all targets.
func (r *RunReport) CandlesWritten() int {
	n := 0
	for _, res := range r.Results {
		n += res.CandlesWritten
	}
	return n
}

// Requests sums exchange requests over all targets.
func (r *RunReport) Requests() int {
	n := 0
	for _, res := range r.Results {
		n += res.Requests
	}
	return n
}

// AllFailed reports whether at least one target ran and none succeeded.
func (r *RunReport) AllFailed() bool {
	return len(r.Results) > 0 && r.Count(TargetSucceeded) == 0 && r.Count(TargetFailed) > 0
}

// Duration is the wall-clock length of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary returns a one-line human readable summary.
func (r *RunReport) Summary() string {
	return fmt.Sprintf("run %s: %d targets, %d succeeded, %d failed, %d skipped, %d requests, %d candles written in %s",
		r.RunID, len(r.Results), r.Count(TargetSucceeded), r.Count(TargetFailed), r.Count(TargetSkipped),
		r.Requests(), r.CandlesWritten(), r.Duration().Round(time.Millisecond))
}

// ToJSON serializes the report.
func (r *RunReport) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}
	return string(data), nil
}
