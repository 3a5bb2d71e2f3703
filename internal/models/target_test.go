package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTarget(t *testing.T) {
	t.Run("normalizes symbol and names relation", func(t *testing.T) {
		target, err := NewTarget("spot", " btcusdt ", MustInterval("1m"))
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", target.Symbol)
		assert.Equal(t, "spot_btcusdt", target.Schema())
		assert.Equal(t, "interval_1m", target.Table())
		assert.Equal(t, `"spot_btcusdt"."interval_1m"`, target.Relation())
		assert.Equal(t, "spot:BTCUSDT:1m", target.String())
	})

	t.Run("minute and month tables differ case-insensitively", func(t *testing.T) {
		minute, err := NewTarget("futures", "ETHUSDT", MustInterval("1m"))
		require.NoError(t, err)
		monthly, err := NewTarget("futures", "ETHUSDT", MustInterval("1M"))
		require.NoError(t, err)
		assert.Equal(t, minute.Schema(), monthly.Schema())
		assert.NotEqual(t, minute.Table(), monthly.Table())
		assert.Equal(t, "interval_1mo", monthly.Table())
	})

	t.Run("rejects unsafe symbols", func(t *testing.T) {
		for _, sym := range []string{"", "BTC-USD", `x";drop`, "BTC/USDT"} {
			_, err := NewTarget("spot", sym, MustInterval("1m"))
			assert.True(t, errors.Is(err, ErrInvalidSymbol), sym)
		}
	})

	t.Run("rejects bad venue and empty interval", func(t *testing.T) {
		_, err := NewTarget("spot-x", "BTCUSDT", MustInterval("1m"))
		assert.Error(t, err)
		_, err = NewTarget("spot", "BTCUSDT", Interval{})
		assert.ErrorIs(t, err, ErrUnknownGranularity)
	})
}

func TestBuildTargets(t *testing.T) {
	ivs := []Interval{MustInterval("1m"), MustInterval("1h")}
	targets, err := BuildTargets("spot", []string{"btcusdt", "ETHUSDT", "BTCUSDT"}, ivs)
	require.NoError(t, err)
	require.Len(t, targets, 4)

	keys := make([]string, len(targets))
	for i, tg := range targets {
		keys[i] = tg.String()
	}
	assert.Equal(t, []string{"spot:BTCUSDT:1m", "spot:BTCUSDT:1h", "spot:ETHUSDT:1m", "spot:ETHUSDT:1h"}, keys)

	_, err = BuildTargets("spot", []string{"OK", "NOT OK"}, ivs)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestRunReport(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := NewRunReport("run-1", "spot", start)

	btc, _ := NewTarget("spot", "BTCUSDT", MustInterval("1m"))
	eth, _ := NewTarget("spot", "ETHUSDT", MustInterval("1m"))

	failed := TargetResult{Target: eth, Requests: 1}
	failed.Fail(errors.New("boom"), "network")
	report.Add(failed)
	report.Add(TargetResult{Target: btc, Status: TargetSucceeded, Requests: 3, CandlesWritten: 2500})
	report.FinishedAt = start.Add(2 * time.Second)
	report.Sort()

	assert.Equal(t, "spot:BTCUSDT:1m", report.Results[0].Key)
	assert.Equal(t, 1, report.Count(TargetSucceeded))
	assert.Equal(t, 1, report.Count(TargetFailed))
	assert.Equal(t, 4, report.Requests())
	assert.Equal(t, 2500, report.CandlesWritten())
	assert.False(t, report.AllFailed())
	assert.Contains(t, report.Summary(), "2 targets, 1 succeeded, 1 failed, 0 skipped, 4 requests, 2500 candles written in 2s")

	js, err := report.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"error": "boom"`)

	allFailed := NewRunReport("run-2", "spot", start)
	allFailed.Add(failed)
	assert.True(t, allFailed.AllFailed())
	assert.False(t, NewRunReport("run-3", "spot", start).AllFailed())
}
