package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validCandle() Candle {
	open := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return Candle{
		OpenTime:  open,
		Open:      16541.77,
		High:      16545.70,
		Low:       16508.39,
		Close:     16529.67,
		Volume:    4364.8357,
		CloseTime: open.Add(time.Minute - time.Millisecond),
	}
}

func TestCandleValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Candle)
		field  string
	}{
		{"valid candle", func(c *Candle) {}, ""},
		{"zero open time", func(c *Candle) { c.OpenTime = time.Time{} }, "time_open"},
		{"close before open", func(c *Candle) { c.CloseTime = c.OpenTime.Add(-time.Second) }, "time_close"},
		{"close equals open", func(c *Candle) { c.CloseTime = c.OpenTime }, "time_close"},
		{"NaN price", func(c *Candle) { c.High = math.NaN() }, "high"},
		{"infinite volume", func(c *Candle) { c.Volume = math.Inf(1) }, "volume"},
		{"negative volume", func(c *Candle) { c.Volume = -1 }, "volume"},
		{"zero volume is fine", func(c *Candle) { c.Volume = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			err := c.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			if assert.ErrorAs(t, err, &ve) {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestCandleIsComplete(t *testing.T) {
	c := validCandle()
	assert.True(t, c.IsComplete(MustInterval("1m")))
	assert.False(t, c.IsComplete(MustInterval("1h")))

	c.CloseTime = c.OpenTime.Add(30 * time.Second)
	assert.False(t, c.IsComplete(MustInterval("1m")))
}

func TestMillisConversion(t *testing.T) {
	ts := FromMillis(1672531199999)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, "2022-12-31T23:59:59.999Z", ts.Format(time.RFC3339Nano))
	assert.Equal(t, int64(1672531199999), ToMillis(ts))
	assert.Equal(t, int64(0), ToMillis(FromMillis(0)))
}
