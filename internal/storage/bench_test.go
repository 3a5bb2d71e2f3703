package storage

import (
	"context"
	"testing"
	"time"

	"github.com/johnayoung/klinesync/internal/models"
)

func benchCandles(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		open := base.Add(time.Duration(i) * time.Minute)
		out[i] = models.Candle{
			OpenTime:  open,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100.5,
			Volume:    12.5,
			CloseTime: open.Add(time.Minute - time.Millisecond),
		}
	}
	return out
}

// BenchmarkMemoryWrite measures batch writes into a fresh relation.
func BenchmarkMemoryWrite(b *testing.B) {
	ctx := context.Background()
	target, err := models.NewTarget("binance", "BTCUSDT", models.MustInterval("1m"))
	if err != nil {
		b.Fatal(err)
	}
	candles := benchCandles(1000)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store := NewMemoryStorage()
		if err := store.EnsureRelation(ctx, target); err != nil {
			b.Fatal(err)
		}
		if _, err := store.Write(ctx, target, candles); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportMetric(float64(b.N*len(candles))/b.Elapsed().Seconds(), "candles/sec")
}

// BenchmarkMemoryQuery measures a bounded read from a day of minute bars.
func BenchmarkMemoryQuery(b *testing.B) {
	ctx := context.Background()
	target, err := models.NewTarget("binance", "BTCUSDT", models.MustInterval("1m"))
	if err != nil {
		b.Fatal(err)
	}
	store := NewMemoryStorage()
	if err := store.EnsureRelation(ctx, target); err != nil {
		b.Fatal(err)
	}
	if _, err := store.Write(ctx, target, benchCandles(1440)); err != nil {
		b.Fatal(err)
	}
	req := QueryRequest{Target: target, From: base.Add(6 * time.Hour), To: base.Add(12 * time.Hour), Limit: 100}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Query(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}
