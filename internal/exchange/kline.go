package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/johnayoung/klinesync/internal/models"
	"github.com/shopspring/decimal"
)

// minKlineFields is open time, OHLCV and close time; trailing fields
// (quote volume, trade count, taker volumes) are ignored.
const minKlineFields = 7

// decodeKlines parses a kline response body:
//
//	[[1672531200000,"16541.77","16545.70","16508.39","16529.67","4364.8357",1672531259999,...], ...]
//
// Prices and volume may be JSON numbers or numeric strings.
func decodeKlines(body []byte) ([]models.Candle, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &DecodeError{Endpoint: "klines", Row: -1, Err: err}
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, raw := range rows {
		c, err := decodeKlineRow(raw)
		if err != nil {
			return nil, &DecodeError{Endpoint: "klines", Row: i, Err: err}
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func decodeKlineRow(raw json.RawMessage) (models.Candle, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Candle{}, fmt.Errorf("row is not an array: %w", err)
	}
	if len(fields) < minKlineFields {
		return models.Candle{}, fmt.Errorf("expected at least %d fields, got %d", minKlineFields, len(fields))
	}

	openMs, err := parseMillis(fields[0])
	if err != nil {
		return models.Candle{}, fmt.Errorf("open time: %w", err)
	}
	closeMs, err := parseMillis(fields[6])
	if err != nil {
		return models.Candle{}, fmt.Errorf("close time: %w", err)
	}

	var values [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for j := range values {
		if values[j], err = parseNumber(fields[j+1]); err != nil {
			return models.Candle{}, fmt.Errorf("%s: %w", names[j], err)
		}
	}

	c := models.Candle{
		OpenTime:  models.FromMillis(openMs),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: models.FromMillis(closeMs),
	}
	if err := c.Validate(); err != nil {
		return models.Candle{}, err
	}
	return c, nil
}

// parseNumber accepts 123.4 or "123.4". Strings go through decimal so that
// "NaN" and "Inf", which strconv would accept, are rejected.
func parseNumber(raw json.RawMessage) (float64, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) > 0 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, fmt.Errorf("invalid string %s", s)
		}
		s = unq
	}
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// parseMillis accepts an integer epoch-millisecond value, as a number or string.
func parseMillis(raw json.RawMessage) (int64, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) > 0 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, fmt.Errorf("invalid string %s", s)
		}
		s = unq
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some encoders emit 1.6725312e+12; accept integral floats.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		ms = int64(f)
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative timestamp %d", ms)
	}
	return ms, nil
}

// exchangeInfo is the subset of /exchangeInfo used for symbol discovery.
type exchangeInfo struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		QuoteAsset           string `json:"quoteAsset"`
		IsSpotTradingAllowed *bool  `json:"isSpotTradingAllowed"`
	} `json:"symbols"`
}

// apiError is the structured error body returned with non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
