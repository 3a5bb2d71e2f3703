package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReport(t *testing.T) *models.RunReport {
	t.Helper()
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	report := models.NewRunReport("run-1", "spot", started)
	report.FinishedAt = started.Add(3 * time.Second)

	btc, err := models.NewTarget("spot", "BTCUSDT", models.MustInterval("1m"))
	require.NoError(t, err)
	eth, err := models.NewTarget("spot", "ETHUSDT", models.MustInterval("1m"))
	require.NoError(t, err)

	report.Add(models.TargetResult{Target: btc, Status: models.TargetSucceeded, Requests: 3, CandlesFetched: 2500, CandlesWritten: 2400})
	failed := models.TargetResult{Target: eth}
	failed.Fail(errors.New("exchange error -1121"), "bad_request")
	report.Add(failed)
	return report
}

func TestRecorderObserveRun(t *testing.T) {
	r := New()
	r.ObserveRun(sampleReport(t))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("spot", "partial")))
	assert.Equal(t, 2500.0, testutil.ToFloat64(r.candlesFetched.WithLabelValues("spot", "1m")))
	assert.Equal(t, 2400.0, testutil.ToFloat64(r.candlesWritten.WithLabelValues("spot", "1m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.targets.WithLabelValues("spot", "succeeded", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.targets.WithLabelValues("spot", "failed", "bad_request")))
	assert.Equal(t, float64(time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC).Unix()), testutil.ToFloat64(r.lastSuccess))
}

func TestRecorderObserveRequestAndBudget(t *testing.T) {
	r := New()
	budget, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 3})
	require.NoError(t, err)
	r.RegisterBudget(budget)

	r.ObserveRequest("spot", "klines", "ok", 20*time.Millisecond)
	r.ObserveRequest("spot", "klines", "ok", 30*time.Millisecond)
	r.ObserveRequest("spot", "klines", "rate_limited", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("spot", "klines", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("spot", "klines", "rate_limited")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `klinesync_exchange_requests_total{endpoint="klines",outcome="ok",venue="spot"} 2`)
	assert.Contains(t, body, "klinesync_budget_slots 3")
	assert.Contains(t, body, "klinesync_budget_in_flight 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveRequest("spot", "klines", "ok", time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.requests.WithLabelValues("spot", "klines", "ok")))
}

type stubCheck struct{ err error }

func (s stubCheck) HealthCheck(ctx context.Context) error { return s.err }

type stubReports struct{ report *models.RunReport }

func (s stubReports) LastReport() *models.RunReport { return s.report }

func TestServerHealth(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"}, New(), testLogger())
	srv.AddHealthCheck("storage", stubCheck{})
	srv.SetReportSource(stubReports{report: sampleReport(t)})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "ok", status.Dependencies["storage"])
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "run-1", status.LastRun.RunID)
	assert.Equal(t, 1, status.LastRun.Failed)
	assert.Equal(t, 2400, status.LastRun.CandlesWritten)

	srv.AddHealthCheck("exchange", stubCheck{err: errors.New("ping failed")})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "ping failed", status.Dependencies["exchange"])
}

func TestServerReadiness(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Enabled: true}, New(), testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.SetReportSource(stubReports{report: sampleReport(t)})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestServerStartStop(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("futures", "klines", "ok", time.Millisecond)
	srv := NewServer(config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0", Path: "/metrics"}, recorder, testLogger())

	require.NoError(t, srv.Start(context.Background()))
	require.NotNil(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `venue="futures"`))

	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerDisabled(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Enabled: false, Addr: "127.0.0.1:0"}, New(), testLogger())
	require.NoError(t, srv.Start(context.Background()))
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Stop(context.Background()))
}
