// Package metrics exposes ingestion metrics in the Prometheus format and
// serves them together with health and readiness probes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/klinesync/internal/models"
	"github.com/johnayoung/klinesync/internal/ratelimit"
)

const namespace = "klinesync"

// Recorder implements exchange.RequestObserver and collector.RunObserver on
// top of its own Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	candlesFetched  *prometheus.CounterVec
	candlesWritten  *prometheus.CounterVec
	targets         *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRun         prometheus.Gauge
	lastSuccess     prometheus.Gauge
}

// New creates a Recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_requests_total",
				Help:      "HTTP requests sent to the exchange, retries included",
			},
			[]string{"venue", "endpoint", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_request_duration_seconds",
				Help:      "Latency of exchange requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"venue", "endpoint"},
		),
		candlesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_fetched_total",
				Help:      "Closed candles received from the exchange",
			},
			[]string{"venue", "interval"},
		),
		candlesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_written_total",
				Help:      "Candles newly stored; duplicates are not counted",
			},
			[]string{"venue", "interval"},
		),
		targets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targets_total",
				Help:      "Target outcomes by status and error type",
			},
			[]string{"venue", "status", "error_type"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished ingestion runs",
			},
			[]string{"venue", "result"},
		),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of ingestion runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last run with at least one succeeded target finished",
		}),
	}
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RegisterBudget exports the live usage of a rate budget.
func (r *Recorder) RegisterBudget(b *ratelimit.Budget) {
	factory := promauto.With(r.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "budget_in_flight",
		Help:      "Exchange requests currently holding a budget slot",
	}, func() float64 { return float64(b.Stats().InFlight) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "budget_slots",
		Help:      "Configured number of budget slots",
	}, func() float64 { return float64(b.Config().MaxConcurrent) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "budget_acquired_total",
		Help:      "Budget slots acquired",
	}, func() float64 { return float64(b.Stats().Acquired) })
}

// ObserveRequest records one exchange request.
func (r *Recorder) ObserveRequest(venue, endpoint, outcome string, d time.Duration) {
	r.requests.WithLabelValues(venue, endpoint, outcome).Inc()
	r.requestDuration.WithLabelValues(venue, endpoint).Observe(d.Seconds())
}

// ObserveRun folds a finished run report into the metrics.
func (r *Recorder) ObserveRun(report *models.RunReport) {
	result := "ok"
	switch {
	case report.AllFailed():
		result = "failed"
	case report.Count(models.TargetFailed) > 0:
		result = "partial"
	}
	r.runs.WithLabelValues(report.Venue, result).Inc()
	r.runDuration.Observe(report.Duration().Seconds())

	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	r.lastRun.Set(float64(finished.Unix()))
	if report.Count(models.TargetSucceeded) > 0 {
		r.lastSuccess.Set(float64(finished.Unix()))
	}

	for _, res := range report.Results {
		label := res.Target.Interval.Label
		r.candlesFetched.WithLabelValues(report.Venue, label).Add(float64(res.CandlesFetched))
		r.candlesWritten.WithLabelValues(report.Venue, label).Add(float64(res.CandlesWritten))
		r.targets.WithLabelValues(report.Venue, string(res.Status), res.ErrorType).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
