package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/klinesync/internal/config"
	"github.com/johnayoung/klinesync/internal/models"
)

// HealthChecker is a dependency reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReportSource provides the most recent run report. *collector.Scheduler
// implements it.
type ReportSource interface {
	LastReport() *models.RunReport
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Uptime       string            `json:"uptime"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	LastRun      *RunSummary       `json:"last_run,omitempty"`
}

// RunSummary condenses a run report for the health endpoint.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	FinishedAt     time.Time `json:"finished_at"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	CandlesWritten int       `json:"candles_written"`
}

// Server serves /metrics, /health and /ready.
type Server struct {
	cfg      config.MetricsConfig
	recorder *Recorder
	logger   *slog.Logger

	mu        sync.RWMutex
	checks    map[string]HealthChecker
	reports   ReportSource
	startTime time.Time

	server *http.Server
	addr   net.Addr
}

// NewServer creates a metrics server for recorder.
func NewServer(cfg config.MetricsConfig, recorder *Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{
		cfg:       cfg,
		recorder:  recorder,
		logger:    logger.With("component", "metrics"),
		checks:    make(map[string]HealthChecker),
		startTime: time.Now(),
	}
}

// AddHealthCheck registers a dependency probed on every /health request.
func (s *Server) AddHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = checker
}

// SetReportSource sets where /health and /ready read the last run from.
func (s *Server) SetReportSource(src ReportSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = src
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.recorder.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReadiness)
	return mux
}

// Start listens on the configured address and serves in the background. It
// is a no-op when metrics are disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.InfoContext(ctx, "metrics endpoint disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", s.addr.String(), "path", s.cfg.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "error shutting down metrics server", "error", err.Error())
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) lastReport() *models.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reports == nil {
		return nil
	}
	return s.reports.LastReport()
}

// handleHealth probes every dependency; any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]HealthChecker, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.RUnlock()

	if len(names) > 0 {
		status.Dependencies = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			status.Status = "unhealthy"
			status.Dependencies[name] = err.Error()
			continue
		}
		status.Dependencies[name] = "ok"
	}

	if report := s.lastReport(); report != nil {
		status.LastRun = &RunSummary{
			RunID:          report.RunID,
			FinishedAt:     report.FinishedAt,
			Succeeded:      report.Count(models.TargetSucceeded),
			Failed:         report.Count(models.TargetFailed),
			Skipped:        report.Count(models.TargetSkipped),
			CandlesWritten: report.CandlesWritten(),
		}
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReadiness answers 200 once a run has finished.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.lastReport()
	if report == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no run has finished yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"last_run": report.FinishedAt,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
