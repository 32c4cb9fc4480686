// Package server exposes compensation runs over HTTP: submitting, listing and
// cancelling runs, streaming their progress and reporting the bench state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/metrics"
	"github.com/cwbudde/polcomp/internal/search"
)

// Server is the HTTP front end of a RunManager.
type Server struct {
	runs    *RunManager
	metrics *metrics.Manager
	addr    string
	server  *http.Server
}

// NewServer creates a server for runs. m may be nil.
func NewServer(addr string, runs *RunManager, m *metrics.Manager) *Server {
	s := &Server{
		runs:    runs,
		metrics: m,
		addr:    addr,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)
	mux.HandleFunc("/api/v1/paddles", s.handlePaddles)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start runs the worker and serves HTTP until Shutdown or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.runs.Run(ctx)

	slog.Info("Starting HTTP server", "addr", s.addr, "bench", s.runs.Bench().Name)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleRuns handles /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.runs.List())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunsWithID handles /api/v1/runs/:id and /api/v1/runs/:id/events
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetRun(w, r, runID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleCancelRun(w, r, runID)
	case len(parts) == 1:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunStream(w, r, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateRun handles POST /api/v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	req := s.runs.DefaultRequest()
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	report, err := s.runs.Submit(req)
	switch {
	case errors.Is(err, search.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, report)
}

// handleGetRun handles GET /api/v1/runs/:id
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	report, exists := s.runs.Get(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCancelRun handles DELETE /api/v1/runs/:id
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	switch err := s.runs.Cancel(runID); {
	case errors.Is(err, ErrRunNotFound):
		http.Error(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, ErrRunFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// PaddleState is one entry of GET /api/v1/paddles.
type PaddleState struct {
	Paddle device.Paddle `json:"paddle"`
	Angle  float64       `json:"angle"`
}

// BenchState is the body of GET /api/v1/paddles.
type BenchState struct {
	Bench   string        `json:"bench"`
	Range   device.Range  `json:"range"`
	Holder  string        `json:"holder,omitempty"`
	Paddles []PaddleState `json:"paddles"`
}

// handlePaddles handles GET /api/v1/paddles
func (s *Server) handlePaddles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bench := s.runs.Bench()
	state := BenchState{
		Bench: bench.Name,
		Range: bench.Actuator.Range(),
	}
	for _, p := range bench.Actuator.Paddles() {
		angle, err := bench.Actuator.Angle(r.Context(), p)
		if err != nil {
			http.Error(w, fmt.Sprintf("read %s: %v", p, err), http.StatusBadGateway)
			return
		}
		state.Paddles = append(state.Paddles, PaddleState{Paddle: p, Angle: angle})
	}

	holder, err := s.runs.Locker().Holder(r.Context())
	if err != nil {
		slog.Warn("Failed to read bench holder", "error", err)
	}
	state.Holder = holder

	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code and keeps SSE flushing working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs requests and records them in metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		d := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequest(r.Method, route(r.URL.Path), rec.status, d)
		}
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", d)
	})
}

// route collapses run IDs and unknown paths so metric labels stay bounded.
func route(path string) string {
	switch path {
	case "/api/v1/runs", "/api/v1/paddles", "/metrics", "/healthz":
		return path
	}
	rest, ok := strings.CutPrefix(path, "/api/v1/runs/")
	if !ok || rest == "" {
		return "other"
	}
	if strings.HasSuffix(rest, "/events") {
		return "/api/v1/runs/{id}/events"
	}
	return "/api/v1/runs/{id}"
}
