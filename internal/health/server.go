package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server for /health, /readiness, /metrics and any
// extra handlers (the websocket preview).
type Server struct {
	src      Source
	mux      *http.ServeMux
	registry *prometheus.Registry
	srv      *http.Server
	ln       net.Listener
}

// NewServer builds the server. Nothing listens until Start.
func NewServer(addr string, src Source) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{src: src, mux: http.NewServeMux(), registry: registry}
	s.mux.HandleFunc("/health", s.livenessHandler)
	s.mux.HandleFunc("/readiness", s.readinessHandler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handle registers an extra handler. Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	slog.Info("health: server started",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones until ctx is
// done. Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// livenessHandler returns 200 while the process can serve requests.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(snap.Uptime.Seconds()),
	})
}

// readinessHandler returns the full report; 503 when unhealthy, 200 when
// degraded.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	report := Evaluate(s.src.Snapshot())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response", "error", err)
	}
}
