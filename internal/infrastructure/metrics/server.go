// Package metrics serves the operational sidecar: the Prometheus scrape
// target plus a JSON diagnostics page with live scheduler state.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/core"
)

// Server exposes /metrics and /debug/scheduler on its own port so scrapes
// and operator curls never contend with the API listener.
type Server struct {
	port   int
	logger core.ILogger
	stats  func() map[string]interface{}
	srv    *http.Server
}

// NewServer builds the sidecar. stats may be nil when no scheduler runs in
// this process; the diagnostics page then reports that.
func NewServer(port int, logger core.ILogger, stats func() map[string]interface{}) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
		stats:  stats,
	}
}

// Handler returns the sidecar routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/scheduler", s.handleSchedulerDebug)
	return mux
}

func (s *Server) handleSchedulerDebug(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.stats == nil {
		_ = json.NewEncoder(w).Encode(map[string]string{"scheduler": "not running in this process"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"pool": s.stats()})
}

// Start serves in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("metrics server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
