// ABOUTME: HTTP server exposing the coaching orchestrator as a JSON+SSE API
// ABOUTME: Owns the mux, route registration and graceful shutdown

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/resumelab/coach-gateway/internal/coach"
	"github.com/resumelab/coach-gateway/internal/issue"
)

// Server serves the coaching API over HTTP.
type Server struct {
	orc        *coach.Orchestrator
	issues     *issue.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a server bound to addr. Pass nil logger for default.
func New(addr string, orc *coach.Orchestrator, issues *issue.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orc:    orc,
		issues: issues,
		logger: logger.With("component", "httpapi"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/analyses/", s.handleAnalyses)
	mux.HandleFunc("/api/requests/", s.handleRequests)
	mux.HandleFunc("/api/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
