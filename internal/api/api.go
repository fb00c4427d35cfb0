// Package api provides HTTP handlers and the main API server logic for
// symflow.
//
// It exposes RESTful endpoints for starting symptom-collection conversations,
// posting caregiver messages, and tracking the diagnoses handed off to the
// care team. The API integrates with the flow orchestrator and store modules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/caretrail/symflow/internal/flow"
	"github.com/caretrail/symflow/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultRequestTimeout bounds one request's orchestrator work, NLU and
// handoff retries included.
const DefaultRequestTimeout = 60 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the symflow HTTP API.
type Server struct {
	orchestrator *flow.Orchestrator
	st           store.Store
	addr         string
	httpServer   *http.Server
}

// NewServer creates the API server around an orchestrator and store.
func NewServer(orchestrator *flow.Orchestrator, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("NewServer", "addr", cfg.Addr)
	return &Server{
		orchestrator: orchestrator,
		st:           st,
		addr:         cfg.Addr,
	}
}

// routes registers all endpoints on a fresh mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", s.startConversationHandler)
	mux.HandleFunc("GET /conversations", s.listConversationsHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/messages", s.postMessageHandler)
	mux.HandleFunc("POST /conversations/{id}/cancel", s.cancelConversationHandler)
	mux.HandleFunc("DELETE /conversations/{id}", s.deleteConversationHandler)
	mux.HandleFunc("GET /diagnoses", s.listDiagnosesHandler)
	mux.HandleFunc("GET /diagnoses/{id}", s.getDiagnosisHandler)
	mux.HandleFunc("PUT /diagnoses/{id}/status", s.updateDiagnosisStatusHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}
	slog.Info("Server.Run: symflow API listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and the orchestrator's timers.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping symflow API")
	s.orchestrator.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
