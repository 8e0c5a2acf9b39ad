// Package web is the agent's HTTP surface: envelope intake on /submit, a
// readiness probe, a status summary, and user-registered REST endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
)

// shutdownGrace bounds how long in-flight requests may finish on shutdown.
const shutdownGrace = 5 * time.Second

// EnvelopeHandler is what the server needs from the runtime: local routing
// plus a synchronous dispatch that returns the handler's reply envelope.
type EnvelopeHandler interface {
	Contains(address string) bool
	Dispatch(ctx context.Context, env *envelope.Envelope) error
	DispatchSync(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// StatusFunc produces the /status summary.
type StatusFunc func() any

// Dependencies defines what the server needs from the rest of the runtime.
type Dependencies struct {
	Handler EnvelopeHandler
	Ready   func() bool
	Status  StatusFunc
	Log     *slog.Logger
}

// Server owns the agent's HTTP listener.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server

	mu         sync.Mutex
	restRoutes map[string]bool
}

// NewServer builds the server and its core routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:       deps,
		mux:        http.NewServeMux(),
		restRoutes: make(map[string]bool),
	}
	s.mux.HandleFunc("POST /submit", s.handleSubmit)
	s.mux.HandleFunc("HEAD /submit", s.handleReady)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	return s
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.deps.Log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var status any = map[string]string{}
	if s.deps.Status != nil {
		status = s.deps.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {error, detail} JSON error body.
func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, map[string]string{"error": msg, "detail": detail})
}
