package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/Will-Luck/Agent-Courier/internal/model"
)

// RestGetHandler serves a user GET endpoint; the returned value is written
// as the JSON response body.
type RestGetHandler func(ctx context.Context) (any, error)

// RestPostHandler serves a user POST endpoint. req is a pointer to the
// decoded request model.
type RestPostHandler func(ctx context.Context, req any) (any, error)

// OnRestGET registers a GET endpoint at path. One handler per
// (method, path).
func (s *Server) OnRestGET(path string, handler RestGetHandler) error {
	if err := s.claimRoute(http.MethodGet, path); err != nil {
		return err
	}
	s.mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		out, err := handler(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "handler failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	return nil
}

// OnRestPOST registers a POST endpoint at path. Request bodies are
// validated against the request model's schema before the handler runs.
func (s *Server) OnRestPOST(path string, request any, handler RestPostHandler) error {
	if err := s.claimRoute(http.MethodPost, path); err != nil {
		return err
	}

	registry := model.NewRegistry()
	digest, err := registry.Register(request)
	if err != nil {
		return fmt.Errorf("register request model: %w", err)
	}
	reqType := reflect.TypeOf(request)
	for reqType.Kind() == reflect.Pointer {
		reqType = reqType.Elem()
	}

	s.mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad request body", err.Error())
			return
		}
		if err := registry.Validate(digest, body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request", err.Error())
			return
		}
		req := reflect.New(reqType).Interface()
		if err := json.Unmarshal(body, req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request", err.Error())
			return
		}

		out, err := handler(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "handler failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	return nil
}

// claimRoute reserves a (method, path) pair exactly once.
func (s *Server) claimRoute(method, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	if s.restRoutes[key] {
		return fmt.Errorf("rest route %s already registered", key)
	}
	s.restRoutes[key] = true
	return nil
}
