package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/Will-Luck/Agent-Courier/internal/dispatch"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
)

// syncHeader switches /submit to request/response mode: the HTTP response
// body carries the reply envelope.
const syncHeader = "X-Uagents-Connection"

// maxSubmitBody bounds the request body: envelope framing on top of the
// payload limit.
const maxSubmitBody = envelope.MaxPayloadSize + 64*1024

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		metrics.EnvelopesReceived.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad content type", "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
	if err != nil {
		metrics.EnvelopesReceived.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad request body", err.Error())
		return
	}

	env, err := envelope.Unmarshal(body)
	if err != nil {
		metrics.EnvelopesReceived.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "malformed envelope", err.Error())
		return
	}
	if env.IsExpired(time.Now()) {
		metrics.EnvelopesReceived.WithLabelValues("expired").Inc()
		writeError(w, http.StatusBadRequest, "expired envelope", "envelope expiry has passed")
		return
	}
	// Unsigned envelopes pass through: handlers that demand a signature
	// enforce it at dispatch. Only a present-but-invalid signature is
	// rejected here.
	if env.Signature != "" {
		if err := env.Verify(); err != nil {
			metrics.EnvelopesReceived.WithLabelValues("unverified").Inc()
			writeError(w, http.StatusUnauthorized, "signature verification failed", err.Error())
			return
		}
	}
	if !s.deps.Handler.Contains(env.Target) {
		metrics.EnvelopesReceived.WithLabelValues("unroutable").Inc()
		writeError(w, http.StatusNotFound, "unknown target", "no local agent for address "+env.Target)
		return
	}

	if r.Header.Get(syncHeader) == "sync" {
		reply, err := s.deps.Handler.DispatchSync(r.Context(), env)
		if err != nil {
			s.submitDispatchError(w, err)
			return
		}
		metrics.EnvelopesReceived.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, reply)
		return
	}

	if err := s.deps.Handler.Dispatch(r.Context(), env); err != nil {
		s.submitDispatchError(w, err)
		return
	}
	metrics.EnvelopesReceived.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) submitDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNoLocalAgent) {
		metrics.EnvelopesReceived.WithLabelValues("unroutable").Inc()
		writeError(w, http.StatusNotFound, "unknown target", err.Error())
		return
	}
	metrics.EnvelopesReceived.WithLabelValues("failed").Inc()
	s.deps.Log.Error("envelope dispatch failed", "error", err)
	writeError(w, http.StatusInternalServerError, "dispatch failed", err.Error())
}
