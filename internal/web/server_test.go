package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

type fakeHandler struct {
	local      map[string]bool
	dispatched []*envelope.Envelope
	syncReply  *envelope.Envelope
}

func (f *fakeHandler) Contains(address string) bool { return f.local[address] }

func (f *fakeHandler) Dispatch(_ context.Context, env *envelope.Envelope) error {
	f.dispatched = append(f.dispatched, env)
	return nil
}

func (f *fakeHandler) DispatchSync(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	f.dispatched = append(f.dispatched, env)
	return f.syncReply, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, handler *fakeHandler) *Server {
	t.Helper()
	return NewServer(Dependencies{
		Handler: handler,
		Ready:   func() bool { return true },
		Status: func() any {
			return map[string]string{"name": "alice"}
		},
		Log: discard(),
	})
}

func signedEnvelope(t *testing.T) (*envelope.Envelope, *identity.Identity, *identity.Identity) {
	t.Helper()
	sender, err := identity.FromSeed("web-sender", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	target, err := identity.FromSeed("web-target", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	env := envelope.New(sender.Address(), target.Address(), uuid.New(), "model:abc", "")
	env.EncodePayload([]byte(`{"text":"hello"}`))
	if err := env.Sign(sender.Sign); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return env, sender, target
}

func postEnvelope(t *testing.T, s *Server, env *envelope.Envelope, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitAsync(t *testing.T) {
	env, _, target := signedEnvelope(t)
	h := &fakeHandler{local: map[string]bool{target.Address(): true}}
	s := newTestServer(t, h)

	w := postEnvelope(t, s, env, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(h.dispatched) != 1 {
		t.Errorf("dispatched = %d envelopes, want 1", len(h.dispatched))
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body) != 0 {
		t.Errorf("async body = %s, want {}", w.Body)
	}
}

func TestSubmitRequiresJSONContentType(t *testing.T) {
	env, _, target := signedEnvelope(t)
	h := &fakeHandler{local: map[string]bool{target.Address(): true}}
	s := newTestServer(t, h)

	body, _ := env.Marshal()
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(h.dispatched) != 0 {
		t.Error("envelope dispatched despite bad content type")
	}
}

func TestSubmitTamperedEnvelopeRejected(t *testing.T) {
	env, _, target := signedEnvelope(t)
	h := &fakeHandler{local: map[string]bool{target.Address(): true}}
	s := newTestServer(t, h)

	// Tamper with the payload after signing.
	env.EncodePayload([]byte(`{"text":"evil"}`))

	w := postEnvelope(t, s, env, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(h.dispatched) != 0 {
		t.Error("tampered envelope reached the handler")
	}

	var errBody map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body)
	}
	if errBody["error"] == "" || errBody["detail"] == "" {
		t.Errorf("error body = %v, want error and detail fields", errBody)
	}
}

func TestSubmitUnsignedEnvelopeDispatched(t *testing.T) {
	env, _, target := signedEnvelope(t)
	h := &fakeHandler{local: map[string]bool{target.Address(): true}}
	s := newTestServer(t, h)

	// An unsigned envelope is routable; whether a signature is required is
	// the receiving handler's call, not the transport's.
	env.Signature = ""

	w := postEnvelope(t, s, env, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(h.dispatched) != 1 {
		t.Fatalf("dispatched = %d envelopes, want 1", len(h.dispatched))
	}
	if h.dispatched[0].Signature != "" {
		t.Error("dispatched envelope grew a signature in transit")
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	s := newTestServer(t, &fakeHandler{})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSubmitUnknownTarget(t *testing.T) {
	env, _, _ := signedEnvelope(t)
	s := newTestServer(t, &fakeHandler{local: map[string]bool{}})

	w := postEnvelope(t, s, env, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSubmitExpiredEnvelope(t *testing.T) {
	env, sender, target := signedEnvelope(t)
	h := &fakeHandler{local: map[string]bool{target.Address(): true}}
	s := newTestServer(t, h)

	env.Expires = time.Now().Add(-time.Minute).Unix()
	_ = env.Sign(sender.Sign)

	w := postEnvelope(t, s, env, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(h.dispatched) != 0 {
		t.Error("expired envelope reached the handler")
	}
}

func TestSubmitSyncReturnsReply(t *testing.T) {
	env, sender, target := signedEnvelope(t)

	reply := envelope.New(target.Address(), sender.Address(), env.Session, "model:reply", "")
	reply.EncodePayload([]byte(`{"text":"hi back"}`))
	_ = reply.Sign(target.Sign)

	h := &fakeHandler{
		local:     map[string]bool{target.Address(): true},
		syncReply: reply,
	}
	s := newTestServer(t, h)

	w := postEnvelope(t, s, env, map[string]string{syncHeader: "sync"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	got, err := envelope.Unmarshal(w.Body.Bytes())
	if err != nil {
		t.Fatalf("sync body is not an envelope: %v", err)
	}
	if got.SchemaDigest != "model:reply" || got.Session != env.Session {
		t.Errorf("sync reply = %+v", got)
	}
}

func TestReadiness(t *testing.T) {
	ready := false
	s := NewServer(Dependencies{
		Handler: &fakeHandler{},
		Ready:   func() bool { return ready },
		Log:     discard(),
	})

	req := httptest.NewRequest(http.MethodHead, "/submit", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status before startup = %d, want 503", w.Code)
	}

	ready = true
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status after startup = %d, want 200", w.Code)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, &fakeHandler{})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if body["name"] != "alice" {
		t.Errorf("status body = %v", body)
	}
}

type echoRequest struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func TestRestEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeHandler{})

	if err := s.OnRestGET("/greeting", func(context.Context) (any, error) {
		return map[string]string{"greeting": "hello"}, nil
	}); err != nil {
		t.Fatalf("OnRestGET: %v", err)
	}
	if err := s.OnRestPOST("/echo", echoRequest{}, func(_ context.Context, req any) (any, error) {
		return req, nil
	}); err != nil {
		t.Fatalf("OnRestPOST: %v", err)
	}

	// Duplicate (method, path) registration fails.
	if err := s.OnRestGET("/greeting", func(context.Context) (any, error) { return nil, nil }); err == nil {
		t.Error("duplicate OnRestGET succeeded, want error")
	}

	req := httptest.NewRequest(http.MethodGet, "/greeting", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /greeting = %d", w.Code)
	}

	// Valid POST body echoes back.
	req = httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader([]byte(`{"text":"hi","count":2}`)))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /echo = %d, body %s", w.Code, w.Body)
	}
	var echoed echoRequest
	if err := json.Unmarshal(w.Body.Bytes(), &echoed); err != nil || echoed.Text != "hi" || echoed.Count != 2 {
		t.Errorf("echo body = %s", w.Body)
	}

	// A body violating the request schema is rejected before the handler.
	req = httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader([]byte(`{"text":"hi","count":"two"}`)))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /echo with bad body = %d, want 400", w.Code)
	}
}
