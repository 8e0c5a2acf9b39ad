// Package dispenser delivers outbound envelopes over HTTP. Envelopes for
// the same (session, target) pair are sent strictly in order; distinct
// sessions interleave freely.
package dispenser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
)

// endpointTimeout bounds one delivery attempt to one endpoint. The caller's
// context bounds the total send.
const endpointTimeout = 30 * time.Second

// Status is the outcome class of one send.
type Status string

const (
	// StatusSent means an endpoint accepted the envelope (async path).
	StatusSent Status = "sent"
	// StatusDelivered means a sync endpoint accepted and replied.
	StatusDelivered Status = "delivered"
	// StatusFailed means no endpoint accepted the envelope.
	StatusFailed Status = "failed"
)

// MsgStatus is the result of one outbound send.
type MsgStatus struct {
	Status      Status    `json:"status"`
	Detail      string    `json:"detail"`
	Destination string    `json:"destination"`
	Endpoint    string    `json:"endpoint"`
	Session     uuid.UUID `json:"session"`
}

// Dependencies wires the dispenser into the runtime. OnResponse receives
// sync reply envelopes; the runtime routes them to a pending future or
// dispatches them like any inbound envelope.
type Dependencies struct {
	Client     *http.Client
	OnResponse func(ctx context.Context, env *envelope.Envelope)
	Log        *slog.Logger
}

type task struct {
	ctx       context.Context
	env       *envelope.Envelope
	endpoints []string
	sync      bool
	done      chan MsgStatus
}

// Dispenser owns the outbound delivery workers.
type Dispenser struct {
	deps Dependencies

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	queue   chan *task
	pending int
}

// New creates a Dispenser. A nil client gets a default with the per-endpoint
// timeout.
func New(deps Dependencies) *Dispenser {
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: endpointTimeout}
	}
	return &Dispenser{
		deps:    deps,
		workers: make(map[string]*worker),
	}
}

// Send queues the envelope for delivery and blocks until it completes or
// ctx is cancelled. Envelopes sharing a (session, target) key are delivered
// in submission order.
func (d *Dispenser) Send(ctx context.Context, env *envelope.Envelope, endpoints []string, sync bool) MsgStatus {
	if len(endpoints) == 0 {
		return MsgStatus{
			Status:      StatusFailed,
			Detail:      "no endpoints to deliver to",
			Destination: env.Target,
			Session:     env.Session,
		}
	}

	t := &task{
		ctx:       ctx,
		env:       env,
		endpoints: endpoints,
		sync:      sync,
		done:      make(chan MsgStatus, 1),
	}
	d.enqueue(env.Session.String()+"|"+env.Target, t)

	select {
	case status := <-t.done:
		return status
	case <-ctx.Done():
		return MsgStatus{
			Status:      StatusFailed,
			Detail:      ctx.Err().Error(),
			Destination: env.Target,
			Session:     env.Session,
		}
	}
}

// enqueue hands the task to the key's FIFO worker, starting one if needed.
func (d *Dispenser) enqueue(key string, t *task) {
	d.mu.Lock()
	w, ok := d.workers[key]
	if !ok {
		w = &worker{queue: make(chan *task, 64)}
		d.workers[key] = w
		go d.run(key, w)
	}
	w.pending++
	d.mu.Unlock()

	metrics.DispenserQueueDepth.Inc()
	w.queue <- t
}

// run drains one worker's queue and retires the worker when it goes idle.
func (d *Dispenser) run(key string, w *worker) {
	for {
		t := <-w.queue
		t.done <- d.deliver(t)
		metrics.DispenserQueueDepth.Dec()

		d.mu.Lock()
		w.pending--
		idle := w.pending == 0
		if idle {
			delete(d.workers, key)
		}
		d.mu.Unlock()
		if idle {
			return
		}
	}
}

// deliver tries each endpoint in order. A 2xx completes the send; connection
// errors and 5xx advance to the next endpoint; any other status fails the
// send outright.
func (d *Dispenser) deliver(t *task) MsgStatus {
	body, err := t.env.Marshal()
	if err != nil {
		return d.failed(t.env, "", fmt.Sprintf("marshal envelope: %v", err))
	}

	var lastDetail string
	for _, endpoint := range t.endpoints {
		status, retryable := d.post(t, endpoint, body)
		if status.Status != StatusFailed {
			metrics.EnvelopesDelivered.Inc()
			return status
		}
		lastDetail = status.Detail
		if !retryable {
			metrics.EnvelopesFailed.WithLabelValues("rejected").Inc()
			return status
		}
		d.deps.Log.Debug("endpoint failed, trying next",
			"endpoint", endpoint,
			"target", t.env.Target,
			"detail", status.Detail,
		)
	}
	metrics.EnvelopesFailed.WithLabelValues("unreachable").Inc()
	return d.failed(t.env, "", "all endpoints failed: "+lastDetail)
}

// post delivers to one endpoint. retryable reports whether the next
// endpoint should be tried.
func (d *Dispenser) post(t *task, endpoint string, body []byte) (MsgStatus, bool) {
	ctx, cancel := context.WithTimeout(t.ctx, endpointTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return d.failed(t.env, endpoint, fmt.Sprintf("create request: %v", err)), false
	}
	req.Header.Set("Content-Type", "application/json")
	if t.sync {
		req.Header.Set("X-Uagents-Connection", "sync")
	}

	resp, err := d.deps.Client.Do(req)
	if err != nil {
		return d.failed(t.env, endpoint, err.Error()), true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if t.sync {
			if err := d.handleSyncReply(t.ctx, resp.Body); err != nil {
				return d.failed(t.env, endpoint, "bad sync reply: "+err.Error()), false
			}
			return MsgStatus{
				Status:      StatusDelivered,
				Detail:      "delivered with reply",
				Destination: t.env.Target,
				Endpoint:    endpoint,
				Session:     t.env.Session,
			}, false
		}
		return MsgStatus{
			Status:      StatusSent,
			Detail:      "accepted",
			Destination: t.env.Target,
			Endpoint:    endpoint,
			Session:     t.env.Session,
		}, false
	case resp.StatusCode >= 500:
		return d.failed(t.env, endpoint, fmt.Sprintf("endpoint returned %d", resp.StatusCode)), true
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail := fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		if s := strings.TrimSpace(string(msg)); s != "" {
			detail += ": " + s
		}
		return d.failed(t.env, endpoint, detail), false
	}
}

// handleSyncReply parses the response body as an envelope and hands it to
// the runtime.
func (d *Dispenser) handleSyncReply(ctx context.Context, body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, envelope.MaxPayloadSize))
	if err != nil {
		return err
	}
	reply, err := envelope.Unmarshal(raw)
	if err != nil {
		return err
	}
	if d.deps.OnResponse != nil {
		d.deps.OnResponse(ctx, reply)
	}
	return nil
}

func (d *Dispenser) failed(env *envelope.Envelope, endpoint, detail string) MsgStatus {
	return MsgStatus{
		Status:      StatusFailed,
		Detail:      detail,
		Destination: env.Target,
		Endpoint:    endpoint,
		Session:     env.Session,
	}
}
