// Package dispatch routes inbound envelopes to agents living in this
// process. One Dispatcher exists per runtime; agents register their sink
// under their address and the HTTP server (or a local sender) hands
// envelopes to Dispatch.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
)

// ErrNoLocalAgent is returned when the envelope's target is not registered
// in this process.
var ErrNoLocalAgent = errors.New("no local agent for target address")

// dedupLimit bounds the table of recently seen envelope signatures.
const dedupLimit = 1024

// Sink receives envelopes addressed to one agent. Deliver must not block
// for long; agents drain their queue on their own goroutine.
type Sink interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}

// Dispatcher is the process-wide routing table from agent address to sink.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks map[string]Sink

	// Signed envelopes are delivered at most once; the signature doubles
	// as a delivery ID.
	seen      map[string]bool
	seenOrder []string
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		sinks: make(map[string]Sink),
		seen:  make(map[string]bool),
	}
}

// Register binds an address to a sink, replacing any previous binding.
func (d *Dispatcher) Register(address string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[address] = sink
}

// Unregister removes an address binding.
func (d *Dispatcher) Unregister(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, address)
}

// Contains reports whether the address is served by this process.
func (d *Dispatcher) Contains(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sinks[address]
	return ok
}

// Addresses returns all locally registered addresses.
func (d *Dispatcher) Addresses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.sinks))
	for addr := range d.sinks {
		out = append(out, addr)
	}
	return out
}

// Dispatch delivers an envelope to its target's sink. Signed envelopes
// already seen are dropped silently (at-most-once); unsigned envelopes are
// not deduplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	d.mu.RLock()
	sink, ok := d.sinks[env.Target]
	d.mu.RUnlock()
	if !ok {
		return ErrNoLocalAgent
	}

	if env.Signature != "" && d.alreadySeen(env.Signature) {
		return nil
	}
	return sink.Deliver(ctx, env)
}

// alreadySeen records the signature and reports whether it was present.
// The table is trimmed FIFO once it exceeds the dedup limit.
func (d *Dispatcher) alreadySeen(signature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen[signature] {
		return true
	}
	d.seen[signature] = true
	d.seenOrder = append(d.seenOrder, signature)
	if len(d.seenOrder) > dedupLimit {
		oldest := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, oldest)
	}
	return false
}
