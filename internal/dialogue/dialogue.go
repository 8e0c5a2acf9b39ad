// Package dialogue constrains a protocol with a finite-state graph: each
// session walks the graph's edges, and messages that do not match an edge
// out of the session's current node are rejected before any handler runs.
package dialogue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/clock"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
	"github.com/Will-Luck/Agent-Courier/internal/model"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
)

// ErrInvalidTransition is returned when a message does not match any edge
// out of the session's current node. The message is dropped; the edge
// handler is not invoked.
var ErrInvalidTransition = errors.New("invalid dialogue transition")

// DefaultSessionTTL removes sessions idle longer than this.
const DefaultSessionTTL = time.Hour

// cleanupInterval is how often expired sessions are swept.
const cleanupInterval = 5 * time.Minute

// Node is one state in the dialogue graph.
type Node struct {
	Name        string
	Description string
}

// Edge is one legal transition: receiving Model while a session sits at
// Parent moves it to Child and runs Handler.
type Edge struct {
	Name    string
	Parent  string
	Child   string
	Model   any
	Handler protocol.MessageHandler
}

type session struct {
	node    string
	updated time.Time
}

// Dialogue is a protocol whose reply graph is derived from a state graph.
type Dialogue struct {
	proto *protocol.Protocol
	clock clock.Clock

	root  string
	nodes map[string]Node
	edges []Edge
	// transitions[parent][schema digest] -> edge
	transitions map[string]map[string]*Edge
	// enders are nodes with no outgoing edges; entering one closes the
	// session.
	enders map[string]bool

	ttl time.Duration
	bus *events.Bus // optional; expiry notifications

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// Option adjusts dialogue construction.
type Option func(*Dialogue)

// WithSessionTTL overrides the idle-session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(d *Dialogue) { d.ttl = ttl }
}

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Dialogue) { d.clock = clk }
}

// WithBus publishes a SessionExpired event for every session the TTL sweep
// removes.
func WithBus(bus *events.Bus) Option {
	return func(d *Dialogue) { d.bus = bus }
}

// New builds and validates a dialogue. The graph must reference only known
// nodes and every node must be reachable from the root; all violations are
// reported together.
func New(name, version string, root Node, nodes []Node, edges []Edge, opts ...Option) (*Dialogue, error) {
	d := &Dialogue{
		proto:       protocol.New(name, version),
		clock:       clock.Real{},
		root:        root.Name,
		nodes:       map[string]Node{root.Name: root},
		edges:       edges,
		transitions: make(map[string]map[string]*Edge),
		enders:      make(map[string]bool),
		ttl:         DefaultSessionTTL,
		sessions:    make(map[uuid.UUID]*session),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, n := range nodes {
		d.nodes[n.Name] = n
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	if err := d.build(); err != nil {
		return nil, err
	}
	return d, nil
}

// Protocol returns the underlying protocol for inclusion into an agent.
func (d *Dialogue) Protocol() *protocol.Protocol { return d.proto }

// validate checks the graph shape: known nodes everywhere and full
// reachability from the root.
func (d *Dialogue) validate() error {
	var errs []error

	outgoing := make(map[string][]string)
	for _, e := range d.edges {
		if _, ok := d.nodes[e.Parent]; !ok {
			errs = append(errs, fmt.Errorf("edge %q: unknown parent node %q", e.Name, e.Parent))
		}
		if _, ok := d.nodes[e.Child]; !ok {
			errs = append(errs, fmt.Errorf("edge %q: unknown child node %q", e.Name, e.Child))
		}
		outgoing[e.Parent] = append(outgoing[e.Parent], e.Child)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Depth-first reachability from the root.
	reached := map[string]bool{d.root: true}
	stack := []string{d.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range outgoing[n] {
			if !reached[child] {
				reached[child] = true
				stack = append(stack, child)
			}
		}
	}
	for name := range d.nodes {
		if !reached[name] {
			errs = append(errs, fmt.Errorf("node %q is unreachable from root %q", name, d.root))
		}
	}
	return errors.Join(errs...)
}

// build derives the transition table and reply sets, and registers one
// guarding handler per distinct model.
func (d *Dialogue) build() error {
	outgoing := make(map[string][]*Edge)
	for i := range d.edges {
		e := &d.edges[i]
		digest, err := model.Digest(e.Model)
		if err != nil {
			return fmt.Errorf("edge %q: %w", e.Name, err)
		}
		if d.transitions[e.Parent] == nil {
			d.transitions[e.Parent] = make(map[string]*Edge)
		}
		if prev, dup := d.transitions[e.Parent][digest]; dup {
			return fmt.Errorf("%w: edges %q and %q share node %q and model %s",
				protocol.ErrConflict, prev.Name, e.Name, e.Parent, digest)
		}
		d.transitions[e.Parent][digest] = e
		outgoing[e.Parent] = append(outgoing[e.Parent], e)
	}

	for name := range d.nodes {
		if len(outgoing[name]) == 0 {
			d.enders[name] = true
		}
	}

	// Reply sets come from the graph: the replies to a model are the
	// models on edges leaving any node the model can lead to.
	replySets := make(map[string]map[any]bool)
	digestModels := make(map[string]any)
	for i := range d.edges {
		e := &d.edges[i]
		digest, _ := model.Digest(e.Model)
		digestModels[digest] = e.Model
		if replySets[digest] == nil {
			replySets[digest] = make(map[any]bool)
		}
		for _, next := range outgoing[e.Child] {
			replySets[digest][next.Model] = true
		}
	}

	for digest, m := range digestModels {
		var replies []any
		for reply := range replySets[digest] {
			replies = append(replies, reply)
		}
		handler := d.guard(digest)
		if err := d.proto.OnMessage(m, handler, replies...); err != nil {
			return err
		}
	}

	return d.proto.OnInterval(cleanupInterval, func(protocol.Context) error {
		d.CleanupExpired()
		return nil
	})
}

// guard wraps edge dispatch for one model: it checks the session's current
// node, advances the state, and only then runs the edge handler.
func (d *Dialogue) guard(digest string) protocol.MessageHandler {
	return func(ctx protocol.Context, sender string, msg any) error {
		edge, err := d.advance(ctx.Session(), digest)
		if err != nil {
			ctx.Logger().Warn("dialogue message rejected",
				"session", ctx.Session(),
				"schema", digest,
				"error", err,
			)
			return err
		}
		if edge.Handler == nil {
			return nil
		}
		return edge.Handler(ctx, sender, msg)
	}
}

// advance moves the session along the edge matching digest, creating the
// session on a starter edge and closing it on an ender edge.
func (d *Dialogue) advance(id uuid.UUID, digest string) (*Edge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.root
	s, live := d.sessions[id]
	if live {
		current = s.node
	}

	edge, ok := d.transitions[current][digest]
	if !ok {
		return nil, fmt.Errorf("%w: no edge for %s out of node %q", ErrInvalidTransition, digest, current)
	}

	if d.enders[edge.Child] {
		if live {
			delete(d.sessions, id)
			metrics.SessionsActive.Dec()
		}
		return edge, nil
	}

	if !live {
		d.sessions[id] = &session{node: edge.Child, updated: d.clock.Now()}
		metrics.SessionsActive.Inc()
		return edge, nil
	}
	s.node = edge.Child
	s.updated = d.clock.Now()
	return edge, nil
}

// CurrentNode returns the node a session sits at, or false when the session
// is not active.
func (d *Dialogue) CurrentNode(id uuid.UUID) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return "", false
	}
	return s.node, true
}

// ActiveSessions returns the number of live sessions.
func (d *Dialogue) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// CleanupExpired drops sessions idle longer than the TTL.
func (d *Dialogue) CleanupExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.clock.Now().Add(-d.ttl)
	for id, s := range d.sessions {
		if s.updated.Before(cutoff) {
			delete(d.sessions, id)
			metrics.SessionsActive.Dec()
			if d.bus != nil {
				d.bus.Publish(events.Event{
					Type:    events.EventSessionExpired,
					Session: id.String(),
					Detail:  "dialogue session idle past " + d.ttl.String(),
				})
			}
		}
	}
}
