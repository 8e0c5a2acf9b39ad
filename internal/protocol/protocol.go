// Package protocol bundles message models, handlers, reply graphs, and
// interval tasks into a named, versioned, content-addressed unit that agents
// include into their dispatch tables.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Will-Luck/Agent-Courier/internal/model"
)

// ErrConflict is returned when an include or registration would bind the
// same schema digest to two different handlers or models.
var ErrConflict = errors.New("protocol conflict")

// Interval is one periodic task carried by a protocol.
type Interval struct {
	Period   time.Duration
	Handler  IntervalHandler
	Messages []string // schema digests the task is permitted to send
}

// Protocol is a bundle of models, handlers, and the reply graph between
// them. Zero value is not usable; construct with New.
type Protocol struct {
	name    string
	version string

	registry *model.Registry
	replies  map[string]map[string]bool // request digest -> allowed reply digests

	signedHandlers   map[string]MessageHandler
	unsignedHandlers map[string]MessageHandler
	interactionKind  map[string]string // digest -> "normal" | "query"

	intervals        []Interval
	intervalMessages map[string]bool
}

// New creates an empty protocol. Version defaults to "0.1.0" when blank.
func New(name, version string) *Protocol {
	if version == "" {
		version = "0.1.0"
	}
	return &Protocol{
		name:             name,
		version:          version,
		registry:         model.NewRegistry(),
		replies:          make(map[string]map[string]bool),
		signedHandlers:   make(map[string]MessageHandler),
		unsignedHandlers: make(map[string]MessageHandler),
		interactionKind:  make(map[string]string),
		intervalMessages: make(map[string]bool),
	}
}

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

// Version returns the protocol version.
func (p *Protocol) Version() string { return p.version }

// CanonicalName is "name:version", the protocol's registry identifier.
func (p *Protocol) CanonicalName() string {
	return p.name + ":" + p.version
}

// OnMessage registers a handler for a signed message model. The replies,
// if any, declare which models the handler may answer with.
func (p *Protocol) OnMessage(msg any, handler MessageHandler, replies ...any) error {
	return p.register(msg, handler, true, "normal", replies...)
}

// OnSignedMessage is OnMessage spelled out.
func (p *Protocol) OnSignedMessage(msg any, handler MessageHandler, replies ...any) error {
	return p.register(msg, handler, true, "normal", replies...)
}

// OnUnsignedMessage registers a handler for a message that arrives without
// a signature.
func (p *Protocol) OnUnsignedMessage(msg any, handler MessageHandler, replies ...any) error {
	return p.register(msg, handler, false, "normal", replies...)
}

// OnQuery registers an unsigned query handler; its reply set is declared
// like any other message handler's.
func (p *Protocol) OnQuery(msg any, handler MessageHandler, replies ...any) error {
	return p.register(msg, handler, false, "query", replies...)
}

func (p *Protocol) register(msg any, handler MessageHandler, signed bool, kind string, replies ...any) error {
	digest, err := p.registry.Register(msg)
	if err != nil {
		return err
	}
	if _, dup := p.signedHandlers[digest]; dup {
		return fmt.Errorf("%w: handler already registered for %s", ErrConflict, digest)
	}
	if _, dup := p.unsignedHandlers[digest]; dup {
		return fmt.Errorf("%w: handler already registered for %s", ErrConflict, digest)
	}

	if signed {
		p.signedHandlers[digest] = handler
	} else {
		p.unsignedHandlers[digest] = handler
	}
	p.interactionKind[digest] = kind

	set := make(map[string]bool, len(replies))
	for _, reply := range replies {
		rd, err := p.registry.Register(reply)
		if err != nil {
			return err
		}
		set[rd] = true
	}
	p.replies[digest] = set
	return nil
}

// OnInterval registers a periodic task. The optional messages declare the
// models the task sends, so their schemas are registered even without an
// inbound handler.
func (p *Protocol) OnInterval(period time.Duration, handler IntervalHandler, messages ...any) error {
	if period <= 0 {
		return fmt.Errorf("interval period must be positive, got %s", period)
	}
	iv := Interval{Period: period, Handler: handler}
	for _, msg := range messages {
		digest, err := p.registry.Register(msg)
		if err != nil {
			return err
		}
		iv.Messages = append(iv.Messages, digest)
		p.intervalMessages[digest] = true
	}
	p.intervals = append(p.intervals, iv)
	return nil
}

// Models returns the registry entries keyed by schema digest.
func (p *Protocol) Models() map[string]*model.Entry {
	out := make(map[string]*model.Entry)
	for _, digest := range p.registry.Digests() {
		e, _ := p.registry.Lookup(digest)
		out[digest] = e
	}
	return out
}

// Registry exposes the protocol's model registry for payload decoding.
func (p *Protocol) Registry() *model.Registry { return p.registry }

// Replies returns the sorted allowed reply digests for a request digest.
// Nil means the digest has no handler; empty means the handler replies with
// nothing.
func (p *Protocol) Replies(digest string) []string {
	set, ok := p.replies[digest]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SignedHandler returns the signed-message handler for a digest.
func (p *Protocol) SignedHandler(digest string) (MessageHandler, bool) {
	h, ok := p.signedHandlers[digest]
	return h, ok
}

// UnsignedHandler returns the unsigned-message handler for a digest.
func (p *Protocol) UnsignedHandler(digest string) (MessageHandler, bool) {
	h, ok := p.unsignedHandlers[digest]
	return h, ok
}

// Intervals returns the protocol's periodic tasks.
func (p *Protocol) Intervals() []Interval { return p.intervals }

// IntervalMessages returns the digests interval tasks may send.
func (p *Protocol) IntervalMessages() []string {
	out := make([]string, 0, len(p.intervalMessages))
	for d := range p.intervalMessages {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// handledDigests returns every digest with an inbound handler, sorted.
func (p *Protocol) handledDigests() []string {
	out := make([]string, 0, len(p.signedHandlers)+len(p.unsignedHandlers))
	for d := range p.signedHandlers {
		out = append(out, d)
	}
	for d := range p.unsignedHandlers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
