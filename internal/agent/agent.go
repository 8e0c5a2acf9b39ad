// Package agent implements the courier runtime: a cooperatively scheduled
// agent that multiplexes inbound envelopes, interval tasks, and lifecycle
// events onto one goroutine, plus the Bureau container that runs several
// agents behind one HTTP server.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/clock"
	"github.com/Will-Luck/Agent-Courier/internal/config"
	"github.com/Will-Luck/Agent-Courier/internal/dispatch"
	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
	"github.com/Will-Luck/Agent-Courier/internal/model"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
	"github.com/Will-Luck/Agent-Courier/internal/resolver"
	"github.com/Will-Luck/Agent-Courier/internal/store"
	"github.com/Will-Luck/Agent-Courier/internal/wallet"
	"github.com/Will-Luck/Agent-Courier/internal/web"
)

// DefaultShutdownTimeout bounds shutdown event handlers before they are
// abandoned.
const DefaultShutdownTimeout = 10 * time.Second

// DefaultRegistrationTick is how often the registration policy runs.
const DefaultRegistrationTick = time.Minute

// inboxSize buffers the per-agent task queue. Deliver blocks (with the
// caller's context) once it fills: back-pressure, not loss.
const inboxSize = 128

// Directory finds agents by the protocol digest they advertise.
type Directory interface {
	AgentsByProtocol(ctx context.Context, protocolDigest string, limit int) ([]string, error)
}

// Options configures one agent. Zero values get sensible defaults; shared
// pieces (dispatcher, dispenser, resolver) are injected by the Bureau when
// the agent runs inside one.
type Options struct {
	Name      string
	Seed      string // empty: ephemeral random identity
	SeedIndex int
	Network   string // config.NetworkMainnet (default) or config.NetworkTestnet

	Endpoints        []config.Endpoint // public submit URLs; empty = local-only
	Port             int               // standalone server port (0 = no server)
	StrictReplies    bool
	RegistrationTick time.Duration

	Storage    store.KV
	History    *envelope.History
	Resolver   resolver.Resolver
	Policy     almanac.Policy
	Directory  Directory
	Dispatcher *dispatch.Dispatcher
	Dispenser  *dispenser.Dispenser
	Bus        *events.Bus
	Wallet     *wallet.Multi
	Log        *slog.Logger
	Clock      clock.Clock
}

type task func(ctx context.Context)

type syncWaiter struct {
	sender string
	ch     chan *envelope.Envelope
}

type intervalTask struct {
	period   time.Duration
	schedule cron.Schedule // set for OnSchedule tasks, nil for OnInterval
	handler  protocol.IntervalHandler
	running  atomic.Bool
}

// Agent is one courier agent: identity, dispatch tables, and the runtime
// loops that drive them.
type Agent struct {
	name     string
	identity *identity.Identity
	address  string
	rep      *representation
	log      *slog.Logger
	clock    clock.Clock

	endpoints        []config.Endpoint
	port             int
	strictReplies    bool
	registrationTick time.Duration

	registry *model.Registry

	mu               sync.RWMutex
	signedHandlers   map[string]protocol.MessageHandler
	unsignedHandlers map[string]protocol.MessageHandler
	replySets        map[string]map[string]bool
	schemaProtocol   map[string]string // schema digest -> protocol digest
	protocols        map[string]*protocol.Protocol
	manifests        map[string]*protocol.Manifest
	intervals        []*intervalTask

	startupHandlers  []protocol.EventHandler
	shutdownHandlers []protocol.EventHandler

	storage   store.KV
	history   *envelope.History
	resolver  resolver.Resolver
	policy    almanac.Policy
	directory Directory
	router    *dispatch.Dispatcher
	disp      *dispenser.Dispenser
	bus       *events.Bus
	walletOut *wallet.Multi

	futures *futures

	syncMu      sync.Mutex
	syncWaiters map[uuid.UUID]*syncWaiter

	server *web.Server // owned listener; nil inside a Bureau or local-only

	inbox chan task
	ready atomic.Bool

	defaultProto *protocol.Protocol
	included     atomic.Bool
}

// New constructs an agent from options. The agent registers itself with the
// dispatcher immediately so local sends reach it before Run.
func New(opts Options) (*Agent, error) {
	var id *identity.Identity
	var err error
	if opts.Seed == "" {
		id, err = identity.Generate()
	} else {
		id, err = identity.FromSeed(opts.Seed, opts.SeedIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}

	prefix := identity.MainnetPrefix
	if opts.Network == config.NetworkTestnet {
		prefix = identity.TestnetPrefix
	}
	address, err := id.AddressOn(prefix)
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("agent", opts.Name)

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	storage := opts.Storage
	if storage == nil {
		storage = store.NewMemory()
	}
	router := opts.Dispatcher
	if router == nil {
		router = dispatch.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	tick := opts.RegistrationTick
	if tick <= 0 {
		tick = DefaultRegistrationTick
	}

	a := &Agent{
		name:             opts.Name,
		identity:         id,
		address:          address,
		log:              log,
		clock:            clk,
		endpoints:        opts.Endpoints,
		port:             opts.Port,
		strictReplies:    opts.StrictReplies,
		registrationTick: tick,
		registry:         model.NewRegistry(),
		signedHandlers:   make(map[string]protocol.MessageHandler),
		unsignedHandlers: make(map[string]protocol.MessageHandler),
		replySets:        make(map[string]map[string]bool),
		schemaProtocol:   make(map[string]string),
		protocols:        make(map[string]*protocol.Protocol),
		manifests:        make(map[string]*protocol.Manifest),
		storage:          storage,
		history:          opts.History,
		resolver:         opts.Resolver,
		policy:           opts.Policy,
		directory:        opts.Directory,
		router:           router,
		bus:              bus,
		walletOut:        opts.Wallet,
		futures:          newFutures(),
		syncWaiters:      make(map[uuid.UUID]*syncWaiter),
		inbox:            make(chan task, inboxSize),
		defaultProto:     protocol.New(opts.Name, "0.1.0"),
	}
	a.rep = &representation{name: opts.Name, address: address, sign: id.Sign}

	a.disp = opts.Dispenser
	if a.disp == nil {
		a.disp = dispenser.New(dispenser.Dependencies{
			OnResponse: a.handleResponse,
			Log:        log,
		})
	}

	if a.port > 0 {
		a.server = web.NewServer(web.Dependencies{
			Handler: a,
			Ready:   a.Ready,
			Status:  func() any { return a.StatusSummary() },
			Log:     log,
		})
	}

	a.router.Register(address, a)
	return a, nil
}

// OnRestGET registers a plain-JSON GET endpoint on the agent's HTTP server.
// Only agents that own a server (Port > 0) can serve REST routes.
func (a *Agent) OnRestGET(path string, handler web.RestGetHandler) error {
	if a.server == nil {
		return fmt.Errorf("agent %s has no HTTP server for rest route %s", a.name, path)
	}
	return a.server.OnRestGET(path, handler)
}

// OnRestPOST registers a schema-validated POST endpoint on the agent's HTTP
// server.
func (a *Agent) OnRestPOST(path string, request any, handler web.RestPostHandler) error {
	if a.server == nil {
		return fmt.Errorf("agent %s has no HTTP server for rest route %s", a.name, path)
	}
	return a.server.OnRestPOST(path, request, handler)
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Address returns the agent's bech32 address.
func (a *Agent) Address() string { return a.address }

// Identifier returns "name/address", or the bare address for unnamed
// agents.
func (a *Agent) Identifier() string { return a.rep.Identifier() }

// Identity exposes the agent's keypair for key persistence.
func (a *Agent) Identity() *identity.Identity { return a.identity }

// Ready reports whether startup has completed.
func (a *Agent) Ready() bool { return a.ready.Load() }

// SetPolicy installs the registration policy. Policies that depend on the
// derived address are attached here after construction; call before Run.
func (a *Agent) SetPolicy(p almanac.Policy) { a.policy = p }

// OnMessage registers a signed-message handler on the agent's own protocol.
func (a *Agent) OnMessage(msg any, handler protocol.MessageHandler, replies ...any) error {
	return a.defaultProto.OnMessage(msg, handler, replies...)
}

// OnUnsignedMessage registers an unsigned-message handler.
func (a *Agent) OnUnsignedMessage(msg any, handler protocol.MessageHandler, replies ...any) error {
	return a.defaultProto.OnUnsignedMessage(msg, handler, replies...)
}

// OnQuery registers an unsigned query handler.
func (a *Agent) OnQuery(msg any, handler protocol.MessageHandler, replies ...any) error {
	return a.defaultProto.OnQuery(msg, handler, replies...)
}

// OnInterval registers a periodic task.
func (a *Agent) OnInterval(period time.Duration, handler protocol.IntervalHandler, messages ...any) error {
	return a.defaultProto.OnInterval(period, handler, messages...)
}

// OnSchedule registers a cron-expression task (standard five-field syntax).
func (a *Agent) OnSchedule(spec string, handler protocol.IntervalHandler) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	a.mu.Lock()
	a.intervals = append(a.intervals, &intervalTask{schedule: sched, handler: handler})
	a.mu.Unlock()
	return nil
}

// OnEvent registers a lifecycle handler for "startup" or "shutdown".
func (a *Agent) OnEvent(kind string, handler protocol.EventHandler) error {
	switch kind {
	case "startup":
		a.startupHandlers = append(a.startupHandlers, handler)
	case "shutdown":
		a.shutdownHandlers = append(a.shutdownHandlers, handler)
	default:
		return fmt.Errorf("unknown event kind %q", kind)
	}
	return nil
}

// Include merges a protocol into the agent's dispatch tables. Conflicting
// handler registrations fail with protocol.ErrConflict; reply sets are
// unioned.
func (a *Agent) Include(p *protocol.Protocol) error {
	manifest, err := p.Manifest()
	if err != nil {
		return fmt.Errorf("manifest for %s: %w", p.CanonicalName(), err)
	}
	protoDigest := manifest.Metadata.Digest

	a.mu.Lock()
	defer a.mu.Unlock()

	for digest, entry := range p.Models() {
		sample := reflect.New(entry.Type).Elem().Interface()
		if _, err := a.registry.Register(sample); err != nil {
			return fmt.Errorf("register model %s: %w", entry.Name, err)
		}

		if h, ok := p.SignedHandler(digest); ok {
			if a.hasHandlerLocked(digest) {
				return fmt.Errorf("%w: handler for %s already installed", protocol.ErrConflict, digest)
			}
			a.signedHandlers[digest] = h
		}
		if h, ok := p.UnsignedHandler(digest); ok {
			if a.hasHandlerLocked(digest) {
				return fmt.Errorf("%w: handler for %s already installed", protocol.ErrConflict, digest)
			}
			a.unsignedHandlers[digest] = h
		}

		if replies := p.Replies(digest); replies != nil {
			set := a.replySets[digest]
			if set == nil {
				set = make(map[string]bool)
				a.replySets[digest] = set
			}
			for _, r := range replies {
				set[r] = true
			}
		}
		a.schemaProtocol[digest] = protoDigest
	}

	a.intervals = append(a.intervals, protocolIntervals(p)...)
	a.protocols[protoDigest] = p
	a.manifests[protoDigest] = manifest
	return nil
}

func protocolIntervals(p *protocol.Protocol) []*intervalTask {
	out := make([]*intervalTask, 0, len(p.Intervals()))
	for _, iv := range p.Intervals() {
		out = append(out, &intervalTask{period: iv.Period, handler: iv.Handler})
	}
	return out
}

func (a *Agent) hasHandlerLocked(digest string) bool {
	_, signed := a.signedHandlers[digest]
	_, unsigned := a.unsignedHandlers[digest]
	return signed || unsigned
}

// Protocols returns the digests of all included protocols, sorted.
func (a *Agent) Protocols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.protocols))
	for d := range a.protocols {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Manifest returns the manifest of an included protocol.
func (a *Agent) Manifest(protocolDigest string) (*protocol.Manifest, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.manifests[protocolDigest]
	return m, ok
}

func (a *Agent) replies(digest string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set := a.replySets[digest]
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// setup includes the agent's own protocol plus the built-in one. Idempotent
// so tests can call Run more than once safely.
func (a *Agent) setup() error {
	if !a.included.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.Include(builtinProtocol(a)); err != nil {
		return err
	}
	return a.Include(a.defaultProto)
}

// Status is the /status summary of one agent.
type Status struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Ready     bool     `json:"ready"`
	Protocols []string `json:"protocols"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// StatusSummary reports the agent's identity and advertised protocols.
func (a *Agent) StatusSummary() Status {
	urls := make([]string, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		urls = append(urls, ep.URL)
	}
	return Status{
		Name:      a.name,
		Address:   a.address,
		Ready:     a.ready.Load(),
		Protocols: a.Protocols(),
		Endpoints: urls,
	}
}
