package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Will-Luck/Agent-Courier/internal/clock"
	"github.com/Will-Luck/Agent-Courier/internal/dispatch"
	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/resolver"
	"github.com/Will-Luck/Agent-Courier/internal/web"
)

// BureauOptions configures the shared runtime of a multi-agent container.
type BureauOptions struct {
	Port     int // 0 = no HTTP server, local-only
	Resolver resolver.Resolver
	Bus      *events.Bus
	Log      *slog.Logger
	Clock    clock.Clock
}

// Bureau runs several agents behind one dispatcher and one HTTP server.
// Agents spawned into a bureau reach each other without leaving the
// process.
type Bureau struct {
	router *dispatch.Dispatcher
	disp   *dispenser.Dispenser
	res    resolver.Resolver
	bus    *events.Bus
	log    *slog.Logger
	clk    clock.Clock
	port   int

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewBureau creates an empty bureau.
func NewBureau(opts BureauOptions) *Bureau {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	b := &Bureau{
		router: dispatch.New(),
		res:    opts.Resolver,
		bus:    bus,
		log:    log,
		clk:    clk,
		port:   opts.Port,
		agents: make(map[string]*Agent),
	}
	b.disp = dispenser.New(dispenser.Dependencies{
		OnResponse: b.handleResponse,
		Log:        log,
	})
	return b
}

// Spawn constructs an agent wired into the bureau's shared dispatcher,
// dispenser, resolver, and event bus. Fields the caller set explicitly are
// kept.
func (b *Bureau) Spawn(opts Options) (*Agent, error) {
	opts.Dispatcher = b.router
	opts.Dispenser = b.disp
	if opts.Resolver == nil {
		opts.Resolver = b.res
	}
	if opts.Bus == nil {
		opts.Bus = b.bus
	}
	if opts.Directory == nil {
		opts.Directory = b
	}
	if opts.Log == nil {
		opts.Log = b.log
	}
	if opts.Clock == nil {
		opts.Clock = b.clk
	}
	opts.Port = 0 // the bureau owns the listener

	a, err := New(opts)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.agents[a.Address()] = a
	b.mu.Unlock()
	return a, nil
}

// Agents returns the bureau's agents in no particular order.
func (b *Bureau) Agents() []*Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Agent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, a)
	}
	return out
}

// AgentsByProtocol implements Directory over the bureau's own agents.
func (b *Bureau) AgentsByProtocol(_ context.Context, protocolDigest string, limit int) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for addr, a := range b.agents {
		for _, d := range a.Protocols() {
			if d == protocolDigest {
				out = append(out, addr)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Contains implements web.EnvelopeHandler.
func (b *Bureau) Contains(address string) bool {
	return b.router.Contains(address)
}

// Dispatch implements web.EnvelopeHandler.
func (b *Bureau) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	return b.router.Dispatch(ctx, env)
}

// DispatchSync routes a synchronous submit to the agent owning the target
// address.
func (b *Bureau) DispatchSync(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	b.mu.RLock()
	a, ok := b.agents[env.Target]
	b.mu.RUnlock()
	if !ok {
		return nil, dispatch.ErrNoLocalAgent
	}
	return a.DispatchSync(ctx, env)
}

func (b *Bureau) handleResponse(ctx context.Context, env *envelope.Envelope) {
	b.mu.RLock()
	a, ok := b.agents[env.Target]
	b.mu.RUnlock()
	if ok {
		a.handleResponse(ctx, env)
		return
	}
	if err := b.router.Dispatch(ctx, env); err != nil {
		b.log.Warn("sync response dispatch failed", "error", err)
	}
}

// Run starts every spawned agent plus the shared HTTP server and blocks
// until ctx is cancelled or one of them fails.
func (b *Bureau) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, a := range b.Agents() {
		g.Go(func() error { return a.Run(gctx) })
	}

	if b.port > 0 {
		server := web.NewServer(web.Dependencies{
			Handler: b,
			Ready:   b.ready,
			Status:  b.status,
			Log:     b.log,
		})
		g.Go(func() error { return server.Run(gctx, fmt.Sprintf(":%d", b.port)) })
	}

	return g.Wait()
}

func (b *Bureau) ready() bool {
	for _, a := range b.Agents() {
		if !a.Ready() {
			return false
		}
	}
	return true
}

func (b *Bureau) status() any {
	agents := b.Agents()
	statuses := make([]Status, 0, len(agents))
	for _, a := range agents {
		statuses = append(statuses, a.StatusSummary())
	}
	return map[string]any{"agents": statuses}
}
