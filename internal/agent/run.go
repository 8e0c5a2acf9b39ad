package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
)

// Deliver implements dispatch.Sink. Replies to a parked SendAndReceive skip
// the inbox so the waiting handler can be resumed by the goroutine that is
// delivering; everything else is queued behind the running handler.
func (a *Agent) Deliver(ctx context.Context, env *envelope.Envelope) error {
	if a.futures.fulfill(env) {
		return nil
	}
	select {
	case a.inbox <- func(runCtx context.Context) { a.handleEnvelope(runCtx, env) }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEnvelope runs the handler registered for the envelope's schema.
// Always called from the inbox goroutine.
func (a *Agent) handleEnvelope(ctx context.Context, env *envelope.Envelope) {
	if a.history != nil {
		a.history.Add(env)
	}
	a.bus.Publish(events.Event{
		Type:    events.EventEnvelopeReceived,
		Agent:   a.name,
		Address: a.address,
		Session: env.Session.String(),
		Schema:  env.SchemaDigest,
	})

	handler, signed := a.lookupHandler(env.SchemaDigest)
	if handler == nil {
		a.log.Warn("no handler for schema", "schema", env.SchemaDigest, "sender", env.Sender)
		return
	}
	if signed {
		if err := env.Verify(); err != nil {
			a.log.Warn("dropping envelope for signed handler", "error", err, "sender", env.Sender)
			return
		}
	}

	payload, err := env.DecodePayload()
	if err != nil {
		a.log.Warn("undecodable payload", "error", err, "sender", env.Sender)
		return
	}
	msg, err := a.registry.Decode(env.SchemaDigest, payload)
	if err != nil {
		a.log.Warn("payload rejected by schema", "error", err, "schema", env.SchemaDigest)
		a.sendError(ctx, env, "payload does not match schema")
		return
	}

	hctx := newExternalCtx(a, env.Session, env.Sender, env.SchemaDigest, a.log.With("session", env.Session))
	a.runHandler(ctx, env, func() error { return handler(hctx, env.Sender, msg) })
}

// lookupHandler finds the handler for a digest and whether it demands a
// verified signature.
func (a *Agent) lookupHandler(digest string) (protocol.MessageHandler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.signedHandlers[digest]; ok {
		return h, true
	}
	if h, ok := a.unsignedHandlers[digest]; ok {
		return h, false
	}
	return nil, false
}

// runHandler invokes fn with panic isolation and timing. A failure is
// reported back to the sender so the peer is not left waiting.
func (a *Agent) runHandler(ctx context.Context, env *envelope.Envelope, fn func() error) {
	start := a.clock.Now()
	err := a.invoke(fn)
	metrics.HandlerDuration.Observe(a.clock.Since(start).Seconds())
	if err == nil {
		return
	}
	metrics.HandlerErrors.Inc()
	a.log.Error("handler failed", "schema", env.SchemaDigest, "error", err)
	a.sendError(ctx, env, err.Error())
}

func (a *Agent) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			a.log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn()
}

// sendError reports a handler failure to the sender on the same session.
// Errors about errors are swallowed to avoid ping-pong.
func (a *Agent) sendError(ctx context.Context, env *envelope.Envelope, detail string) {
	if env.SchemaDigest == errorMessageDigest() {
		return
	}
	a.send(ctx, env.Session, env.Sender, ErrorMessage{Error: detail})
}

// Run drives the agent until ctx is cancelled: the inbox loop, interval and
// schedule timers, the registration cycle, and (when a port is configured)
// the agent's own HTTP server.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}

	startupCtx := &internalCtx{agent: a, session: newSession(), log: a.log}
	for _, h := range a.startupHandlers {
		if err := a.invoke(func() error { return h(startupCtx) }); err != nil {
			return fmt.Errorf("startup handler: %w", err)
		}
	}
	a.ready.Store(true)
	a.bus.Publish(events.Event{Type: events.EventAgentStarted, Agent: a.name, Address: a.address})
	a.log.Info("agent started", "address", a.address, "protocols", len(a.Protocols()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.inboxLoop(gctx) })

	a.mu.RLock()
	tasks := make([]*intervalTask, len(a.intervals))
	copy(tasks, a.intervals)
	a.mu.RUnlock()
	for _, t := range tasks {
		g.Go(func() error { return a.intervalLoop(gctx, t) })
	}

	if a.policy != nil && len(a.endpoints) > 0 {
		g.Go(func() error { return a.registrationLoop(gctx) })
	}

	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx, fmt.Sprintf(":%d", a.port)) })
	}

	err := g.Wait()
	a.ready.Store(false)
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// inboxLoop is the cooperative scheduler: one goroutine drains the inbox so
// at most one handler runs at a time.
func (a *Agent) inboxLoop(ctx context.Context) error {
	for {
		select {
		case t := <-a.inbox:
			t(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// intervalLoop fires one interval or schedule task. Firings are queued onto
// the inbox; a firing that would overlap the previous one still running is
// skipped rather than queued up behind it.
func (a *Agent) intervalLoop(ctx context.Context, t *intervalTask) error {
	for {
		var wait time.Duration
		if t.schedule != nil {
			now := a.clock.Now()
			wait = t.schedule.Next(now).Sub(now)
		} else {
			wait = t.period
		}
		select {
		case <-a.clock.After(wait):
			a.fireInterval(ctx, t)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) fireInterval(ctx context.Context, t *intervalTask) {
	if !t.running.CompareAndSwap(false, true) {
		a.log.Warn("interval handler still running, skipping tick")
		a.bus.Publish(events.Event{
			Type:    events.EventIntervalSkipped,
			Agent:   a.name,
			Address: a.address,
		})
		return
	}
	job := func(runCtx context.Context) {
		defer t.running.Store(false)
		ictx := &internalCtx{agent: a, session: newSession(), log: a.log}
		start := a.clock.Now()
		err := a.invoke(func() error { return t.handler(ictx) })
		metrics.HandlerDuration.Observe(a.clock.Since(start).Seconds())
		if err != nil {
			metrics.HandlerErrors.Inc()
			a.log.Error("interval handler failed", "error", err)
		}
	}
	select {
	case a.inbox <- job:
	case <-ctx.Done():
		t.running.Store(false)
	}
}

// registrationLoop publishes the agent's presence immediately and then on
// every tick. Failures are logged and retried next tick.
func (a *Agent) registrationLoop(ctx context.Context) error {
	a.register(ctx)
	for {
		select {
		case <-a.clock.After(a.registrationTick):
			a.register(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) register(ctx context.Context) {
	info := almanac.AgentInfo{
		Identity:  a.identity,
		Address:   a.address,
		Endpoints: registrationEndpoints(a.endpoints),
		Protocols: a.Protocols(),
	}
	if err := a.policy.Register(ctx, info); err != nil {
		metrics.RegistrationAttempts.WithLabelValues("error").Inc()
		a.log.Warn("registration failed", "error", err)
		a.bus.Publish(events.Event{
			Type:    events.EventRegistrationFail,
			Agent:   a.name,
			Address: a.address,
			Detail:  err.Error(),
		})
		return
	}
	metrics.RegistrationAttempts.WithLabelValues("ok").Inc()
	a.bus.Publish(events.Event{Type: events.EventRegistrationOK, Agent: a.name, Address: a.address})
}

// shutdown runs shutdown handlers under a bounded deadline.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sctx := &internalCtx{agent: a, session: newSession(), log: a.log}
		for _, h := range a.shutdownHandlers {
			if err := a.invoke(func() error { return h(sctx) }); err != nil {
				a.log.Error("shutdown handler failed", "error", err)
			}
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown handlers abandoned", "timeout", DefaultShutdownTimeout)
	}
	a.bus.Publish(events.Event{Type: events.EventAgentStopped, Agent: a.name, Address: a.address})
	a.log.Info("agent stopped")
}
