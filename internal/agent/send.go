package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Will-Luck/Agent-Courier/internal/dispatch"
	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
	"github.com/Will-Luck/Agent-Courier/internal/wallet"
)

// DefaultSendTimeout bounds SendAndReceive when the caller passes no
// timeout.
const DefaultSendTimeout = 30 * time.Second

// broadcastConcurrency bounds parallel sends during Broadcast.
const broadcastConcurrency = 8

// ErrNoRoute is returned when a target cannot be resolved to any endpoint.
var ErrNoRoute = errors.New("no route to target")

// send builds, signs, and delivers one envelope. Local targets
// short-circuit through the dispatcher; remote targets go through the
// resolver and dispenser.
func (a *Agent) send(ctx context.Context, session uuid.UUID, target string, msg any) dispenser.MsgStatus {
	if session == uuid.Nil {
		session = uuid.New()
	}

	env, err := a.buildEnvelope(session, target, msg)
	if err != nil {
		return dispenser.MsgStatus{
			Status:      dispenser.StatusFailed,
			Detail:      err.Error(),
			Destination: target,
			Session:     session,
		}
	}
	return a.deliverEnvelope(ctx, env, false)
}

// buildEnvelope encodes and signs msg for a target identifier. When the
// target is a name the address is filled in after resolution.
func (a *Agent) buildEnvelope(session uuid.UUID, target string, msg any) (*envelope.Envelope, error) {
	digest, err := a.registry.Register(msg)
	if err != nil {
		return nil, fmt.Errorf("register outbound model: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	_, address := identity.Parse(target)
	if address == "" {
		address = target // a bare name; resolution fills the address later
	}

	a.mu.RLock()
	protoDigest := a.schemaProtocol[digest]
	a.mu.RUnlock()

	env := envelope.New(a.address, address, session, digest, protoDigest)
	env.EncodePayload(payload)
	if err := env.Sign(a.identity.Sign); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return env, nil
}

// deliverEnvelope routes a signed envelope: sync waiter, local dispatch,
// then remote resolution.
func (a *Agent) deliverEnvelope(ctx context.Context, env *envelope.Envelope, sync bool) dispenser.MsgStatus {
	if a.fulfillSyncWaiter(env) {
		a.recordOutbound(env)
		return dispenser.MsgStatus{
			Status:      dispenser.StatusDelivered,
			Detail:      "delivered to waiting request",
			Destination: env.Target,
			Session:     env.Session,
		}
	}

	if a.router.Contains(env.Target) {
		if err := a.router.Dispatch(ctx, env); err != nil {
			return dispenser.MsgStatus{
				Status:      dispenser.StatusFailed,
				Detail:      err.Error(),
				Destination: env.Target,
				Session:     env.Session,
			}
		}
		a.recordOutbound(env)
		return dispenser.MsgStatus{
			Status:      dispenser.StatusDelivered,
			Detail:      "delivered locally",
			Destination: env.Target,
			Session:     env.Session,
		}
	}

	if a.resolver == nil {
		return dispenser.MsgStatus{
			Status:      dispenser.StatusFailed,
			Detail:      ErrNoRoute.Error() + ": no resolver configured",
			Destination: env.Target,
			Session:     env.Session,
		}
	}
	address, endpoints, err := a.resolver.Resolve(ctx, env.Target)
	if err != nil || address == "" || len(endpoints) == 0 {
		detail := ErrNoRoute.Error()
		if err != nil {
			detail += ": " + err.Error()
		}
		a.bus.Publish(events.Event{
			Type:    events.EventDeliveryFailed,
			Agent:   a.name,
			Address: a.address,
			Session: env.Session.String(),
			Detail:  detail,
		})
		return dispenser.MsgStatus{
			Status:      dispenser.StatusFailed,
			Detail:      detail,
			Destination: env.Target,
			Session:     env.Session,
		}
	}

	// A name target gets its resolved address patched in and is re-signed,
	// since the target feeds the signing digest.
	if env.Target != address {
		env.Target = address
		if err := env.Sign(a.identity.Sign); err != nil {
			return dispenser.MsgStatus{
				Status:      dispenser.StatusFailed,
				Detail:      err.Error(),
				Destination: env.Target,
				Session:     env.Session,
			}
		}
	}

	status := a.disp.Send(ctx, env, endpoints, sync)
	if status.Status == dispenser.StatusFailed {
		a.bus.Publish(events.Event{
			Type:    events.EventDeliveryFailed,
			Agent:   a.name,
			Address: a.address,
			Session: env.Session.String(),
			Detail:  status.Detail,
		})
	} else {
		a.recordOutbound(env)
	}
	return status
}

// sendAndReceive sends and parks the calling handler until a reply arrives
// on the session or the timeout elapses. The reply is decoded when its
// schema is registered, otherwise returned as the raw envelope.
func (a *Agent) sendAndReceive(ctx context.Context, session uuid.UUID, target string, msg any, timeout time.Duration, opts protocol.SendOptions) (any, error) {
	if session == uuid.Nil {
		session = uuid.New()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	ch := a.futures.register(session)
	env, err := a.buildEnvelope(session, target, msg)
	if err != nil {
		a.futures.cancel(session)
		return nil, err
	}

	status := a.deliverEnvelope(ctx, env, true)
	if status.Status == dispenser.StatusFailed {
		a.futures.cancel(session)
		return nil, fmt.Errorf("send failed: %s", status.Detail)
	}

	select {
	case reply := <-ch:
		if err := reply.Verify(); err != nil {
			if !opts.AllowUnverified || !errors.Is(err, envelope.ErrMissingSignature) {
				return nil, fmt.Errorf("reply rejected: %w", err)
			}
		}
		return a.decodeReply(reply)
	case <-a.clock.After(timeout):
		a.futures.cancel(session)
		return nil, fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		a.futures.cancel(session)
		return nil, ctx.Err()
	}
}

func (a *Agent) decodeReply(env *envelope.Envelope) (any, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	if _, known := a.registry.Lookup(env.SchemaDigest); !known {
		return env, nil
	}
	return a.registry.Decode(env.SchemaDigest, payload)
}

// broadcast sends msg to every agent advertising the protocol digest, up
// to limit, each on its own session.
func (a *Agent) broadcast(ctx context.Context, protocolDigest string, msg any, limit int) []dispenser.MsgStatus {
	addresses, err := a.agentsByProtocol(ctx, protocolDigest, limit)
	if err != nil {
		return []dispenser.MsgStatus{{
			Status: dispenser.StatusFailed,
			Detail: "directory lookup failed: " + err.Error(),
		}}
	}
	if len(addresses) == 0 {
		return nil
	}

	statuses := make([]dispenser.MsgStatus, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for i, address := range addresses {
		g.Go(func() error {
			statuses[i] = a.send(gctx, uuid.New(), address, msg)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (a *Agent) agentsByProtocol(ctx context.Context, protocolDigest string, limit int) ([]string, error) {
	if a.directory == nil {
		return nil, nil
	}
	return a.directory.AgentsByProtocol(ctx, protocolDigest, limit)
}

func (a *Agent) sendWalletMessage(ctx context.Context, text string) error {
	if a.walletOut == nil {
		return errors.New("no wallet messenger configured")
	}
	a.walletOut.Send(ctx, wallet.Message{
		Agent:     a.address,
		Text:      text,
		Timestamp: a.clock.Now(),
	})
	return nil
}

func (a *Agent) sessionHistory(session uuid.UUID) []envelope.HistoryEntry {
	if a.history == nil {
		return nil
	}
	return a.history.Session(session)
}

func (a *Agent) recordOutbound(env *envelope.Envelope) {
	if a.history != nil {
		a.history.Add(env)
	}
	a.bus.Publish(events.Event{
		Type:    events.EventEnvelopeDelivery,
		Agent:   a.name,
		Address: a.address,
		Session: env.Session.String(),
		Schema:  env.SchemaDigest,
	})
}

// fulfillSyncWaiter completes a pending synchronous HTTP request when the
// outbound envelope answers it.
func (a *Agent) fulfillSyncWaiter(env *envelope.Envelope) bool {
	a.syncMu.Lock()
	w, ok := a.syncWaiters[env.Session]
	if ok && w.sender == env.Target {
		delete(a.syncWaiters, env.Session)
	} else {
		ok = false
	}
	a.syncMu.Unlock()
	if !ok {
		return false
	}
	w.ch <- env
	return true
}

// handleResponse routes a sync reply from the dispenser: a parked
// SendAndReceive gets it first, otherwise it is dispatched like any
// inbound envelope.
func (a *Agent) handleResponse(ctx context.Context, env *envelope.Envelope) {
	if a.futures.fulfill(env) {
		return
	}
	if err := a.router.Dispatch(ctx, env); err != nil && !errors.Is(err, dispatch.ErrNoLocalAgent) {
		a.log.Warn("sync response dispatch failed", "error", err)
	}
}

// Contains implements web.EnvelopeHandler for a standalone agent.
func (a *Agent) Contains(address string) bool {
	return a.router.Contains(address)
}

// Dispatch implements web.EnvelopeHandler.
func (a *Agent) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	return a.router.Dispatch(ctx, env)
}

// DispatchSync dispatches an inbound envelope and waits for the handler's
// reply to the sender on the same session.
func (a *Agent) DispatchSync(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	w := &syncWaiter{sender: env.Sender, ch: make(chan *envelope.Envelope, 1)}
	a.syncMu.Lock()
	a.syncWaiters[env.Session] = w
	a.syncMu.Unlock()
	defer func() {
		a.syncMu.Lock()
		delete(a.syncWaiters, env.Session)
		a.syncMu.Unlock()
	}()

	if err := a.router.Dispatch(ctx, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-a.clock.After(DefaultSendTimeout):
		return nil, fmt.Errorf("no reply within %s", DefaultSendTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
