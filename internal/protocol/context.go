package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/store"
)

// AgentRepresentation is the read-only view of the running agent that
// handlers see. It carries no reference back to the runtime.
type AgentRepresentation interface {
	Name() string
	Address() string
	// Identifier is "name/address" when the agent is named, else the bare
	// address.
	Identifier() string
	// Sign signs a digest with the agent's identity key.
	Sign(digest []byte) string
}

// Context is the handler-facing runtime surface. The agent runtime provides
// the implementations; message handlers get a reply-validating context,
// interval and event handlers an unrestricted one.
type Context interface {
	Agent() AgentRepresentation
	Storage() store.KV
	Logger() *slog.Logger
	Session() uuid.UUID

	// Send delivers a message to the target identifier and reports the
	// outcome. It never panics; failures come back in the status.
	Send(ctx context.Context, target string, msg any) dispenser.MsgStatus

	// SendAndReceive sends and parks until a reply arrives on the same
	// session or the timeout elapses.
	SendAndReceive(ctx context.Context, target string, msg any, timeout time.Duration, opts ...SendOption) (any, error)

	// Broadcast sends to every agent advertising the protocol digest, up
	// to limit. One status per resolved target.
	Broadcast(ctx context.Context, protocolDigest string, msg any, limit int) []dispenser.MsgStatus

	// SendWalletMessage pushes a free-form text to the agent's wallet
	// messaging channel.
	SendWalletMessage(ctx context.Context, text string) error

	// AgentsByProtocol returns addresses advertising the protocol digest.
	AgentsByProtocol(ctx context.Context, protocolDigest string, limit int) ([]string, error)

	// SessionHistory returns the retained transcript of the current
	// session, oldest first. Nil when history is disabled.
	SessionHistory() []envelope.HistoryEntry
}

// SendOptions adjusts one synchronous exchange.
type SendOptions struct {
	// AllowUnverified accepts an unsigned reply envelope. Signed replies
	// are verified regardless.
	AllowUnverified bool
}

// SendOption configures SendAndReceive.
type SendOption func(*SendOptions)

// AllowUnverified accepts an unsigned reply to this call.
func AllowUnverified() SendOption {
	return func(o *SendOptions) { o.AllowUnverified = true }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MessageHandler handles one inbound message. msg is a pointer to the
// decoded model registered for the schema digest.
type MessageHandler func(ctx Context, sender string, msg any) error

// IntervalHandler runs on a periodic tick.
type IntervalHandler func(ctx Context) error

// EventHandler runs on a lifecycle event (startup, shutdown).
type EventHandler func(ctx Context) error
