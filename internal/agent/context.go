package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/model"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
	"github.com/Will-Luck/Agent-Courier/internal/store"
)

// internalCtx is the Context for interval, schedule, and event handlers.
// It performs no reply validation.
type internalCtx struct {
	agent   *Agent
	session uuid.UUID
	log     *slog.Logger
}

func (c *internalCtx) Agent() protocol.AgentRepresentation { return c.agent.rep }
func (c *internalCtx) Storage() store.KV                   { return c.agent.storage }
func (c *internalCtx) Logger() *slog.Logger                { return c.log }
func (c *internalCtx) Session() uuid.UUID                  { return c.session }

func (c *internalCtx) Send(ctx context.Context, target string, msg any) dispenser.MsgStatus {
	return c.agent.send(ctx, c.session, target, msg)
}

func (c *internalCtx) SendAndReceive(ctx context.Context, target string, msg any, timeout time.Duration, opts ...protocol.SendOption) (any, error) {
	return c.agent.sendAndReceive(ctx, c.session, target, msg, timeout, protocol.ApplySendOptions(opts))
}

func (c *internalCtx) Broadcast(ctx context.Context, protocolDigest string, msg any, limit int) []dispenser.MsgStatus {
	return c.agent.broadcast(ctx, protocolDigest, msg, limit)
}

func (c *internalCtx) SendWalletMessage(ctx context.Context, text string) error {
	return c.agent.sendWalletMessage(ctx, text)
}

func (c *internalCtx) AgentsByProtocol(ctx context.Context, protocolDigest string, limit int) ([]string, error) {
	return c.agent.agentsByProtocol(ctx, protocolDigest, limit)
}

func (c *internalCtx) SessionHistory() []envelope.HistoryEntry {
	return c.agent.sessionHistory(c.session)
}

// externalCtx is the Context for message handlers. Outbound sends are
// validated against the inbound message's declared reply set; violations
// warn by default and fail the send in strict mode.
type externalCtx struct {
	internalCtx
	sender  string // inbound envelope sender
	inbound string // inbound schema digest
	replies map[string]bool
	strict  bool
}

func newExternalCtx(a *Agent, session uuid.UUID, sender, schemaDigest string, log *slog.Logger) *externalCtx {
	replySet := make(map[string]bool)
	for _, d := range a.replies(schemaDigest) {
		replySet[d] = true
	}
	return &externalCtx{
		internalCtx: internalCtx{agent: a, session: session, log: log},
		sender:      sender,
		inbound:     schemaDigest,
		replies:     replySet,
		strict:      a.strictReplies,
	}
}

func (c *externalCtx) Send(ctx context.Context, target string, msg any) dispenser.MsgStatus {
	if status, violated := c.checkReply(msg); violated {
		return status
	}
	return c.agent.send(ctx, c.session, target, msg)
}

func (c *externalCtx) SendAndReceive(ctx context.Context, target string, msg any, timeout time.Duration, opts ...protocol.SendOption) (any, error) {
	if status, violated := c.checkReply(msg); violated {
		return nil, fmt.Errorf("reply validation failed: %s", status.Detail)
	}
	return c.agent.sendAndReceive(ctx, c.session, target, msg, timeout, protocol.ApplySendOptions(opts))
}

// checkReply validates an outbound message against the inbound reply set.
// An empty declared set allows anything.
func (c *externalCtx) checkReply(msg any) (dispenser.MsgStatus, bool) {
	if len(c.replies) == 0 {
		return dispenser.MsgStatus{}, false
	}
	digest, err := model.Digest(msg)
	if err != nil {
		return dispenser.MsgStatus{
			Status:  dispenser.StatusFailed,
			Detail:  err.Error(),
			Session: c.session,
		}, true
	}
	if c.replies[digest] {
		return dispenser.MsgStatus{}, false
	}

	detail := fmt.Sprintf("%s is not a declared reply to %s", digest, c.inbound)
	if c.strict {
		return dispenser.MsgStatus{
			Status:  dispenser.StatusFailed,
			Detail:  detail,
			Session: c.session,
		}, true
	}
	c.log.Warn("outbound message violates reply set",
		"schema", digest,
		"in_reply_to", c.inbound,
	)
	return dispenser.MsgStatus{}, false
}
