package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/config"
	"github.com/Will-Luck/Agent-Courier/internal/model"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
)

// ErrorMessage reports a handler failure back to the message's sender.
type ErrorMessage struct {
	Error string `json:"error"`
}

// ManifestQuery asks an agent for the manifest of a protocol it advertises.
type ManifestQuery struct {
	Digest string `json:"digest"`
}

// ManifestReply answers a ManifestQuery with the manifest JSON, or an error
// when the digest is not served here.
type ManifestReply struct {
	Manifest json.RawMessage `json:"manifest,omitempty"`
	Error    string          `json:"error,omitempty"`
}

var (
	errDigestOnce sync.Once
	errDigest     string
)

// errorMessageDigest is cached so the error path never recomputes a schema.
func errorMessageDigest() string {
	errDigestOnce.Do(func() {
		errDigest, _ = model.Digest(ErrorMessage{})
	})
	return errDigest
}

// builtinProtocol is included into every agent: manifest introspection and
// the error report sink.
func builtinProtocol(a *Agent) *protocol.Protocol {
	p := protocol.New("internal", "0.1.0")

	_ = p.OnQuery(ManifestQuery{}, func(ctx protocol.Context, sender string, msg any) error {
		q := msg.(*ManifestQuery)
		reply := ManifestReply{}
		if m, ok := a.Manifest(q.Digest); ok {
			raw, err := json.Marshal(m)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Manifest = raw
			}
		} else {
			reply.Error = "unknown protocol digest"
		}
		ctx.Send(context.Background(), sender, reply)
		return nil
	}, ManifestReply{})

	_ = p.OnMessage(ErrorMessage{}, func(ctx protocol.Context, sender string, msg any) error {
		e := msg.(*ErrorMessage)
		ctx.Logger().Warn("peer reported error", "peer", sender, "error", e.Error)
		return nil
	})

	return p
}

func newSession() uuid.UUID { return uuid.New() }

func registrationEndpoints(eps []config.Endpoint) []almanac.Endpoint {
	out := make([]almanac.Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, almanac.Endpoint{URL: ep.URL, Weight: ep.Weight})
	}
	return out
}
