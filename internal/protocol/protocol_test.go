package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/Agent-Courier/internal/model"
)

type Ping struct {
	Text string `json:"text"`
}

type Pong struct {
	Text string `json:"text"`
}

type Ack struct {
	OK bool `json:"ok"`
}

func nopHandler(Context, string, any) error { return nil }

func TestCanonicalName(t *testing.T) {
	p := New("chat", "1.2.0")
	if got := p.CanonicalName(); got != "chat:1.2.0" {
		t.Errorf("CanonicalName = %q, want chat:1.2.0", got)
	}

	// Version defaults when blank.
	p = New("chat", "")
	if got := p.CanonicalName(); got != "chat:0.1.0" {
		t.Errorf("CanonicalName = %q, want chat:0.1.0", got)
	}
}

func TestOnMessageRegistersModelAndReplies(t *testing.T) {
	p := New("chat", "1.0.0")
	if err := p.OnMessage(Ping{}, nopHandler, Pong{}); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}

	pingDigest := model.MustDigest(Ping{})
	pongDigest := model.MustDigest(Pong{})

	if _, ok := p.SignedHandler(pingDigest); !ok {
		t.Error("no signed handler registered for Ping")
	}
	if _, ok := p.UnsignedHandler(pingDigest); ok {
		t.Error("Ping registered as unsigned, want signed by default")
	}

	replies := p.Replies(pingDigest)
	if len(replies) != 1 || replies[0] != pongDigest {
		t.Errorf("Replies = %v, want [%s]", replies, pongDigest)
	}

	// The reply model's schema is registered even without its own handler.
	if _, ok := p.Models()[pongDigest]; !ok {
		t.Error("reply model Pong not in Models()")
	}
}

func TestDuplicateHandlerConflicts(t *testing.T) {
	p := New("chat", "1.0.0")
	if err := p.OnMessage(Ping{}, nopHandler); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	err := p.OnUnsignedMessage(Ping{}, nopHandler)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second handler registration = %v, want ErrConflict", err)
	}
}

func TestOnIntervalRegistersMessages(t *testing.T) {
	p := New("heartbeat", "1.0.0")
	if err := p.OnInterval(time.Second, func(Context) error { return nil }, Ping{}); err != nil {
		t.Fatalf("OnInterval: %v", err)
	}

	if len(p.Intervals()) != 1 || p.Intervals()[0].Period != time.Second {
		t.Errorf("Intervals = %+v", p.Intervals())
	}
	pingDigest := model.MustDigest(Ping{})
	msgs := p.IntervalMessages()
	if len(msgs) != 1 || msgs[0] != pingDigest {
		t.Errorf("IntervalMessages = %v, want [%s]", msgs, pingDigest)
	}

	if err := p.OnInterval(0, func(Context) error { return nil }); err == nil {
		t.Error("OnInterval with zero period succeeded, want error")
	}
}

func TestManifestShape(t *testing.T) {
	p := New("chat", "1.0.0")
	if err := p.OnMessage(Ping{}, nopHandler, Pong{}); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if err := p.OnQuery(Ack{}, nopHandler); err != nil {
		t.Fatalf("OnQuery: %v", err)
	}

	m, err := p.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}

	if m.Version != "1.0" {
		t.Errorf("manifest version = %q, want 1.0", m.Version)
	}
	if m.Metadata.Name != "chat" || m.Metadata.Version != "1.0.0" {
		t.Errorf("metadata = %+v", m.Metadata)
	}
	if !strings.HasPrefix(m.Metadata.Digest, DigestPrefix) {
		t.Errorf("digest = %q, want %s prefix", m.Metadata.Digest, DigestPrefix)
	}
	if len(m.Models) != 3 {
		t.Errorf("models = %d entries, want 3", len(m.Models))
	}
	if len(m.Interactions) != 2 {
		t.Fatalf("interactions = %d entries, want 2", len(m.Interactions))
	}
	for _, in := range m.Interactions {
		switch in.Request {
		case model.MustDigest(Ping{}):
			if in.Type != "normal" {
				t.Errorf("Ping interaction type = %q, want normal", in.Type)
			}
		case model.MustDigest(Ack{}):
			if in.Type != "query" {
				t.Errorf("Ack interaction type = %q, want query", in.Type)
			}
			if len(in.Responses) != 0 {
				t.Errorf("Ack responses = %v, want empty", in.Responses)
			}
		default:
			t.Errorf("unexpected interaction request %s", in.Request)
		}
	}
}

func TestManifestDigestStable(t *testing.T) {
	build := func() *Protocol {
		p := New("chat", "1.0.0")
		if err := p.OnMessage(Ping{}, nopHandler, Pong{}); err != nil {
			t.Fatalf("OnMessage: %v", err)
		}
		return p
	}

	d1, err := build().Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := build().Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 != d2 {
		t.Errorf("digest not stable: %s vs %s", d1, d2)
	}

	// The digest field itself must not feed back into the hash: computing
	// the digest over a manifest that already carries one gives the same
	// value.
	m, _ := build().Manifest()
	again, err := manifestDigest(m)
	if err != nil {
		t.Fatalf("manifestDigest: %v", err)
	}
	if again != d1 {
		t.Errorf("recomputed digest = %s, want %s", again, d1)
	}

	// A different version produces a different digest.
	p2 := New("chat", "2.0.0")
	_ = p2.OnMessage(Ping{}, nopHandler, Pong{})
	d3, _ := p2.Digest()
	if d3 == d1 {
		t.Error("digest unchanged across protocol versions")
	}
}

func TestManifestIsCanonicalJSON(t *testing.T) {
	p := New("chat", "1.0.0")
	if err := p.OnMessage(Ping{}, nopHandler); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	m, err := p.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	var decoded Manifest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if decoded.Metadata.Digest != m.Metadata.Digest {
		t.Error("digest lost in round-trip")
	}
}
