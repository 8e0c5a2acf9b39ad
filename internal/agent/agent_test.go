package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/dispenser"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/events"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
	"github.com/Will-Luck/Agent-Courier/internal/model"
	"github.com/Will-Luck/Agent-Courier/internal/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ping struct {
	Text string `json:"text"`
}

type pong struct {
	Text string `json:"text"`
}

type silence struct {
	Text string `json:"text"`
}

func waitReady(t *testing.T, agents ...*Agent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, a := range agents {
		for !a.Ready() {
			if time.Now().After(deadline) {
				t.Fatalf("agent %s never became ready", a.Name())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPingPongBetweenBureauAgents(t *testing.T) {
	b := NewBureau(BureauOptions{Log: discard()})

	bob, err := b.Spawn(Options{Name: "bob", Seed: "bob test seed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.OnMessage(ping{}, func(ctx protocol.Context, sender string, msg any) error {
		p := msg.(*ping)
		ctx.Send(context.Background(), sender, pong{Text: p.Text})
		return nil
	}, pong{}); err != nil {
		t.Fatal(err)
	}

	alice, err := b.Spawn(Options{Name: "alice", Seed: "alice test seed"})
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 1)
	if err := alice.OnMessage(pong{}, func(_ protocol.Context, _ string, msg any) error {
		got <- msg.(*pong).Text
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	waitReady(t, alice, bob)

	status := alice.send(ctx, uuid.New(), bob.Address(), ping{Text: "hello"})
	if status.Status != dispenser.StatusDelivered {
		t.Fatalf("send: status %s, detail %s", status.Status, status.Detail)
	}

	select {
	case text := <-got:
		if text != "hello" {
			t.Errorf("pong text = %q, want %q", text, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}

	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Errorf("bureau run: %v", err)
	}
}

func TestSendAndReceiveReply(t *testing.T) {
	b := NewBureau(BureauOptions{Log: discard()})

	bob, err := b.Spawn(Options{Name: "bob", Seed: "bob test seed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.OnMessage(ping{}, func(ctx protocol.Context, sender string, msg any) error {
		ctx.Send(context.Background(), sender, pong{Text: "reply:" + msg.(*ping).Text})
		return nil
	}, pong{}); err != nil {
		t.Fatal(err)
	}
	if err := bob.OnMessage(silence{}, func(protocol.Context, string, any) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	alice, err := b.Spawn(Options{Name: "alice", Seed: "alice test seed"})
	if err != nil {
		t.Fatal(err)
	}
	// Registering the reply model lets SendAndReceive decode it.
	if err := alice.OnMessage(pong{}, func(protocol.Context, string, any) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	waitReady(t, alice, bob)

	reply, err := alice.sendAndReceive(ctx, uuid.New(), bob.Address(), ping{Text: "q"}, 2*time.Second, protocol.SendOptions{})
	if err != nil {
		t.Fatalf("sendAndReceive: %v", err)
	}
	p, ok := reply.(*pong)
	if !ok {
		t.Fatalf("reply type %T, want *pong", reply)
	}
	if p.Text != "reply:q" {
		t.Errorf("reply text = %q, want %q", p.Text, "reply:q")
	}

	// A handler that never replies must time out.
	if _, err := alice.sendAndReceive(ctx, uuid.New(), bob.Address(), silence{Text: "x"}, 100*time.Millisecond, protocol.SendOptions{}); err == nil {
		t.Error("expected timeout waiting for a reply that never comes")
	}
}

func TestDispatchSyncReturnsHandlerReply(t *testing.T) {
	b := NewBureau(BureauOptions{Log: discard()})

	bob, err := b.Spawn(Options{Name: "bob", Seed: "bob test seed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.OnMessage(ping{}, func(ctx protocol.Context, sender string, msg any) error {
		ctx.Send(context.Background(), sender, pong{Text: "sync"})
		return nil
	}, pong{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	waitReady(t, bob)

	sender, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	digest, err := model.Digest(ping{})
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(ping{Text: "q"})
	env := envelope.New(sender.Address(), bob.Address(), uuid.New(), digest, "")
	env.EncodePayload(payload)
	if err := env.Sign(sender.Sign); err != nil {
		t.Fatal(err)
	}

	reply, err := b.DispatchSync(ctx, env)
	if err != nil {
		t.Fatalf("DispatchSync: %v", err)
	}
	if reply.Target != sender.Address() {
		t.Errorf("reply target = %s, want sender %s", reply.Target, sender.Address())
	}
	raw, err := reply.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	var p pong
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatal(err)
	}
	if p.Text != "sync" {
		t.Errorf("reply text = %q, want %q", p.Text, "sync")
	}
}

func TestIntervalOverrunSkipsTicks(t *testing.T) {
	bus := events.New()
	a, err := New(Options{Name: "ticker", Bus: bus, Log: discard()})
	if err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	if err := a.OnInterval(10*time.Millisecond, func(protocol.Context) error {
		runs.Add(1)
		time.Sleep(150 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	skipped, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	var skips int
	for {
		select {
		case evt := <-skipped:
			if evt.Type == events.EventIntervalSkipped {
				skips++
			}
			continue
		default:
		}
		break
	}
	if skips == 0 {
		t.Error("expected at least one skipped tick")
	}
	if n := runs.Load(); n == 0 || n > 5 {
		t.Errorf("handler ran %d times, want a small nonzero count", n)
	}
}

func TestReplyValidation(t *testing.T) {
	strict, err := New(Options{Name: "strict", StrictReplies: true, Log: discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := strict.OnMessage(ping{}, func(protocol.Context, string, any) error {
		return nil
	}, pong{}); err != nil {
		t.Fatal(err)
	}
	if err := strict.setup(); err != nil {
		t.Fatal(err)
	}

	inbound, err := model.Digest(ping{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := newExternalCtx(strict, uuid.New(), "agent1sender", inbound, strict.log)

	status := ctx.Send(context.Background(), strict.Address(), silence{Text: "bad"})
	if status.Status != dispenser.StatusFailed {
		t.Fatalf("strict send: status %s, want failed", status.Status)
	}
	if !strings.Contains(status.Detail, "not a declared reply") {
		t.Errorf("strict send detail = %q, want reply violation", status.Detail)
	}

	// A declared reply passes validation and short-circuits locally.
	status = ctx.Send(context.Background(), strict.Address(), pong{Text: "ok"})
	if status.Status != dispenser.StatusDelivered {
		t.Errorf("declared reply: status %s, detail %s", status.Status, status.Detail)
	}

	lax, err := New(Options{Name: "lax", Log: discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := lax.OnMessage(ping{}, func(protocol.Context, string, any) error {
		return nil
	}, pong{}); err != nil {
		t.Fatal(err)
	}
	if err := lax.setup(); err != nil {
		t.Fatal(err)
	}
	lctx := newExternalCtx(lax, uuid.New(), "agent1sender", inbound, lax.log)

	// Non-strict mode warns but still delivers.
	status = lctx.Send(context.Background(), lax.Address(), silence{Text: "tolerated"})
	if status.Status != dispenser.StatusDelivered {
		t.Errorf("lax send: status %s, detail %s", status.Status, status.Detail)
	}
}

func TestBureauDirectory(t *testing.T) {
	b := NewBureau(BureauOptions{Log: discard()})

	proto := protocol.New("weather", "1.0.0")
	if err := proto.OnMessage(ping{}, func(protocol.Context, string, any) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	manifest, err := proto.Manifest()
	if err != nil {
		t.Fatal(err)
	}

	bob, err := b.Spawn(Options{Name: "bob", Seed: "bob test seed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.Include(proto); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Spawn(Options{Name: "alice", Seed: "alice test seed"}); err != nil {
		t.Fatal(err)
	}

	found, err := b.AgentsByProtocol(context.Background(), manifest.Metadata.Digest, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0] != bob.Address() {
		t.Errorf("AgentsByProtocol = %v, want [%s]", found, bob.Address())
	}
}

func TestDeterministicIdentityFromSeed(t *testing.T) {
	a1, err := New(Options{Name: "a", Seed: "fixed seed"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := New(Options{Name: "a", Seed: "fixed seed", Dispatcher: a1.router})
	if err != nil {
		t.Fatal(err)
	}
	if a1.Address() != a2.Address() {
		t.Errorf("same seed produced different addresses: %s vs %s", a1.Address(), a2.Address())
	}

	b, err := New(Options{Name: "b", Seed: "fixed seed", SeedIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if b.Address() == a1.Address() {
		t.Error("different seed index produced the same address")
	}
}
