package envelope

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

func testEnvelope(t *testing.T) (*Envelope, *identity.Identity) {
	t.Helper()
	sender, err := identity.FromSeed("envelope-test-sender", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	target, err := identity.FromSeed("envelope-test-target", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	e := New(sender.Address(), target.Address(), uuid.New(), "model:abc", "proto:def")
	e.EncodePayload([]byte(`{"text":"ping"}`))
	return e, sender
}

func TestRoundTrip(t *testing.T) {
	e, id := testEnvelope(t)
	if err := e.Sign(id.Sign); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if *got != *e {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, e)
	}
	if err := got.Verify(); err != nil {
		t.Errorf("Verify after round trip: %v", err)
	}
}

func TestSignIdempotent(t *testing.T) {
	e, id := testEnvelope(t)
	if err := e.Sign(id.Sign); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	first := e.Signature
	if err := e.Sign(id.Sign); err != nil {
		t.Fatalf("Sign again: %v", err)
	}
	if e.Signature != first {
		t.Error("signing the same envelope twice produced different signatures")
	}
}

func TestVerifyUnsigned(t *testing.T) {
	e, _ := testEnvelope(t)
	if err := e.Verify(); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("Verify unsigned = %v, want ErrMissingSignature", err)
	}
}

func TestVerifyTamper(t *testing.T) {
	mutations := map[string]func(*Envelope){
		"sender": func(e *Envelope) {
			other, _ := identity.FromSeed("envelope-test-other", 0)
			e.Sender = other.Address()
		},
		"target": func(e *Envelope) {
			other, _ := identity.FromSeed("envelope-test-other", 0)
			e.Target = other.Address()
		},
		"payload": func(e *Envelope) {
			raw, _ := e.DecodePayload()
			raw[0] ^= 0x01
			e.Payload = base64.StdEncoding.EncodeToString(raw)
		},
		"session": func(e *Envelope) { e.Session = uuid.New() },
		"schema":  func(e *Envelope) { e.SchemaDigest = "model:tampered" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e, id := testEnvelope(t)
			if err := e.Sign(id.Sign); err != nil {
				t.Fatalf("Sign: %v", err)
			}
			mutate(e)
			if err := e.Verify(); !errors.Is(err, ErrBadSignature) {
				t.Errorf("Verify after tampering %s = %v, want ErrBadSignature", name, err)
			}
		})
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	e, id := testEnvelope(t)
	if err := e.Sign(id.Sign); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, _ := e.Marshal()
	withExtra := append([]byte(`{"future_field":42,`), data[1:]...)

	got, err := Unmarshal(withExtra)
	if err != nil {
		t.Fatalf("Unmarshal with unknown key: %v", err)
	}
	if err := got.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid, _ := testEnvelope(t)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"bad version", func(e *Envelope) { e.Version = 2 }},
		{"bad sender", func(e *Envelope) { e.Sender = "not-an-address" }},
		{"bad target", func(e *Envelope) { e.Target = "agent1garbage" }},
		{"nil session", func(e *Envelope) { e.Session = uuid.Nil }},
		{"no schema", func(e *Envelope) { e.SchemaDigest = "" }},
		{"bad payload", func(e *Envelope) { e.Payload = "%%%not-base64%%%" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := *valid
			tt.mutate(&e)
			if err := e.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate = %v, want ErrInvalid", err)
			}
		})
	}

	if err := valid.Validate(); err != nil {
		t.Errorf("Validate well-formed envelope = %v", err)
	}
}

func TestExpiry(t *testing.T) {
	e, _ := testEnvelope(t)
	now := time.Now()
	if e.IsExpired(now) {
		t.Error("envelope without expiry reported expired")
	}
	e.Expires = now.Add(-time.Minute).Unix()
	if !e.IsExpired(now) {
		t.Error("past expiry not detected")
	}
	e.Expires = now.Add(time.Minute).Unix()
	if e.IsExpired(now) {
		t.Error("future expiry reported expired")
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	e, _ := testEnvelope(t)
	e.Payload = ""
	raw, err := e.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if raw != nil {
		t.Errorf("empty payload decoded to %q", raw)
	}
	// Digest must still be computable for payload-less envelopes.
	if _, err := e.Digest(); err != nil {
		t.Errorf("Digest without payload: %v", err)
	}
}
