// Package envelope implements the signed message container carried between
// agents: wire encoding, the signing digest, and verification against the
// sender address.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

// Version is the current envelope wire format version.
const Version = 1

// MaxPayloadSize bounds the decoded payload; larger envelopes are rejected
// as invalid before any handler sees them.
const MaxPayloadSize = 4 << 20

var (
	// ErrInvalid marks envelopes that fail structural validation.
	ErrInvalid = errors.New("invalid envelope")
	// ErrMissingSignature aliases the identity error for callers that only
	// import this package.
	ErrMissingSignature = identity.ErrMissingSignature
	// ErrBadSignature aliases the identity error for callers that only
	// import this package.
	ErrBadSignature = identity.ErrBadSignature
)

// Envelope is the wire container for one message. Field order matches the
// wire serialization order.
type Envelope struct {
	Version        int       `json:"version"`
	Sender         string    `json:"sender"`
	Target         string    `json:"target"`
	Session        uuid.UUID `json:"session"`
	SchemaDigest   string    `json:"schema_digest"`
	ProtocolDigest string    `json:"protocol_digest,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	Expires        int64     `json:"expires,omitempty"`
	Nonce          *uint64   `json:"nonce,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// New creates an unsigned envelope for a message payload.
func New(sender, target string, session uuid.UUID, schemaDigest, protocolDigest string) *Envelope {
	return &Envelope{
		Version:        Version,
		Sender:         sender,
		Target:         target,
		Session:        session,
		SchemaDigest:   schemaDigest,
		ProtocolDigest: protocolDigest,
	}
}

// EncodePayload sets the payload to the base64 encoding of the message JSON.
func (e *Envelope) EncodePayload(msg []byte) {
	e.Payload = base64.StdEncoding.EncodeToString(msg)
}

// DecodePayload returns the decoded payload bytes, or nil when the envelope
// carries none.
func (e *Envelope) DecodePayload() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrInvalid, err)
	}
	return raw, nil
}

// Digest computes the signing digest: sha256 over sender, target, decoded
// payload (or empty), session bytes, and schema digest, in that order. The
// signature covers this digest, not the JSON, so it is representation
// independent.
func (e *Envelope) Digest() ([]byte, error) {
	payload, err := e.DecodePayload()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(e.Sender))
	h.Write([]byte(e.Target))
	h.Write(payload)
	h.Write(e.Session[:])
	h.Write([]byte(e.SchemaDigest))
	return h.Sum(nil), nil
}

// SignFunc signs a digest and returns the signature string.
type SignFunc func(digest []byte) string

// Sign computes the envelope digest and stores the signature produced by fn.
// Signing twice with the same identity produces the same signature for
// ed25519 and deterministic-nonce secp256k1.
func (e *Envelope) Sign(fn SignFunc) error {
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	e.Signature = fn(digest)
	return nil
}

// Verify checks the signature against the sender address. Returns
// ErrMissingSignature when unsigned and ErrBadSignature on any mismatch,
// including a tampered payload.
func (e *Envelope) Verify() error {
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	return identity.Verify(e.Sender, digest, e.Signature)
}

// IsExpired reports whether the envelope's expiry has passed. Envelopes
// without an expiry never expire.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.Expires != 0 && now.Unix() > e.Expires
}

// Validate performs structural checks on a decoded envelope: version,
// addresses, session, schema digest, and payload size.
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, e.Version)
	}
	if err := identity.ValidateAddress(e.Sender); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrInvalid, err)
	}
	if err := identity.ValidateAddress(e.Target); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalid, err)
	}
	if e.Session == uuid.Nil {
		return fmt.Errorf("%w: missing session", ErrInvalid)
	}
	if e.SchemaDigest == "" {
		return fmt.Errorf("%w: missing schema digest", ErrInvalid)
	}
	if base64.StdEncoding.DecodedLen(len(e.Payload)) > MaxPayloadSize {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalid, MaxPayloadSize)
	}
	if _, err := e.DecodePayload(); err != nil {
		return err
	}
	return nil
}

// Marshal serializes the envelope to its wire JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes wire JSON into an envelope and validates it. Unknown
// top-level keys are ignored.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
