// Package identity implements agent key material: deterministic derivation
// from a seed phrase, bech32 address encoding, and envelope signing.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Kind selects the signature scheme of an identity.
type Kind string

const (
	Ed25519   Kind = "ed25519"
	Secp256k1 Kind = "secp256k1"
)

// Signature wire sizes. Ed25519 signatures carry the public key appended so
// a verifier holding only the sender address can check the blake2b binding;
// secp256k1 uses the 65-byte compact form whose leading byte recovers the
// public key.
const (
	ed25519SigLen = ed25519.SignatureSize + ed25519.PublicKeySize
	secpSigLen    = 65
)

var (
	// ErrMissingSignature is returned when verification is attempted on an
	// envelope without a signature.
	ErrMissingSignature = errors.New("missing signature")
	// ErrBadSignature is returned when a signature does not verify against
	// the sender address.
	ErrBadSignature = errors.New("bad signature")
)

// Identity is an agent keypair. It is immutable after construction; the
// address never changes for a fixed (seed, index).
type Identity struct {
	kind     Kind
	edPriv   ed25519.PrivateKey
	secpPriv *secp256k1.PrivateKey
	pub      []byte
	address  string
}

// FromSeed derives an ed25519 identity from a seed phrase and derivation
// index. The same inputs always produce the same address.
func FromSeed(seed string, index int) (*Identity, error) {
	if seed == "" {
		return nil, errors.New("empty seed")
	}
	if index < 0 {
		return nil, fmt.Errorf("negative derivation index %d", index)
	}
	key := deriveKeyFromSeed(seed, index)
	return fromEd25519Seed(key)
}

// FromSeedSecp256k1 derives a secp256k1 identity from a seed phrase and
// derivation index.
func FromSeedSecp256k1(seed string, index int) (*Identity, error) {
	if seed == "" {
		return nil, errors.New("empty seed")
	}
	if index < 0 {
		return nil, fmt.Errorf("negative derivation index %d", index)
	}
	priv := secp256k1.PrivKeyFromBytes(deriveKeyFromSeed(seed, index))
	if priv.Key.IsZero() {
		return nil, errors.New("derived secp256k1 key is zero")
	}
	return fromSecpKey(priv)
}

// Generate creates a random ed25519 identity.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return fromEd25519Seed(seed)
}

// GenerateSecp256k1 creates a random secp256k1 identity.
func GenerateSecp256k1() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return fromSecpKey(priv)
}

func fromEd25519Seed(seed []byte) (*Identity, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	addr, err := AddressFromPub(pub, MainnetPrefix)
	if err != nil {
		return nil, err
	}
	return &Identity{kind: Ed25519, edPriv: priv, pub: pub, address: addr}, nil
}

func fromSecpKey(priv *secp256k1.PrivateKey) (*Identity, error) {
	pub := priv.PubKey().SerializeCompressed()
	addr, err := AddressFromPub(pub, MainnetPrefix)
	if err != nil {
		return nil, err
	}
	return &Identity{kind: Secp256k1, secpPriv: priv, pub: pub, address: addr}, nil
}

// Kind returns the identity's signature scheme.
func (i *Identity) Kind() Kind { return i.kind }

// PubKey returns the raw public key bytes (32 for ed25519, 33 compressed
// for secp256k1).
func (i *Identity) PubKey() []byte { return i.pub }

// Address returns the mainnet ("agent1...") address.
func (i *Identity) Address() string { return i.address }

// AddressOn returns the address encoded with the given network prefix.
func (i *Identity) AddressOn(prefix string) (string, error) {
	return AddressFromPub(i.pub, prefix)
}

// Ed25519Key exposes the ed25519 private key for callers that need a
// crypto.Signer (token issuance). Returns false for secp256k1 identities.
func (i *Identity) Ed25519Key() (ed25519.PrivateKey, bool) {
	if i.kind != Ed25519 {
		return nil, false
	}
	return i.edPriv, true
}

// Sign signs a digest and returns the base64 signature string. Signing is
// deterministic for a given (identity, digest).
func (i *Identity) Sign(digest []byte) string {
	switch i.kind {
	case Secp256k1:
		sig := secpecdsa.SignCompact(i.secpPriv, digest, true)
		return base64.StdEncoding.EncodeToString(sig)
	default:
		sig := ed25519.Sign(i.edPriv, digest)
		out := make([]byte, 0, ed25519SigLen)
		out = append(out, sig...)
		out = append(out, i.pub...)
		return base64.StdEncoding.EncodeToString(out)
	}
}

// Verify checks a signature string over digest against the sender address.
// The public key is recovered from the signature itself and then bound to
// the address via the blake2b payload, so verification needs nothing beyond
// the envelope.
func Verify(address string, digest []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: not base64: %v", ErrBadSignature, err)
	}

	switch len(raw) {
	case ed25519SigLen:
		sig, pub := raw[:ed25519.SignatureSize], raw[ed25519.SignatureSize:]
		if err := addressBinding(address, pub); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return ErrBadSignature
		}
		return nil

	case secpSigLen:
		pub, _, err := secpecdsa.RecoverCompact(raw, digest)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if err := addressBinding(address, pub.SerializeCompressed()); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(raw))
	}
}
