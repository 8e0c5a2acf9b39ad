package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks schema digests on the wire.
const DigestPrefix = "model:"

var (
	digestMu    sync.RWMutex
	digestCache = map[reflect.Type]string{}
)

// Digest returns the content-addressed schema digest of a message struct:
// "model:" + hex(sha256(canonical schema JSON)). The digest is stable across
// source field reordering and process restarts.
func Digest(v any) (string, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "", fmt.Errorf("nil model")
	}

	digestMu.RLock()
	d, ok := digestCache[t]
	digestMu.RUnlock()
	if ok {
		return d, nil
	}

	canonical, err := CanonicalSchema(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	d = DigestPrefix + hex.EncodeToString(sum[:])

	digestMu.Lock()
	digestCache[t] = d
	digestMu.Unlock()
	return d, nil
}

// MustDigest is Digest for statically known-good models; it panics on error
// and is intended for package-level registration.
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(err)
	}
	return d
}

// CanonicalSchema returns the RFC 8785 canonical JSON bytes of the model's
// schema: UTF-8, lexicographically sorted keys, no insignificant whitespace.
func CanonicalSchema(v any) ([]byte, error) {
	schema, err := SchemaOf(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(schema)
}

// Canonicalize marshals v and transforms the result into RFC 8785 canonical
// form. Used for both schema digests and protocol manifest digests.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// SumDigest hashes pre-canonicalized bytes into a prefixed digest string.
func SumDigest(prefix string, canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return prefix + hex.EncodeToString(sum[:])
}
