// Package almanac consumes the on-chain Almanac registry: record queries,
// signed re-registration with sequence numbers, the name service, and the
// testnet faucet. The contract's internals are out of scope; only its
// query/execute surface is modelled here.
package almanac

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Registration errors surfaced to the runtime. All are logged and retried
// on the next registration cycle, never fatal.
var (
	ErrInsufficientFunds       = errors.New("wallet balance below registration fee")
	ErrBroadcastTimeout        = errors.New("registration broadcast not included in time")
	ErrContractVersionMismatch = errors.New("almanac contract major version mismatch")
	ErrNotFound                = errors.New("no almanac record")
)

// Endpoint is one registered submit URL with a selection weight.
type Endpoint struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// Record is the on-chain mirror of one agent's current registration.
type Record struct {
	Address        string            `json:"address"`
	Endpoints      []Endpoint        `json:"endpoints"`
	Protocols      []string          `json:"protocols"`
	ExpirySeconds  int64             `json:"expiry_seconds"` // seconds until the record lapses
	SequenceNumber uint64            `json:"sequence_number"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Registration is the execute payload for the contract's register entry
// point. SignBytes is the digest the Signature covers.
type Registration struct {
	SignBytes []byte            `json:"sign_bytes"`
	Sequence  uint64            `json:"sequence"`
	Address   string            `json:"address"`
	Endpoints []Endpoint        `json:"endpoints"`
	Protocols []string          `json:"protocols"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Signature string            `json:"signature"`
}

// Contract is the consumed query/execute interface of the almanac contract.
type Contract interface {
	QueryRecord(ctx context.Context, address string) (*Record, error)
	GetSequence(ctx context.Context, address string) (uint64, error)
	GetRegistrationFee(ctx context.Context) (uint64, error)
	GetContractVersion(ctx context.Context) (string, error)
	Register(ctx context.Context, reg Registration) error
}

// NameService resolves human names to agent addresses. Name registration is
// out of scope.
type NameService interface {
	ResolveName(ctx context.Context, name string) (string, error)
}

// Faucet funds testnet wallets.
type Faucet interface {
	Fund(ctx context.Context, address string) error
}

// Wallet is the agent's fee-paying account, used only from the registration
// loop.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (uint64, error)
}

// RegistrationDigest computes the sign-bytes for a registration: sha256 over
// the contract address, the big-endian sequence number, and the agent
// address. Both sides of the wire must agree on this framing.
func RegistrationDigest(contractAddress string, sequence uint64, agentAddress string) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h := sha256.New()
	h.Write([]byte(contractAddress))
	h.Write(seq[:])
	h.Write([]byte(agentAddress))
	return h.Sum(nil)
}
