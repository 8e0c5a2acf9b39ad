package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// Address prefixes. Mainnet agents use "agent", testnet agents "test-agent".
const (
	MainnetPrefix = "agent"
	TestnetPrefix = "test-agent"
)

// addressPayloadLen is the decoded address payload size: blake2b-256 of the
// public key.
const addressPayloadLen = 32

var errBadAddress = errors.New("invalid agent address")

// AddressFromPub derives the bech32 agent address for a public key:
// prefix1 || bech32(blake2b-256(pub)).
func AddressFromPub(pub []byte, prefix string) (string, error) {
	if prefix != MainnetPrefix && prefix != TestnetPrefix {
		return "", fmt.Errorf("unknown address prefix %q", prefix)
	}
	sum := blake2b.Sum256(pub)
	conv, err := bech32.ConvertBits(sum[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address bits: %w", err)
	}
	addr, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr, nil
}

// ValidateAddress checks bech32 checksum, prefix, and payload length.
func ValidateAddress(address string) error {
	prefix, data, err := bech32.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadAddress, err)
	}
	if prefix != MainnetPrefix && prefix != TestnetPrefix {
		return fmt.Errorf("%w: unknown prefix %q", errBadAddress, prefix)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadAddress, err)
	}
	if len(payload) != addressPayloadLen {
		return fmt.Errorf("%w: payload is %d bytes, want %d", errBadAddress, len(payload), addressPayloadLen)
	}
	return nil
}

// IsAddress reports whether s looks like a valid agent address on either
// network.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, MainnetPrefix+"1") && !strings.HasPrefix(s, TestnetPrefix+"1") {
		return false
	}
	return ValidateAddress(s) == nil
}

// Parse splits an identifier of the form "name/address" or a bare address
// into its parts. Either part may be empty.
func Parse(identifier string) (name, address string) {
	if i := strings.LastIndex(identifier, "/"); i >= 0 {
		name, identifier = identifier[:i], identifier[i+1:]
	}
	if IsAddress(identifier) {
		return name, identifier
	}
	if name == "" {
		// A bare non-address identifier is a name.
		return identifier, ""
	}
	return name, ""
}

// addressBinding verifies that an address was derived from the given public
// key on either network.
func addressBinding(address string, pub []byte) error {
	_, data, err := bech32.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadAddress, err)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadAddress, err)
	}
	sum := blake2b.Sum256(pub)
	if len(payload) != addressPayloadLen || string(payload) != string(sum[:]) {
		return errors.New("public key does not match address")
	}
	return nil
}
