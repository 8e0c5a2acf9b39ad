package identity

import (
	"crypto/sha512"
	"strconv"

	"golang.org/x/crypto/pbkdf2"
)

// Seed stretching parameters. The scheme mirrors BIP-39 key stretching with
// the derivation index folded into the salt, so (seed, index) pairs map to
// independent keys.
const (
	seedIterations = 2048
	seedKeyLen     = 64
)

// deriveKeyFromSeed stretches a seed phrase into 32 bytes of key material
// for the given derivation index.
func deriveKeyFromSeed(seed string, index int) []byte {
	salt := []byte("mnemonic" + strconv.Itoa(index))
	key := pbkdf2.Key([]byte(seed), salt, seedIterations, seedKeyLen, sha512.New)
	return key[:32]
}
