// Package idgen provides cryptographically random identifier and token generation.
//
// Entity IDs are proper UUIDv4 (the ledger derives advisory lock keys from
// the UUID bytes, so IDs must parse). Opaque secrets use Token/Hex.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// Token generates an opaque secret with a prefix (e.g. "cpk_", "whsec_").
// Result is prefix + unpadded base64url of 32 random bytes (43 chars).
func Token(prefix string) string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
