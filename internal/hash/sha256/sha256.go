// Package sha256 provides the SHA-256 digest used to shorten oversized document ids.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces lowercase hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the hex digest of data.
func (h *Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString returns the hex digest of the UTF-8 bytes of s.
func (h *Hasher) SumString(s string) string {
	return h.Sum([]byte(s))
}
