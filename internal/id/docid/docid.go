// Package docid derives deterministic document ids from a session and a URL.
//
// An id is the session id, a ".", and the unpadded URL-safe base64 of the URL.
// Ids longer than the configured prefix length keep the prefix and replace the
// remainder with its hex SHA-256 digest, so every id is bounded at
// prefix length + 64 characters.
package docid

import (
	"encoding/base64"

	"github.com/JakeFAU/crawl-frontier/internal/hash/sha256"
)

const (
	// DefaultPrefixLength is the longest id kept verbatim.
	DefaultPrefixLength = 445
	// Separator joins the session id and the encoded URL.
	Separator = "."
)

// Digester hashes the overflow tail of an oversized id.
type Digester interface {
	SumString(s string) string
}

// Encoder builds document ids. It is safe for concurrent use.
type Encoder struct {
	prefixLength int
	digest       Digester
}

// New returns an Encoder. Non-positive prefix lengths fall back to DefaultPrefixLength.
func New(prefixLength int) *Encoder {
	if prefixLength <= 0 {
		prefixLength = DefaultPrefixLength
	}
	return &Encoder{prefixLength: prefixLength, digest: sha256.New()}
}

// Encode returns the document id for (sessionID, value).
func (e *Encoder) Encode(sessionID, value string) string {
	id := sessionID + Separator + base64.RawURLEncoding.EncodeToString([]byte(value))
	if len(id) <= e.prefixLength {
		return id
	}
	return id[:e.prefixLength] + e.digest.SumString(id[e.prefixLength:])
}

// MaxLength reports the longest id Encode can return.
func (e *Encoder) MaxLength() int {
	return e.prefixLength + 64
}
