// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally namespaced with a prefix.
type Generator struct {
	prefix string
}

// New creates a Generator. A non-empty prefix is joined to every id with "-".
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a time-ordered UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil || g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}

// MustNewID is NewID for callers that cannot surface an error, such as HTTP
// middleware. It falls back to a random v4 id when the v7 clock source fails.
func (g *Generator) MustNewID() string {
	id, err := g.NewID()
	if err == nil {
		return id
	}
	fallback := uuid.NewString()
	if g == nil || g.prefix == "" {
		return fallback
	}
	return g.prefix + "-" + fallback
}
