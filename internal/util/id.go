// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit hex identifier, optionally tagged with a
// prefix ("ev" -> "ev_3f9a..."). IDs are opaque; nothing parses them back.
func NewID(prefix string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
