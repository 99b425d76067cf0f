package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-character random hex id, used for documents, chunks,
// chat messages, and request correlation. Not guessable, safe in URLs.
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
