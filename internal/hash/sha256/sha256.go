// Package sha256 provides the SHA-256 content fingerprint hasher.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Name identifies this algorithm in configuration.
const Name = "sha256"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex-encoded 256-bit digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
