// Package blake3 provides a BLAKE3-256 content fingerprint hasher.
package blake3

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Name identifies this algorithm in configuration.
const Name = "blake3"

// Hasher implements crawler.Hasher using 256-bit BLAKE3.
type Hasher struct{}

// New returns a BLAKE3 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex-encoded 256-bit digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
