package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "doc_4f1c...". The prefix names the
// record kind so IDs stay recognizable in logs and query output.
func NewID(prefix string) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	id := hex.EncodeToString(raw[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
