package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewTabID returns a short identifier for one editing surface (browser tab
// or simulator session), used to discriminate own realtime echoes.
func NewTabID() string {
	bytes := make([]byte, 6)
	_, _ = rand.Read(bytes)
	return "tab_" + hex.EncodeToString(bytes)
}
