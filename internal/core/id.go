package core

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Entity ID prefixes. Prefixed IDs make log lines and API payloads
// self-describing.
const (
	PrefixTask      = "tsk"
	PrefixExecution = "exe"
	PrefixMonitor   = "mon"
	PrefixPing      = "png"
)

// NewID returns a prefixed random identifier, e.g. "tsk_2c6e...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewPingToken returns an opaque token used as the sole credential on the
// monitor ping endpoint.
func NewPingToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
