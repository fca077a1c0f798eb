package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key identifies one logical request. It is sent to the processor as the
// Idempotency-Key header and indexes the registry.
type Key string

// FromToken derives a key from a caller-supplied token.
func FromToken(token string) Key {
	return Key("tok_" + digest([]byte(strings.TrimSpace(token))))
}

// FromContent derives a key from the canonical bytes of a request, used when
// the caller supplies no token.
func FromContent(canonical []byte) Key {
	return Key("req_" + digest(canonical))
}

func (k Key) String() string {
	return string(k)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}
