package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// KeyPrefix prefixes every cache key in Redis.
const KeyPrefix = "dispatch:cache:"

// Key identifies a cached response.
type Key struct {
	// Endpoint is the URL the payload is sent to.
	Endpoint string

	// Payload is the request body. Insignificant whitespace is ignored.
	Payload json.RawMessage
}

// String generates a deterministic cache key string.
//
// Example:
//
//	dispatch:cache:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
func (k Key) String() string {
	h := sha256.New()
	h.Write([]byte(k.Endpoint))
	h.Write([]byte{'\n'})

	var compact bytes.Buffer
	if err := json.Compact(&compact, k.Payload); err == nil {
		h.Write(compact.Bytes())
	} else {
		h.Write(k.Payload)
	}
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}
