// Package idgen generates sortable, collision-resistant identifiers
// for agents and records that need creation-order sort.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns a 32-hex-character ID: 12 hex chars of millisecond
// timestamp followed by 20 hex chars of random bytes. Lexicographic
// sort over New()'s output matches creation order.
func New(nowMillis int64) string {
	var buf [16]byte
	buf[0] = byte(nowMillis >> 40)
	buf[1] = byte(nowMillis >> 32)
	buf[2] = byte(nowMillis >> 24)
	buf[3] = byte(nowMillis >> 16)
	buf[4] = byte(nowMillis >> 8)
	buf[5] = byte(nowMillis)

	if _, err := rand.Read(buf[6:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken; there is nothing useful to recover into, so fall
		// back to a degenerate but still unique-enough suffix.
		for i := 6; i < len(buf); i++ {
			buf[i] = byte(nowMillis >> uint(i))
		}
	}

	return hex.EncodeToString(buf[:])
}

// Prefixed returns New() with a human-readable prefix, e.g. "agt-<id>".
func Prefixed(prefix string, nowMillis int64) string {
	return fmt.Sprintf("%s-%s", prefix, New(nowMillis))
}
