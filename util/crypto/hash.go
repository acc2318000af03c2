package crypto

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// HashBytes is the length of Hash output.
const HashBytes = 32

// Hash returns the blake3 digest of b
func Hash(b []byte) [HashBytes]byte {
	return blake3.Sum256(b)
}

// ConstantTimeEqual compares two byte slices without leaking the position
// of the first differing byte. A length mismatch returns false immediately:
// lengths are not secret here, key and digest sizes are fixed.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
