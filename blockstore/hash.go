package blockstore

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a Hash160.
const HashSize = 20

// Hash160 is an opaque 160-bit content key. Equality is by value.
//
// Hex/Z-base32 encodings and the rehashing used for 3HASH indirection
// live outside this package (the former is peer-facing presentation,
// the latter in ContentIndex.LowKey); Hash160 itself carries no
// encoding policy beyond the String method needed for logs and tests.
type Hash160 [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash160) IsZero() bool {
	return h == Hash160{}
}

// ParseHash160 decodes a lowercase hex string produced by Hash160.String.
// It is used by dirbackend to recognize key files among directory
// entries (a ".count" sidecar or stray dotfile won't parse).
func ParseHash160(s string) (Hash160, error) {
	var h Hash160

	if len(s) != HashSize*2 {
		return h, fmt.Errorf("blockstore: invalid hash length %d", len(s))
	}

	_, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return h, fmt.Errorf("blockstore: invalid hash %q: %w", s, err)
	}

	return h, nil
}
