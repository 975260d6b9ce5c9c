package blockstore

import (
	"crypto/sha1" //nolint:gosec // used as a 160-bit content-addressing primitive, not for security
	"encoding/binary"
	"fmt"
)

// Kind distinguishes what a stored block's payload represents.
type Kind uint16

const (
	// KindNormalCHK is a normal content-hash-keyed block: the LowDB key
	// equals ContentIndex.Hash.
	KindNormalCHK Kind = 0

	// Kind3HashIndirection is an indirection record: the LowDB key is
	// hash(ContentIndex.Hash), not ContentIndex.Hash itself.
	Kind3HashIndirection Kind = 1

	// KindOnDemandEncoded marks an entry whose block length is zero; the
	// ContentIndex is the entire stored payload.
	KindOnDemandEncoded Kind = 2
)

// String renders a Kind for logs and test failure messages.
func (k Kind) String() string {
	switch k {
	case KindNormalCHK:
		return "normal-chk"
	case Kind3HashIndirection:
		return "3hash"
	case KindOnDemandEncoded:
		return "on-demand-encoded"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// HeaderSize is the fixed size in bytes of an encoded ContentIndex.
const HeaderSize = 32

// Field offsets within the 32-byte encoded header. All multi-byte
// integers are network byte order (big endian) on disk.
const (
	offKind       = 0  // uint16
	offReserved1  = 2  // 4 bytes reserved
	offImportance = 6  // uint32
	offHash       = 10 // 20 bytes
	offReserved2  = 30 // 2 bytes reserved
)

// ContentIndex is the fixed 32-byte record stored as a prefix of every
// block in LowDB.
type ContentIndex struct {
	Kind       Kind
	Importance uint32
	Hash       Hash160
}

// LowKey returns the LowDB key this entry is stored (or looked up) under.
// For Kind3HashIndirection entries the key is hash(ce.Hash); for every
// other kind it is ce.Hash itself.
func (ce ContentIndex) LowKey() Hash160 {
	if ce.Kind != Kind3HashIndirection {
		return ce.Hash
	}

	sum := sha1.Sum(ce.Hash[:]) //nolint:gosec

	return Hash160(sum)
}

// Encode serializes ce into a 32-byte network-byte-order header.
func (ce ContentIndex) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte

	binary.BigEndian.PutUint16(buf[offKind:], uint16(ce.Kind))
	binary.BigEndian.PutUint32(buf[offImportance:], ce.Importance)
	copy(buf[offHash:offHash+HashSize], ce.Hash[:])

	return buf
}

// DecodeContentIndex parses a 32-byte network-byte-order header.
// It returns ErrCorrupt if buf is shorter than HeaderSize.
func DecodeContentIndex(buf []byte) (ContentIndex, error) {
	if len(buf) < HeaderSize {
		return ContentIndex{}, fmt.Errorf("%w: content index header is %d bytes, want %d", ErrCorrupt, len(buf), HeaderSize)
	}

	var ce ContentIndex

	ce.Kind = Kind(binary.BigEndian.Uint16(buf[offKind:]))
	ce.Importance = binary.BigEndian.Uint32(buf[offImportance:])
	copy(ce.Hash[:], buf[offHash:offHash+HashSize])

	if err := ce.Validate(); err != nil {
		return ContentIndex{}, err
	}

	return ce, nil
}

// Validate reports ErrCorrupt if ce.Kind is outside the three values
// this package defines. Values 3..65535 are reserved for future use by
// the original format and are never valid on this wire.
func (ce ContentIndex) Validate() error {
	switch ce.Kind {
	case KindNormalCHK, Kind3HashIndirection, KindOnDemandEncoded:
		return nil
	default:
		return fmt.Errorf("%w: reserved content index kind %d", ErrCorrupt, uint16(ce.Kind))
	}
}

// WithImportance returns a copy of ce with Importance replaced.
func (ce ContentIndex) WithImportance(importance uint32) ContentIndex {
	ce.Importance = importance

	return ce
}
