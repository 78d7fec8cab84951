// Package chainpoint defines the chain position type shared by every
// store: a slot/hash pair with a canonical 40-byte binary form.
package chainpoint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of the canonical encoding.
const Size = 40

// HashSize is the length of a block hash.
const HashSize = 32

// Point is either Origin or a (slot, hash) pair. Slot order is total;
// Origin precedes all other points.
type Point struct {
	Slot uint64
	Hash [HashSize]byte
	// origin is true for the zero point that precedes the chain.
	origin bool
}

// Origin is the point before the first block.
var Origin = Point{origin: true}

// New builds a non-origin point.
func New(slot uint64, hash [HashSize]byte) Point {
	return Point{Slot: slot, Hash: hash}
}

// IsOrigin reports whether p is the Origin point.
func (p Point) IsOrigin() bool {
	return p.origin
}

// Less reports whether p sorts strictly before o by slot, with Origin
// preceding every non-origin point and being equal only to itself.
func (p Point) Less(o Point) bool {
	if p.origin {
		return !o.origin
	}
	if o.origin {
		return false
	}
	return p.Slot < o.Slot
}

// Equal reports whether p and o are the same point.
func (p Point) Equal(o Point) bool {
	if p.origin != o.origin {
		return false
	}
	if p.origin {
		return true
	}
	return p.Slot == o.Slot && p.Hash == o.Hash
}

// Bytes returns the canonical 40-byte encoding: 8-byte big-endian slot
// followed by the 32-byte hash. Origin encodes as 40 zero bytes.
func (p Point) Bytes() [Size]byte {
	var out [Size]byte
	if p.origin {
		return out
	}
	binary.BigEndian.PutUint64(out[:8], p.Slot)
	copy(out[8:], p.Hash[:])
	return out
}

// FromBytes decodes the canonical encoding produced by Bytes.
func FromBytes(b []byte) (Point, error) {
	if len(b) != Size {
		return Point{}, fmt.Errorf("chainpoint: want %d bytes, got %d", Size, len(b))
	}
	slot := binary.BigEndian.Uint64(b[:8])
	var hash [HashSize]byte
	copy(hash[:], b[8:])
	if slot == 0 && hash == ([HashSize]byte{}) {
		return Origin, nil
	}
	return New(slot, hash), nil
}

// String renders the point for logs: "origin" or "slot:hash".
func (p Point) String() string {
	if p.origin {
		return "origin"
	}
	return fmt.Sprintf("%d:%s", p.Slot, hex.EncodeToString(p.Hash[:]))
}
