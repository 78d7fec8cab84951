// Package utxo defines the UTxO reference and body types shared by the
// state store, the write-ahead log, and the index store.
package utxo

import "encoding/binary"

// Ref identifies a transaction output: (tx_hash, output_index).
type Ref struct {
	TxHash [32]byte
	Index  uint32
}

// Body is the era-tagged CBOR payload of a UTxO.
type Body struct {
	Era  uint16
	CBOR []byte
}

// RefSize is the length of the canonical binary encoding of a Ref:
// "[tx_hash: 32][index: 4 BE]".
const RefSize = 36

// Encode returns the canonical key encoding of r.
func (r Ref) Encode() [RefSize]byte {
	var out [RefSize]byte
	copy(out[:32], r.TxHash[:])
	binary.BigEndian.PutUint32(out[32:], r.Index)
	return out
}

// DecodeRef parses the canonical encoding produced by Encode.
func DecodeRef(b []byte) (Ref, bool) {
	if len(b) != RefSize {
		return Ref{}, false
	}
	var r Ref
	copy(r.TxHash[:], b[:32])
	r.Index = binary.BigEndian.Uint32(b[32:])
	return r, true
}

// Delta is the set of UTxOs produced and consumed by a block or batch.
type Delta struct {
	Produced map[Ref]Body
	Consumed map[Ref]Body // body captured for undo (see WAL consumed_inputs)
}

// NewDelta returns an empty, initialized Delta.
func NewDelta() *Delta {
	return &Delta{Produced: map[Ref]Body{}, Consumed: map[Ref]Body{}}
}

// Merge folds other into d, in batch order: other's consumes may
// target refs produced earlier in d (same-batch spends).
func (d *Delta) Merge(other *Delta) {
	for ref, body := range other.Produced {
		d.Produced[ref] = body
	}
	for ref, body := range other.Consumed {
		if _, ok := d.Produced[ref]; ok {
			delete(d.Produced, ref)
		}
		d.Consumed[ref] = body
	}
}
