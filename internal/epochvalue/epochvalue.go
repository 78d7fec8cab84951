// Package epochvalue implements the five-slot EpochValue ring that
// models Cardano's two-epoch snapshot lag for stake and rewards data.
package epochvalue

import "github.com/fxamacker/cbor/v2"

// Value is a fixed five-slot ring {go, set, mark, live, next}. The zero
// Value is five zero-valued T's, which is the correct default for every
// entity field that embeds one.
//
// Contract: writes during ROLL/EWRAP target either Live
// or Next, chosen per operation; Go and Set are never written to
// directly, only produced by Rotate. Next is never read as current.
type Value[T any] struct {
	slots [5]T
}

const (
	slotGo = iota
	slotSet
	slotMark
	slotLive
	slotNext
)

// Go returns the oldest, fully-settled slot (two epochs before Live at
// rotation time it was produced).
func (v Value[T]) Go() T { return v.slots[slotGo] }

// Set is one rotation newer than Go.
func (v Value[T]) Set() T { return v.slots[slotSet] }

// Mark is the most recently rotated-in snapshot, read by RUPD.
func (v Value[T]) Mark() T { return v.slots[slotMark] }

// Live is the current epoch's accumulator; most writes target this.
func (v Value[T]) Live() T { return v.slots[slotLive] }

// WriteLive overwrites the current-epoch accumulator. Used by
// operations whose effect should be visible starting next epoch's
// Mark (one-epoch lag from the writer's point of view).
func (v *Value[T]) WriteLive(val T) { v.slots[slotLive] = val }

// WriteNext overwrites the slot that will only become Live after the
// *next* ESTART, i.e. a two-ESTART-away propagation. Used by deltas
// that must not affect the upcoming epoch's snapshot (e.g. pool
// deposit refunds scheduled from POOLREAP).
func (v *Value[T]) WriteNext(val T) { v.slots[slotNext] = val }

// Rotate advances every slot by one position: go<-set, set<-mark,
// mark<-live, live<-next, next<-zero value. Callable only from ESTART.
func (v *Value[T]) Rotate() {
	var zero T
	v.slots[slotGo] = v.slots[slotSet]
	v.slots[slotSet] = v.slots[slotMark]
	v.slots[slotMark] = v.slots[slotLive]
	v.slots[slotLive] = v.slots[slotNext]
	v.slots[slotNext] = zero
}

// MarshalCBOR encodes the five slots as a plain array so the ring
// round-trips through the entity CBOR codec despite its fields being
// unexported (the write-protection API, not hidden storage, is the
// point of keeping them unexported).
func (v Value[T]) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(v.slots)
}

// UnmarshalCBOR decodes the array form produced by MarshalCBOR.
func (v *Value[T]) UnmarshalCBOR(data []byte) error {
	return cbor.Unmarshal(data, &v.slots)
}
