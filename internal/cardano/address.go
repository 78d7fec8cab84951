// Pointer-address resolution: a Shelley pointer
// address names a stake credential indirectly by (slot, tx-index,
// cert-index) pointing at the certificate that registered it. Some
// historical pointers carry components that overflow a plain uint64
// ("garbage pointers" coexisting with valid ones); we use
// secp256k1.ModNScalar's overflow-detecting byte-slice import (the
// same primitive credential-recovery code across the pack uses to
// reject out-of-range scalars) to detect that case before doing the
// table lookup, rather than silently wrapping.
package cardano

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// Pointer identifies a certificate by chain position.
type Pointer struct {
	Slot      uint64
	TxIndex   uint64
	CertIndex uint64
}

// PointerTable resolves pointers to the stake credential registered by
// the certificate they name. Entries are populated by the roll batch
// engine as registration certificates are processed; unmapped pointers
// (including overflowed ones) resolve to (zero credential, false), which is left
// undefined behavior for historical blocks.
type PointerTable struct {
	entries map[Pointer][28]byte
}

func NewPointerTable() *PointerTable {
	return &PointerTable{entries: map[Pointer][28]byte{}}
}

// Record associates a pointer with the credential its certificate
// registered. Called by the visitor pipeline for every stake
// registration certificate as it is processed.
func (t *PointerTable) Record(p Pointer, cred [28]byte) {
	t.entries[p] = cred
}

// Resolve looks up p by exact match. A u64::MAX component is a
// perfectly valid pointer; unmapped pointers, garbage or not, simply miss.
func (t *PointerTable) Resolve(p Pointer) ([28]byte, bool) {
	cred, ok := t.entries[p]
	return cred, ok
}

// ResolveFromBytes decodes a pointer whose components arrived as raw
// CBOR unsigned-integer byte strings rather than pre-parsed uint64s —
// Cardano's CBOR uint encoding has no fixed width, so a corrupted or
// adversarial pointer can in principle carry a component wider than 64
// bits. ModNScalar.SetByteSlice is used purely as a wide-integer
// overflow detector (its own domain, the secp256k1 scalar field, is
// irrelevant here; only its "did this byte string fit" signal is
// used): a component that overflows even a 256-bit field is
// unambiguously garbage and short-circuits to a miss without touching
// the table.
func (t *PointerTable) ResolveFromBytes(slotBytes, txIdxBytes, certIdxBytes []byte) ([28]byte, bool) {
	slot, ok := normalizeComponent(slotBytes)
	if !ok {
		return [28]byte{}, false
	}
	txIdx, ok := normalizeComponent(txIdxBytes)
	if !ok {
		return [28]byte{}, false
	}
	certIdx, ok := normalizeComponent(certIdxBytes)
	if !ok {
		return [28]byte{}, false
	}
	return t.Resolve(Pointer{Slot: slot, TxIndex: txIdx, CertIndex: certIdx})
}

// normalizeComponent parses a big-endian byte string as a pointer
// component, reporting false if it overflows the wide-integer scalar
// used for the overflow check, or if it doesn't fit in a uint64 (this
// table's native component width).
func normalizeComponent(b []byte) (uint64, bool) {
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return 0, false
	}
	if len(b) > 8 {
		for _, extra := range b[:len(b)-8] {
			if extra != 0 {
				return 0, false
			}
		}
		b = b[len(b)-8:]
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, true
}
