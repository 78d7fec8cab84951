package cardano

import (
	"bytes"
	"math"
	"testing"
)

func TestPointerResolution(t *testing.T) {
	table := NewPointerTable()
	var cred [28]byte
	cred[0] = 0xAB

	// A u64::MAX component is a valid pointer, not garbage.
	valid := Pointer{Slot: math.MaxUint64, TxIndex: 1221092, CertIndex: 2}
	table.Record(valid, cred)

	got, ok := table.Resolve(valid)
	if !ok || got != cred {
		t.Fatalf("Resolve(valid) = %x ok=%v, want the recorded credential", got, ok)
	}
	if _, ok := table.Resolve(Pointer{Slot: 12, TxIndex: 12, CertIndex: 12}); ok {
		t.Fatal("an unmapped pointer must not resolve")
	}
}

func TestResolveFromBytes(t *testing.T) {
	table := NewPointerTable()
	var cred [28]byte
	cred[0] = 0xCD
	table.Record(Pointer{Slot: 1, TxIndex: 2, CertIndex: 3}, cred)

	got, ok := table.ResolveFromBytes([]byte{1}, []byte{2}, []byte{3})
	if !ok || got != cred {
		t.Fatalf("ResolveFromBytes = %x ok=%v, want the recorded credential", got, ok)
	}

	// Leading zero padding beyond 8 bytes is still the same number.
	padded := []byte{0, 0, 0, 0, 0, 0, 0, 0, 1}
	got, ok = table.ResolveFromBytes(padded, []byte{2}, []byte{3})
	if !ok || got != cred {
		t.Fatalf("zero-padded component must normalize: %x ok=%v", got, ok)
	}

	// A 9-byte component with a nonzero high byte exceeds uint64.
	if _, ok := table.ResolveFromBytes([]byte{1, 0, 0, 0, 0, 0, 0, 0, 1}, []byte{2}, []byte{3}); ok {
		t.Fatal("a component wider than uint64 must miss")
	}

	// A component that overflows even the 256-bit scalar is garbage.
	overflow := bytes.Repeat([]byte{0xFF}, 33)
	if _, ok := table.ResolveFromBytes(overflow, []byte{2}, []byte{3}); ok {
		t.Fatal("an overflowing component must short-circuit to a miss")
	}
}
