package epochvalue

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRotate(t *testing.T) {
	var v Value[int]
	v.WriteLive(1)
	v.WriteNext(2)
	// go=0 set=0 mark=0 live=1 next=2
	v.Rotate()
	if v.Go() != 0 || v.Set() != 0 || v.Mark() != 1 || v.Live() != 2 || v.slots[slotNext] != 0 {
		t.Fatalf("unexpected ring after first rotate: %+v", v.slots)
	}
	v.WriteNext(3)
	v.Rotate()
	// go=0 set=1 mark=2 live=3 next=0
	if v.Go() != 0 || v.Set() != 1 || v.Mark() != 2 || v.Live() != 3 {
		t.Fatalf("unexpected ring after second rotate: %+v", v.slots)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	var v Value[uint64]
	v.WriteLive(42)
	v.WriteNext(7)
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var got Value[uint64]
	if err := cbor.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Live() != 42 || got.slots[slotNext] != 7 {
		t.Fatalf("round trip mismatch: %+v", got.slots)
	}
}
