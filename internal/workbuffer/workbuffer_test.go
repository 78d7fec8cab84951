package workbuffer

import (
	"testing"

	"github.com/txpipe/dolos/internal/cardano"
)

// mainnet-shaped parameters: 4k/f = 172800, 3k/f = 129600.
func testGenesis() *cardano.Genesis {
	return &cardano.Genesis{SecurityParam: 2160, ActiveSlotCoeff: 0.05, EpochLength: 432000}
}

func blk(slot uint64) cardano.Block {
	var b cardano.Block
	b.Header.Slot = slot
	b.Header.Hash[0] = byte(slot)
	return b
}

func popKind(t *testing.T, b *Buffer) Emission {
	t.Helper()
	em, ok := b.Pop()
	if !ok {
		t.Fatal("expected a ready emission")
	}
	return em
}

func TestGenesisEmission(t *testing.T) {
	b := New(testGenesis(), nil, 0)
	if err := b.PushGenesis(blk(0)); err != nil {
		t.Fatal(err)
	}
	em := popKind(t, b)
	if em.Kind != KindGenesis || len(em.Blocks) != 1 {
		t.Fatalf("Pop = %v with %d blocks, want genesis with 1", em.Kind, len(em.Blocks))
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("nothing further should be ready")
	}
	if !b.CanReceiveBlock() {
		t.Fatal("buffer must accept blocks after the genesis emission")
	}
}

func TestRollEmittedAtBatchSize(t *testing.T) {
	b := New(testGenesis(), nil, 2)
	if err := b.PushBlock(blk(100)); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("one block under the batch bound should not emit")
	}
	if err := b.PushBlock(blk(101)); err != nil {
		t.Fatal(err)
	}
	em := popKind(t, b)
	if em.Kind != KindRoll || len(em.Blocks) != 2 {
		t.Fatalf("Pop = %v with %d blocks, want roll with 2", em.Kind, len(em.Blocks))
	}
}

// RUPD fires when a block crosses epoch_start + 4k/f, not the 3k/f
// stability window.
func TestRupdFiresAtFourKOverF(t *testing.T) {
	b := New(testGenesis(), nil, 0)
	if err := b.PushBlock(blk(100)); err != nil {
		t.Fatal(err)
	}
	// Crossing 3k/f = 129600 is not a boundary.
	if err := b.PushBlock(blk(129700)); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("crossing the stability window must not emit")
	}
	// Crossing 4k/f = 172800 is.
	if err := b.PushBlock(blk(172900)); err != nil {
		t.Fatal(err)
	}
	if b.CanReceiveBlock() {
		t.Fatal("buffer must refuse blocks while a boundary is pending")
	}
	if err := b.PushBlock(blk(172901)); err == nil {
		t.Fatal("push during a pending boundary must fail")
	}

	em := popKind(t, b)
	if em.Kind != KindRoll || len(em.Blocks) != 2 {
		t.Fatalf("first emission = %v with %d blocks, want roll with 2", em.Kind, len(em.Blocks))
	}
	if em = popKind(t, b); em.Kind != KindRupd {
		t.Fatalf("second emission = %v, want rupd", em.Kind)
	}
	// Restart replays the block that triggered the boundary.
	if _, ok := b.Pop(); ok {
		t.Fatal("no emission should be ready right after rupd")
	}
	if !b.CanReceiveBlock() {
		t.Fatal("buffer must accept blocks again after the boundary")
	}
}

func TestEpochBoundarySequence(t *testing.T) {
	b := New(testGenesis(), nil, 0)
	if err := b.PushBlock(blk(431000)); err != nil {
		t.Fatal(err)
	}
	// Slot 432100 is epoch 1: emit Roll, Ewrap, Estart in order.
	if err := b.PushBlock(blk(432100)); err != nil {
		t.Fatal(err)
	}
	if em := popKind(t, b); em.Kind != KindRoll || len(em.Blocks) != 1 || em.Blocks[0].Header.Slot != 431000 {
		t.Fatalf("first emission = %+v, want roll of the closing batch", em)
	}
	if em := popKind(t, b); em.Kind != KindEwrap {
		t.Fatalf("second emission = %v, want ewrap", em.Kind)
	}
	if em := popKind(t, b); em.Kind != KindEstart {
		t.Fatalf("third emission = %v, want estart", em.Kind)
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("no emission should be ready after estart")
	}

	// The boundary-crossing block was replayed into the new open batch;
	// bound the batch to flush it out and confirm.
	b2 := New(testGenesis(), nil, 1)
	if err := b2.PushBlock(blk(431000)); err != nil {
		t.Fatal(err)
	}
	if em := popKind(t, b2); em.Kind != KindRoll {
		t.Fatalf("emission = %v, want roll", em.Kind)
	}
	if err := b2.PushBlock(blk(432100)); err != nil {
		t.Fatal(err)
	}
	// Epoch boundary against the previous block's slot, even across an
	// already-emitted batch.
	if em := popKind(t, b2); em.Kind != KindEwrap {
		t.Fatalf("emission = %v, want ewrap", em.Kind)
	}
	if em := popKind(t, b2); em.Kind != KindEstart {
		t.Fatalf("emission = %v, want estart", em.Kind)
	}
	if _, ok := b2.Pop(); ok {
		t.Fatal("nothing ready yet")
	}
	if em := popKind(t, b2); em.Kind != KindRoll || len(em.Blocks) != 1 || em.Blocks[0].Header.Slot != 432100 {
		t.Fatalf("replayed block should roll on its own: %+v", em)
	}
}

func TestForcedStopAfterClosingBatch(t *testing.T) {
	stop := uint64(1)
	b := New(testGenesis(), &stop, 0)
	if err := b.PushBlock(blk(100)); err != nil {
		t.Fatal(err)
	}
	if err := b.PushBlock(blk(432100)); err != nil {
		t.Fatal(err)
	}
	if em := popKind(t, b); em.Kind != KindRoll || len(em.Blocks) != 1 {
		t.Fatalf("emission = %+v, want the closing roll batch", em)
	}
	if em := popKind(t, b); em.Kind != KindForcedStop {
		t.Fatalf("emission = %v, want forced_stop", em.Kind)
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("halted buffer must emit nothing")
	}
	if b.CanReceiveBlock() {
		t.Fatal("halted buffer must refuse blocks")
	}
}

func TestForcedStopWithEmptyBatch(t *testing.T) {
	stop := uint64(0)
	b := New(testGenesis(), &stop, 0)
	if err := b.PushBlock(blk(100)); err != nil {
		t.Fatal(err)
	}
	if em := popKind(t, b); em.Kind != KindForcedStop {
		t.Fatalf("emission = %v, want forced_stop with nothing to flush", em.Kind)
	}
	if b.CanReceiveBlock() {
		t.Fatal("halted buffer must refuse blocks")
	}
}
