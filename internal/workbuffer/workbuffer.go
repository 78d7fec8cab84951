// Package workbuffer implements the WorkBuffer state machine: it
// sequences a stream of blocks into roll batches and
// RUPD/EWRAP/ESTART boundary emissions, bounded to at most one open
// batch plus one pending boundary at a time.
package workbuffer

import (
	"errors"

	"github.com/txpipe/dolos/internal/cardano"
)

type state int

const (
	stEmpty state = iota
	stOpenBatch
	stPreRupd
	stRupdBoundary
	stPreEwrap
	stEwrapBoundary
	stEstartBoundary
	stRestart
	stPreForcedStop
	stForcedStopPending
	stHalted
)

// Kind discriminates the emission variants the buffer produces.
type Kind int

const (
	KindGenesis Kind = iota
	KindRoll
	KindRupd
	KindEwrap
	KindEstart
	// KindForcedStop is a sentinel, block-free emission: the preceding
	// Roll (if any) already carries every block up to the configured
	// sync.stop_epoch boundary, so this one signals the halt without
	// touching any store.
	KindForcedStop
)

func (k Kind) String() string {
	switch k {
	case KindGenesis:
		return "genesis"
	case KindRoll:
		return "roll"
	case KindRupd:
		return "rupd"
	case KindEwrap:
		return "ewrap"
	case KindEstart:
		return "estart"
	case KindForcedStop:
		return "forced_stop"
	default:
		return "unknown"
	}
}

// Emission is one unit-shaped output of the buffer: either a roll
// batch (with its blocks) or a boundary signal carrying none.
type Emission struct {
	Kind Kind
	// Blocks is populated for KindGenesis and KindRoll.
	Blocks []cardano.Block
}

var errNotAccepting = errors.New("workbuffer: not accepting blocks in current state")

// Buffer is the WorkBuffer state machine.
type Buffer struct {
	genesis   *cardano.Genesis
	stopEpoch *uint64
	maxBatch  int

	st    state
	batch []cardano.Block

	haveLast bool
	lastSlot uint64

	// pendingBlock is the block whose arrival triggered a boundary; it
	// belongs to the batch on the far side of that boundary and is
	// re-pushed once Restart is reached.
	pendingBlock *cardano.Block
}

// New builds a Buffer. stopEpoch is nil when sync.stop_epoch is unset.
// maxBatch is sync.batch_size; zero means unbounded.
func New(genesis *cardano.Genesis, stopEpoch *uint64, maxBatch int) *Buffer {
	return &Buffer{genesis: genesis, stopEpoch: stopEpoch, maxBatch: maxBatch, st: stEmpty}
}

// CanReceiveBlock reports whether PushBlock would currently succeed:
// true only in {Empty, Restart, OpenBatch}.
func (b *Buffer) CanReceiveBlock() bool {
	return b.st == stEmpty || b.st == stRestart || b.st == stOpenBatch
}

// PushGenesis feeds the very first block the buffer ever sees. Only
// valid while Empty.
func (b *Buffer) PushGenesis(blk cardano.Block) error {
	if b.st != stEmpty {
		return errNotAccepting
	}
	b.batch = []cardano.Block{blk}
	b.haveLast = true
	b.lastSlot = blk.Header.Slot
	// st stays Empty; Pop() recognizes the pending one-block batch and
	// emits it as Genesis, then advances to Restart.
	return nil
}

// PushBlock feeds a regular block. Boundary detection compares the
// incoming block's slot against the previous one:
// epoch boundary when epoch(prev) != epoch(next); RUPD boundary when
// prev < epoch_start+randomness_stability_window <= next within the
// same epoch.
func (b *Buffer) PushBlock(blk cardano.Block) error {
	if !b.CanReceiveBlock() {
		return errNotAccepting
	}
	if b.st == stEmpty || b.st == stRestart {
		b.st = stOpenBatch
	}

	if b.stopEpoch != nil && b.genesis.EpochOf(blk.Header.Slot) >= *b.stopEpoch {
		// Halt at the START of stopEpoch: blk itself belongs on the far
		// side of the line and is never processed, only stashed so the
		// buffer can report CanReceiveBlock()==false from here on.
		cp := blk
		b.pendingBlock = &cp
		b.st = stPreForcedStop
		return nil
	}

	if b.haveLast {
		prevEpoch := b.genesis.EpochOf(b.lastSlot)
		nextEpoch := b.genesis.EpochOf(blk.Header.Slot)
		if prevEpoch != nextEpoch {
			cp := blk
			b.pendingBlock = &cp
			// Advance lastSlot now so the eventual Restart replay of
			// this same block sees itself as already "current" and
			// doesn't re-detect the boundary it just caused.
			b.lastSlot = blk.Header.Slot
			b.st = stPreEwrap
			return nil
		}
		epochStart := b.genesis.EpochStartSlot(prevEpoch)
		threshold := epochStart + b.genesis.RandomnessStabilityWindow()
		if b.lastSlot < threshold && threshold <= blk.Header.Slot {
			cp := blk
			b.pendingBlock = &cp
			b.lastSlot = blk.Header.Slot
			b.st = stPreRupd
			return nil
		}
	}

	b.batch = append(b.batch, blk)
	b.lastSlot = blk.Header.Slot
	b.haveLast = true
	return nil
}

func (b *Buffer) resetBatch() {
	b.batch = nil
}

// Pop returns the next ready emission, or ok=false if nothing is ready
// (the caller should feed more blocks via PushBlock/PushGenesis and
// try again). Halted (post-forced-stop) buffers always return false.
func (b *Buffer) Pop() (Emission, bool) {
	switch b.st {
	case stRestart:
		if b.pendingBlock != nil {
			blk := *b.pendingBlock
			b.pendingBlock = nil
			b.st = stOpenBatch
			_ = b.PushBlock(blk)
		}
		return Emission{}, false
	case stEmpty:
		if len(b.batch) == 1 {
			em := Emission{Kind: KindGenesis, Blocks: b.batch}
			b.resetBatch()
			b.st = stRestart
			return em, true
		}
		return Emission{}, false
	case stOpenBatch:
		if b.maxBatch > 0 && len(b.batch) >= b.maxBatch {
			em := Emission{Kind: KindRoll, Blocks: b.batch}
			b.resetBatch()
			return em, true
		}
		return Emission{}, false
	case stPreRupd:
		if len(b.batch) == 0 {
			// The open batch was already flushed by the size bound.
			b.st = stRupdBoundary
			return b.Pop()
		}
		em := Emission{Kind: KindRoll, Blocks: b.batch}
		b.resetBatch()
		b.st = stRupdBoundary
		return em, true
	case stRupdBoundary:
		b.st = stRestart
		return Emission{Kind: KindRupd}, true
	case stPreEwrap:
		if len(b.batch) == 0 {
			b.st = stEwrapBoundary
			return b.Pop()
		}
		em := Emission{Kind: KindRoll, Blocks: b.batch}
		b.resetBatch()
		b.st = stEwrapBoundary
		return em, true
	case stEwrapBoundary:
		b.st = stEstartBoundary
		return Emission{Kind: KindEwrap}, true
	case stEstartBoundary:
		b.st = stRestart
		return Emission{Kind: KindEstart}, true
	case stPreForcedStop:
		if len(b.batch) == 0 {
			b.st = stHalted
			return Emission{Kind: KindForcedStop}, true
		}
		em := Emission{Kind: KindRoll, Blocks: b.batch}
		b.resetBatch()
		b.st = stForcedStopPending
		return em, true
	case stForcedStopPending:
		b.st = stHalted
		return Emission{Kind: KindForcedStop}, true
	default:
		return Emission{}, false
	}
}
