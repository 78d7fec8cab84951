package cardano

import (
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/utxo"
)

// VisitCtx carries the per-block mutable state every visitor writes
// into, plus the read-only chain context (protocol version, pointer
// table) visitors need to decide behavior.
type VisitCtx struct {
	Slot          uint64
	BlockHash     [32]byte
	ProtocolMajor uint32
	Pointers      *PointerTable

	// Outputs accumulated across the whole block, in visitation order.
	Deltas    []delta.Delta
	UtxoDelta *utxo.Delta
	Tags      []SlotTag
	UtxoTags  []UtxoTagOp

	// TxIndex is the zero-based position of the transaction currently
	// being visited, needed by pointer-address bookkeeping which keys
	// on (slot, tx-index, cert-index).
	TxIndex uint64
}

func newVisitCtx(slot uint64, hash [32]byte, protocolMajor uint32, pointers *PointerTable) *VisitCtx {
	return &VisitCtx{
		Slot: slot, BlockHash: hash, ProtocolMajor: protocolMajor, Pointers: pointers,
		UtxoDelta: utxo.NewDelta(),
	}
}

// DeltaBuilder drives a list of Visitor implementations over each
// block in a roll batch, in the fixed order: header, then per-tx
// inputs/outputs/mints/withdrawals/certs/votes/proposals/updates.
// Certificate order is tx-order then cert-index, never
// resorted — the traversal below preserves Tx.Certs' existing order.
type DeltaBuilder struct {
	Visitors []Visitor
}

func NewDeltaBuilder(visitors ...Visitor) *DeltaBuilder {
	return &DeltaBuilder{Visitors: visitors}
}

// Visit walks b and returns the accumulated deltas, UTxO delta, and
// tags produced by every registered visitor.
func (db *DeltaBuilder) Visit(b *Block, protocolMajor uint32, pointers *PointerTable) *VisitCtx {
	ctx := newVisitCtx(b.Header.Slot, b.Header.Hash, protocolMajor, pointers)

	for _, v := range db.Visitors {
		v.OnBlock(ctx, b)
	}
	for ti := range b.Body.Txs {
		tx := &b.Body.Txs[ti]
		ctx.TxIndex = uint64(ti)
		for _, v := range db.Visitors {
			v.OnTx(ctx, tx)
		}
		for _, ref := range tx.Inputs {
			enc := ref.Encode()
			for _, v := range db.Visitors {
				v.OnInput(ctx, tx, enc)
			}
		}
		for _, out := range tx.Outputs {
			for _, v := range db.Visitors {
				v.OnOutput(ctx, tx, out)
			}
		}
		for _, m := range tx.Mints {
			for _, v := range db.Visitors {
				v.OnMint(ctx, tx, m)
			}
		}
		for _, w := range tx.Withdrawals {
			for _, v := range db.Visitors {
				v.OnWithdrawal(ctx, tx, w)
			}
		}
		for _, c := range tx.Certs {
			for _, v := range db.Visitors {
				v.OnCert(ctx, tx, c)
			}
		}
		for _, vote := range tx.Votes {
			for _, v := range db.Visitors {
				v.OnVote(ctx, tx, vote)
			}
		}
		for _, p := range tx.Proposals {
			for _, v := range db.Visitors {
				v.OnProposal(ctx, tx, p)
			}
		}
		if tx.ParamUpdate != nil {
			for _, v := range db.Visitors {
				v.OnUpdate(ctx, tx, tx.ParamUpdate)
			}
		}
	}
	return ctx
}
