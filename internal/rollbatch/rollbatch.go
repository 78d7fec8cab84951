// Package rollbatch implements the roll batch engine: it
// resolves transaction inputs, drives the Cardano visitor pipeline
// over a contiguous run of blocks, and commits the resulting entity
// deltas, UTxO movements, and index tags across all four stores. Unit
// is the concrete workunit.Unit this package contributes.
package rollbatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/domain"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/store/archive"
	"github.com/txpipe/dolos/internal/store/wal"
	"github.com/txpipe/dolos/internal/tip"
	"github.com/txpipe/dolos/internal/utxo"
)

// blockWork is the per-block residue of Compute that the commit phases
// replay in slot order.
type blockWork struct {
	block          cardano.Block
	entries        []wal.DeltaRecord
	consumedBodies map[utxo.Ref]utxo.Body
	producedRefs   map[utxo.Ref]struct{}
	slotTags       []cardano.SlotTag
}

// Unit is the roll-batch WorkUnit. A zero-block Unit with ForcedStop
// set is the sentinel emission workbuffer.KindForcedStop turns into:
// every phase but CommitState is a no-op, and CommitState returns
// domain.ErrForcedStop without touching any store.
type Unit struct {
	Blocks []cardano.Block
	// Import skips (rather than fails on) unresolved transaction inputs,
	// the bulk-bootstrap contract.
	Import bool
	// ForcedStop marks the block-free halt sentinel.
	ForcedStop bool
	// IsGenesis marks the one-block genesis unit, whose completion
	// requires an era-cache refresh.
	IsGenesis bool

	protocolMajor uint32

	inputs  map[utxo.Ref]utxo.Body
	missing map[utxo.Ref]struct{}

	entityCache map[namespace.NsKey]entity.Entity
	loaded      map[namespace.NsKey]bool
	touched     []namespace.NsKey

	perBlock  []blockWork
	batchUtxo *utxo.Delta
	tagOps    []cardano.UtxoTagOp
	events    []tip.Event
}

func (u *Unit) Kind() string {
	if u.ForcedStop {
		return "forced_stop"
	}
	if u.IsGenesis {
		return "genesis"
	}
	return "roll"
}

// currentProtocolMajor walks epoch entities backward from epoch until
// it finds one, falling back to the genesis default for a bootstrap
// batch that predates any persisted Epoch.
func currentProtocolMajor(d *domain.Domain, epoch uint64) uint32 {
	for e := epoch; ; e-- {
		raw, ok, err := d.State.ReadEntity(namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(e)})
		if err == nil && ok {
			if ent, err := entity.Decode(raw); err == nil {
				if ep, ok := ent.(*entity.Epoch); ok {
					return cardano.ForceProtocolVersionAtEpoch0(epoch, d.Genesis.ProtocolMajor, ep.ProtocolMajor)
				}
			}
		}
		if e == 0 {
			break
		}
	}
	return cardano.ForceProtocolVersionAtEpoch0(epoch, d.Genesis.ProtocolMajor, d.Genesis.ProtocolMajor)
}

// Load resolves every transaction input in the batch: first against
// outputs produced earlier in the same batch, then against the state
// store; unresolved refs are fatal in sync mode and silently skipped
// in import mode.
func (u *Unit) Load(d *domain.Domain) error {
	if u.ForcedStop || len(u.Blocks) == 0 {
		return nil
	}
	u.protocolMajor = currentProtocolMajor(d, d.Genesis.EpochOf(u.Blocks[0].Header.Slot))

	produced := map[utxo.Ref]utxo.Body{}
	for _, blk := range u.Blocks {
		for _, tx := range blk.Body.Txs {
			for _, out := range tx.Outputs {
				produced[out.Ref] = out.Body
			}
		}
	}

	var needed []utxo.Ref
	seen := map[utxo.Ref]struct{}{}
	for _, blk := range u.Blocks {
		for _, tx := range blk.Body.Txs {
			for _, ref := range tx.Inputs {
				if _, ok := produced[ref]; ok {
					continue
				}
				if _, ok := seen[ref]; ok {
					continue
				}
				seen[ref] = struct{}{}
				needed = append(needed, ref)
			}
		}
	}

	resolved, err := d.State.GetUtxos(needed)
	if err != nil {
		return fmt.Errorf("rollbatch: resolve inputs: %w", err)
	}

	u.inputs = make(map[utxo.Ref]utxo.Body, len(produced)+len(resolved))
	for ref, body := range produced {
		u.inputs[ref] = body
	}
	for ref, body := range resolved {
		u.inputs[ref] = body
	}

	u.missing = map[utxo.Ref]struct{}{}
	for _, ref := range needed {
		if _, ok := resolved[ref]; !ok {
			u.missing[ref] = struct{}{}
		}
	}
	if !u.Import && len(u.missing) > 0 {
		return fmt.Errorf("%w: %d unresolved transaction input(s)", domain.ErrMissingInput, len(u.missing))
	}
	return nil
}

// stakeDeltas derives a block's net controlled-stake movement per stake
// credential from its outputs produced and inputs consumed: a UTxO
// tagged with a stake credential adds its lovelace to that credential's
// live accumulator when produced and removes it when spent. Pointer
// addresses are resolved on produce the same way OnOutput tags them;
// on consume only a directly-carried stake credential is recoverable
// from the persisted body (the same limitation already noted for
// UTxO-tag removal in Compute's consumed-input handling).
func stakeDeltas(blk cardano.Block, consumedBodies map[utxo.Ref]utxo.Body, pointers *cardano.PointerTable) []delta.Delta {
	totals := map[[28]byte]int64{}
	for _, tx := range blk.Body.Txs {
		for _, out := range tx.Outputs {
			dec, err := cardano.DecodeOutputBody(out.Body)
			if err != nil {
				continue
			}
			if out.HasStakeCred {
				totals[out.StakeCred] += int64(dec.Lovelace)
			} else if out.Pointer != nil {
				if cred, ok := pointers.Resolve(*out.Pointer); ok {
					totals[cred] += int64(dec.Lovelace)
				}
			}
		}
	}
	for _, body := range consumedBodies {
		dec, err := cardano.DecodeOutputBody(body)
		if err != nil || !dec.HasStakeCred {
			continue
		}
		totals[dec.StakeCred] -= int64(dec.Lovelace)
	}

	creds := make([][28]byte, 0, len(totals))
	for cred := range totals {
		if totals[cred] != 0 {
			creds = append(creds, cred)
		}
	}
	sort.Slice(creds, func(i, j int) bool { return bytes.Compare(creds[i][:], creds[j][:]) < 0 })

	out := make([]delta.Delta, 0, len(creds))
	for _, cred := range creds {
		out = append(out, &delta.StakeAdjust{Cred: cred, Delta: totals[cred]})
	}
	return out
}

// Compute drives the visitor pipeline over every block in the batch,
// applying each resulting delta against an in-memory entity cache
// (seeded lazily from state) so later blocks in the same batch observe
// earlier ones' effects before anything is committed.
func (u *Unit) Compute(d *domain.Domain) error {
	if u.ForcedStop || len(u.Blocks) == 0 {
		return nil
	}

	builder := cardano.NewDeltaBuilder(cardano.EntityVisitor{})
	u.entityCache = map[namespace.NsKey]entity.Entity{}
	u.loaded = map[namespace.NsKey]bool{}
	u.batchUtxo = utxo.NewDelta()
	addedTags := map[utxo.Ref][]cardano.UtxoTagOp{}
	touchedSeen := map[namespace.NsKey]bool{}

	getEntity := func(k namespace.NsKey) (entity.Entity, error) {
		if u.loaded[k] {
			return u.entityCache[k], nil
		}
		raw, ok, err := d.State.ReadEntity(k)
		if err != nil {
			return nil, err
		}
		var e entity.Entity
		if ok {
			e, err = entity.Decode(raw)
			if err != nil {
				return nil, err
			}
		}
		u.entityCache[k] = e
		u.loaded[k] = true
		return e, nil
	}
	setEntity := func(k namespace.NsKey, v entity.Entity) {
		if !touchedSeen[k] {
			touchedSeen[k] = true
			u.touched = append(u.touched, k)
		}
		u.entityCache[k] = v
		u.loaded[k] = true
	}

	for _, blk := range u.Blocks {
		ctx := builder.Visit(&blk, u.protocolMajor, d.Pointers)

		for _, top := range ctx.UtxoTags {
			addedTags[top.Ref] = append(addedTags[top.Ref], top)
		}

		consumedBodies := map[utxo.Ref]utxo.Body{}
		for ref := range ctx.UtxoDelta.Consumed {
			body, ok := u.inputs[ref]
			if !ok {
				if u.Import {
					delete(ctx.UtxoDelta.Consumed, ref)
					continue
				}
				return fmt.Errorf("%w: input %x#%d", domain.ErrMissingInput, ref.TxHash, ref.Index)
			}
			ctx.UtxoDelta.Consumed[ref] = body
			consumedBodies[ref] = body

			if adds, ok := addedTags[ref]; ok {
				for _, a := range adds {
					u.tagOps = append(u.tagOps, cardano.UtxoTagOp{Dim: a.Dim, LookupKey: a.LookupKey, Ref: ref})
				}
			} else if dec, err := cardano.DecodeOutputBody(body); err == nil {
				u.tagOps = append(u.tagOps, cardano.UtxoTagOp{Dim: cardano.DimAddress, LookupKey: []byte(dec.Address), Ref: ref})
				u.tagOps = append(u.tagOps, cardano.UtxoTagOp{Dim: cardano.DimPaymentCred, LookupKey: append([]byte(nil), dec.PaymentCred[:]...), Ref: ref})
				if dec.HasStakeCred {
					// Pointer-derived stake-cred tags from before this
					// batch aren't reconstructed: the persisted body
					// carries the on-chain fields, not the resolved
					// pointer credential, unless HasStakeCred was set
					// directly at produce time.
					u.tagOps = append(u.tagOps, cardano.UtxoTagOp{Dim: cardano.DimStakeCred, LookupKey: append([]byte(nil), dec.StakeCred[:]...), Ref: ref})
				}
			}
		}

		var records []wal.DeltaRecord
		for _, dl := range ctx.Deltas {
			k := dl.Key()
			pre, err := getEntity(k)
			if err != nil {
				return fmt.Errorf("rollbatch: load entity: %w", err)
			}
			post := dl.Apply(pre)
			setEntity(k, post)
			records = append(records, wal.CaptureDelta(dl, pre, post))
		}

		for _, dl := range stakeDeltas(blk, consumedBodies, d.Pointers) {
			k := dl.Key()
			pre, err := getEntity(k)
			if err != nil {
				return fmt.Errorf("rollbatch: load entity: %w", err)
			}
			post := dl.Apply(pre)
			setEntity(k, post)
			records = append(records, wal.CaptureDelta(dl, pre, post))
		}

		var fees uint64
		for _, tx := range blk.Body.Txs {
			fees += tx.Fee
		}
		if fees > 0 {
			dl := &delta.EpochFeeAccrue{Epoch: d.Genesis.EpochOf(blk.Header.Slot), Amount: fees}
			k := dl.Key()
			pre, err := getEntity(k)
			if err != nil {
				return fmt.Errorf("rollbatch: load entity: %w", err)
			}
			post := dl.Apply(pre)
			setEntity(k, post)
			records = append(records, wal.CaptureDelta(dl, pre, post))
		}

		producedRefs := map[utxo.Ref]struct{}{}
		for ref := range ctx.UtxoDelta.Produced {
			producedRefs[ref] = struct{}{}
		}

		u.batchUtxo.Merge(ctx.UtxoDelta)
		u.tagOps = append(u.tagOps, ctx.UtxoTags...)
		u.perBlock = append(u.perBlock, blockWork{
			block: blk, entries: records,
			consumedBodies: consumedBodies, producedRefs: producedRefs,
			slotTags: ctx.Tags,
		})
		u.events = append(u.events, tip.Event{
			Kind: tip.EventApply, Point: chainpoint.New(blk.Header.Slot, blk.Header.Hash), RawBlock: blk.Raw,
		})
	}
	return nil
}

// CommitWAL appends one LogEntry per block, in slot order.
func (u *Unit) CommitWAL(d *domain.Domain) error {
	if u.ForcedStop || len(u.Blocks) == 0 {
		return nil
	}
	for _, bw := range u.perBlock {
		p := chainpoint.New(bw.block.Header.Slot, bw.block.Header.Hash)
		entry := wal.NewLogEntry(bw.entries, bw.consumedBodies, bw.producedRefs)
		if err := d.WAL.Append(p, entry); err != nil {
			return fmt.Errorf("rollbatch: wal append: %w", err)
		}
	}
	return nil
}

// CommitState writes every touched entity, the batch's UTxO delta, and
// the new cursor, atomically. The forced-stop sentinel never reaches
// the writer: it signals the halt by returning ErrForcedStop outright.
func (u *Unit) CommitState(d *domain.Domain) error {
	if u.ForcedStop {
		return domain.ErrForcedStop
	}
	if len(u.Blocks) == 0 {
		return nil
	}
	w := d.State.StartWriter()
	for _, k := range u.touched {
		v := u.entityCache[k]
		if v == nil {
			if err := w.DeleteEntity(k); err != nil {
				w.Abandon()
				return fmt.Errorf("rollbatch: delete entity: %w", err)
			}
			continue
		}
		enc, err := entity.Encode(v)
		if err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: encode entity: %w", err)
		}
		if err := w.WriteEntity(k, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: write entity: %w", err)
		}
	}
	if err := w.ApplyUtxoDelta(u.batchUtxo.Produced, u.batchUtxo.Consumed); err != nil {
		w.Abandon()
		return fmt.Errorf("rollbatch: apply utxo delta: %w", err)
	}
	last := u.Blocks[len(u.Blocks)-1]
	if err := w.SetCursor(chainpoint.New(last.Header.Slot, last.Header.Hash)); err != nil {
		w.Abandon()
		return fmt.Errorf("rollbatch: set cursor: %w", err)
	}
	return w.Commit()
}

// CommitArchive persists every block's raw bytes and header.
func (u *Unit) CommitArchive(d *domain.Domain) error {
	if u.ForcedStop || len(u.Blocks) == 0 {
		return nil
	}
	w := d.Archive.StartWriter()
	for _, blk := range u.Blocks {
		h := archive.Header{
			Slot: blk.Header.Slot, Hash: blk.Header.Hash, PrevHash: blk.Header.PrevHash,
			Height: blk.Header.Height, Era: blk.Header.Era,
		}
		if err := w.WriteBlock(h, blk.Raw); err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: write block: %w", err)
		}
	}
	last := u.Blocks[len(u.Blocks)-1]
	if err := w.SetCursor(chainpoint.New(last.Header.Slot, last.Header.Hash)); err != nil {
		w.Abandon()
		return fmt.Errorf("rollbatch: set archive cursor: %w", err)
	}
	return w.Commit()
}

func blockNumKey(height uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return string(b[:])
}

// CommitIndexes applies every UTxO filter-tag op and appends the
// batch's slot tags and point-lookup indexes.
func (u *Unit) CommitIndexes(d *domain.Domain) error {
	if u.ForcedStop || len(u.Blocks) == 0 {
		return nil
	}
	w := d.Index.StartWriter()
	for _, op := range u.tagOps {
		var err error
		if op.Add {
			err = w.ApplyUtxoTagAdd(op.Dim, op.LookupKey, op.Ref)
		} else {
			err = w.ApplyUtxoTagRemove(op.Dim, op.LookupKey, op.Ref)
		}
		if err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: utxo tag op: %w", err)
		}
	}
	for _, bw := range u.perBlock {
		for _, t := range bw.slotTags {
			if err := w.ApplySlotTag(t.Dim, t.Key, bw.block.Header.Slot); err != nil {
				w.Abandon()
				return fmt.Errorf("rollbatch: slot tag: %w", err)
			}
		}
		if err := w.PutExact("block_hash", string(bw.block.Header.Hash[:]), bw.block.Header.Slot); err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: block_hash index: %w", err)
		}
		if err := w.PutExact("block_num", blockNumKey(bw.block.Header.Height), bw.block.Header.Slot); err != nil {
			w.Abandon()
			return fmt.Errorf("rollbatch: block_num index: %w", err)
		}
		for _, tx := range bw.block.Body.Txs {
			if err := w.PutExact("tx_hash", string(tx.Hash[:]), bw.block.Header.Slot); err != nil {
				w.Abandon()
				return fmt.Errorf("rollbatch: tx_hash index: %w", err)
			}
		}
	}
	last := u.Blocks[len(u.Blocks)-1]
	if err := w.SetCursor(chainpoint.New(last.Header.Slot, last.Header.Hash)); err != nil {
		w.Abandon()
		return fmt.Errorf("rollbatch: set index cursor: %w", err)
	}
	return w.Commit()
}

// TipEvents returns one Apply event per block processed.
func (u *Unit) TipEvents() []tip.Event {
	return u.events
}

// NeedsCacheRefresh is true only for the genesis unit.
func (u *Unit) NeedsCacheRefresh() bool {
	return u.IsGenesis
}
