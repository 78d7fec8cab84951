package domain

import (
	"fmt"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/logging"
	"github.com/txpipe/dolos/internal/metrics"
	"github.com/txpipe/dolos/internal/store/index"
	"github.com/txpipe/dolos/internal/store/wal"
	"github.com/txpipe/dolos/internal/tip"
	"github.com/txpipe/dolos/internal/utxo"
)

// Rollback undoes every block strictly after target by replaying the
// write-ahead log backward: for each entry from the
// current tip down to target, entity deltas are undone in reverse
// application order and UTxO movements are inverted, then the WAL is
// truncated and the cursor moved back. Archive blocks are left in
// place, but
// the index's slot tags and point lookups past target are removed so
// slots_by_tag never reports a slot the canonical chain no longer
// reaches, and UTxO filter tags are inverted alongside the UTxO set.
//
// Epoch-boundary units (Rupd, Ewrap, Estart) append no WAL entries, so
// a rollback target inside an epoch whose boundary units already ran
// cannot undo their effect; real Cardano reorgs never cross an epoch
// boundary in practice, so this is an accepted limitation rather than
// a correctness gap this core works around.
func (d *Domain) Rollback(target chainpoint.Point) error {
	cursor, _, err := d.State.Cursor()
	if err != nil {
		return fmt.Errorf("domain: rollback read cursor: %w", err)
	}
	if cursor.Equal(target) {
		return nil
	}
	if target.Slot > cursor.Slot {
		return fmt.Errorf("%w: rollback target %s is ahead of cursor %s", ErrIntegrity, target, cursor)
	}

	w := d.State.StartWriter()
	consumedRestored := map[utxo.Ref]utxo.Body{}
	producedRemoved := map[utxo.Ref]struct{}{}
	var undone int
	err = d.WAL.IterBack(target.Slot, func(slot uint64, entry wal.LogEntry) error {
		undone++
		for i := len(entry.Deltas) - 1; i >= 0; i-- {
			rec := entry.Deltas[i]
			if rec.Pre == nil {
				if err := w.DeleteEntity(rec.NsKey); err != nil {
					return fmt.Errorf("domain: rollback delete entity: %w", err)
				}
				continue
			}
			enc, err := entity.Encode(rec.Pre)
			if err != nil {
				return fmt.Errorf("domain: rollback encode pre-image: %w", err)
			}
			if err := w.WriteEntity(rec.NsKey, enc); err != nil {
				return fmt.Errorf("domain: rollback write pre-image: %w", err)
			}
		}
		// Undo = invert the movement: refs this block consumed are
		// restored, refs this block produced are removed.
		if err := w.ApplyUtxoDelta(entry.ConsumedInputs, utxoRefSet(entry.ProducedRefs)); err != nil {
			return fmt.Errorf("domain: rollback apply utxo delta: %w", err)
		}
		for ref, body := range entry.ConsumedInputs {
			consumedRestored[ref] = body
		}
		for ref := range entry.ProducedRefs {
			producedRemoved[ref] = struct{}{}
		}
		return nil
	})
	if err != nil {
		w.Abandon()
		return fmt.Errorf("domain: rollback replay: %w", err)
	}
	logging.Domain.Printf("rollback: undid %d blocks back to %s", undone, target)

	// A ref produced and then consumed inside the rolled-back range
	// nets out: it isn't in state and its tags were already removed
	// when it was spent.
	for ref := range producedRemoved {
		if _, ok := consumedRestored[ref]; ok {
			delete(consumedRestored, ref)
			delete(producedRemoved, ref)
		}
	}

	iw := d.Index.StartWriter()
	var removedRefs []utxo.Ref
	for ref := range producedRemoved {
		removedRefs = append(removedRefs, ref)
	}
	// Bodies are still readable here: the state writer's batch has not
	// committed yet.
	removedBodies, err := d.State.GetUtxos(removedRefs)
	if err != nil {
		w.Abandon()
		iw.Abandon()
		return fmt.Errorf("domain: rollback read removed utxos: %w", err)
	}
	for ref, body := range removedBodies {
		if err := applyUtxoTags(iw, body, ref, false); err != nil {
			w.Abandon()
			iw.Abandon()
			return fmt.Errorf("domain: rollback remove utxo tags: %w", err)
		}
	}
	for ref, body := range consumedRestored {
		if err := applyUtxoTags(iw, body, ref, true); err != nil {
			w.Abandon()
			iw.Abandon()
			return fmt.Errorf("domain: rollback restore utxo tags: %w", err)
		}
	}
	if err := iw.TruncateTagsAfter(target.Slot); err != nil {
		w.Abandon()
		iw.Abandon()
		return fmt.Errorf("domain: rollback truncate index tags: %w", err)
	}
	if err := iw.SetCursor(target); err != nil {
		w.Abandon()
		iw.Abandon()
		return fmt.Errorf("domain: rollback set index cursor: %w", err)
	}

	if err := w.SetCursor(target); err != nil {
		w.Abandon()
		iw.Abandon()
		return fmt.Errorf("domain: rollback set state cursor: %w", err)
	}
	if err := w.Commit(); err != nil {
		iw.Abandon()
		return fmt.Errorf("domain: rollback commit state: %w", err)
	}

	aw := d.Archive.StartWriter()
	if err := aw.SetCursor(target); err != nil {
		aw.Abandon()
		iw.Abandon()
		return fmt.Errorf("domain: rollback set archive cursor: %w", err)
	}
	if err := aw.Commit(); err != nil {
		iw.Abandon()
		return fmt.Errorf("domain: rollback commit archive cursor: %w", err)
	}

	if err := iw.Commit(); err != nil {
		return fmt.Errorf("domain: rollback commit indexes: %w", err)
	}

	if err := d.WAL.TruncateAfter(target); err != nil {
		return fmt.Errorf("domain: rollback truncate wal: %w", err)
	}

	metrics.RollbacksTotal.Inc()
	metrics.TipSlot.Set(float64(target.Slot))
	d.Tip.Publish(tip.Event{Kind: tip.EventReset, Point: target})
	return nil
}

// applyUtxoTags re-derives a UTxO's filter-index tags from its stored
// body, the same dimensions rollbatch writes on produce: address,
// payment credential, and (when carried directly) stake credential. A
// body that predates this node's output codec has no derivable tags
// and is skipped, mirroring the forward path's behavior on spend.
func applyUtxoTags(iw *index.Writer, body utxo.Body, ref utxo.Ref, add bool) error {
	dec, err := cardano.DecodeOutputBody(body)
	if err != nil {
		return nil
	}
	op := iw.ApplyUtxoTagRemove
	if add {
		op = iw.ApplyUtxoTagAdd
	}
	if err := op(cardano.DimAddress, []byte(dec.Address), ref); err != nil {
		return err
	}
	if err := op(cardano.DimPaymentCred, append([]byte(nil), dec.PaymentCred[:]...), ref); err != nil {
		return err
	}
	if dec.HasStakeCred {
		if err := op(cardano.DimStakeCred, append([]byte(nil), dec.StakeCred[:]...), ref); err != nil {
			return err
		}
	}
	return nil
}

// utxoRefSet reduces a produced-refs set to the map shape
// Writer.ApplyUtxoDelta's consumed argument expects; the body value is
// never read for a delete, so an empty body is fine.
func utxoRefSet(refs map[utxo.Ref]struct{}) map[utxo.Ref]utxo.Body {
	out := make(map[utxo.Ref]utxo.Body, len(refs))
	for r := range refs {
		out[r] = utxo.Body{}
	}
	return out
}
