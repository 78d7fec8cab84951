// Package wal implements the write-ahead log protocol: a durable,
// sequential log of per-block (deltas, consumed inputs, produced
// refs) that makes ingestion crash-safe and rollback-safe. Backed by
// its own Pebble instance, one database per storage concern.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/utxo"
)

const (
	prefixEntry byte = 0x01 // slot:8 BE -> LogEntry
	keyTip           = "tip"
)

// deltaRecord is the CBOR-stable envelope for a Delta: we don't know
// how to re-instantiate an arbitrary Delta implementation from bytes,
// so the WAL stores the target NsKey plus pre/post entity snapshots
// instead of the delta object itself. Undo on replay is then "write
// pre back", which is exactly what every Delta.Undo in this tree
// already reduces to.
type deltaRecord struct {
	_    struct{} `cbor:",toarray"`
	NS   namespace.Namespace
	Key  namespace.EntityKey
	// PreEnc/PostEnc are the entity envelope encodings (nil means the
	// entity did not exist in that image).
	PreEnc  []byte
	PostEnc []byte
}

// LogEntry is one WAL record: everything needed to undo a block's
// effect on state.
type LogEntry struct {
	Deltas        []DeltaRecord
	ConsumedInputs map[utxo.Ref]utxo.Body
	ProducedRefs   map[utxo.Ref]struct{}
}

// DeltaRecord pairs a Delta's target with the pre/post entity images
// captured at apply time, enough to undo without re-running Apply.
type DeltaRecord struct {
	NsKey namespace.NsKey
	Pre   entity.Entity
	Post  entity.Entity
}

// NewLogEntry captures deltas (already applied by the caller) into a
// LogEntry alongside the UTxO movements.
func NewLogEntry(deltas []DeltaRecord, consumed map[utxo.Ref]utxo.Body, produced map[utxo.Ref]struct{}) LogEntry {
	return LogEntry{Deltas: deltas, ConsumedInputs: consumed, ProducedRefs: produced}
}

// CaptureDelta records a delta application for WAL purposes.
func CaptureDelta(d delta.Delta, pre, post entity.Entity) DeltaRecord {
	return DeltaRecord{NsKey: d.Key(), Pre: pre, Post: post}
}

type wireRef struct {
	_      struct{} `cbor:",toarray"`
	TxHash [32]byte
	Index  uint32
}

type wireBody struct {
	_    struct{} `cbor:",toarray"`
	Era  uint16
	CBOR []byte
}

type wireEntry struct {
	_        struct{} `cbor:",toarray"`
	Deltas   []deltaRecord
	Consumed []wireConsumed
	Produced []wireRef
}

type wireConsumed struct {
	_    struct{} `cbor:",toarray"`
	Ref  wireRef
	Body wireBody
}

func encodeEntry(e LogEntry) ([]byte, error) {
	w := wireEntry{}
	for _, dr := range e.Deltas {
		var preEnc, postEnc []byte
		var err error
		if dr.Pre != nil {
			preEnc, err = entity.Encode(dr.Pre)
			if err != nil {
				return nil, fmt.Errorf("wal: encode pre: %w", err)
			}
		}
		if dr.Post != nil {
			postEnc, err = entity.Encode(dr.Post)
			if err != nil {
				return nil, fmt.Errorf("wal: encode post: %w", err)
			}
		}
		w.Deltas = append(w.Deltas, deltaRecord{
			NS: dr.NsKey.NS, Key: dr.NsKey.Key, PreEnc: preEnc, PostEnc: postEnc,
		})
	}
	for ref, body := range e.ConsumedInputs {
		w.Consumed = append(w.Consumed, wireConsumed{
			Ref:  wireRef{TxHash: ref.TxHash, Index: ref.Index},
			Body: wireBody{Era: body.Era, CBOR: body.CBOR},
		})
	}
	for ref := range e.ProducedRefs {
		w.Produced = append(w.Produced, wireRef{TxHash: ref.TxHash, Index: ref.Index})
	}
	return cbor.Marshal(w)
}

func decodeEntry(b []byte) (LogEntry, error) {
	var w wireEntry
	if err := cbor.Unmarshal(b, &w); err != nil {
		return LogEntry{}, fmt.Errorf("wal: decode entry: %w", err)
	}
	e := LogEntry{
		ConsumedInputs: map[utxo.Ref]utxo.Body{},
		ProducedRefs:   map[utxo.Ref]struct{}{},
	}
	for _, dr := range w.Deltas {
		var pre, post entity.Entity
		var err error
		if dr.PreEnc != nil {
			pre, err = entity.Decode(dr.PreEnc)
			if err != nil {
				return LogEntry{}, fmt.Errorf("wal: decode pre: %w", err)
			}
		}
		if dr.PostEnc != nil {
			post, err = entity.Decode(dr.PostEnc)
			if err != nil {
				return LogEntry{}, fmt.Errorf("wal: decode post: %w", err)
			}
		}
		e.Deltas = append(e.Deltas, DeltaRecord{
			NsKey: namespace.NsKey{NS: dr.NS, Key: dr.Key}, Pre: pre, Post: post,
		})
	}
	for _, c := range w.Consumed {
		e.ConsumedInputs[utxo.Ref{TxHash: c.Ref.TxHash, Index: c.Ref.Index}] = utxo.Body{Era: c.Body.Era, CBOR: c.Body.CBOR}
	}
	for _, r := range w.Produced {
		e.ProducedRefs[utxo.Ref{TxHash: r.TxHash, Index: r.Index}] = struct{}{}
	}
	return e, nil
}

// Store is the sequential write-ahead log.
type Store struct {
	db *pebble.DB
}

func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func entryKey(slot uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixEntry
	binary.BigEndian.PutUint64(out[1:], slot)
	return out
}

// Append writes one LogEntry for point p. Entries must be monotonic by
// slot; the caller (roll batch commit) is
// responsible for calling Append in slot order.
func (s *Store) Append(p chainpoint.Point, entry LogEntry) error {
	enc, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	if err := b.Set(entryKey(p.Slot), enc, nil); err != nil {
		return err
	}
	ptBytes := p.Bytes()
	if err := b.Set([]byte(keyTip), ptBytes[:], nil); err != nil {
		return err
	}
	// Stash point->slot so Tip() need not scan: the tip key already
	// carries the full point, this index is for find_intersection.
	pointKey := make([]byte, 1+chainpoint.Size)
	pointKey[0] = 0xFE
	copy(pointKey[1:], ptBytes[:])
	slotBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(slotBytes, p.Slot)
	if err := b.Set(pointKey, slotBytes, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Tip returns the most recently appended point.
func (s *Store) Tip() (chainpoint.Point, bool, error) {
	val, closer, err := s.db.Get([]byte(keyTip))
	if errors.Is(err, pebble.ErrNotFound) {
		return chainpoint.Origin, false, nil
	}
	if err != nil {
		return chainpoint.Point{}, false, err
	}
	defer closer.Close()
	p, err := chainpoint.FromBytes(val)
	if err != nil {
		return chainpoint.Point{}, false, err
	}
	return p, true, nil
}

// IterFrom iterates (point, entry) pairs with slot >= p.Slot in
// increasing slot order. Only the slot is tracked in the entry key; the
// caller compares hashes if disambiguation across a fork is needed
// (the core trusts its single upstream, so this is rare).
func (s *Store) IterFrom(fromSlot uint64, fn func(slot uint64, entry LogEntry) error) error {
	lower := entryKey(fromSlot)
	upper := []byte{prefixEntry + 1}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		slot := binary.BigEndian.Uint64(iter.Key()[1:])
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(slot, entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// IterBack iterates (slot, entry) pairs with slot in (afterSlot, tip]
// in decreasing slot order, the shape rollback needs: walk from the
// current tip backward until reaching the target point.
func (s *Store) IterBack(afterSlot uint64, fn func(slot uint64, entry LogEntry) error) error {
	lower := entryKey(afterSlot + 1)
	upper := []byte{prefixEntry + 1}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.Last(); iter.Valid(); iter.Prev() {
		slot := binary.BigEndian.Uint64(iter.Key()[1:])
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(slot, entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// TruncateAfter deletes every entry with slot > p.Slot and resets the
// tip to p, used after a rollback's undo pass has been applied.
func (s *Store) TruncateAfter(p chainpoint.Point) error {
	b := s.db.NewBatch()
	lower := entryKey(p.Slot + 1)
	upper := []byte{prefixEntry + 1}
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	ptBytes := p.Bytes()
	if err := b.Set([]byte(keyTip), ptBytes[:], nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// PruneBefore deletes every entry with slot < slot, housekeeping
// only; it does not touch the tip.
func (s *Store) PruneBefore(slot uint64) error {
	lower := entryKey(0)
	upper := entryKey(slot)
	return s.db.DeleteRange(lower, upper, pebble.Sync)
}

// ResetToOrigin empties the log entirely, used by import mode which
// never writes to the WAL in the first place but may need to clear a
// stale one before a re-import.
func (s *Store) ResetToOrigin() error {
	b := s.db.NewBatch()
	if err := b.DeleteRange([]byte{prefixEntry}, []byte{prefixEntry + 1}, nil); err != nil {
		return err
	}
	origin := chainpoint.Origin.Bytes()
	if err := b.Set([]byte(keyTip), origin[:], nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// FindIntersection returns the first candidate point (in the order
// given) whose slot has a WAL entry and whose point matches what is
// recorded as the tip-at-that-slot, used to resume an upstream
// intersection after a reconnect.
func (s *Store) FindIntersection(candidates []chainpoint.Point) (chainpoint.Point, bool, error) {
	for _, c := range candidates {
		if c.IsOrigin() {
			return chainpoint.Origin, true, nil
		}
		_, closer, err := s.db.Get(entryKey(c.Slot))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return chainpoint.Point{}, false, err
		}
		closer.Close()
		ptBytes := c.Bytes()
		pointKey := append([]byte{0xFE}, ptBytes[:]...)
		_, closer, err = s.db.Get(pointKey)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return chainpoint.Point{}, false, err
		}
		closer.Close()
		return c, true, nil
	}
	return chainpoint.Point{}, false, nil
}
