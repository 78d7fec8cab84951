// Package index implements the IndexStore/IndexWriter contract: UTxO
// filter indexes (churning, kept in sync with the live UTxO set) and
// archive slot-tag indexes (append-only), held in one database but
// under disjoint key prefixes so each can eventually take a different
// compaction policy without code churn. Backed by its own Pebble
// instance, one database per storage concern.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"

	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/utxo"
)

const (
	// UTxO-kind: dim_hash("utxo:"+dim):8 + lookup_key + utxo_ref:36
	prefixUtxoTag byte = 0x01
	// Archive-kind: dim_hash("block:"+dim):8 + xxh3(tag_key):8 + slot:8
	prefixSlotTag byte = 0x02
	// Exact point-lookup: dim_hash("exact:"+dim):8 + key + slot:8
	prefixExact byte = 0x03
	keyCursor        = "cursor"
)

type Store struct {
	db *pebble.DB
}

func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func utxoTagKey(dim string, lookupKey []byte, ref utxo.Ref) []byte {
	dimHash := namespace.HashDim("utxo:" + dim)
	refEnc := ref.Encode()
	out := make([]byte, 8+len(lookupKey)+len(refEnc))
	binary.BigEndian.PutUint64(out[:8], dimHash)
	copy(out[8:], lookupKey)
	copy(out[8+len(lookupKey):], refEnc[:])
	return withPrefix(prefixUtxoTag, out)
}

func utxoTagPrefix(dim string, lookupKey []byte) []byte {
	dimHash := namespace.HashDim("utxo:" + dim)
	out := make([]byte, 8+len(lookupKey))
	binary.BigEndian.PutUint64(out[:8], dimHash)
	copy(out[8:], lookupKey)
	return withPrefix(prefixUtxoTag, out)
}

func slotTagKey(dim string, tagKey []byte, slot uint64) []byte {
	dimHash := namespace.HashDim("block:" + dim)
	keyHash := namespace.HashKey(tagKey)
	out := make([]byte, 24)
	binary.BigEndian.PutUint64(out[:8], dimHash)
	binary.BigEndian.PutUint64(out[8:16], keyHash)
	binary.BigEndian.PutUint64(out[16:24], slot)
	return withPrefix(prefixSlotTag, out)
}

func slotTagRangeBounds(dim string, tagKey []byte, startSlot, endSlot uint64) (lower, upper []byte) {
	dimHash := namespace.HashDim("block:" + dim)
	keyHash := namespace.HashKey(tagKey)
	lo := make([]byte, 24)
	binary.BigEndian.PutUint64(lo[:8], dimHash)
	binary.BigEndian.PutUint64(lo[8:16], keyHash)
	binary.BigEndian.PutUint64(lo[16:24], startSlot)
	hi := make([]byte, 24)
	binary.BigEndian.PutUint64(hi[:8], dimHash)
	binary.BigEndian.PutUint64(hi[8:16], keyHash)
	binary.BigEndian.PutUint64(hi[16:24], endSlot+1)
	return withPrefix(prefixSlotTag, lo), withPrefix(prefixSlotTag, hi)
}

func exactKey(kind, key string, slot uint64) []byte {
	dimHash := namespace.HashDim("exact:" + kind)
	out := make([]byte, 8+len(key)+8)
	binary.BigEndian.PutUint64(out[:8], dimHash)
	copy(out[8:8+len(key)], key)
	binary.BigEndian.PutUint64(out[8+len(key):], slot)
	return withPrefix(prefixExact, out)
}

func exactPrefix(kind, key string) []byte {
	dimHash := namespace.HashDim("exact:" + kind)
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out[:8], dimHash)
	copy(out[8:], key)
	return withPrefix(prefixExact, out)
}

func withPrefix(p byte, b []byte) []byte {
	out := make([]byte, 1+len(b))
	out[0] = p
	copy(out[1:], b)
	return out
}

// UtxosByTag returns every UTxO ref currently tagged (dim, lookupKey).
func (s *Store) UtxosByTag(dim string, lookupKey []byte) (map[utxo.Ref]struct{}, error) {
	prefix := utxoTagPrefix(dim, lookupKey)
	upper := append(append([]byte{}, prefix...), 0xFF)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := map[utxo.Ref]struct{}{}
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < utxo.RefSize {
			continue
		}
		refBytes := key[len(key)-utxo.RefSize:]
		ref, ok := utxo.DecodeRef(refBytes)
		if ok {
			out[ref] = struct{}{}
		}
	}
	return out, iter.Error()
}

// SlotsByTag iterates slots tagged (dim, tagKey) with slot in
// [startSlot, endSlot], in ascending order.
func (s *Store) SlotsByTag(dim string, tagKey []byte, startSlot, endSlot uint64, fn func(slot uint64) error) error {
	lower, upper := slotTagRangeBounds(dim, tagKey, startSlot, endSlot)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		slot := binary.BigEndian.Uint64(key[len(key)-8:])
		if err := fn(slot); err != nil {
			return err
		}
	}
	return iter.Error()
}

// lookupExact resolves a point index (block_hash/tx_hash/block_num ->
// slot) written via PutExact.
func (s *Store) lookupExact(kind, key string) (uint64, bool, error) {
	prefix := exactPrefix(kind, key)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: append(append([]byte{}, prefix...), 0xFF)})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if !iter.First() {
		return 0, false, iter.Error()
	}
	key2 := iter.Key()
	return binary.BigEndian.Uint64(key2[len(key2)-8:]), true, nil
}

// SlotByBlockHash resolves a block hash to the slot it was minted at.
func (s *Store) SlotByBlockHash(hash [32]byte) (uint64, bool, error) {
	return s.lookupExact("block_hash", string(hash[:]))
}

// SlotByTxHash resolves a transaction hash to the slot of its block.
func (s *Store) SlotByTxHash(hash [32]byte) (uint64, bool, error) {
	return s.lookupExact("tx_hash", string(hash[:]))
}

// SlotByBlockNumber resolves a block height to its slot.
func (s *Store) SlotByBlockNumber(height uint64) (uint64, bool, error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return s.lookupExact("block_num", string(b[:]))
}

func (s *Store) Cursor() (chainpoint.Point, bool, error) {
	val, closer, err := s.db.Get([]byte(keyCursor))
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

// Writer is a single-use transaction over the index database.
type Writer struct {
	db    *pebble.DB
	batch *pebble.Batch
	done  bool
}

func (s *Store) StartWriter() *Writer {
	return &Writer{db: s.db, batch: s.db.NewBatch()}
}

func (w *Writer) checkOpen() error {
	if w.done {
		return errors.New("index: writer already committed or abandoned")
	}
	return nil
}

// ApplyUtxoTagAdd records that ref currently carries tag (dim, lookupKey).
func (w *Writer) ApplyUtxoTagAdd(dim string, lookupKey []byte, ref utxo.Ref) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Set(utxoTagKey(dim, lookupKey, ref), nil, nil)
}

// ApplyUtxoTagRemove removes a UTxO filter tag, called when the
// tagged ref is spent or rolled back.
func (w *Writer) ApplyUtxoTagRemove(dim string, lookupKey []byte, ref utxo.Ref) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Delete(utxoTagKey(dim, lookupKey, ref), nil)
}

// ApplySlotTag appends a slot to the append-only archive index.
func (w *Writer) ApplySlotTag(dim string, tagKey []byte, slot uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Set(slotTagKey(dim, tagKey, slot), nil, nil)
}

// RemoveSlotTag deletes a previously-written slot tag; used only by
// the rollback undo path, which otherwise would violate the
// append-only invariant for slots past the rollback target.
func (w *Writer) RemoveSlotTag(dim string, tagKey []byte, slot uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Delete(slotTagKey(dim, tagKey, slot), nil)
}

// TruncateTagsAfter deletes every slot-tag and exact point-lookup
// entry whose slot is strictly greater than slot. Both key layouts end
// in an 8-byte big-endian slot, so a scan over each prefix suffices.
// This is the "reverse tags" half of the rollback undo path: UTxO
// filter tags are inverted individually by the caller (they carry no
// slot), archive-kind entries are truncated wholesale here. A full
// prefix scan is acceptable because rollbacks are rare and shallow.
func (w *Writer) TruncateTagsAfter(slot uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	for _, pfx := range []byte{prefixSlotTag, prefixExact} {
		iter, err := w.db.NewIter(&pebble.IterOptions{LowerBound: []byte{pfx}, UpperBound: []byte{pfx + 1}})
		if err != nil {
			return err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			key := iter.Key()
			if len(key) < 9 {
				continue
			}
			if binary.BigEndian.Uint64(key[len(key)-8:]) > slot {
				if err := w.batch.Delete(append([]byte(nil), key...), nil); err != nil {
					iter.Close()
					return err
				}
			}
		}
		if err := iter.Error(); err != nil {
			iter.Close()
			return err
		}
		if err := iter.Close(); err != nil {
			return err
		}
	}
	return nil
}

// PutExact writes one of the point-lookup indexes: block_hash, tx_hash,
// or block_num, each mapping to a slot.
func (w *Writer) PutExact(kind, key string, slot uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Set(exactKey(kind, key, slot), nil, nil)
}

// DeleteExact removes a point-lookup entry, used by rollback undo.
func (w *Writer) DeleteExact(kind, key string, slot uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Delete(exactKey(kind, key, slot), nil)
}

func (w *Writer) SetCursor(p chainpoint.Point) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	b := p.Bytes()
	return w.batch.Set([]byte(keyCursor), b[:], nil)
}

func (w *Writer) Commit() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.done = true
	return w.batch.Commit(pebble.Sync)
}

func (w *Writer) Abandon() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.batch.Close()
}
