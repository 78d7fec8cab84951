// Package archive implements the ArchiveStore/ArchiveWriter contract:
// immutable raw blocks plus time-series "log entities",
// backed by its own Pebble instance so its compaction policy can differ
// from the UTxO-churning state store.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"

	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/namespace"
)

const (
	prefixBlockBySlot   byte = 0x01 // slot:8 BE -> header + raw bytes
	prefixBlockByHash   byte = 0x02 // hash:32 -> slot:8 BE (indirection)
	prefixBlockByNumber byte = 0x03 // height:8 BE -> slot:8 BE
	prefixLog           byte = 0x04 // ns_hash:8 + slot:8 + key:32 -> bytes
	keyCursor                = "cursor"
)

// Header is a block's decoded metadata, stored alongside its raw bytes.
type Header struct {
	Slot     uint64
	Hash     [32]byte
	PrevHash [32]byte
	Height   uint64
	Era      uint16
}

// Block is a stored archive record.
type Block struct {
	Header Header
	Raw    []byte
}

type Store struct {
	db *pebble.DB
}

func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func slotKey(prefix byte, slot uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefix
	binary.BigEndian.PutUint64(out[1:], slot)
	return out
}

func hashKey(hash [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = prefixBlockByHash
	copy(out[1:], hash[:])
	return out
}

func numberKey(height uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixBlockByNumber
	binary.BigEndian.PutUint64(out[1:], height)
	return out
}

func logKey(ns namespace.Namespace, slot uint64, k namespace.EntityKey) []byte {
	out := make([]byte, 1+8+8+32)
	out[0] = prefixLog
	binary.BigEndian.PutUint64(out[1:9], ns.Hash())
	binary.BigEndian.PutUint64(out[9:17], slot)
	copy(out[17:], k[:])
	return out
}

func encodeBlock(b Block) []byte {
	out := make([]byte, 8+32+32+8+2+len(b.Raw))
	off := 0
	binary.BigEndian.PutUint64(out[off:], b.Header.Slot)
	off += 8
	copy(out[off:], b.Header.Hash[:])
	off += 32
	copy(out[off:], b.Header.PrevHash[:])
	off += 32
	binary.BigEndian.PutUint64(out[off:], b.Header.Height)
	off += 8
	binary.BigEndian.PutUint16(out[off:], b.Header.Era)
	off += 2
	copy(out[off:], b.Raw)
	return out
}

func decodeBlock(b []byte) (Block, bool) {
	if len(b) < 82 {
		return Block{}, false
	}
	var blk Block
	off := 0
	blk.Header.Slot = binary.BigEndian.Uint64(b[off:])
	off += 8
	copy(blk.Header.Hash[:], b[off:off+32])
	off += 32
	copy(blk.Header.PrevHash[:], b[off:off+32])
	off += 32
	blk.Header.Height = binary.BigEndian.Uint64(b[off:])
	off += 8
	blk.Header.Era = binary.BigEndian.Uint16(b[off:])
	off += 2
	blk.Raw = append([]byte(nil), b[off:]...)
	return blk, true
}

// BlockBySlot returns the block stored at slot, if any.
func (s *Store) BlockBySlot(slot uint64) (Block, bool, error) {
	val, closer, err := s.db.Get(slotKey(prefixBlockBySlot, slot))
	if errors.Is(err, pebble.ErrNotFound) {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	defer closer.Close()
	blk, ok := decodeBlock(val)
	return blk, ok, nil
}

// BlockByHash resolves hash to a slot then loads the block.
func (s *Store) BlockByHash(hash [32]byte) (Block, bool, error) {
	val, closer, err := s.db.Get(hashKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	slot := binary.BigEndian.Uint64(val)
	closer.Close()
	return s.BlockBySlot(slot)
}

// BlockByNumber resolves height to a slot then loads the block.
func (s *Store) BlockByNumber(height uint64) (Block, bool, error) {
	val, closer, err := s.db.Get(numberKey(height))
	if errors.Is(err, pebble.ErrNotFound) {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	slot := binary.BigEndian.Uint64(val)
	closer.Close()
	return s.BlockBySlot(slot)
}

// BlocksInRange iterates blocks with slot in [start, end].
func (s *Store) BlocksInRange(start, end uint64, fn func(Block) error) error {
	lower := slotKey(prefixBlockBySlot, start)
	upper := slotKey(prefixBlockBySlot, end+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		blk, ok := decodeBlock(iter.Value())
		if !ok {
			continue
		}
		if err := fn(blk); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LogsByNsSlot iterates log entities of ns whose slot falls in
// [startSlot, endSlot].
func (s *Store) LogsByNsSlot(ns namespace.Namespace, startSlot, endSlot uint64, fn func(slot uint64, key namespace.EntityKey, val []byte) error) error {
	nsHash := ns.Hash()
	lower := make([]byte, 17)
	lower[0] = prefixLog
	binary.BigEndian.PutUint64(lower[1:9], nsHash)
	binary.BigEndian.PutUint64(lower[9:17], startSlot)
	upper := make([]byte, 17)
	upper[0] = prefixLog
	binary.BigEndian.PutUint64(upper[1:9], nsHash)
	binary.BigEndian.PutUint64(upper[9:17], endSlot+1)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 1+8+8+32 {
			continue
		}
		slot := binary.BigEndian.Uint64(key[9:17])
		var ek namespace.EntityKey
		copy(ek[:], key[17:])
		val := append([]byte(nil), iter.Value()...)
		if err := fn(slot, ek, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Cursor returns the last committed ChainPoint.
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
		return errors.New("archive: writer already committed or abandoned")
	}
	return nil
}

// WriteBlock persists raw bytes and header, and refreshes the
// hash/height point indexes. Blocks are never deleted except by
// manual pruning.
func (w *Writer) WriteBlock(h Header, raw []byte) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	blk := Block{Header: h, Raw: raw}
	if err := w.batch.Set(slotKey(prefixBlockBySlot, h.Slot), encodeBlock(blk), nil); err != nil {
		return err
	}
	slotBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(slotBytes, h.Slot)
	if err := w.batch.Set(hashKey(h.Hash), slotBytes, nil); err != nil {
		return err
	}
	return w.batch.Set(numberKey(h.Height), slotBytes, nil)
}

// WriteLog stores a time-series log entity.
func (w *Writer) WriteLog(ns namespace.Namespace, slot uint64, key namespace.EntityKey, val []byte) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Set(logKey(ns, slot, key), val, nil)
}

// DeleteBlock removes a block and its point indexes. Used only by
// manual pruning, never by normal rollback (archive blocks are kept on
// rollback).
func (w *Writer) DeleteBlock(h Header) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := w.batch.Delete(slotKey(prefixBlockBySlot, h.Slot), nil); err != nil {
		return err
	}
	if err := w.batch.Delete(hashKey(h.Hash), nil); err != nil {
		return err
	}
	return w.batch.Delete(numberKey(h.Height), nil)
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
