// Package state implements the StateStore/StateWriter contract: the
// current ledger — UTxO set, entities, and cursor — backed by a
// dedicated Pebble instance, one database per storage concern.
package state

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
	prefixEntity  byte = 0x01 // entity key encoding (namespace_hash:8 + entity_key:32)
	prefixUtxo    byte = 0x02 // utxo ref encoding (tx_hash:32 + index:4)
	keyCursor          = "cursor"
)

// Store is the read side of the state database. Reads use Pebble's
// MVCC snapshots and never block a concurrent writer.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the state database at path.
func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func entityDBKey(k namespace.NsKey) []byte {
	enc := namespace.EncodeEntityKey(k)
	out := make([]byte, 1+len(enc))
	out[0] = prefixEntity
	copy(out[1:], enc[:])
	return out
}

func utxoDBKey(r utxo.Ref) []byte {
	enc := r.Encode()
	out := make([]byte, 1+len(enc))
	out[0] = prefixUtxo
	copy(out[1:], enc[:])
	return out
}

// ReadEntity returns the raw CBOR bytes stored for (ns, key), or
// (nil, false) if absent.
func (s *Store) ReadEntity(k namespace.NsKey) ([]byte, bool, error) {
	val, closer, err := s.db.Get(entityDBKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// ReadEntities performs a bulk point lookup.
func (s *Store) ReadEntities(keys []namespace.NsKey) (map[namespace.NsKey][]byte, error) {
	out := make(map[namespace.NsKey][]byte, len(keys))
	for _, k := range keys {
		val, ok, err := s.ReadEntity(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = val
		}
	}
	return out, nil
}

// IterEntities iterates entities of ns whose key falls in
// [startKey, endKey) (nil bounds mean unbounded), ordered by binary key.
func (s *Store) IterEntities(ns namespace.Namespace, startKey, endKey *namespace.EntityKey, fn func(namespace.EntityKey, []byte) error) error {
	nsHash := ns.Hash()
	lower := make([]byte, 9)
	lower[0] = prefixEntity
	binary.BigEndian.PutUint64(lower[1:], nsHash)
	upper := make([]byte, 9)
	upper[0] = prefixEntity
	binary.BigEndian.PutUint64(upper[1:], nsHash+1)

	if startKey != nil {
		lower = append(lower, startKey[:]...)
	}
	if endKey != nil {
		upper = make([]byte, 0, 41)
		upper = append(upper, prefixEntity)
		upper = binary.BigEndian.AppendUint64(upper, nsHash)
		upper = append(upper, endKey[:]...)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 1+8+32 {
			continue
		}
		var ek namespace.EntityKey
		copy(ek[:], key[9:])
		val := iter.Value()
		cp := make([]byte, len(val))
		copy(cp, val)
		if err := fn(ek, cp); err != nil {
			return err
		}
	}
	return iter.Error()
}

// IterUtxos walks every live UTxO in the state store, used by ESTART's
// full-scan pot reconciliation.
func (s *Store) IterUtxos(fn func(utxo.Ref, utxo.Body) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixUtxo},
		UpperBound: []byte{prefixUtxo + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 1+36 {
			continue
		}
		ref, ok := utxo.DecodeRef(key[1:])
		if !ok {
			continue
		}
		body, ok := decodeBody(iter.Value())
		if !ok {
			continue
		}
		if err := fn(ref, body); err != nil {
			return err
		}
	}
	return iter.Error()
}

// GetUtxos performs a bulk point lookup of UTxO bodies.
func (s *Store) GetUtxos(refs []utxo.Ref) (map[utxo.Ref]utxo.Body, error) {
	out := make(map[utxo.Ref]utxo.Body, len(refs))
	for _, r := range refs {
		val, closer, err := s.db.Get(utxoDBKey(r))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		body, ok := decodeBody(val)
		closer.Close()
		if ok {
			out[r] = body
		}
	}
	return out, nil
}

// Cursor returns the last committed ChainPoint, or (Origin, false) if
// never set.
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

func encodeBody(b utxo.Body) []byte {
	out := make([]byte, 2+len(b.CBOR))
	binary.BigEndian.PutUint16(out[:2], b.Era)
	copy(out[2:], b.CBOR)
	return out
}

func decodeBody(b []byte) (utxo.Body, bool) {
	if len(b) < 2 {
		return utxo.Body{}, false
	}
	cp := make([]byte, len(b)-2)
	copy(cp, b[2:])
	return utxo.Body{Era: binary.BigEndian.Uint16(b[:2]), CBOR: cp}, true
}

// Writer is a single-use, non-thread-shareable transaction over the
// state database.
type Writer struct {
	db    *pebble.DB
	batch *pebble.Batch
	done  bool
}

// StartWriter opens a new writer transaction. Only one should be open
// at a time; the executor is the sole writer.
func (s *Store) StartWriter() *Writer {
	return &Writer{db: s.db, batch: s.db.NewBatch()}
}

func (w *Writer) checkOpen() error {
	if w.done {
		return errors.New("state: writer already committed or abandoned")
	}
	return nil
}

// WriteEntity stores raw CBOR bytes for (ns, key).
func (w *Writer) WriteEntity(k namespace.NsKey, cborBytes []byte) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Set(entityDBKey(k), cborBytes, nil)
}

// DeleteEntity removes (ns, key).
func (w *Writer) DeleteEntity(k namespace.NsKey) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.batch.Delete(entityDBKey(k), nil)
}

// ApplyUtxoDelta writes produced outputs and removes consumed ones.
func (w *Writer) ApplyUtxoDelta(produced map[utxo.Ref]utxo.Body, consumed map[utxo.Ref]utxo.Body) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	for ref, body := range produced {
		if err := w.batch.Set(utxoDBKey(ref), encodeBody(body), nil); err != nil {
			return err
		}
	}
	for ref := range consumed {
		if err := w.batch.Delete(utxoDBKey(ref), nil); err != nil {
			return err
		}
	}
	return nil
}

// SetCursor records the new ChainPoint. Must be the last call before
// Commit so partially-committed state is never observable.
func (w *Writer) SetCursor(p chainpoint.Point) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	b := p.Bytes()
	return w.batch.Set([]byte(keyCursor), b[:], nil)
}

// Commit atomically applies every queued operation, or none.
func (w *Writer) Commit() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.done = true
	return w.batch.Commit(pebble.Sync)
}

// Abandon discards the writer without committing.
func (w *Writer) Abandon() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.batch.Close()
}
