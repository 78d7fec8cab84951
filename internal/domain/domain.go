// Package domain composes the four storage backends with
// chain-specific logic into the single product type the executor and
// query collaborators are built against.
package domain

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/query"
	"github.com/txpipe/dolos/internal/store/archive"
	"github.com/txpipe/dolos/internal/store/index"
	"github.com/txpipe/dolos/internal/store/state"
	"github.com/txpipe/dolos/internal/store/wal"
	"github.com/txpipe/dolos/internal/tip"
)

// Sentinel errors matched with errors.Is across the ingestion
// pipeline.
var (
	// ErrForcedStop is returned by commit_state when sync.stop_epoch is
	// reached; the executor treats it as a clean shutdown.
	ErrForcedStop = errors.New("domain: forced stop epoch reached")
	// ErrMissingInput is returned when a transaction input cannot be
	// resolved in sync mode.
	ErrMissingInput = errors.New("domain: missing input")
	// ErrIntegrity covers any violated invariant: cursor skew, pots sum
	// mismatch, undo/apply inverse mismatch.
	ErrIntegrity = errors.New("domain: integrity violation")
)

// CacheSizes mirrors the storage.*_cache configuration options.
type CacheSizes struct {
	State   int
	Archive int
	Index   int
	WAL     int
}

func pebbleOpts(cacheBytes int) *pebble.Options {
	if cacheBytes <= 0 {
		return nil
	}
	return &pebble.Options{Cache: pebble.NewCache(int64(cacheBytes))}
}

// Domain owns the four independent stores plus the chain-specific
// genesis parameters and pointer table.
type Domain struct {
	State   *state.Store
	Archive *archive.Store
	WAL     *wal.Store
	Index   *index.Store
	Query   *query.Helpers

	Genesis  *cardano.Genesis
	Pointers *cardano.PointerTable

	Tip *tip.Broadcaster
}

// Open opens (creating if absent) all four stores under root, per the
// fixed persistence layout:
//
//	<root>/state  <root>/chain  <root>/wal  <root>/index
func Open(root string, caches CacheSizes, genesis *cardano.Genesis) (*Domain, error) {
	st, err := state.Open(filepath.Join(root, "state"), pebbleOpts(caches.State))
	if err != nil {
		return nil, fmt.Errorf("domain: open state: %w", err)
	}
	ar, err := archive.Open(filepath.Join(root, "chain"), pebbleOpts(caches.Archive))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("domain: open archive: %w", err)
	}
	w, err := wal.Open(filepath.Join(root, "wal"), pebbleOpts(caches.WAL))
	if err != nil {
		st.Close()
		ar.Close()
		return nil, fmt.Errorf("domain: open wal: %w", err)
	}
	ix, err := index.Open(filepath.Join(root, "index"), pebbleOpts(caches.Index))
	if err != nil {
		st.Close()
		ar.Close()
		w.Close()
		return nil, fmt.Errorf("domain: open index: %w", err)
	}

	d := &Domain{
		State: st, Archive: ar, WAL: w, Index: ix,
		Query: query.New(ar, ix),
		Genesis: genesis, Pointers: cardano.NewPointerTable(),
		Tip: tip.NewBroadcaster(),
	}
	if err := d.checkCursorSkew(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.seedGenesisPots(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// seedGenesisPots writes the epoch-0 pot ledger from the genesis
// document on first open: the reserves and treasury that fund every
// later reward calculation enter the state store here, and each
// subsequent epoch derives its pots from the previous one at ESTART.
// A store that already has a cursor or an epoch-0 entity is left
// untouched, so reopening never clobbers derived state.
func (d *Domain) seedGenesisPots() error {
	_, ok, err := d.State.Cursor()
	if err != nil {
		return fmt.Errorf("domain: seed genesis pots: %w", err)
	}
	if ok {
		return nil
	}
	k := namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(0)}
	_, ok, err = d.State.ReadEntity(k)
	if err != nil {
		return fmt.Errorf("domain: seed genesis pots: %w", err)
	}
	if ok {
		return nil
	}
	ep := &entity.Epoch{
		Number:        0,
		Reserves:      d.Genesis.InitialReserves,
		Treasury:      d.Genesis.InitialTreasury,
		ProtocolMajor: d.Genesis.ProtocolMajor,
	}
	enc, err := entity.Encode(ep)
	if err != nil {
		return fmt.Errorf("domain: seed genesis pots: %w", err)
	}
	w := d.State.StartWriter()
	if err := w.WriteEntity(k, enc); err != nil {
		w.Abandon()
		return fmt.Errorf("domain: seed genesis pots: %w", err)
	}
	return w.Commit()
}

// Close releases every store's handle.
func (d *Domain) Close() error {
	var errs []error
	if err := d.State.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.Archive.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.WAL.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.Index.Close(); err != nil {
		errs = append(errs, err)
	}
	d.Tip.Close()
	return errors.Join(errs...)
}

// checkCursorSkew enforces "state.cursor == archive.cursor at every
// externally observable boundary" at startup.
func (d *Domain) checkCursorSkew() error {
	sc, _, err := d.State.Cursor()
	if err != nil {
		return err
	}
	ac, _, err := d.Archive.Cursor()
	if err != nil {
		return err
	}
	if !sc.Equal(ac) {
		return fmt.Errorf("%w: state cursor %s != archive cursor %s", ErrIntegrity, sc, ac)
	}
	return nil
}

// Cursor returns the domain's externally-observable tip: the state
// store's cursor, which checkCursorSkew guarantees matches the
// archive's.
func (d *Domain) Cursor() (chainpoint.Point, bool, error) {
	return d.State.Cursor()
}
