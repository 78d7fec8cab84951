package domain

import (
	"testing"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
)

func epochZeroKey() namespace.NsKey {
	return namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(0)}
}

func readEpochZero(t *testing.T, d *Domain) *entity.Epoch {
	t.Helper()
	raw, ok, err := d.State.ReadEntity(epochZeroKey())
	if err != nil || !ok {
		t.Fatalf("epoch-0 entity: ok=%v err=%v", ok, err)
	}
	e, err := entity.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return e.(*entity.Epoch)
}

func TestOpenSeedsGenesisPots(t *testing.T) {
	genesis := &cardano.Genesis{
		EpochLength:     432000,
		InitialReserves: 900,
		InitialTreasury: 100,
		ProtocolMajor:   2,
	}
	d, err := Open(t.TempDir(), CacheSizes{}, genesis)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	ep := readEpochZero(t, d)
	if ep.Number != 0 || ep.Reserves != 900 || ep.Treasury != 100 || ep.ProtocolMajor != 2 {
		t.Fatalf("seeded epoch-0 pots = %+v", ep)
	}
}

// Reopening a store that has already progressed must not reseed: the
// derived pot ledger, not the genesis document, is the source of truth
// from then on.
func TestReopenDoesNotReseedPots(t *testing.T) {
	genesis := &cardano.Genesis{EpochLength: 432000, InitialReserves: 900, InitialTreasury: 100}
	root := t.TempDir()
	d, err := Open(root, CacheSizes{}, genesis)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate progress: spend from reserves and advance the cursor.
	mutated := readEpochZero(t, d)
	mutated.Reserves = 500
	enc, err := entity.Encode(mutated)
	if err != nil {
		t.Fatal(err)
	}
	w := d.State.StartWriter()
	if err := w.WriteEntity(epochZeroKey(), enc); err != nil {
		t.Fatal(err)
	}
	if err := w.SetCursor(chainpoint.New(10, [32]byte{1})); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	aw := d.Archive.StartWriter()
	if err := aw.SetCursor(chainpoint.New(10, [32]byte{1})); err != nil {
		t.Fatal(err)
	}
	if err := aw.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(root, CacheSizes{}, genesis)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d2.Close() })
	if got := readEpochZero(t, d2).Reserves; got != 500 {
		t.Fatalf("reopen must keep the derived pots, got reserves %d", got)
	}
}
