package rollbatch

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/domain"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/utxo"
	"github.com/txpipe/dolos/internal/workunit"
)

func testGenesis() *cardano.Genesis {
	return &cardano.Genesis{SecurityParam: 2160, ActiveSlotCoeff: 0.05, EpochLength: 432000, SlotLength: 1}
}

func openTestDomain(t *testing.T) *domain.Domain {
	t.Helper()
	d, err := domain.Open(t.TempDir(), domain.CacheSizes{}, testGenesis())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func blockHash(slot uint64) [32]byte {
	var h [32]byte
	binary.BigEndian.PutUint64(h[:8], slot)
	h[31] = 0xB1
	return h
}

func txHash(slot uint64) [32]byte {
	var h [32]byte
	binary.BigEndian.PutUint64(h[:8], slot)
	h[31] = 0x77
	return h
}

func makeOutput(t *testing.T, tx [32]byte, idx uint32, addr string, lovelace uint64) cardano.Output {
	t.Helper()
	out := cardano.Output{Ref: utxo.Ref{TxHash: tx, Index: idx}, Address: addr}
	copy(out.PaymentCred[:], addr)
	body, err := cardano.EncodeOutputBody(6, out, lovelace, nil)
	if err != nil {
		t.Fatal(err)
	}
	out.Body = body
	return out
}

func makeBlock(t *testing.T, slot, height uint64, txs []cardano.Tx) cardano.Block {
	t.Helper()
	h := cardano.Header{Slot: slot, Hash: blockHash(slot), Height: height, Era: 6}
	body := cardano.Body{Txs: txs}
	raw, err := cardano.EncodeBlock(h, body)
	if err != nil {
		t.Fatal(err)
	}
	return cardano.Block{Header: h, Raw: raw, Body: body}
}

// Linear roll-forward then rollback: ten blocks at slots 100..109 each
// producing one UTxO, rolled back to slot 104. State, WAL, archive
// cursor, and both index kinds must all agree afterward.
func TestRollForwardThenRollback(t *testing.T) {
	d := openTestDomain(t)

	const addr = "addr_batch"
	var blocks []cardano.Block
	for i := uint64(0); i < 10; i++ {
		slot := 100 + i
		tx := cardano.Tx{Hash: txHash(slot), Outputs: []cardano.Output{makeOutput(t, txHash(slot), 0, addr, 1_000)}}
		blocks = append(blocks, makeBlock(t, slot, i+1, []cardano.Tx{tx}))
	}
	refAt105 := utxo.Ref{TxHash: txHash(105), Index: 0}

	if err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: blocks}, d); err != nil {
		t.Fatal(err)
	}

	utxos, err := d.State.GetUtxos([]utxo.Ref{refAt105})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := utxos[refAt105]; !ok {
		t.Fatal("UTxO produced at slot 105 should be live after commit")
	}
	tipPoint, ok, err := d.WAL.Tip()
	if err != nil || !ok || !tipPoint.Equal(chainpoint.New(109, blockHash(109))) {
		t.Fatalf("wal tip = %v ok=%v err=%v, want slot 109", tipPoint, ok, err)
	}
	sc, _, _ := d.State.Cursor()
	ac, _, _ := d.Archive.Cursor()
	if !sc.Equal(ac) || sc.Slot != 109 {
		t.Fatalf("cursors after commit: state=%v archive=%v", sc, ac)
	}

	target := chainpoint.New(104, blockHash(104))
	if err := d.Rollback(target); err != nil {
		t.Fatal(err)
	}

	utxos, err = d.State.GetUtxos([]utxo.Ref{refAt105})
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 0 {
		t.Fatalf("UTxO from slot 105 should be gone after rollback: %v", utxos)
	}
	sc, _, _ = d.State.Cursor()
	ac, _, _ = d.Archive.Cursor()
	if !sc.Equal(target) || !ac.Equal(target) {
		t.Fatalf("cursors after rollback: state=%v archive=%v, want %v", sc, ac, target)
	}
	tipPoint, ok, err = d.WAL.Tip()
	if err != nil || !ok || !tipPoint.Equal(target) {
		t.Fatalf("wal tip after rollback = %v ok=%v err=%v, want %v", tipPoint, ok, err, target)
	}

	// Archive blocks stay queryable past the rollback point.
	if _, ok, err := d.Archive.BlockBySlot(107); err != nil || !ok {
		t.Fatalf("archive block at 107 should survive rollback: ok=%v err=%v", ok, err)
	}

	// Index stores must track the rollback: slot tags past the target
	// removed, UTxO filter tags inverted alongside the UTxO set.
	var slots []uint64
	if err := d.Index.SlotsByTag(cardano.DimAddress, []byte(addr), 0, 1_000_000, func(s uint64) error {
		slots = append(slots, s)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []uint64{100, 101, 102, 103, 104}
	if len(slots) != len(want) {
		t.Fatalf("slot tags after rollback = %v, want %v", slots, want)
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Fatalf("slot tags after rollback = %v, want %v", slots, want)
		}
	}
	refs, err := d.Index.UtxosByTag(cardano.DimAddress, []byte(addr))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 5 {
		t.Fatalf("utxo tags after rollback: got %d refs, want 5", len(refs))
	}
	if _, ok := refs[refAt105]; ok {
		t.Fatal("rolled-back UTxO must not remain tagged")
	}
}

// Certificate order within a block is tx-order then cert-index:
// dereg(5) then reg(7) leaves the account registered, and rollback
// restores the exact pre-block state.
func TestCertOrderingWithinBlock(t *testing.T) {
	d := openTestDomain(t)

	var cred [28]byte
	cred[0] = 0xC5
	acctKey := namespace.NsKey{NS: namespace.Accounts, Key: delta.AccountKey(cred)}
	original := &entity.Account{Registered: true, RewardAccount: cred, RewardsLovelace: 7}

	enc, err := entity.Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	before := chainpoint.New(90, blockHash(90))
	sw := d.State.StartWriter()
	if err := sw.WriteEntity(acctKey, enc); err != nil {
		t.Fatal(err)
	}
	if err := sw.SetCursor(before); err != nil {
		t.Fatal(err)
	}
	if err := sw.Commit(); err != nil {
		t.Fatal(err)
	}
	aw := d.Archive.StartWriter()
	if err := aw.SetCursor(before); err != nil {
		t.Fatal(err)
	}
	if err := aw.Commit(); err != nil {
		t.Fatal(err)
	}

	tx := cardano.Tx{Hash: txHash(100), Certs: []cardano.Cert{
		{Index: 5, Kind: cardano.CertAccountDeregister, Cred: cred},
		{Index: 7, Kind: cardano.CertAccountRegister, Cred: cred},
	}}
	blk := makeBlock(t, 100, 1, []cardano.Tx{tx})
	if err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: []cardano.Block{blk}}, d); err != nil {
		t.Fatal(err)
	}

	raw, ok, err := d.State.ReadEntity(acctKey)
	if err != nil || !ok {
		t.Fatalf("account should exist after dereg+reg: ok=%v err=%v", ok, err)
	}
	got, err := entity.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !got.(*entity.Account).Registered {
		t.Fatal("reg at cert index 7 must win over dereg at index 5")
	}

	if err := d.Rollback(before); err != nil {
		t.Fatal(err)
	}
	raw, ok, err = d.State.ReadEntity(acctKey)
	if err != nil || !ok {
		t.Fatalf("account should exist after rollback: ok=%v err=%v", ok, err)
	}
	restored, err := entity.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	acc := restored.(*entity.Account)
	if !acc.Registered || acc.RewardsLovelace != 7 {
		t.Fatalf("rollback must restore the pre-block account: %+v", acc)
	}
}

func TestMissingInputFatalInSyncMode(t *testing.T) {
	d := openTestDomain(t)
	tx := cardano.Tx{Hash: txHash(100), Inputs: []utxo.Ref{{TxHash: [32]byte{0xDE, 0xAD}, Index: 3}}}
	blk := makeBlock(t, 100, 1, []cardano.Tx{tx})
	err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: []cardano.Block{blk}}, d)
	if !errors.Is(err, domain.ErrMissingInput) {
		t.Fatalf("sync mode must fail on an unresolved input, got %v", err)
	}
}

func TestMissingInputSkippedInImportMode(t *testing.T) {
	d := openTestDomain(t)
	tx := cardano.Tx{
		Hash:    txHash(100),
		Inputs:  []utxo.Ref{{TxHash: [32]byte{0xDE, 0xAD}, Index: 3}},
		Outputs: []cardano.Output{makeOutput(t, txHash(100), 0, "addr_import", 500)},
	}
	blk := makeBlock(t, 100, 1, []cardano.Tx{tx})
	if err := (workunit.ImportExecutor{}).Run(&Unit{Blocks: []cardano.Block{blk}, Import: true}, d); err != nil {
		t.Fatal(err)
	}
	ref := utxo.Ref{TxHash: txHash(100), Index: 0}
	utxos, err := d.State.GetUtxos([]utxo.Ref{ref})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := utxos[ref]; !ok {
		t.Fatal("import mode should still commit the produced output")
	}
}

func TestForcedStopSentinel(t *testing.T) {
	d := openTestDomain(t)
	err := (workunit.SyncExecutor{}).Run(&Unit{ForcedStop: true}, d)
	if !errors.Is(err, domain.ErrForcedStop) {
		t.Fatalf("forced-stop sentinel must surface ErrForcedStop, got %v", err)
	}
	if _, ok, err := d.State.Cursor(); err != nil || ok {
		t.Fatalf("forced-stop sentinel must not touch any store: ok=%v err=%v", ok, err)
	}
}

// Consuming a UTxO in a later batch must remove its filter tags via
// the persisted body, the path that cannot rely on same-batch tag
// bookkeeping.
func TestUtxoTagRemovedOnCrossBatchSpend(t *testing.T) {
	d := openTestDomain(t)

	const addr = "addr_spent"
	produce := cardano.Tx{Hash: txHash(100), Outputs: []cardano.Output{makeOutput(t, txHash(100), 0, addr, 900)}}
	if err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: []cardano.Block{makeBlock(t, 100, 1, []cardano.Tx{produce})}}, d); err != nil {
		t.Fatal(err)
	}

	ref := utxo.Ref{TxHash: txHash(100), Index: 0}
	refs, err := d.Index.UtxosByTag(cardano.DimAddress, []byte(addr))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := refs[ref]; !ok {
		t.Fatal("produced UTxO should be tagged")
	}

	spend := cardano.Tx{Hash: txHash(200), Inputs: []utxo.Ref{ref}}
	if err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: []cardano.Block{makeBlock(t, 200, 2, []cardano.Tx{spend})}}, d); err != nil {
		t.Fatal(err)
	}
	refs, err = d.Index.UtxosByTag(cardano.DimAddress, []byte(addr))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Fatalf("spent UTxO must not remain tagged: %v", refs)
	}
}

// Import and sync over the same immutable blocks must land on the same
// state: every entity and every UTxO byte-for-byte, same cursor.
func TestImportMatchesSyncState(t *testing.T) {
	var cred [28]byte
	cred[0] = 0xE0

	build := func(t *testing.T) []cardano.Block {
		tx1 := cardano.Tx{Hash: txHash(100), Outputs: []cardano.Output{
			makeOutput(t, txHash(100), 0, "addr_eq_a", 1_000),
			makeOutput(t, txHash(100), 1, "addr_eq_b", 2_000),
		}}
		tx2 := cardano.Tx{
			Hash:    txHash(200),
			Inputs:  []utxo.Ref{{TxHash: txHash(100), Index: 0}},
			Outputs: []cardano.Output{makeOutput(t, txHash(200), 0, "addr_eq_c", 950)},
			Certs:   []cardano.Cert{{Index: 0, Kind: cardano.CertAccountRegister, Cred: cred}},
		}
		return []cardano.Block{
			makeBlock(t, 100, 1, []cardano.Tx{tx1}),
			makeBlock(t, 200, 2, []cardano.Tx{tx2}),
		}
	}

	dSync := openTestDomain(t)
	if err := (workunit.SyncExecutor{}).Run(&Unit{Blocks: build(t)}, dSync); err != nil {
		t.Fatal(err)
	}
	dImport := openTestDomain(t)
	if err := (workunit.ImportExecutor{}).Run(&Unit{Blocks: build(t), Import: true}, dImport); err != nil {
		t.Fatal(err)
	}

	collectUtxos := func(d *domain.Domain) map[utxo.Ref]string {
		out := map[utxo.Ref]string{}
		if err := d.State.IterUtxos(func(r utxo.Ref, b utxo.Body) error {
			out[r] = string(b.CBOR)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return out
	}
	su, iu := collectUtxos(dSync), collectUtxos(dImport)
	if len(su) != len(iu) {
		t.Fatalf("utxo sets differ: sync=%d import=%d", len(su), len(iu))
	}
	for r, b := range su {
		if iu[r] != b {
			t.Fatalf("utxo %x#%d differs between sync and import", r.TxHash, r.Index)
		}
	}

	collectAccounts := func(d *domain.Domain) map[namespace.EntityKey]string {
		out := map[namespace.EntityKey]string{}
		if err := d.State.IterEntities(namespace.Accounts, nil, nil, func(k namespace.EntityKey, raw []byte) error {
			out[k] = string(raw)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return out
	}
	sa, ia := collectAccounts(dSync), collectAccounts(dImport)
	if len(sa) != 1 || len(ia) != 1 {
		t.Fatalf("account counts: sync=%d import=%d, want 1 each", len(sa), len(ia))
	}
	for k, raw := range sa {
		if ia[k] != raw {
			t.Fatal("account entity differs between sync and import")
		}
	}

	sc, _, _ := dSync.State.Cursor()
	ic, _, _ := dImport.State.Cursor()
	if !sc.Equal(ic) {
		t.Fatalf("cursors differ: sync=%v import=%v", sc, ic)
	}
}
