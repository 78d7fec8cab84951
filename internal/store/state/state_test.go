package state

import (
	"sort"
	"testing"

	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/utxo"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityWriteReadDelete(t *testing.T) {
	s := open(t)
	k := namespace.NsKey{NS: namespace.Accounts, Key: namespace.EntityKey{1}}

	if _, ok, err := s.ReadEntity(k); err != nil || ok {
		t.Fatalf("expected absent entity, ok=%v err=%v", ok, err)
	}

	w := s.StartWriter()
	if err := w.WriteEntity(k, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.ReadEntity(k)
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("ReadEntity = %q ok=%v err=%v", got, ok, err)
	}

	w2 := s.StartWriter()
	if err := w2.DeleteEntity(k); err != nil {
		t.Fatal(err)
	}
	if err := w2.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.ReadEntity(k); err != nil || ok {
		t.Fatalf("expected deleted entity to be absent, ok=%v err=%v", ok, err)
	}
}

func TestApplyUtxoDeltaAndIterUtxos(t *testing.T) {
	s := open(t)

	ref1 := utxo.Ref{TxHash: [32]byte{1}, Index: 0}
	ref2 := utxo.Ref{TxHash: [32]byte{2}, Index: 1}
	ref3 := utxo.Ref{TxHash: [32]byte{3}, Index: 0}

	w := s.StartWriter()
	produced := map[utxo.Ref]utxo.Body{
		ref1: {Era: 4, CBOR: []byte("one")},
		ref2: {Era: 4, CBOR: []byte("two")},
	}
	if err := w.ApplyUtxoDelta(produced, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	// Consume ref1 while producing ref3 in the same delta, mirroring a
	// same-block spend-and-create.
	w2 := s.StartWriter()
	if err := w2.ApplyUtxoDelta(
		map[utxo.Ref]utxo.Body{ref3: {Era: 4, CBOR: []byte("three")}},
		map[utxo.Ref]utxo.Body{ref1: produced[ref1]},
	); err != nil {
		t.Fatal(err)
	}
	if err := w2.Commit(); err != nil {
		t.Fatal(err)
	}

	var seen []string
	if err := s.IterUtxos(func(r utxo.Ref, b utxo.Body) error {
		seen = append(seen, string(b.CBOR))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	sort.Strings(seen)
	want := []string{"three", "two"}
	if len(seen) != len(want) {
		t.Fatalf("IterUtxos = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("IterUtxos = %v, want %v", seen, want)
		}
	}

	got, err := s.GetUtxos([]utxo.Ref{ref1, ref2, ref3})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got[ref1]; ok {
		t.Fatal("ref1 should have been consumed")
	}
	if string(got[ref2].CBOR) != "two" || string(got[ref3].CBOR) != "three" {
		t.Fatalf("GetUtxos = %+v", got)
	}
}

func TestCursor(t *testing.T) {
	s := open(t)
	if _, ok, err := s.Cursor(); err != nil || ok {
		t.Fatalf("expected no cursor initially, ok=%v err=%v", ok, err)
	}

	w := s.StartWriter()
	p := chainpoint.New(321, [32]byte{7})
	if err := w.SetCursor(p); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Cursor()
	if err != nil || !ok || !got.Equal(p) {
		t.Fatalf("Cursor = %v ok=%v err=%v, want %v", got, ok, err, p)
	}
}

func TestWriterAbandon(t *testing.T) {
	s := open(t)
	k := namespace.NsKey{NS: namespace.Pools, Key: namespace.EntityKey{9}}
	w := s.StartWriter()
	if err := w.WriteEntity(k, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := w.Abandon(); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.ReadEntity(k); err != nil || ok {
		t.Fatalf("abandoned write should not be visible: ok=%v err=%v", ok, err)
	}
}
