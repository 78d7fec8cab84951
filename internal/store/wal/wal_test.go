package wal

import (
	"testing"

	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/entity"
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

func point(slot uint64) chainpoint.Point {
	var h [32]byte
	h[0] = byte(slot)
	return chainpoint.New(slot, h)
}

func sampleEntry() LogEntry {
	acct := &entity.Account{Registered: true, RewardAccount: [28]byte{7}, RewardsLovelace: 99}
	return NewLogEntry(
		[]DeltaRecord{{
			NsKey: namespace.NsKey{NS: namespace.Accounts, Key: namespace.EntityKey{7}},
			Pre:   nil,
			Post:  acct,
		}},
		map[utxo.Ref]utxo.Body{{TxHash: [32]byte{1}, Index: 2}: {Era: 6, CBOR: []byte("spent")}},
		map[utxo.Ref]struct{}{{TxHash: [32]byte{3}, Index: 0}: {}},
	)
}

func TestAppendTipAndRoundTrip(t *testing.T) {
	s := open(t)
	if _, ok, err := s.Tip(); err != nil || ok {
		t.Fatalf("fresh log should have no tip: ok=%v err=%v", ok, err)
	}

	if err := s.Append(point(100), sampleEntry()); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(point(200), LogEntry{}); err != nil {
		t.Fatal(err)
	}

	tip, ok, err := s.Tip()
	if err != nil || !ok || !tip.Equal(point(200)) {
		t.Fatalf("Tip = %v ok=%v err=%v, want %v", tip, ok, err, point(200))
	}

	var slots []uint64
	var first LogEntry
	if err := s.IterFrom(0, func(slot uint64, e LogEntry) error {
		if len(slots) == 0 {
			first = e
		}
		slots = append(slots, slot)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0] != 100 || slots[1] != 200 {
		t.Fatalf("IterFrom slots = %v, want [100 200]", slots)
	}

	if len(first.Deltas) != 1 {
		t.Fatalf("decoded entry has %d deltas, want 1", len(first.Deltas))
	}
	rec := first.Deltas[0]
	if rec.Pre != nil {
		t.Fatal("pre-image was absence and must decode as nil")
	}
	acct, ok := rec.Post.(*entity.Account)
	if !ok || !acct.Registered || acct.RewardsLovelace != 99 {
		t.Fatalf("post-image did not round-trip: %+v", rec.Post)
	}
	body, ok := first.ConsumedInputs[utxo.Ref{TxHash: [32]byte{1}, Index: 2}]
	if !ok || body.Era != 6 || string(body.CBOR) != "spent" {
		t.Fatalf("consumed input did not round-trip: %+v", first.ConsumedInputs)
	}
	if _, ok := first.ProducedRefs[utxo.Ref{TxHash: [32]byte{3}, Index: 0}]; !ok {
		t.Fatalf("produced ref did not round-trip: %+v", first.ProducedRefs)
	}
}

func TestIterBackIsExclusiveOfTarget(t *testing.T) {
	s := open(t)
	for _, slot := range []uint64{100, 200, 300} {
		if err := s.Append(point(slot), LogEntry{}); err != nil {
			t.Fatal(err)
		}
	}

	var slots []uint64
	if err := s.IterBack(100, func(slot uint64, _ LogEntry) error {
		slots = append(slots, slot)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0] != 300 || slots[1] != 200 {
		t.Fatalf("IterBack(100) = %v, want [300 200]", slots)
	}

	slots = nil
	if err := s.IterBack(0, func(slot uint64, _ LogEntry) error {
		slots = append(slots, slot)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 3 || slots[0] != 300 || slots[2] != 100 {
		t.Fatalf("IterBack(0) = %v, want [300 200 100]", slots)
	}
}

func TestTruncateAfter(t *testing.T) {
	s := open(t)
	for _, slot := range []uint64{100, 200, 300} {
		if err := s.Append(point(slot), LogEntry{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TruncateAfter(point(100)); err != nil {
		t.Fatal(err)
	}

	var slots []uint64
	if err := s.IterFrom(0, func(slot uint64, _ LogEntry) error {
		slots = append(slots, slot)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 1 || slots[0] != 100 {
		t.Fatalf("entries after truncate = %v, want [100]", slots)
	}
	tip, ok, err := s.Tip()
	if err != nil || !ok || !tip.Equal(point(100)) {
		t.Fatalf("tip after truncate = %v ok=%v err=%v", tip, ok, err)
	}
}

func TestPruneBeforeKeepsTip(t *testing.T) {
	s := open(t)
	for _, slot := range []uint64{100, 200, 300} {
		if err := s.Append(point(slot), LogEntry{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PruneBefore(200); err != nil {
		t.Fatal(err)
	}
	var slots []uint64
	if err := s.IterFrom(0, func(slot uint64, _ LogEntry) error {
		slots = append(slots, slot)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0] != 200 || slots[1] != 300 {
		t.Fatalf("entries after prune = %v, want [200 300]", slots)
	}
	tip, ok, err := s.Tip()
	if err != nil || !ok || !tip.Equal(point(300)) {
		t.Fatalf("prune must not move the tip: %v ok=%v err=%v", tip, ok, err)
	}
}

func TestFindIntersection(t *testing.T) {
	s := open(t)
	for _, slot := range []uint64{100, 200} {
		if err := s.Append(point(slot), LogEntry{}); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := s.FindIntersection([]chainpoint.Point{point(250), point(200), point(100)})
	if err != nil || !ok || !got.Equal(point(200)) {
		t.Fatalf("FindIntersection = %v ok=%v err=%v, want %v", got, ok, err, point(200))
	}

	got, ok, err = s.FindIntersection([]chainpoint.Point{chainpoint.Origin})
	if err != nil || !ok || !got.IsOrigin() {
		t.Fatalf("origin candidate must always intersect: %v ok=%v err=%v", got, ok, err)
	}

	if _, ok, err := s.FindIntersection([]chainpoint.Point{point(999)}); err != nil || ok {
		t.Fatalf("no candidate should match: ok=%v err=%v", ok, err)
	}
}

func TestResetToOrigin(t *testing.T) {
	s := open(t)
	if err := s.Append(point(100), sampleEntry()); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetToOrigin(); err != nil {
		t.Fatal(err)
	}
	tip, ok, err := s.Tip()
	if err != nil || !ok || !tip.IsOrigin() {
		t.Fatalf("tip after reset = %v ok=%v err=%v, want origin", tip, ok, err)
	}
	count := 0
	if err := s.IterFrom(0, func(uint64, LogEntry) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("reset log should be empty, found %d entries", count)
	}
}
