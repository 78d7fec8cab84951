package upstream

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
)

func TestBlockFrameRoundTrip(t *testing.T) {
	var hash, prev [32]byte
	hash[0] = 0xaa
	prev[0] = 0xbb
	raw, err := cardano.EncodeBlock(cardano.Header{Slot: 100, Hash: hash, PrevHash: prev, Height: 5, Era: 4}, cardano.Body{})
	if err != nil {
		t.Fatal(err)
	}

	frame, err := EncodeBlockFrame(raw)
	if err != nil {
		t.Fatal(err)
	}

	blk, rollback, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if rollback != nil {
		t.Fatal("block frame decoded a rollback")
	}
	if blk.Header.Slot != 100 || blk.Header.Hash != hash {
		t.Fatalf("decoded header = %+v, want slot 100 hash %x", blk.Header, hash)
	}
}

func TestRollbackFrameRoundTrip(t *testing.T) {
	var hash [chainpoint.HashSize]byte
	hash[0] = 0xcc
	target := chainpoint.New(42, hash)

	frame, err := EncodeRollbackFrame(target)
	if err != nil {
		t.Fatal(err)
	}

	blk, rollback, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if blk != nil {
		t.Fatal("rollback frame decoded a block")
	}
	if rollback == nil || !rollback.Equal(target) {
		t.Fatalf("decoded rollback = %v, want %v", rollback, target)
	}
}

func TestRollbackFrameRoundTripOrigin(t *testing.T) {
	frame, err := EncodeRollbackFrame(chainpoint.Origin)
	if err != nil {
		t.Fatal(err)
	}
	_, rollback, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if rollback == nil || !rollback.IsOrigin() {
		t.Fatalf("decoded rollback = %v, want origin", rollback)
	}
}

func TestDecodeFrameUnknownKind(t *testing.T) {
	frame, err := cbor.Marshal(wireFrame{Kind: frameKind(99)})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := decodeFrame(frame); err == nil {
		t.Fatal("expected error on unknown frame kind")
	}
}

func TestDecodeFrameGarbage(t *testing.T) {
	if _, _, err := decodeFrame([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected error on malformed cbor")
	}
}
