package cardano

import (
	"testing"

	"github.com/txpipe/dolos/internal/utxo"
)

func TestBlockCodecRoundTrip(t *testing.T) {
	var cred [28]byte
	cred[0] = 0x1F
	header := Header{Slot: 4492800, Hash: [32]byte{0xAA}, PrevHash: [32]byte{0xBB}, Height: 4490510, Era: 2}
	body := Body{Txs: []Tx{{
		Hash:   [32]byte{0xCC},
		Inputs: []utxo.Ref{{TxHash: [32]byte{0xDD}, Index: 1}},
		Outputs: []Output{{
			Ref:     utxo.Ref{TxHash: [32]byte{0xCC}, Index: 0},
			Body:    utxo.Body{Era: 2, CBOR: []byte("out")},
			Address: "addr1q9x",
		}},
		Mints:       []Mint{{PolicyID: cred, AssetName: []byte("tok"), Amount: -5}},
		Withdrawals: []Withdrawal{{Cred: cred, Amount: 77}},
		Certs: []Cert{
			{Index: 2, Kind: CertPoolRetire, PoolID: cred, RetiringEpoch: 210},
			{Index: 4, Kind: CertAccountDelegate, Cred: cred, PoolID: cred},
		},
		Fee: 168_801,
	}}}

	raw, err := EncodeBlock(header, body)
	if err != nil {
		t.Fatal(err)
	}
	blk, err := DecodeBlock(raw)
	if err != nil {
		t.Fatal(err)
	}

	if blk.Header != header {
		t.Fatalf("header = %+v, want %+v", blk.Header, header)
	}
	if string(blk.Raw) != string(raw) {
		t.Fatal("decoded block must keep its raw bytes")
	}
	if len(blk.Body.Txs) != 1 {
		t.Fatalf("got %d txs, want 1", len(blk.Body.Txs))
	}
	tx := blk.Body.Txs[0]
	if tx.Hash != body.Txs[0].Hash || tx.Fee != 168_801 {
		t.Fatalf("tx = %+v", tx)
	}
	if len(tx.Certs) != 2 || tx.Certs[0].Index != 2 || tx.Certs[1].Index != 4 {
		t.Fatalf("cert order must survive the codec: %+v", tx.Certs)
	}
	if tx.Mints[0].Amount != -5 {
		t.Fatalf("negative (burn) mint amount must round-trip: %+v", tx.Mints[0])
	}
	if tx.Withdrawals[0].Amount != 77 {
		t.Fatalf("withdrawal must round-trip: %+v", tx.Withdrawals[0])
	}
	if got := tx.Outputs[0]; got.Address != "addr1q9x" || string(got.Body.CBOR) != "out" {
		t.Fatalf("output must round-trip: %+v", got)
	}
}

func TestDecodeBlockRejectsGarbage(t *testing.T) {
	if _, err := DecodeBlock([]byte{0xFF, 0x00, 0x13}); err == nil {
		t.Fatal("garbage CBOR must not decode")
	}
}

func TestOutputBodyRoundTrip(t *testing.T) {
	var payment, stake [28]byte
	payment[0] = 0x2A
	stake[0] = 0x2B
	out := Output{
		Address:      "addr1qxy",
		PaymentCred:  payment,
		StakeCred:    stake,
		HasStakeCred: true,
		DatumHash:    [32]byte{0x2C},
		HasDatumHash: true,
	}

	body, err := EncodeOutputBody(6, out, 5_000_000, []wireAsset{{PolicyID: payment, AssetName: []byte("nft"), Amount: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if body.Era != 6 {
		t.Fatalf("body era = %d, want 6", body.Era)
	}

	dec, err := DecodeOutputBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Address != out.Address || dec.PaymentCred != payment || !dec.HasStakeCred || dec.StakeCred != stake {
		t.Fatalf("decoded output = %+v", dec)
	}
	if !dec.HasDatumHash || dec.DatumHash != out.DatumHash {
		t.Fatalf("datum hash must round-trip: %+v", dec)
	}
	if dec.Lovelace != 5_000_000 || len(dec.Assets) != 1 || string(dec.Assets[0].AssetName) != "nft" {
		t.Fatalf("value must round-trip: %+v", dec)
	}
}
