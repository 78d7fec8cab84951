package cardano

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/txpipe/dolos/internal/utxo"
)

// wireOutput is the CBOR shape this node stores inside utxo.Body.CBOR:
// enough of a decoded output to rebuild its slot tags when the UTxO is
// later spent, without needing the original block again.
type wireOutput struct {
	_            struct{} `cbor:",toarray"`
	Era          uint16
	Address      string
	PaymentCred  [28]byte
	StakeCred    [28]byte
	HasStakeCred bool
	DatumHash    [32]byte
	HasDatumHash bool
	Lovelace     uint64
	Assets       []wireAsset
}

type wireAsset struct {
	_         struct{} `cbor:",toarray"`
	PolicyID  [28]byte
	AssetName []byte
	Amount    uint64
}

// EncodeOutputBody packs a decoded Output into the utxo.Body this node
// persists, keeping just enough to rebuild tags on spend.
func EncodeOutputBody(era uint16, out Output, lovelace uint64, assets []wireAsset) (utxo.Body, error) {
	w := wireOutput{
		Era: era, Address: out.Address, PaymentCred: out.PaymentCred,
		StakeCred: out.StakeCred, HasStakeCred: out.HasStakeCred,
		DatumHash: out.DatumHash, HasDatumHash: out.HasDatumHash,
		Lovelace: lovelace, Assets: assets,
	}
	raw, err := cbor.Marshal(w)
	if err != nil {
		return utxo.Body{}, fmt.Errorf("cardano: encode output body: %w", err)
	}
	return utxo.Body{Era: era, CBOR: raw}, nil
}

// DecodedOutput is what DecodeOutputBody hands back for tag removal.
type DecodedOutput struct {
	Address      string
	PaymentCred  [28]byte
	StakeCred    [28]byte
	HasStakeCred bool
	DatumHash    [32]byte
	HasDatumHash bool
	Lovelace     uint64
	Assets       []wireAsset
}

// DecodeOutputBody inverts EncodeOutputBody, used when a UTxO is spent
// and its filter-index tags must be removed.
func DecodeOutputBody(b utxo.Body) (DecodedOutput, error) {
	var w wireOutput
	if err := cbor.Unmarshal(b.CBOR, &w); err != nil {
		return DecodedOutput{}, fmt.Errorf("cardano: decode output body: %w", err)
	}
	return DecodedOutput{
		Address: w.Address, PaymentCred: w.PaymentCred, StakeCred: w.StakeCred,
		HasStakeCred: w.HasStakeCred, DatumHash: w.DatumHash, HasDatumHash: w.HasDatumHash,
		Lovelace: w.Lovelace, Assets: w.Assets,
	}, nil
}
