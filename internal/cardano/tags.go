package cardano

import "github.com/txpipe/dolos/internal/utxo"

// SlotTag is a historical-index label produced by the visitor pipeline
// for the archive's append-only slot-tag index:
// address, payment credential, stake credential, policy, asset
// fingerprint, datum hash, metadata label, tx hash.
type SlotTag struct {
	Dim string
	Key []byte
}

// UtxoTagOp is a UTxO filter-index mutation: add when a tagged output
// is produced, remove when it is later spent.
type UtxoTagOp struct {
	Dim       string
	LookupKey []byte
	Ref       utxo.Ref
	Add       bool
}

const (
	DimAddress      = "address"
	DimPaymentCred  = "payment_cred"
	DimStakeCred    = "stake_cred"
	DimPolicy       = "policy"
	DimAssetFP      = "asset_fp"
	DimDatumHash    = "datum_hash"
	DimMetadataLbl  = "metadata_label"
	DimTxHash       = "tx_hash"
)
