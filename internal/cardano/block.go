package cardano

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/txpipe/dolos/internal/utxo"
)

// Header is a block's decoded metadata.
type Header struct {
	Slot     uint64
	Hash     [32]byte
	PrevHash [32]byte
	Height   uint64
	Era      uint16
}

// Block is raw CBOR plus its decoded header and body: once
// written to the archive it is immutable.
type Block struct {
	Header Header
	Raw    []byte
	Body   Body
}

// Body is the decoded transaction set a block carries, already
// resolved into the shape the visitor pipeline walks:
// inputs, outputs, mints, withdrawals, certificates, protocol-param
// updates, governance votes and proposals, in the order the ledger saw
// them — the cert order within a tx is index-preserving, never sorted.
type Body struct {
	PoolMintedCounter uint32
	Nonce             [32]byte
	SlotLeader        [32]byte
	Txs               []Tx
}

// Tx is one transaction's decoded content.
type Tx struct {
	Hash        [32]byte
	Inputs      []utxo.Ref
	Outputs     []Output
	Mints       []Mint
	Withdrawals []Withdrawal
	Certs       []Cert
	Votes       []Vote
	Proposals   []ProposalAction
	ParamUpdate *ParamUpdate
	// Fee is the lovelace fee the upstream reports for this tx, fed
	// into the closing epoch's fee pot for the ESTART sum-equals-
	// max-supply check.
	Fee uint64
}

// Output is a decoded transaction output, carrying enough for both the
// UTxO body and the slot-tag visitors (address, payment/stake
// credential, datum hash).
type Output struct {
	Ref            utxo.Ref
	Body           utxo.Body
	Address        string
	PaymentCred    [28]byte
	StakeCred      [28]byte
	HasStakeCred   bool
	Pointer        *Pointer
	DatumHash      [32]byte
	HasDatumHash   bool
}

// Mint is a native-asset mint/burn entry.
type Mint struct {
	PolicyID  [28]byte
	AssetName []byte
	Amount    int64 // negative for burns
}

// Withdrawal is a reward-account withdrawal.
type Withdrawal struct {
	Cred   [28]byte
	Amount uint64
}

// CertKind discriminates certificate variants processed by the visitor
// pipeline.
type CertKind uint8

const (
	CertAccountRegister CertKind = iota
	CertAccountDeregister
	CertAccountDelegate
	CertPoolRegister
	CertPoolRetire
	CertMIR
	CertVoteDelegate
	CertDRepRegister
	CertDRepUpdate
	CertDRepRetire
)

// Cert is a decoded certificate with its tx-local index, the ordering
// key the roll batch engine must preserve exactly.
type Cert struct {
	Index         uint32
	Kind          CertKind
	Cred          [28]byte
	PoolID        [28]byte
	DRepID        [28]byte
	RewardAccount [28]byte
	Pledge        uint64
	Cost          uint64
	Margin        float64
	Owners        [][28]byte
	Relays        []string
	RetiringEpoch uint64
	MIRAmount     uint64
	MIRTarget     [28]byte
	Anchor        string
}

// Vote is a Conway governance vote.
type Vote struct {
	DRepID     [28]byte
	TxHash     [32]byte
	Index      uint32
	VoteYes    bool
	VoteAbstain bool
}

// ProposalAction is a submitted governance action.
type ProposalAction struct {
	TxHash     [32]byte
	Index      uint32
	Deposit    uint64
	ReturnAddr [28]byte
	MaxEpoch   uint64
}

// ParamUpdate is a protocol-parameter update proposal embedded in a tx.
type ParamUpdate struct {
	ProtocolMajor uint32
}

// wireBlock is the CBOR-on-the-wire shape this node accepts from its
// upstream collaborator: a decoded envelope rather than a raw Shelley
// multi-era block (full Ouroboros-era block decoding is the upstream
// peer connection's concern; this core decodes
// only what the collaborator hands it in this shape).
type wireBlock struct {
	_      struct{} `cbor:",toarray"`
	Header Header
	Body   Body
}

// DecodeBlock parses raw into a Block, keeping raw around for the
// archive.
func DecodeBlock(raw []byte) (*Block, error) {
	var w wireBlock
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("cardano: decode block: %w", err)
	}
	return &Block{Header: w.Header, Raw: raw, Body: w.Body}, nil
}

// EncodeBlock is the inverse of DecodeBlock, used by reference
// upstream/test harnesses that need to produce blocks this node can
// ingest.
func EncodeBlock(header Header, body Body) ([]byte, error) {
	return cbor.Marshal(wireBlock{Header: header, Body: body})
}
