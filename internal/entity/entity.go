// Package entity defines the polymorphic, CBOR-encodable records the
// state store persists under a NsKey, and the EpochValue ring used by
// snapshot-lagged fields (stake, pool params, etc).
package entity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/txpipe/dolos/internal/epochvalue"
)

// Kind discriminates the Entity variants carried in the CBOR envelope.
type Kind uint8

const (
	KindAccount Kind = iota
	KindPool
	KindEpoch
	KindDRep
	KindProposal
	KindAsset
	KindDatum
	KindEraSummary
	KindRewardLog
	KindStakeLog
	KindPendingReward
)

// Entity is implemented by every stored variant.
type Entity interface {
	Kind() Kind
	// Clone returns a deep copy, used by deltas to capture "before"
	// values for undo.
	Clone() Entity
}

// envelope is the on-disk CBOR shape: a 2-element array of
// [kind, raw-payload]. This mirrors the sum-type encoding used by the
// gouroboros/cbor ecosystem for tagged unions.
type envelope struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Body cbor.RawMessage
}

// Encode CBOR-encodes e into its envelope form.
func Encode(e Entity) ([]byte, error) {
	body, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("entity: encode body: %w", err)
	}
	return cbor.Marshal(envelope{Kind: e.Kind(), Body: body})
}

// Decode parses the envelope form produced by Encode.
func Decode(b []byte) (Entity, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("entity: decode envelope: %w", err)
	}
	var e Entity
	switch env.Kind {
	case KindAccount:
		e = &Account{}
	case KindPool:
		e = &Pool{}
	case KindEpoch:
		e = &Epoch{}
	case KindDRep:
		e = &DRep{}
	case KindProposal:
		e = &Proposal{}
	case KindAsset:
		e = &Asset{}
	case KindDatum:
		e = &Datum{}
	case KindEraSummary:
		e = &EraSummary{}
	case KindRewardLog:
		e = &RewardLog{}
	case KindStakeLog:
		e = &StakeLog{}
	case KindPendingReward:
		e = &PendingReward{}
	default:
		return nil, fmt.Errorf("entity: unknown kind %d", env.Kind)
	}
	if err := cbor.Unmarshal(env.Body, e); err != nil {
		return nil, fmt.Errorf("entity: decode body kind %d: %w", env.Kind, err)
	}
	return e, nil
}

// Account is stake-key-registration derived state. Stake itself is
// snapshot-lagged (two-epoch delay) via the embedded EpochValue rings.
type Account struct {
	Registered    bool
	RewardAccount [28]byte
	PoolID        [28]byte // zero value = undelegated
	DRepID        [28]byte
	HasDRep       bool
	RewardsLovelace uint64

	// Stake is the controlled stake as of each snapshot slot.
	Stake epochvalue.Value[uint64]
}

func (a *Account) Kind() Kind { return KindAccount }
func (a *Account) Clone() Entity {
	c := *a
	return &c
}

// Pool is a stake pool registration. Params are snapshot-lagged the
// same way stake is: a re-registration only takes effect two epochs
// later from the protocol's point of view.
type Pool struct {
	PoolID        [28]byte
	RewardAccount [28]byte
	Pledge        uint64
	Cost          uint64
	Margin        float64 // numerator/denominator folded to float for in-memory math
	Owners        [][28]byte
	Relays        []string
	RetiringEpoch uint64
	Retiring      bool

	Params epochvalue.Value[PoolParams]
}

// PoolParams is the subset of registration data that is snapshot-lagged.
type PoolParams struct {
	RewardAccount [28]byte
	Pledge        uint64
	Cost          uint64
	Margin        float64
}

func (p *Pool) Kind() Kind { return KindPool }
func (p *Pool) Clone() Entity {
	c := *p
	c.Owners = append([][28]byte(nil), p.Owners...)
	c.Relays = append([]string(nil), p.Relays...)
	return &c
}

// Epoch is the per-epoch ledger state snapshot written at ESTART: pots,
// nonce, protocol version.
type Epoch struct {
	Number        uint64
	Reserves      uint64
	Treasury      uint64
	UtxoTotal     uint64
	RewardsTotal  uint64
	FeesTotal     uint64
	Obligations   uint64
	ProtocolMajor uint32
	Nonce         [32]byte
}

func (e *Epoch) Kind() Kind { return KindEpoch }
func (e *Epoch) Clone() Entity {
	c := *e
	return &c
}

// DRep is a Conway-era delegated representative.
type DRep struct {
	DRepID   [28]byte
	Deposit  uint64
	Anchor   string
	Retired  bool
	Expiry   uint64
}

func (d *DRep) Kind() Kind { return KindDRep }
func (d *DRep) Clone() Entity {
	c := *d
	return &c
}

// Proposal is a governance action under consideration or enacted.
type Proposal struct {
	TxHash     [32]byte
	Index      uint32
	Deposit    uint64
	ReturnAddr [28]byte
	MaxEpoch   uint64
	Enacted    bool
	EnactEpoch uint64
	Canceled   bool
}

func (p *Proposal) Kind() Kind { return KindProposal }
func (p *Proposal) Clone() Entity {
	c := *p
	return &c
}

// Asset is native-asset (policy, name) metadata, e.g. total minted.
type Asset struct {
	PolicyID    [28]byte
	AssetName   []byte
	TotalSupply int64 // signed: mint increases, burn decreases
}

func (a *Asset) Kind() Kind { return KindAsset }
func (a *Asset) Clone() Entity {
	c := *a
	c.AssetName = append([]byte(nil), a.AssetName...)
	return &c
}

// Datum caches a Plutus datum by hash for resolver lookups.
type Datum struct {
	Hash  [32]byte
	CBOR  []byte
}

func (d *Datum) Kind() Kind { return KindDatum }
func (d *Datum) Clone() Entity {
	c := *d
	c.CBOR = append([]byte(nil), d.CBOR...)
	return &c
}

// EraSummary holds one era's slot/epoch boundary parameters. Readers
// load it from the state store on each access; no in-memory copy is
// kept, so WorkUnit.NeedsCacheRefresh triggers no refresh of it.
type EraSummary struct {
	Era          uint16
	StartSlot    uint64
	StartEpoch   uint64
	SlotLength   uint64
	EpochLength  uint64
	// ProtocolMajor is the highest protocol version proposed for this
	// era via an on-chain parameter update, enacted at the next EWRAP.
	ProtocolMajor uint32
}

func (e *EraSummary) Kind() Kind { return KindEraSummary }
func (e *EraSummary) Clone() Entity {
	c := *e
	return &c
}

// RewardLog is a time-series entry of a reward actually applied to an
// account at EWRAP (namespace "rewards", keyed by epoch+account).
type RewardLog struct {
	Epoch   uint64
	Account [28]byte
	PoolID  [28]byte
	Amount  uint64
	Type    RewardType
}

// RewardType distinguishes leader vs member rewards, used by the
// pre-Allegra dedup rule.
type RewardType uint8

const (
	RewardLeader RewardType = iota
	RewardMember
)

func (r *RewardLog) Kind() Kind { return KindRewardLog }
func (r *RewardLog) Clone() Entity {
	c := *r
	return &c
}

// StakeLog is a time-series snapshot of a pool's total active stake for
// a given epoch, namespace "stakes".
type StakeLog struct {
	Epoch  uint64
	PoolID [28]byte
	Stake  uint64
}

func (s *StakeLog) Kind() Kind { return KindStakeLog }
func (s *StakeLog) Clone() Entity {
	c := *s
	return &c
}

// PendingReward is RUPD's output: a reward computed but not yet applied
// to the target account's rewards pot, namespace "pending_rewards".
type PendingReward struct {
	Epoch   uint64
	Account [28]byte
	PoolID  [28]byte
	Amount  uint64
	Type    RewardType
}

func (p *PendingReward) Kind() Kind { return KindPendingReward }
func (p *PendingReward) Clone() Entity {
	c := *p
	return &c
}
