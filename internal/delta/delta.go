// Package delta implements the reversible entity-mutation system: each
// variant knows how to apply itself to a pre-image and undo itself
// back to that same pre-image, which is what makes rollback possible
// without replaying history.
package delta

import (
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/namespace"
)

// Delta is a reversible mutation targeting one NsKey. Apply and Undo
// must be exact inverses: Undo(Apply(pre)) == pre, bit for bit.
type Delta interface {
	Key() namespace.NsKey
	// Apply mutates the post-image given the pre-image (nil if the
	// entity did not exist). Returning nil deletes the entity.
	Apply(pre entity.Entity) entity.Entity
	// Undo reconstructs the pre-image from the post-image Apply
	// produced, using only data captured by the delta itself.
	Undo(post entity.Entity) entity.Entity
}

func key(ns namespace.Namespace, k namespace.EntityKey) namespace.NsKey {
	return namespace.NsKey{NS: ns, Key: k}
}

// AccountKey derives the EntityKey for a stake credential.
func AccountKey(cred [28]byte) namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:], cred[:])
	return k
}

// PoolKey derives the EntityKey for a pool ID.
func PoolKey(poolID [28]byte) namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:], poolID[:])
	return k
}

// EpochKey derives the EntityKey for an epoch number, the scheme the
// roll batch engine and the epoch machinery both key namespace.Epochs
// entries by.
func EpochKey(epoch uint64) namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], epoch)
	return k
}

// --- Account registration / deregistration ---------------------------

// AccountRegister creates (or re-creates) a stake-key registration.
// Certificate order: cert-index-scoped, never reordered.
type AccountRegister struct {
	Cred [28]byte
	// wasRegistered captures whether the account already existed so
	// Undo restores exactly that, not always "delete".
	wasRegistered bool
	before        *entity.Account
}

func (d *AccountRegister) Key() namespace.NsKey { return key(namespace.Accounts, AccountKey(d.Cred)) }

func (d *AccountRegister) Apply(pre entity.Entity) entity.Entity {
	if acc, ok := pre.(*entity.Account); ok {
		d.wasRegistered = true
		c := acc.Clone().(*entity.Account)
		d.before = acc.Clone().(*entity.Account)
		c.Registered = true
		return c
	}
	d.wasRegistered = false
	return &entity.Account{RewardAccount: d.Cred, Registered: true}
}

func (d *AccountRegister) Undo(post entity.Entity) entity.Entity {
	if !d.wasRegistered {
		return nil
	}
	return d.before
}

// AccountDeregister retires a stake key. A dereg immediately
// followed by a reg in the same block (different cert index) must be
// applied strictly in cert-index order, never coalesced or sorted.
type AccountDeregister struct {
	Cred   [28]byte
	before *entity.Account
}

func (d *AccountDeregister) Key() namespace.NsKey {
	return key(namespace.Accounts, AccountKey(d.Cred))
}

func (d *AccountDeregister) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		// Deregistering an account that doesn't exist is a no-op on
		// an empty pre-image; undo must also be a no-op.
		d.before = nil
		return nil
	}
	d.before = acc.Clone().(*entity.Account)
	c := acc.Clone().(*entity.Account)
	c.Registered = false
	return c
}

func (d *AccountDeregister) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// AccountDelegate changes an account's pool delegation. The new stake
// visibility is snapshot-lagged: it is written to Live so it surfaces
// at the next Mark (one ESTART later), consistent with the "delegation
// change must be stable for one epoch before affecting rewards" rule.
type AccountDelegate struct {
	Cred   [28]byte
	PoolID [28]byte
	before *entity.Account
}

func (d *AccountDelegate) Key() namespace.NsKey { return key(namespace.Accounts, AccountKey(d.Cred)) }

func (d *AccountDelegate) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		acc = &entity.Account{RewardAccount: d.Cred, Registered: true}
	}
	d.before = nil
	if ok {
		d.before = acc.Clone().(*entity.Account)
	}
	c := acc.Clone().(*entity.Account)
	c.PoolID = d.PoolID
	return c
}

func (d *AccountDelegate) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// VoteDelegate changes an account's DRep delegation (Conway).
type VoteDelegate struct {
	Cred    [28]byte
	DRepID  [28]byte
	HasDRep bool
	before  *entity.Account
}

func (d *VoteDelegate) Key() namespace.NsKey { return key(namespace.Accounts, AccountKey(d.Cred)) }

func (d *VoteDelegate) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		acc = &entity.Account{RewardAccount: d.Cred, Registered: true}
	}
	d.before = nil
	if ok {
		d.before = acc.Clone().(*entity.Account)
	}
	c := acc.Clone().(*entity.Account)
	c.DRepID = d.DRepID
	c.HasDRep = d.HasDRep
	return c
}

func (d *VoteDelegate) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Pool registration / retirement -----------------------------------

// PoolRegister creates or updates a pool's registration. Params changes
// are snapshot-lagged via Pool.Params (Live), so the pool's *effective*
// reward account for a retirement refund can differ from the one on
// record at registration time if the pool re-registered in between.
type PoolRegister struct {
	PoolID        [28]byte
	RewardAccount [28]byte
	Pledge        uint64
	Cost          uint64
	Margin        float64
	Owners        [][28]byte
	Relays        []string
	before        *entity.Pool
}

func (d *PoolRegister) Key() namespace.NsKey { return key(namespace.Pools, PoolKey(d.PoolID)) }

func (d *PoolRegister) Apply(pre entity.Entity) entity.Entity {
	pool, ok := pre.(*entity.Pool)
	if !ok {
		pool = &entity.Pool{PoolID: d.PoolID}
	}
	d.before = nil
	if ok {
		d.before = pool.Clone().(*entity.Pool)
	}
	c := pool.Clone().(*entity.Pool)
	c.RewardAccount = d.RewardAccount
	c.Pledge = d.Pledge
	c.Cost = d.Cost
	c.Margin = d.Margin
	c.Owners = d.Owners
	c.Relays = d.Relays
	c.Retiring = false
	c.Params.WriteLive(entity.PoolParams{
		RewardAccount: d.RewardAccount,
		Pledge:        d.Pledge,
		Cost:          d.Cost,
		Margin:        d.Margin,
	})
	return c
}

func (d *PoolRegister) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// PoolRetire schedules a pool for retirement at a future epoch.
type PoolRetire struct {
	PoolID        [28]byte
	RetiringEpoch uint64
	before        *entity.Pool
}

func (d *PoolRetire) Key() namespace.NsKey { return key(namespace.Pools, PoolKey(d.PoolID)) }

func (d *PoolRetire) Apply(pre entity.Entity) entity.Entity {
	pool, ok := pre.(*entity.Pool)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = pool.Clone().(*entity.Pool)
	c := pool.Clone().(*entity.Pool)
	c.Retiring = true
	c.RetiringEpoch = d.RetiringEpoch
	return c
}

func (d *PoolRetire) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// PoolReap removes a retired pool at POOLREAP time; the deposit refund
// itself is a separate RewardPotCredit delta against the reward
// account, applied in the same EWRAP work unit.
type PoolReap struct {
	PoolID [28]byte
	before *entity.Pool
}

func (d *PoolReap) Key() namespace.NsKey { return key(namespace.Pools, PoolKey(d.PoolID)) }

func (d *PoolReap) Apply(pre entity.Entity) entity.Entity {
	pool, ok := pre.(*entity.Pool)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = pool.Clone().(*entity.Pool)
	return nil
}

func (d *PoolReap) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- MIR (move instantaneous rewards) ---------------------------------

// MIRCredit credits an account's reward balance (RewardsLovelace).
// Protocol-version gated: pre-Alonzo (<5) the same target address in
// one application overwrites any earlier MIR to it; Alonzo+ accumulates.
// The gate is resolved by the caller (the cardano delta visitor), which
// sets Overwrite from the protocol version before building this delta,
// since the delta itself only knows its own target.
type MIRCredit struct {
	Cred      [28]byte
	Amount    uint64
	Overwrite bool // true: pre-Alonzo semantics for this application
	before    *entity.Account
}

func (d *MIRCredit) Key() namespace.NsKey { return key(namespace.Accounts, AccountKey(d.Cred)) }

func (d *MIRCredit) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		acc = &entity.Account{RewardAccount: d.Cred, Registered: true}
	}
	d.before = nil
	if ok {
		d.before = acc.Clone().(*entity.Account)
	}
	c := acc.Clone().(*entity.Account)
	if d.Overwrite {
		c.RewardsLovelace = d.Amount
	} else {
		c.RewardsLovelace += d.Amount
	}
	return c
}

func (d *MIRCredit) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Reward application (EWRAP step 1: applyRUpd) ---------------------

// RewardPotCredit credits an account's reward pot, used both for
// ordinary staking rewards at EWRAP and for pool-deposit / proposal
// deposit refunds. The write targets the account's immediate balance,
// which is the correct "Live" target per the EpochValue write contract
// since an account's spendable reward balance has no further lag once
// applied.
type RewardPotCredit struct {
	Cred   [28]byte
	Amount uint64
	before *entity.Account
}

func (d *RewardPotCredit) Key() namespace.NsKey {
	return key(namespace.Accounts, AccountKey(d.Cred))
}

func (d *RewardPotCredit) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		// Target deregistered: routed to treasury by the caller
		// instead of reaching this delta at all (EWRAP step 1).
		d.before = nil
		return nil
	}
	d.before = acc.Clone().(*entity.Account)
	c := acc.Clone().(*entity.Account)
	c.RewardsLovelace += d.Amount
	return c
}

func (d *RewardPotCredit) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Native asset mint/burn ---------------------------------------------

// AssetKey derives the EntityKey for a (policy, asset name) pair.
func AssetKey(policyID [28]byte, assetName []byte) namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:28], policyID[:])
	h := namespace.HashKey(assetName)
	namespace.PutUint64(k[28:], h)
	return k
}

// AssetMint adjusts an asset's total supply by a mint (positive) or
// burn (negative) amount.
type AssetMint struct {
	PolicyID  [28]byte
	AssetName []byte
	Amount    int64
	before    *entity.Asset
}

func (d *AssetMint) Key() namespace.NsKey {
	return key(namespace.Assets, AssetKey(d.PolicyID, d.AssetName))
}

func (d *AssetMint) Apply(pre entity.Entity) entity.Entity {
	a, ok := pre.(*entity.Asset)
	if !ok {
		a = &entity.Asset{PolicyID: d.PolicyID, AssetName: append([]byte(nil), d.AssetName...)}
	}
	d.before = nil
	if ok {
		d.before = a.Clone().(*entity.Asset)
	}
	c := a.Clone().(*entity.Asset)
	c.TotalSupply += d.Amount
	return c
}

func (d *AssetMint) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Reward-account withdrawals ------------------------------------------

// WithdrawalDebit removes a spent amount from an account's reward
// pot. Spending more than the
// recorded balance cannot happen for a trusted upstream (the node does
// not validate phase-1/phase-2 rules itself), so
// the delta clamps defensively rather than going negative.
type WithdrawalDebit struct {
	Cred   [28]byte
	Amount uint64
	before *entity.Account
}

func (d *WithdrawalDebit) Key() namespace.NsKey {
	return key(namespace.Accounts, AccountKey(d.Cred))
}

func (d *WithdrawalDebit) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = acc.Clone().(*entity.Account)
	c := acc.Clone().(*entity.Account)
	if d.Amount >= c.RewardsLovelace {
		c.RewardsLovelace = 0
	} else {
		c.RewardsLovelace -= d.Amount
	}
	return c
}

func (d *WithdrawalDebit) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Stake accounting (derived from UTxO ownership) ----------------------

// StakeAdjust moves an account's live controlled-stake accumulator by a
// signed lovelace delta as UTxOs carrying its stake credential are
// produced or consumed. A no-op against an unregistered account: stake
// is only meaningful once a stake key is registered.
type StakeAdjust struct {
	Cred   [28]byte
	Delta  int64
	before *entity.Account
}

func (d *StakeAdjust) Key() namespace.NsKey {
	return key(namespace.Accounts, AccountKey(d.Cred))
}

func (d *StakeAdjust) Apply(pre entity.Entity) entity.Entity {
	acc, ok := pre.(*entity.Account)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = acc.Clone().(*entity.Account)
	c := acc.Clone().(*entity.Account)
	cur := int64(c.Stake.Live()) + d.Delta
	if cur < 0 {
		cur = 0
	}
	c.Stake.WriteLive(uint64(cur))
	return c
}

func (d *StakeAdjust) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Epoch fee pot -------------------------------------------------------

// EpochFeeAccrue adds a block's transaction fees to the closing
// epoch's running fee pot, read back by ESTART's sum-equals-max-supply
// check.
type EpochFeeAccrue struct {
	Epoch  uint64
	Amount uint64
	before *entity.Epoch
}

func (d *EpochFeeAccrue) Key() namespace.NsKey { return key(namespace.Epochs, EpochKey(d.Epoch)) }

func (d *EpochFeeAccrue) Apply(pre entity.Entity) entity.Entity {
	ep, ok := pre.(*entity.Epoch)
	if !ok {
		ep = &entity.Epoch{Number: d.Epoch}
	}
	d.before = ep.Clone().(*entity.Epoch)
	c := ep.Clone().(*entity.Epoch)
	c.FeesTotal += d.Amount
	return c
}

func (d *EpochFeeAccrue) Undo(post entity.Entity) entity.Entity {
	return d.before
}

// --- DRep lifecycle (Conway) -------------------------------------------

// DRepRegister creates or updates a DRep registration.
type DRepRegister struct {
	DRepID  [28]byte
	Deposit uint64
	Anchor  string
	before  *entity.DRep
}

func (d *DRepRegister) Key() namespace.NsKey {
	var k namespace.EntityKey
	copy(k[:], d.DRepID[:])
	return key(namespace.DReps, k)
}

func (d *DRepRegister) Apply(pre entity.Entity) entity.Entity {
	dr, ok := pre.(*entity.DRep)
	if !ok {
		dr = &entity.DRep{DRepID: d.DRepID}
	}
	d.before = nil
	if ok {
		d.before = dr.Clone().(*entity.DRep)
	}
	c := dr.Clone().(*entity.DRep)
	c.Deposit = d.Deposit
	c.Anchor = d.Anchor
	c.Retired = false
	return c
}

func (d *DRepRegister) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// DRepRetire retires a DRep and refunds its deposit via a separate
// RewardPotCredit against the owning account.
type DRepRetire struct {
	DRepID [28]byte
	before *entity.DRep
}

func (d *DRepRetire) Key() namespace.NsKey {
	var k namespace.EntityKey
	copy(k[:], d.DRepID[:])
	return key(namespace.DReps, k)
}

func (d *DRepRetire) Apply(pre entity.Entity) entity.Entity {
	dr, ok := pre.(*entity.DRep)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = dr.Clone().(*entity.DRep)
	c := dr.Clone().(*entity.DRep)
	c.Retired = true
	return c
}

func (d *DRepRetire) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Governance proposals ----------------------------------------------

// ProposalSubmit records a new governance action awaiting ratification.
type ProposalSubmit struct {
	TxHash     [32]byte
	Index      uint32
	Deposit    uint64
	ReturnAddr [28]byte
	MaxEpoch   uint64
}

func (d *ProposalSubmit) proposalKey() namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:32], d.TxHash[:])
	return k
}

func (d *ProposalSubmit) Key() namespace.NsKey { return key(namespace.Proposals, d.proposalKey()) }

func (d *ProposalSubmit) Apply(pre entity.Entity) entity.Entity {
	return &entity.Proposal{
		TxHash: d.TxHash, Index: d.Index, Deposit: d.Deposit,
		ReturnAddr: d.ReturnAddr, MaxEpoch: d.MaxEpoch,
	}
}

func (d *ProposalSubmit) Undo(post entity.Entity) entity.Entity { return nil }

// ProposalResolve marks a proposal ratified, canceled, or expired per
// the hardcoded decision table. The deposit refund is a
// separate RewardPotCredit against ReturnAddr.
type ProposalResolve struct {
	TxHash     [32]byte
	Index      uint32
	EnactEpoch uint64
	Canceled   bool
	before     *entity.Proposal
}

func (d *ProposalResolve) proposalKey() namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:32], d.TxHash[:])
	return k
}

func (d *ProposalResolve) Key() namespace.NsKey { return key(namespace.Proposals, d.proposalKey()) }

func (d *ProposalResolve) Apply(pre entity.Entity) entity.Entity {
	p, ok := pre.(*entity.Proposal)
	if !ok {
		d.before = nil
		return nil
	}
	d.before = p.Clone().(*entity.Proposal)
	c := p.Clone().(*entity.Proposal)
	if d.Canceled {
		c.Canceled = true
	} else {
		c.Enacted = true
		c.EnactEpoch = d.EnactEpoch
	}
	return c
}

func (d *ProposalResolve) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}

// --- Protocol parameter updates -----------------------------------------

// ParamUpdate stamps a new EraSummary/protocol snapshot. A full
// protocol-parameter set is out of scope for this core (it is consumed
// opaquely downstream); only the fields the epoch machinery itself
// reads (protocol major version) are modeled.
type ParamUpdate struct {
	Era           uint16
	ProtocolMajor uint32
	before        *entity.EraSummary
}

func (d *ParamUpdate) eraKey() namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], uint64(d.Era))
	return k
}

func (d *ParamUpdate) Key() namespace.NsKey { return key(namespace.Eras, d.eraKey()) }

func (d *ParamUpdate) Apply(pre entity.Entity) entity.Entity {
	era, ok := pre.(*entity.EraSummary)
	if !ok {
		era = &entity.EraSummary{Era: d.Era}
	}
	d.before = nil
	if ok {
		d.before = era.Clone().(*entity.EraSummary)
	}
	c := era.Clone().(*entity.EraSummary)
	if d.ProtocolMajor > c.ProtocolMajor {
		c.ProtocolMajor = d.ProtocolMajor
	}
	return c
}

func (d *ParamUpdate) Undo(post entity.Entity) entity.Entity {
	if d.before == nil {
		return nil
	}
	return d.before
}
