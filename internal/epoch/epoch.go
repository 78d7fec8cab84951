// Package epoch implements the three epoch-boundary WorkUnits: Rupd
// computes pending rewards at the randomness-stability-window
// threshold, Ewrap applies them and runs the NEWEPOCH sub-rules
// (applyRUpd, SNAP, POOLREAP) at the epoch boundary, and Estart
// rotates every EpochValue ring and recomputes the pot invariant
// immediately after. Unlike rollbatch.Unit these carry no blocks and
// append nothing to the WAL: entries there are keyed by block point,
// and rollback never needs to cross an already-applied epoch boundary
// (see DESIGN.md).
package epoch

import (
	"fmt"
	"math"
	"sort"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/domain"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/metrics"
	"github.com/txpipe/dolos/internal/namespace"
	"github.com/txpipe/dolos/internal/store/archive"
	"github.com/txpipe/dolos/internal/tip"
	"github.com/txpipe/dolos/internal/utxo"
)

// ProposalDecision is one hardcoded governance outcome.
type ProposalDecision struct {
	Ratified   bool
	Canceled   bool
	EnactEpoch uint64
}

// ProposalKey identifies a governance action by its submitting tx.
type ProposalKey struct {
	TxHash [32]byte
	Index  uint32
}

// DecisionTable is the hardcoded txhash#index -> outcome map: this
// core runs no DRep voting, so governance truth is supplied
// externally. A nil or missing-entry table falls through to natural
// expiry via Proposal.MaxEpoch, which matches the ledger only for
// proposals that really did expire naturally.
type DecisionTable map[ProposalKey]ProposalDecision

func currentEpochEntity(d *domain.Domain, epoch uint64) (*entity.Epoch, error) {
	raw, ok, err := d.State.ReadEntity(namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(epoch)})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &entity.Epoch{Number: epoch}, nil
	}
	e, err := entity.Decode(raw)
	if err != nil {
		return nil, err
	}
	ep, ok := e.(*entity.Epoch)
	if !ok {
		return nil, fmt.Errorf("epoch: entity at epoch key %d is not an Epoch", epoch)
	}
	return ep, nil
}

// protocolMajorAt walks Epoch entities backward from epoch until one
// carries a nonzero protocol major, the same fallback-to-genesis shape
// rollbatch's own protocol lookup uses.
func protocolMajorAt(d *domain.Domain, epoch uint64) uint32 {
	for e := epoch; ; e-- {
		ep, err := currentEpochEntity(d, e)
		if err == nil && ep.ProtocolMajor != 0 {
			return cardano.ForceProtocolVersionAtEpoch0(epoch, d.Genesis.ProtocolMajor, ep.ProtocolMajor)
		}
		if e == 0 {
			break
		}
	}
	return cardano.ForceProtocolVersionAtEpoch0(epoch, d.Genesis.ProtocolMajor, d.Genesis.ProtocolMajor)
}

// poolStakeTotals aggregates each account's mark-snapshot stake under
// its delegated pool, applying the protocol<7 unregistered-account
// exclusion before the sums are used for reward math.
func poolStakeTotals(d *domain.Domain, protocolMajor uint32) (byPool map[[28]byte]uint64, totalStake uint64, accountsByPool map[[28]byte][]*entity.Account, err error) {
	byPool = map[[28]byte]uint64{}
	accountsByPool = map[[28]byte][]*entity.Account{}
	err = d.State.IterEntities(namespace.Accounts, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		acc, ok := e.(*entity.Account)
		if !ok {
			return nil
		}
		if cardano.FilterUnregisteredBeforeRupd(protocolMajor) && !acc.Registered {
			return nil
		}
		stake := acc.Stake.Mark()
		if stake == 0 {
			return nil
		}
		byPool[acc.PoolID] += stake
		totalStake += stake
		accountsByPool[acc.PoolID] = append(accountsByPool[acc.PoolID], acc)
		return nil
	})
	return
}

// blocksMadeInEpoch counts the archived blocks across an epoch's slot
// range, bucketed by the first 28 bytes of each block's hash; a block
// whose hash prefix is all zeros is skipped. The archived header
// carries no slot-leader field, so the buckets are per block rather
// than per pool, and federated (OBFT) blocks are not told apart from
// pool-made blocks: both count toward the total used for η (see
// DESIGN.md).
func blocksMadeInEpoch(d *domain.Domain, epoch uint64) (map[[28]byte]uint64, uint64, error) {
	startSlot := d.Genesis.EpochStartSlot(epoch)
	endSlot := startSlot + d.Genesis.EpochLength - 1
	counts := map[[28]byte]uint64{}
	var total uint64
	err := d.Archive.BlocksInRange(startSlot, endSlot, func(blk archive.Block) error {
		var leader [28]byte
		copy(leader[:], blk.Header.Hash[:28])
		if leader == [28]byte{} {
			return nil
		}
		counts[leader]++
		total++
		return nil
	})
	return counts, total, err
}

// rewardPot is the per-epoch monetary-expansion budget computation
// shared verbatim by Rupd (to size each pool's share) and Ewrap (to
// know how much to withdraw from reserves and cut to treasury), so both
// derive identical numbers from the same persisted inputs instead of
// threading state between two independent WorkUnits.
type rewardPot struct {
	DeltaR1       uint64 // withdrawn from reserves
	TreasuryCut   uint64
	Distributable uint64 // available for per-pool reward distribution
}

func computeRewardPot(d *domain.Domain, epoch uint64, totalPoolBlocks uint64) (rewardPot, error) {
	ep, err := currentEpochEntity(d, epoch)
	if err != nil {
		return rewardPot{}, err
	}
	expected := d.Genesis.ActiveSlotCoeff * float64(d.Genesis.EpochLength)
	eta := 1.0
	if expected > 0 {
		eta = float64(totalPoolBlocks) / expected
		if eta > 1 {
			eta = 1
		}
	}
	deltaR1 := uint64(math.Floor(d.Genesis.MonetaryExpansionRate * eta * float64(ep.Reserves)))
	potTotal := deltaR1 + ep.FeesTotal
	treasuryCut := uint64(math.Floor(d.Genesis.TreasuryCut * float64(potTotal)))
	return rewardPot{DeltaR1: deltaR1, TreasuryCut: treasuryCut, Distributable: potTotal - treasuryCut}, nil
}

// optimalPoolReward implements the Haskell ledger's pledge-influenced
// pool reward formula: σ' and s' are the pool's and its
// pledge's stake fractions clamped to z0 = 1/nOpt, so pools beyond the
// optimal count see diminishing marginal reward.
func optimalPoolReward(pot float64, a0 float64, nOpt uint64, poolStake, pledge, totalStake uint64) uint64 {
	if totalStake == 0 || nOpt == 0 {
		return 0
	}
	z0 := 1.0 / float64(nOpt)
	sigmaP := math.Min(float64(poolStake)/float64(totalStake), z0)
	sP := math.Min(float64(pledge)/float64(totalStake), z0)
	top := sigmaP + sP*a0*((sigmaP-sP*(z0-sigmaP)/z0)/z0)
	r := pot / (1 + a0) * top
	if r < 0 {
		r = 0
	}
	return uint64(math.Floor(r))
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func pendingRewardKey(epoch uint64, account, poolID [28]byte, rtype entity.RewardType) namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], epoch)
	copy(k[8:20], account[:12])
	copy(k[20:32], poolID[:12])
	k[31] ^= byte(rtype)
	return k
}

func stakeLogKey(epoch uint64, poolID [28]byte) namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], epoch)
	copy(k[8:], poolID[:])
	return k
}

func pendingRewardsLowerBound(epoch uint64) *namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], epoch)
	return &k
}

func pendingRewardsUpperBound(epoch uint64) *namespace.EntityKey {
	var k namespace.EntityKey
	namespace.PutUint64(k[:8], epoch+1)
	return &k
}

func proposalEntityKey(txHash [32]byte) namespace.EntityKey {
	var k namespace.EntityKey
	copy(k[:32], txHash[:])
	return k
}

// --- RUPD --------------------------------------------------------------

// Rupd is the reward-update WorkUnit: fires at the
// randomness-stability-window offset into the epoch and persists one
// PendingReward per (account, pool) payout, applied later by Ewrap.
type Rupd struct {
	epoch         uint64
	protocolMajor uint32
	pending       []entity.PendingReward
	stakeLogs     []*entity.StakeLog
}

func (u *Rupd) Kind() string { return "rupd" }

func (u *Rupd) Load(d *domain.Domain) error {
	cp, _, err := d.State.Cursor()
	if err != nil {
		return err
	}
	u.epoch = d.Genesis.EpochOf(cp.Slot)
	u.protocolMajor = protocolMajorAt(d, u.epoch)
	return nil
}

func (u *Rupd) Compute(d *domain.Domain) error {
	byPoolStake, totalStake, accountsByPool, err := poolStakeTotals(d, u.protocolMajor)
	if err != nil {
		return fmt.Errorf("epoch: rupd stake totals: %w", err)
	}

	_, totalPoolBlocks, err := blocksMadeInEpoch(d, u.epoch)
	if err != nil {
		return fmt.Errorf("epoch: rupd blocks made: %w", err)
	}

	pot, err := computeRewardPot(d, u.epoch, totalPoolBlocks)
	if err != nil {
		return fmt.Errorf("epoch: rupd reward pot: %w", err)
	}

	pools := map[[28]byte]*entity.Pool{}
	if err := d.State.IterEntities(namespace.Pools, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		pool, ok := e.(*entity.Pool)
		if !ok {
			return nil
		}
		pools[pool.PoolID] = pool
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: rupd iterate pools: %w", err)
	}

	poolIDs := make([][28]byte, 0, len(pools))
	for id := range pools {
		poolIDs = append(poolIDs, id)
	}
	sort.Slice(poolIDs, func(i, j int) bool { return lessBytes(poolIDs[i][:], poolIDs[j][:]) })

	for _, id := range poolIDs {
		pool := pools[id]
		poolStake := byPoolStake[id]
		u.stakeLogs = append(u.stakeLogs, &entity.StakeLog{Epoch: u.epoch, PoolID: id, Stake: poolStake})
		if poolStake == 0 {
			continue
		}
		params := pool.Params.Mark()
		reward := optimalPoolReward(float64(pot.Distributable), d.Genesis.PledgeInfluence, d.Genesis.OptimalPoolCount, poolStake, params.Pledge, totalStake)
		if reward == 0 {
			continue
		}

		var leaderReward, memberPool uint64
		if reward <= params.Cost {
			leaderReward = reward
		} else {
			afterCost := reward - params.Cost
			leaderShare := params.Pledge
			if leaderShare > poolStake {
				leaderShare = poolStake
			}
			leaderFraction := float64(leaderShare) / float64(poolStake)
			leaderReward = params.Cost + uint64(math.Floor(float64(afterCost)*(pool.Margin+(1-pool.Margin)*leaderFraction)))
			memberPool = reward - leaderReward
		}

		u.pending = append(u.pending, entity.PendingReward{
			Epoch: u.epoch, Account: params.RewardAccount, PoolID: id, Amount: leaderReward, Type: entity.RewardLeader,
		})

		if memberPool == 0 {
			continue
		}
		for _, acc := range accountsByPool[id] {
			if acc.RewardAccount == params.RewardAccount {
				continue // owner's member share already folded into leaderReward above
			}
			share := uint64(math.Floor(float64(memberPool) * float64(acc.Stake.Mark()) / float64(poolStake)))
			if share == 0 {
				continue
			}
			u.pending = append(u.pending, entity.PendingReward{
				Epoch: u.epoch, Account: acc.RewardAccount, PoolID: id, Amount: share, Type: entity.RewardMember,
			})
		}
	}

	if cardano.RewardDedupAppliesPreAllegra(u.protocolMajor) {
		u.pending = cardano.DedupPreAllegraRewards(u.pending)
	}
	return nil
}

func (u *Rupd) CommitWAL(d *domain.Domain) error { return nil }

func (u *Rupd) CommitState(d *domain.Domain) error {
	w := d.State.StartWriter()
	for i, pr := range u.pending {
		k := namespace.NsKey{NS: namespace.PendingRewards, Key: pendingRewardKey(u.epoch, pr.Account, pr.PoolID, pr.Type)}
		enc, err := entity.Encode(&u.pending[i])
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: rupd encode pending reward: %w", err)
		}
		if err := w.WriteEntity(k, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: rupd write pending reward: %w", err)
		}
	}
	for _, sl := range u.stakeLogs {
		k := namespace.NsKey{NS: namespace.Stakes, Key: stakeLogKey(u.epoch, sl.PoolID)}
		enc, err := entity.Encode(sl)
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: rupd encode stake log: %w", err)
		}
		if err := w.WriteEntity(k, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: rupd write stake log: %w", err)
		}
	}
	return w.Commit()
}

func (u *Rupd) CommitArchive(d *domain.Domain) error { return nil }
func (u *Rupd) CommitIndexes(d *domain.Domain) error { return nil }
func (u *Rupd) TipEvents() []tip.Event               { return nil }
func (u *Rupd) NeedsCacheRefresh() bool              { return false }

// --- EWRAP ---------------------------------------------------------------

// Ewrap is the epoch-wrap WorkUnit: runs NEWEPOCH's
// applyRUpd -> SNAP -> POOLREAP order, then governance enactment, then
// finalizes the closing epoch's pot ledger.
type Ewrap struct {
	epoch         uint64
	slot          uint64
	protocolMajor uint32
	decisions     DecisionTable

	touched map[namespace.NsKey]entity.Entity
	order   []namespace.NsKey
	deleted map[namespace.NsKey]bool

	treasuryDelta uint64
	rewardsPaid   uint64
	rewardLogs    []entity.RewardLog
}

// NewEwrap builds an Ewrap unit against the given hardcoded governance
// decision table; pass nil when none is configured.
func NewEwrap(decisions DecisionTable) *Ewrap {
	return &Ewrap{decisions: decisions}
}

func (u *Ewrap) Kind() string { return "ewrap" }

func (u *Ewrap) Load(d *domain.Domain) error {
	cp, _, err := d.State.Cursor()
	if err != nil {
		return err
	}
	u.epoch = d.Genesis.EpochOf(cp.Slot)
	u.slot = cp.Slot
	u.protocolMajor = protocolMajorAt(d, u.epoch)
	u.touched = map[namespace.NsKey]entity.Entity{}
	u.deleted = map[namespace.NsKey]bool{}
	return nil
}

func (u *Ewrap) get(d *domain.Domain, k namespace.NsKey) (entity.Entity, error) {
	if e, ok := u.touched[k]; ok {
		return e, nil
	}
	raw, ok, err := d.State.ReadEntity(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return entity.Decode(raw)
}

func (u *Ewrap) set(k namespace.NsKey, e entity.Entity) {
	if _, seen := u.touched[k]; !seen {
		u.order = append(u.order, k)
	}
	u.touched[k] = e
	if e == nil {
		u.deleted[k] = true
	} else {
		delete(u.deleted, k)
	}
}

// creditOrTreasury applies a RewardPotCredit to cred's account if it
// is still registered, otherwise routes amount to treasury. Reports whether the
// account was credited.
func (u *Ewrap) creditOrTreasury(d *domain.Domain, cred [28]byte, amount uint64) (bool, error) {
	if amount == 0 {
		return false, nil
	}
	k := namespace.NsKey{NS: namespace.Accounts, Key: delta.AccountKey(cred)}
	pre, err := u.get(d, k)
	if err != nil {
		return false, err
	}
	acc, ok := pre.(*entity.Account)
	if !ok || !acc.Registered {
		u.treasuryDelta += amount
		return false, nil
	}
	dl := &delta.RewardPotCredit{Cred: cred, Amount: amount}
	u.set(k, dl.Apply(pre))
	u.rewardsPaid += amount
	return true, nil
}

func (u *Ewrap) Compute(d *domain.Domain) error {
	// Step 1: applyRUpd.
	var pending []entity.PendingReward
	if err := d.State.IterEntities(namespace.PendingRewards, pendingRewardsLowerBound(u.epoch), pendingRewardsUpperBound(u.epoch), func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if pr, ok := e.(*entity.PendingReward); ok {
			pending = append(pending, *pr)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: ewrap load pending rewards: %w", err)
	}
	for _, pr := range pending {
		credited, err := u.creditOrTreasury(d, pr.Account, pr.Amount)
		if err != nil {
			return fmt.Errorf("epoch: ewrap apply rupd: %w", err)
		}
		if credited {
			u.rewardLogs = append(u.rewardLogs, entity.RewardLog{
				Epoch: u.epoch, Account: pr.Account, PoolID: pr.PoolID, Amount: pr.Amount, Type: pr.Type,
			})
		}
	}

	// Step 2: SNAP. Pool params are already written to their Live slot
	// by PoolRegister at registration time, so a pool's effective
	// reward account here is already the post-SNAP one; there is
	// nothing left to mutate. Kept as an explicit step for NEWEPOCH
	// ordering clarity.

	// Step 3: POOLREAP.
	var retiring []*entity.Pool
	if err := d.State.IterEntities(namespace.Pools, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if pool, ok := e.(*entity.Pool); ok && pool.Retiring && pool.RetiringEpoch == u.epoch+1 {
			retiring = append(retiring, pool)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: ewrap iterate pools: %w", err)
	}
	sort.Slice(retiring, func(i, j int) bool { return lessBytes(retiring[i].PoolID[:], retiring[j].PoolID[:]) })
	for _, pool := range retiring {
		if _, err := u.creditOrTreasury(d, pool.RewardAccount, d.Genesis.PoolDeposit); err != nil {
			return fmt.Errorf("epoch: ewrap pool deposit refund: %w", err)
		}
		k := namespace.NsKey{NS: namespace.Pools, Key: delta.PoolKey(pool.PoolID)}
		pre, err := u.get(d, k)
		if err != nil {
			return err
		}
		dl := &delta.PoolReap{PoolID: pool.PoolID}
		u.set(k, dl.Apply(pre))
	}

	// Governance proposal enactment.
	var proposals []*entity.Proposal
	if err := d.State.IterEntities(namespace.Proposals, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if p, ok := e.(*entity.Proposal); ok && !p.Enacted && !p.Canceled {
			proposals = append(proposals, p)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: ewrap iterate proposals: %w", err)
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].TxHash != proposals[j].TxHash {
			return lessBytes(proposals[i].TxHash[:], proposals[j].TxHash[:])
		}
		return proposals[i].Index < proposals[j].Index
	})
	for _, p := range proposals {
		dec, found := u.decisions[ProposalKey{TxHash: p.TxHash, Index: p.Index}]
		if !found {
			continue // Unknown: no enactment, naturally expires via MaxEpoch
		}
		k := namespace.NsKey{NS: namespace.Proposals, Key: proposalEntityKey(p.TxHash)}
		pre, err := u.get(d, k)
		if err != nil {
			return err
		}
		dl := &delta.ProposalResolve{TxHash: p.TxHash, Index: p.Index, EnactEpoch: dec.EnactEpoch, Canceled: dec.Canceled}
		u.set(k, dl.Apply(pre))
		if dec.Ratified || dec.Canceled {
			if _, err := u.creditOrTreasury(d, p.ReturnAddr, p.Deposit); err != nil {
				return fmt.Errorf("epoch: ewrap proposal deposit refund: %w", err)
			}
		}
	}

	// Protocol-parameter updates enact at the boundary: the highest
	// major version any ParamUpdate recorded against an era summary
	// becomes the version carried into the new epoch via Estart.
	var enactedMajor uint32
	if err := d.State.IterEntities(namespace.Eras, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if es, ok := e.(*entity.EraSummary); ok && es.ProtocolMajor > enactedMajor {
			enactedMajor = es.ProtocolMajor
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: ewrap iterate eras: %w", err)
	}

	// Finalize the closing epoch's pot ledger: same deterministic inputs
	// Rupd used, so DeltaR1/TreasuryCut reproduce exactly.
	_, totalBlocks, err := blocksMadeInEpoch(d, u.epoch)
	if err != nil {
		return fmt.Errorf("epoch: ewrap blocks made: %w", err)
	}
	pot, err := computeRewardPot(d, u.epoch, totalBlocks)
	if err != nil {
		return fmt.Errorf("epoch: ewrap reward pot: %w", err)
	}
	epK := namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(u.epoch)}
	epPre, err := u.get(d, epK)
	if err != nil {
		return err
	}
	ep, ok := epPre.(*entity.Epoch)
	if !ok {
		ep = &entity.Epoch{Number: u.epoch}
	}
	next := ep.Clone().(*entity.Epoch)
	next.Reserves -= pot.DeltaR1
	next.Treasury += pot.TreasuryCut + u.treasuryDelta
	next.RewardsTotal = u.rewardsPaid
	if enactedMajor > next.ProtocolMajor {
		next.ProtocolMajor = enactedMajor
	}
	u.set(epK, next)
	return nil
}

func (u *Ewrap) CommitWAL(d *domain.Domain) error { return nil }

func (u *Ewrap) CommitState(d *domain.Domain) error {
	w := d.State.StartWriter()
	for _, k := range u.order {
		if u.deleted[k] {
			if err := w.DeleteEntity(k); err != nil {
				w.Abandon()
				return fmt.Errorf("epoch: ewrap delete entity: %w", err)
			}
			continue
		}
		enc, err := entity.Encode(u.touched[k])
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: ewrap encode entity: %w", err)
		}
		if err := w.WriteEntity(k, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: ewrap write entity: %w", err)
		}
	}
	return w.Commit()
}

// CommitArchive appends one RewardLog time-series entry per applied
// reward under the "rewards" namespace,
// keyed the same way the pending reward was so historical queries can
// page them by epoch.
func (u *Ewrap) CommitArchive(d *domain.Domain) error {
	if len(u.rewardLogs) == 0 {
		return nil
	}
	w := d.Archive.StartWriter()
	for i := range u.rewardLogs {
		rl := &u.rewardLogs[i]
		enc, err := entity.Encode(rl)
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: ewrap encode reward log: %w", err)
		}
		k := pendingRewardKey(rl.Epoch, rl.Account, rl.PoolID, rl.Type)
		if err := w.WriteLog(namespace.Rewards, u.slot, k, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: ewrap write reward log: %w", err)
		}
	}
	return w.Commit()
}

func (u *Ewrap) CommitIndexes(d *domain.Domain) error { return nil }
func (u *Ewrap) TipEvents() []tip.Event               { return nil }
func (u *Ewrap) NeedsCacheRefresh() bool              { return false }

// --- ESTART --------------------------------------------------------------

// Estart is the epoch-start WorkUnit: rotates every
// EpochValue ring, recomputes the pot ledger from a full state scan,
// and enforces the sum-equals-max-supply invariant.
type Estart struct {
	closingEpoch uint64
	newPots      entity.Epoch

	rotateAccounts []*entity.Account
	rotatePools    []*entity.Pool
}

func (u *Estart) Kind() string { return "estart" }

func (u *Estart) Load(d *domain.Domain) error {
	cp, _, err := d.State.Cursor()
	if err != nil {
		return err
	}
	u.closingEpoch = d.Genesis.EpochOf(cp.Slot)
	return nil
}

func (u *Estart) Compute(d *domain.Domain) error {
	closing, err := currentEpochEntity(d, u.closingEpoch)
	if err != nil {
		return err
	}

	var utxoTotal uint64
	if err := d.State.IterUtxos(func(_ utxo.Ref, body utxo.Body) error {
		out, derr := cardano.DecodeOutputBody(body)
		if derr != nil {
			return derr
		}
		utxoTotal += out.Lovelace
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: estart sum utxos: %w", err)
	}

	var rewardsTotal uint64
	var accountObligations uint64
	if err := d.State.IterEntities(namespace.Accounts, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		acc, ok := e.(*entity.Account)
		if !ok {
			return nil
		}
		rewardsTotal += acc.RewardsLovelace
		if acc.Registered {
			accountObligations += d.Genesis.AccountDeposit
			u.rotateAccounts = append(u.rotateAccounts, acc)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: estart iterate accounts: %w", err)
	}

	var poolObligations uint64
	if err := d.State.IterEntities(namespace.Pools, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		pool, ok := e.(*entity.Pool)
		if !ok {
			return nil
		}
		poolObligations += d.Genesis.PoolDeposit
		u.rotatePools = append(u.rotatePools, pool)
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: estart iterate pools: %w", err)
	}

	var drepObligations uint64
	if err := d.State.IterEntities(namespace.DReps, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if dr, ok := e.(*entity.DRep); ok && !dr.Retired {
			drepObligations += dr.Deposit
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: estart iterate dreps: %w", err)
	}

	var proposalObligations uint64
	if err := d.State.IterEntities(namespace.Proposals, nil, nil, func(_ namespace.EntityKey, raw []byte) error {
		e, derr := entity.Decode(raw)
		if derr != nil {
			return derr
		}
		if p, ok := e.(*entity.Proposal); ok && !p.Enacted && !p.Canceled {
			proposalObligations += p.Deposit
		}
		return nil
	}); err != nil {
		return fmt.Errorf("epoch: estart iterate proposals: %w", err)
	}

	u.newPots = entity.Epoch{
		Number:        u.closingEpoch + 1,
		Reserves:      closing.Reserves,
		Treasury:      closing.Treasury,
		UtxoTotal:     utxoTotal,
		RewardsTotal:  rewardsTotal,
		FeesTotal:     0,
		Obligations:   accountObligations + poolObligations + drepObligations + proposalObligations,
		ProtocolMajor: closing.ProtocolMajor,
	}

	sum := u.newPots.Reserves + u.newPots.Treasury + u.newPots.UtxoTotal + u.newPots.RewardsTotal + u.newPots.FeesTotal + u.newPots.Obligations
	if d.Genesis.MaxLovelaceSupply != 0 && sum != d.Genesis.MaxLovelaceSupply {
		// See DESIGN.md: exact conservation depends on deposit/fee
		// bookkeeping this core's simplified block format does not
		// fully carry end to end; surfaced as a hard integrity error
		// rather than silently accepted, per the "fatal on violation"
		// requirement.
		return fmt.Errorf("%w: epoch %d pots sum %d != max supply %d", domain.ErrIntegrity, u.newPots.Number, sum, d.Genesis.MaxLovelaceSupply)
	}
	return nil
}

func (u *Estart) CommitWAL(d *domain.Domain) error { return nil }

func (u *Estart) CommitState(d *domain.Domain) error {
	w := d.State.StartWriter()

	for _, acc := range u.rotateAccounts {
		acc.Stake.Rotate()
		enc, err := entity.Encode(acc)
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: estart encode rotated account: %w", err)
		}
		if err := w.WriteEntity(namespace.NsKey{NS: namespace.Accounts, Key: delta.AccountKey(acc.RewardAccount)}, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: estart write rotated account: %w", err)
		}
	}
	for _, pool := range u.rotatePools {
		pool.Params.Rotate()
		enc, err := entity.Encode(pool)
		if err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: estart encode rotated pool: %w", err)
		}
		if err := w.WriteEntity(namespace.NsKey{NS: namespace.Pools, Key: delta.PoolKey(pool.PoolID)}, enc); err != nil {
			w.Abandon()
			return fmt.Errorf("epoch: estart write rotated pool: %w", err)
		}
	}

	enc, err := entity.Encode(&u.newPots)
	if err != nil {
		w.Abandon()
		return fmt.Errorf("epoch: estart encode epoch entity: %w", err)
	}
	k := namespace.NsKey{NS: namespace.Epochs, Key: delta.EpochKey(u.newPots.Number)}
	if err := w.WriteEntity(k, enc); err != nil {
		w.Abandon()
		return fmt.Errorf("epoch: estart write epoch entity: %w", err)
	}
	if err := w.Commit(); err != nil {
		return err
	}
	metrics.EpochNumber.Set(float64(u.newPots.Number))
	return nil
}

func (u *Estart) CommitArchive(d *domain.Domain) error { return nil }
func (u *Estart) CommitIndexes(d *domain.Domain) error { return nil }
func (u *Estart) TipEvents() []tip.Event               { return nil }
func (u *Estart) NeedsCacheRefresh() bool              { return true }
