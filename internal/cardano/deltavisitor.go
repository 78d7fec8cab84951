package cardano

import (
	"bytes"
	"sort"

	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/utxo"
)

// EntityVisitor is the visitor that turns certificates, outputs, and
// mints into entity deltas, UTxO tag operations, and pointer-table
// entries. It holds no per-instance state beyond what VisitCtx
// threads through, so one EntityVisitor can be shared across batches.
type EntityVisitor struct {
	NopVisitor
}

func (EntityVisitor) OnOutput(ctx *VisitCtx, tx *Tx, out Output) {
	ctx.UtxoDelta.Produced[out.Ref] = out.Body

	ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimAddress, Key: []byte(out.Address)})
	ctx.UtxoTags = append(ctx.UtxoTags, UtxoTagOp{Dim: DimAddress, LookupKey: []byte(out.Address), Ref: out.Ref, Add: true})

	ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimPaymentCred, Key: append([]byte(nil), out.PaymentCred[:]...)})
	ctx.UtxoTags = append(ctx.UtxoTags, UtxoTagOp{Dim: DimPaymentCred, LookupKey: append([]byte(nil), out.PaymentCred[:]...), Ref: out.Ref, Add: true})

	if out.HasStakeCred {
		ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimStakeCred, Key: append([]byte(nil), out.StakeCred[:]...)})
		ctx.UtxoTags = append(ctx.UtxoTags, UtxoTagOp{Dim: DimStakeCred, LookupKey: append([]byte(nil), out.StakeCred[:]...), Ref: out.Ref, Add: true})
	} else if out.Pointer != nil {
		// Pointer address: resolve through the domain's in-memory table
		// of registration certs recorded since the domain was opened
		// (this batch's and earlier ones); the table is not persisted.
		if cred, ok := ctx.Pointers.Resolve(*out.Pointer); ok {
			ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimStakeCred, Key: append([]byte(nil), cred[:]...)})
			ctx.UtxoTags = append(ctx.UtxoTags, UtxoTagOp{Dim: DimStakeCred, LookupKey: append([]byte(nil), cred[:]...), Ref: out.Ref, Add: true})
		}
	}

	if out.HasDatumHash {
		ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimDatumHash, Key: append([]byte(nil), out.DatumHash[:]...)})
	}
}

func (EntityVisitor) OnMint(ctx *VisitCtx, tx *Tx, m Mint) {
	ctx.Deltas = append(ctx.Deltas, &delta.AssetMint{PolicyID: m.PolicyID, AssetName: m.AssetName, Amount: m.Amount})
	ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimPolicy, Key: append([]byte(nil), m.PolicyID[:]...)})
	ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimAssetFP, Key: assetFingerprintKey(m.PolicyID, m.AssetName)})
}

func (EntityVisitor) OnWithdrawal(ctx *VisitCtx, tx *Tx, w Withdrawal) {
	ctx.Deltas = append(ctx.Deltas, &delta.WithdrawalDebit{Cred: w.Cred, Amount: w.Amount})
}

// assetFingerprintKey concatenates policy and asset name the same way
// the on-chain asset fingerprint is derived from, for index lookup
// purposes (the core does not need the human-readable bech32 form).
func assetFingerprintKey(policyID [28]byte, assetName []byte) []byte {
	out := make([]byte, 28+len(assetName))
	copy(out, policyID[:])
	copy(out[28:], assetName)
	return out
}

func (EntityVisitor) OnTx(ctx *VisitCtx, tx *Tx) {
	ctx.Tags = append(ctx.Tags, SlotTag{Dim: DimTxHash, Key: append([]byte(nil), tx.Hash[:]...)})
}

func (EntityVisitor) OnInput(ctx *VisitCtx, tx *Tx, refEnc [36]byte) {
	ref, ok := utxo.DecodeRef(refEnc[:])
	if !ok {
		return
	}
	// The body itself is filled in by the roll batch engine's input
	// resolution pass before commit; here we only
	// reserve the slot so Consumed always has an entry per input, even
	// if resolution later fails and the batch aborts (sync mode) or
	// skips it (import mode).
	if _, exists := ctx.UtxoDelta.Consumed[ref]; !exists {
		ctx.UtxoDelta.Consumed[ref] = utxo.Body{}
	}
}

func (EntityVisitor) OnCert(ctx *VisitCtx, tx *Tx, c Cert) {
	switch c.Kind {
	case CertAccountRegister:
		ctx.Deltas = append(ctx.Deltas, &delta.AccountRegister{Cred: c.Cred})
		ctx.Pointers.Record(Pointer{Slot: ctx.Slot, TxIndex: ctx.TxIndex, CertIndex: uint64(c.Index)}, c.Cred)

	case CertAccountDeregister:
		ctx.Deltas = append(ctx.Deltas, &delta.AccountDeregister{Cred: c.Cred})

	case CertAccountDelegate:
		ctx.Deltas = append(ctx.Deltas, &delta.AccountDelegate{Cred: c.Cred, PoolID: c.PoolID})

	case CertVoteDelegate:
		ctx.Deltas = append(ctx.Deltas, &delta.VoteDelegate{Cred: c.Cred, DRepID: c.DRepID, HasDRep: true})

	case CertPoolRegister:
		ctx.Deltas = append(ctx.Deltas, &delta.PoolRegister{
			PoolID: c.PoolID, RewardAccount: c.RewardAccount, Pledge: c.Pledge,
			Cost: c.Cost, Margin: c.Margin, Owners: c.Owners, Relays: c.Relays,
		})

	case CertPoolRetire:
		ctx.Deltas = append(ctx.Deltas, &delta.PoolRetire{PoolID: c.PoolID, RetiringEpoch: c.RetiringEpoch})

	case CertMIR:
		// Each application's delta sees the account's then-current
		// RewardsLovelace as its pre-image; pre-Alonzo every
		// application overwrites it outright, so a second MIR to the
		// same address simply replaces the first rather than adding
		// to it.
		ctx.Deltas = append(ctx.Deltas, &delta.MIRCredit{
			Cred: c.MIRTarget, Amount: c.MIRAmount, Overwrite: MIROverwrites(ctx.ProtocolMajor),
		})

	case CertDRepRegister:
		ctx.Deltas = append(ctx.Deltas, &delta.DRepRegister{DRepID: c.DRepID, Deposit: c.Pledge, Anchor: c.Anchor})

	case CertDRepUpdate:
		ctx.Deltas = append(ctx.Deltas, &delta.DRepRegister{DRepID: c.DRepID, Deposit: c.Pledge, Anchor: c.Anchor})

	case CertDRepRetire:
		ctx.Deltas = append(ctx.Deltas, &delta.DRepRetire{DRepID: c.DRepID})
	}
}

func (EntityVisitor) OnProposal(ctx *VisitCtx, tx *Tx, p ProposalAction) {
	ctx.Deltas = append(ctx.Deltas, &delta.ProposalSubmit{
		TxHash: p.TxHash, Index: p.Index, Deposit: p.Deposit,
		ReturnAddr: p.ReturnAddr, MaxEpoch: p.MaxEpoch,
	})
}

func (EntityVisitor) OnUpdate(ctx *VisitCtx, tx *Tx, u *ParamUpdate) {
	ctx.Deltas = append(ctx.Deltas, &delta.ParamUpdate{ProtocolMajor: u.ProtocolMajor})
}

// DedupPreAllegraRewards implements the pre-Allegra reward
// deduplication rule: for a given account, keep only
// the minimum (RewardType, PoolID) entry — Leader sorts before Member
// regardless of amount, ties broken by lexicographic pool hash.
func DedupPreAllegraRewards(rewards []entity.PendingReward) []entity.PendingReward {
	byAccount := map[[28]byte][]entity.PendingReward{}
	for _, r := range rewards {
		byAccount[r.Account] = append(byAccount[r.Account], r)
	}
	out := make([]entity.PendingReward, 0, len(byAccount))
	for _, rs := range byAccount {
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Type != rs[j].Type {
				return rs[i].Type < rs[j].Type // RewardLeader(0) < RewardMember(1)
			}
			return bytes.Compare(rs[i].PoolID[:], rs[j].PoolID[:]) < 0
		})
		out = append(out, rs[0])
	}
	return out
}
