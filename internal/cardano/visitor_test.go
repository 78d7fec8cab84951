package cardano

import (
	"testing"

	"github.com/txpipe/dolos/internal/delta"
	"github.com/txpipe/dolos/internal/entity"
	"github.com/txpipe/dolos/internal/utxo"
)

func visitOne(t *testing.T, txs []Tx, protocolMajor uint32, pointers *PointerTable) *VisitCtx {
	t.Helper()
	if pointers == nil {
		pointers = NewPointerTable()
	}
	blk := &Block{Header: Header{Slot: 100, Hash: [32]byte{1}}, Body: Body{Txs: txs}}
	return NewDeltaBuilder(EntityVisitor{}).Visit(blk, protocolMajor, pointers)
}

func applyAll(deltas []delta.Delta) entity.Entity {
	var e entity.Entity
	for _, d := range deltas {
		e = d.Apply(e)
	}
	return e
}

// Two MIRs of 100M then 32M to the same address: pre-Alonzo the second
// overwrites (32M), Alonzo+ accumulates (132M).
func TestMIRSemanticsByProtocolVersion(t *testing.T) {
	var cred [28]byte
	cred[0] = 0x3A
	txs := []Tx{{Hash: [32]byte{2}, Certs: []Cert{
		{Index: 0, Kind: CertMIR, MIRTarget: cred, MIRAmount: 100_000_000},
		{Index: 1, Kind: CertMIR, MIRTarget: cred, MIRAmount: 32_000_000},
	}}}

	preAlonzo := visitOne(t, txs, 4, nil)
	acc := applyAll(preAlonzo.Deltas).(*entity.Account)
	if acc.RewardsLovelace != 32_000_000 {
		t.Fatalf("protocol 4 MIR must overwrite: got %d, want 32M", acc.RewardsLovelace)
	}

	alonzo := visitOne(t, txs, 5, nil)
	acc = applyAll(alonzo.Deltas).(*entity.Account)
	if acc.RewardsLovelace != 132_000_000 {
		t.Fatalf("protocol 5 MIR must accumulate: got %d, want 132M", acc.RewardsLovelace)
	}
}

// Certificates emit deltas strictly in cert-index order, never sorted:
// dereg(5) then reg(7) must come out as dereg first.
func TestCertDeltasPreserveIndexOrder(t *testing.T) {
	var cred [28]byte
	cred[0] = 0x4B
	ctx := visitOne(t, []Tx{{Hash: [32]byte{3}, Certs: []Cert{
		{Index: 5, Kind: CertAccountDeregister, Cred: cred},
		{Index: 7, Kind: CertAccountRegister, Cred: cred},
	}}}, 6, nil)

	if len(ctx.Deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(ctx.Deltas))
	}
	if _, ok := ctx.Deltas[0].(*delta.AccountDeregister); !ok {
		t.Fatalf("first delta = %T, want AccountDeregister", ctx.Deltas[0])
	}
	if _, ok := ctx.Deltas[1].(*delta.AccountRegister); !ok {
		t.Fatalf("second delta = %T, want AccountRegister", ctx.Deltas[1])
	}
}

// A pointer-address output resolves its stake credential through the
// table and tags it; an unmapped pointer yields no stake-cred tag.
func TestOutputPointerResolution(t *testing.T) {
	var cred [28]byte
	cred[0] = 0x5C
	table := NewPointerTable()
	ptr := Pointer{Slot: 7, TxIndex: 1, CertIndex: 0}
	table.Record(ptr, cred)

	out := Output{
		Ref:     utxo.Ref{TxHash: [32]byte{4}, Index: 0},
		Address: "addr_ptr",
		Pointer: &ptr,
	}
	ctx := visitOne(t, []Tx{{Hash: [32]byte{4}, Outputs: []Output{out}}}, 6, table)

	found := false
	for _, tag := range ctx.UtxoTags {
		if tag.Dim == DimStakeCred && string(tag.LookupKey) == string(cred[:]) {
			found = true
		}
	}
	if !found {
		t.Fatal("resolved pointer must produce a stake-cred tag")
	}

	garbage := Pointer{Slot: 12, TxIndex: 12, CertIndex: 12}
	out.Pointer = &garbage
	ctx = visitOne(t, []Tx{{Hash: [32]byte{4}, Outputs: []Output{out}}}, 6, table)
	for _, tag := range ctx.UtxoTags {
		if tag.Dim == DimStakeCred {
			t.Fatal("an unmapped pointer must not produce a stake-cred tag")
		}
	}
}

// Pre-Allegra reward dedup keeps the minimum (type, pool) entry per
// account: Leader sorts before Member regardless of amount.
func TestDedupPreAllegraRewards(t *testing.T) {
	var acct, other [28]byte
	acct[0] = 0x6D
	other[0] = 0x6E
	var poolA, poolB [28]byte
	poolA[0] = 0x01
	poolB[0] = 0x02

	got := DedupPreAllegraRewards([]entity.PendingReward{
		{Account: acct, PoolID: poolB, Amount: 7, Type: entity.RewardMember},
		{Account: acct, PoolID: poolA, Amount: 10, Type: entity.RewardLeader},
		{Account: other, PoolID: poolA, Amount: 3, Type: entity.RewardMember},
	})

	if len(got) != 2 {
		t.Fatalf("got %d rewards, want one per account", len(got))
	}
	for _, r := range got {
		if r.Account == acct {
			if r.Type != entity.RewardLeader || r.Amount != 10 {
				t.Fatalf("leader reward must win over the larger set: %+v", r)
			}
		}
	}
}

func TestDedupPreAllegraRewardsBreaksTiesByPoolHash(t *testing.T) {
	var acct [28]byte
	acct[0] = 0x6F
	var poolA, poolB [28]byte
	poolA[0] = 0x01
	poolB[0] = 0x02

	got := DedupPreAllegraRewards([]entity.PendingReward{
		{Account: acct, PoolID: poolB, Amount: 100, Type: entity.RewardMember},
		{Account: acct, PoolID: poolA, Amount: 1, Type: entity.RewardMember},
	})
	if len(got) != 1 || got[0].PoolID != poolA {
		t.Fatalf("tie on type must break by pool hash: %+v", got)
	}
}
