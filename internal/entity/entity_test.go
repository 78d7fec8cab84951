package entity

import "testing"

func TestAccountRoundTrip(t *testing.T) {
	a := &Account{Registered: true, RewardsLovelace: 100}
	a.Stake.WriteLive(500)
	b, err := Encode(a)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	ga, ok := got.(*Account)
	if !ok {
		t.Fatalf("decoded wrong type %T", got)
	}
	if ga.RewardsLovelace != 100 || ga.Stake.Live() != 500 || !ga.Registered {
		t.Fatalf("round trip mismatch: %+v", ga)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	p := &Pool{PoolID: [28]byte{1}, Pledge: 1000, Owners: [][28]byte{{1}, {2}}}
	p.Params.WriteLive(PoolParams{Cost: 340000000})
	b, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	gp := got.(*Pool)
	if gp.Pledge != 1000 || len(gp.Owners) != 2 || gp.Params.Live().Cost != 340000000 {
		t.Fatalf("round trip mismatch: %+v", gp)
	}
}

func TestEveryVariantRoundTrips(t *testing.T) {
	entities := []Entity{
		&Account{},
		&Pool{},
		&Epoch{Number: 300},
		&DRep{},
		&Proposal{},
		&Asset{AssetName: []byte("x")},
		&Datum{CBOR: []byte{1, 2, 3}},
		&EraSummary{Era: 5},
		&RewardLog{},
		&StakeLog{},
		&PendingReward{},
	}
	for _, e := range entities {
		b, err := Encode(e)
		if err != nil {
			t.Fatalf("encode %T: %v", e, err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %T: %v", e, err)
		}
		if got.Kind() != e.Kind() {
			t.Fatalf("kind mismatch for %T: %v != %v", e, got.Kind(), e.Kind())
		}
	}
}
