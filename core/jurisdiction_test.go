package core

import "testing"

func TestMockAdapterConservationLawEnforced(t *testing.T) {
	a := NewMockAdapter()
	if _, err := a.RegisterEntity("alice", nil); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := a.RegisterEntity("bob", nil); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := a.UpdateReserve("alice", "USD", 1000); err != nil {
		t.Fatalf("fund alice: %v", err)
	}

	bad := []SettlementDiff{{Token: "USD", LeftDiff: -100, RightDiff: 0, CollateralDiff: 50}}
	if _, err := a.ProcessSettlement("alice", "bob", bad); err == nil {
		t.Fatalf("expected rejection of a non-conserving diff")
	}

	good := []SettlementDiff{{Token: "USD", LeftDiff: -100, RightDiff: 0, CollateralDiff: 100}}
	if _, err := a.ProcessSettlement("alice", "bob", good); err != nil {
		t.Fatalf("expected conserving diff to succeed: %v", err)
	}
	reserve, err := a.GetReserve("alice", "USD")
	if err != nil {
		t.Fatalf("get reserve: %v", err)
	}
	if reserve != 900 {
		t.Fatalf("alice reserve after settlement: want 900 got %d", reserve)
	}
}

func TestBuildSettlementDiffsSkipsOffChainOnlyMoves(t *testing.T) {
	before := map[TokenId]Delta{"USD": {Collateral: 0, OnDelta: 0, OffDelta: 0}}
	after := map[TokenId]Delta{"USD": {Collateral: 0, OnDelta: 0, OffDelta: -100}}
	diffs, err := BuildSettlementDiffs(before, after)
	if err != nil {
		t.Fatalf("build diffs: %v", err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected no settlement diffs for a purely off-chain move, got %v", diffs)
	}
}

func TestBuildSettlementDiffsConservesOnCollateralChange(t *testing.T) {
	before := map[TokenId]Delta{"USD": {Collateral: 0}}
	after := map[TokenId]Delta{"USD": {Collateral: 500}}
	diffs, err := BuildSettlementDiffs(before, after)
	if err != nil {
		t.Fatalf("build diffs: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected one diff, got %d", len(diffs))
	}
	if diffs[0].LeftDiff+diffs[0].RightDiff+diffs[0].CollateralDiff != 0 {
		t.Fatalf("conservation law violated: %+v", diffs[0])
	}
}
