package core

import (
	"testing"

	"latticenet/crypto"
)

func TestHtlcSecretResolutionTransfersAmount(t *testing.T) {
	m := OpenAccount("alice", "bob", true, map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}, nil, nil)
	preimage := []byte("the-secret")
	hashlock := crypto.SHA256(preimage)

	if err := m.htlcLock(HtlcLockTx{
		LockId: "lock1", Hashlock: hashlock, TimelockMs: 5000, RevealBeforeHeight: 100,
		Amount: 100, Token: "USD", SenderIsLeft: true,
	}, 1, 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeSecret, Preimage: preimage}, 2, 2000); err != nil {
		t.Fatalf("resolve with correct preimage: %v", err)
	}
	combined, _ := m.Deltas["USD"].Combined()
	if combined != -100 {
		t.Fatalf("want delta -100 after secret resolution, got %d", combined)
	}
	if !m.Locks["lock1"].Resolved {
		t.Fatalf("lock must be marked resolved")
	}
}

func TestHtlcWrongPreimageRejected(t *testing.T) {
	m := OpenAccount("alice", "bob", true, map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}, nil, nil)
	hashlock := crypto.SHA256([]byte("right-secret"))
	if err := m.htlcLock(HtlcLockTx{
		LockId: "lock1", Hashlock: hashlock, TimelockMs: 5000, RevealBeforeHeight: 100,
		Amount: 100, Token: "USD", SenderIsLeft: true,
	}, 1, 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeSecret, Preimage: []byte("wrong")}, 2, 2000); err == nil {
		t.Fatalf("expected rejection of wrong preimage")
	}
}

func TestHtlcEarlyTimeoutRejected(t *testing.T) {
	m := OpenAccount("alice", "bob", true, map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}, nil, nil)
	if err := m.htlcLock(HtlcLockTx{
		LockId: "lock1", Hashlock: crypto.SHA256([]byte("s")), TimelockMs: 5000, RevealBeforeHeight: 100,
		Amount: 100, Token: "USD", SenderIsLeft: true,
	}, 1, 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeTimeout}, 2, 2000); err == nil {
		t.Fatalf("expected rejection of early timeout claim")
	}
}

func TestHtlcTimeoutReleasesWithoutMutation(t *testing.T) {
	m := OpenAccount("alice", "bob", true, map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}, nil, nil)
	if err := m.htlcLock(HtlcLockTx{
		LockId: "lock1", Hashlock: crypto.SHA256([]byte("s")), TimelockMs: 5000, RevealBeforeHeight: 100,
		Amount: 100, Token: "USD", SenderIsLeft: true,
	}, 1, 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeTimeout}, 2, 6000); err != nil {
		t.Fatalf("timeout after expiry should succeed: %v", err)
	}
	combined, _ := m.Deltas["USD"].Combined()
	if combined != 0 {
		t.Fatalf("timeout must not mutate delta, got %d", combined)
	}
}

func TestHtlcSecondResolveRejected(t *testing.T) {
	m := OpenAccount("alice", "bob", true, map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}, nil, nil)
	if err := m.htlcLock(HtlcLockTx{
		LockId: "lock1", Hashlock: crypto.SHA256([]byte("s")), TimelockMs: 5000, RevealBeforeHeight: 100,
		Amount: 100, Token: "USD", SenderIsLeft: true,
	}, 1, 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeTimeout}, 2, 6000); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := m.htlcResolve("lock1", HtlcOutcome{Kind: OutcomeTimeout}, 2, 7000); err == nil {
		t.Fatalf("second resolve of the same lock must be rejected")
	}
}

func TestDeriveHopTimelocksDecreasesTowardSender(t *testing.T) {
	locks := DeriveHopTimelocks(10_000, 3)
	if len(locks) != 3 {
		t.Fatalf("want 3 timelocks, got %d", len(locks))
	}
	if locks[2] != 10_000 {
		t.Fatalf("final hop must hold the base timelock, got %d", locks[2])
	}
	if locks[0] >= locks[1] || locks[1] >= locks[2] {
		t.Fatalf("timelocks must strictly increase toward the final hop: %v", locks)
	}
	if locks[0] != 10_000-2*MinDelta {
		t.Fatalf("first hop timelock mismatch: got %d", locks[0])
	}
}
