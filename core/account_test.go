package core

import (
	"testing"

	"latticenet/crypto"
)

func mustGenerateKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func openAlicesBobPair(t *testing.T) (alice, bob *AccountMachine) {
	t.Helper()
	initial := map[TokenId]Delta{
		"USD": {LeftCreditLimit: 10_000, RightCreditLimit: 10_000},
	}
	aliceKey, bobKey := mustGenerateKey(t), mustGenerateKey(t)
	alice = OpenAccount("alice", "bob", true, initial, aliceKey, bobKey.Public())
	bob = OpenAccount("alice", "bob", false, initial, bobKey, aliceKey.Public())
	return alice, bob
}

func TestPaymentScenarioConverges(t *testing.T) {
	alice, bob := openAlicesBobPair(t)

	alice.SubmitTx(AccountTx{Kind: TxTransfer, Submitter: "alice", Transfer: &TransferTx{
		Token: "USD", Amount: 100, SenderIsLeft: true,
	}})

	frame, rejected, err := alice.Propose(1000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if frame == nil {
		t.Fatalf("expected a proposal")
	}
	if len(rejected) != 0 {
		t.Fatalf("expected no rejected txs, got %v", rejected)
	}

	if err := bob.ReceiveProposal(*frame, alice.CooperativeNonce, alice.SignStateHash(frame.StateHash)); err != nil {
		t.Fatalf("bob receiving proposal: %v", err)
	}
	if err := bob.ReceiveCommit(frame.Height, frame.StateHash); err != nil {
		t.Fatalf("bob commit: %v", err)
	}
	if err := alice.ReceiveAck(frame.Height, frame.StateHash, bob.SignStateHash(frame.StateHash)); err != nil {
		t.Fatalf("alice commit: %v", err)
	}

	if alice.CurrentFrame.StateHash != bob.CurrentFrame.StateHash {
		t.Fatalf("stateHash diverged between alice and bob")
	}
	if alice.CooperativeNonce != bob.CooperativeNonce {
		t.Fatalf("cooperativeNonce diverged: alice=%d bob=%d", alice.CooperativeNonce, bob.CooperativeNonce)
	}
	combined, _ := alice.Deltas["USD"].Combined()
	if combined != -100 {
		t.Fatalf("alice offdelta after sending 100: want -100 got %d", combined)
	}
	bobCombined, _ := bob.Deltas["USD"].Combined()
	if bobCombined != combined {
		t.Fatalf("alice and bob deltas diverged: %d vs %d", combined, bobCombined)
	}

	aliceCap, _ := ComputeCapacity(alice.Deltas["USD"], Left)
	if aliceCap.MaxSend != 9_900 {
		t.Fatalf("alice maxSend: want 9900 got %d", aliceCap.MaxSend)
	}
	bobCap, _ := ComputeCapacity(bob.Deltas["USD"], Right)
	if bobCap.MaxSend != 10_100 {
		t.Fatalf("bob maxSend: want 10100 got %d", bobCap.MaxSend)
	}

	// Reverse payment restores offdelta to zero.
	bob.SubmitTx(AccountTx{Kind: TxTransfer, Submitter: "bob", Transfer: &TransferTx{
		Token: "USD", Amount: 100, SenderIsLeft: false,
	}})
	frame2, _, err := bob.Propose(2000)
	if err != nil {
		t.Fatalf("bob propose: %v", err)
	}
	if err := alice.ReceiveProposal(*frame2, bob.CooperativeNonce, bob.SignStateHash(frame2.StateHash)); err != nil {
		t.Fatalf("alice receiving reverse proposal: %v", err)
	}
	if err := alice.ReceiveCommit(frame2.Height, frame2.StateHash); err != nil {
		t.Fatalf("alice commit reverse: %v", err)
	}
	if err := bob.ReceiveAck(frame2.Height, frame2.StateHash, alice.SignStateHash(frame2.StateHash)); err != nil {
		t.Fatalf("bob commit reverse: %v", err)
	}
	finalCombined, _ := alice.Deltas["USD"].Combined()
	if finalCombined != 0 {
		t.Fatalf("offdelta after reverse payment: want 0 got %d", finalCombined)
	}
}

func TestRcpanViolatingTxStaysInMempool(t *testing.T) {
	alice, _ := openAlicesBobPair(t)
	alice.SubmitTx(AccountTx{Kind: TxTransfer, Submitter: "alice", Transfer: &TransferTx{
		Token: "USD", Amount: 999_999, SenderIsLeft: true,
	}})
	frame, rejected, err := alice.Propose(1000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if frame != nil {
		t.Fatalf("expected no proposal when the only tx is rejected")
	}
	if len(rejected) != 1 {
		t.Fatalf("expected one rejected tx, got %d", len(rejected))
	}
	if len(alice.Mempool) != 1 {
		t.Fatalf("rejected tx must remain in mempool")
	}
}

func TestSimultaneousProposalLeftWins(t *testing.T) {
	alice, bob := openAlicesBobPair(t) // alice is left

	alice.SubmitTx(AccountTx{Kind: TxTransfer, Submitter: "alice", Transfer: &TransferTx{
		Token: "USD", Amount: 50, SenderIsLeft: true,
	}})
	bob.SubmitTx(AccountTx{Kind: TxTransfer, Submitter: "bob", Transfer: &TransferTx{
		Token: "USD", Amount: 30, SenderIsLeft: false,
	}})

	aliceFrame, _, err := alice.Propose(1000)
	if err != nil || aliceFrame == nil {
		t.Fatalf("alice propose: %v", err)
	}
	bobFrame, _, err := bob.Propose(1000)
	if err != nil || bobFrame == nil {
		t.Fatalf("bob propose: %v", err)
	}

	// Bob (right) receives alice's (left) competing proposal: bob must
	// discard his own and adopt alice's.
	if err := bob.ReceiveProposal(*aliceFrame, alice.CooperativeNonce, alice.SignStateHash(aliceFrame.StateHash)); err != nil {
		t.Fatalf("bob adopting left's proposal: %v", err)
	}
	if bob.State != PendingInbound {
		t.Fatalf("bob should now be locked to alice's proposal")
	}
	// Bob's own transfer tx must have been requeued to mempool.
	if len(bob.Mempool) != 1 {
		t.Fatalf("bob's discarded proposal tx should be requeued, mempool has %d", len(bob.Mempool))
	}

	// Alice (left) receiving bob's competing proposal must reject it and
	// keep her own.
	if err := alice.ReceiveProposal(*bobFrame, bob.CooperativeNonce, bob.SignStateHash(bobFrame.StateHash)); err == nil {
		t.Fatalf("alice (left) must reject bob's competing proposal")
	}
	if alice.State != PendingOutbound {
		t.Fatalf("alice must keep her own outbound proposal")
	}
}
