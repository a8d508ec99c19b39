package core

import "testing"

func baseDelta() Delta {
	return Delta{
		Collateral:       0,
		OnDelta:          0,
		OffDelta:         0,
		LeftCreditLimit:  10_000,
		RightCreditLimit: 10_000,
	}
}

func TestValidateAcceptsWithinBounds(t *testing.T) {
	d := baseDelta()
	if !Validate(d) {
		t.Fatalf("zero delta within symmetric credit limits must validate")
	}
}

func TestApplyDeltaPaymentScenario(t *testing.T) {
	d := baseDelta()
	next, err := ApplyDelta(d, Left, 100)
	if err != nil {
		t.Fatalf("Alice sending 100 within capacity must succeed: %v", err)
	}
	combined, _ := next.Combined()
	if combined != -100 {
		t.Fatalf("offdelta after Alice sends 100: want -100 got %d", combined)
	}
	leftCap, err := ComputeCapacity(next, Left)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if leftCap.MaxSend != 9_900 {
		t.Fatalf("Alice maxSend: want 9900 got %d", leftCap.MaxSend)
	}
	rightCap, err := ComputeCapacity(next, Right)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if rightCap.MaxSend != 10_100 {
		t.Fatalf("Bob maxSend: want 10100 got %d", rightCap.MaxSend)
	}

	restored, err := ApplyDelta(next, Right, 100)
	if err != nil {
		t.Fatalf("Bob sending 100 back must succeed: %v", err)
	}
	combined, _ = restored.Combined()
	if combined != 0 {
		t.Fatalf("offdelta after reverse payment: want 0 got %d", combined)
	}
}

func TestApplyDeltaRejectsRcpanViolation(t *testing.T) {
	d := baseDelta()
	d.LeftCreditLimit = 50
	_, err := ApplyDelta(d, Left, 100)
	if err == nil {
		t.Fatalf("expected rcpan violation for amount exceeding left credit limit")
	}
}

func TestApplyDeltaNeverMutatesInputOnRejection(t *testing.T) {
	d := baseDelta()
	d.LeftCreditLimit = 50
	before := d
	if _, err := ApplyDelta(d, Left, 100); err == nil {
		t.Fatalf("expected rejection")
	}
	if d != before {
		t.Fatalf("ApplyDelta must not mutate its input delta")
	}
}

func TestApplyDeltaRejectsNegativeAmount(t *testing.T) {
	d := baseDelta()
	if _, err := ApplyDelta(d, Left, -1); err == nil {
		t.Fatalf("expected rejection of negative transfer amount")
	}
}

func TestComputeCapacityMirrorsSides(t *testing.T) {
	d := baseDelta()
	d.Collateral = 500
	d.RightCreditLimit = 200
	d.LeftCreditLimit = 300
	left, err := ComputeCapacity(d, Left)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if left.MaxReceive != 700 || left.MaxSend != 300 {
		t.Fatalf("left capacity mismatch: %+v", left)
	}
	right, err := ComputeCapacity(d, Right)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if right.MaxReceive != 300 || right.MaxSend != 700 {
		t.Fatalf("right capacity mismatch: %+v", right)
	}
}
