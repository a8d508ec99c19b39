package core

import (
	"fmt"

	"latticenet/internal/xerrors"
)

// Side identifies which of the two canonically-ordered parties to a
// bilateral account a Delta mutation or capacity query is relative to.
type Side uint8

const (
	Left Side = iota
	Right
)

// Delta is the per-(account, token) solvency state defined in spec §3: a
// collateral amount, the on-chain and off-chain components of the combined
// delta, and each side's credit limit and allowance. RCPAN — the invariant
// −Lₗ ≤ Δ ≤ C+Lᵣ — is enforced by ApplyDelta, never by this struct's zero
// value or field assignment; constructing a Delta directly does not
// validate it.
type Delta struct {
	Collateral       int64
	OnDelta          int64
	OffDelta         int64
	LeftCreditLimit  int64
	RightCreditLimit int64
	LeftAllowance    int64
	RightAllowance   int64
}

// Combined returns Δ = ondelta + offdelta.
func (d Delta) Combined() (int64, error) {
	return addInt64(d.OnDelta, d.OffDelta)
}

// Validate reports whether d currently satisfies RCPAN: −Lₗ ≤ Δ ≤ C+Lᵣ.
// An overflow while computing Δ is itself treated as invalid.
func Validate(d Delta) bool {
	combined, err := d.Combined()
	if err != nil {
		return false
	}
	upper, err := addInt64(d.Collateral, d.RightCreditLimit)
	if err != nil {
		return false
	}
	return combined >= -d.LeftCreditLimit && combined <= upper
}

// Capacity is the capacity projection from one side's perspective: the
// most that side can still receive and send without breaching RCPAN.
type Capacity struct {
	MaxReceive int64
	MaxSend    int64
}

// ComputeCapacity implements spec §3's capacity projection. RCPAN bounds Δ
// to [−Lₗ, C+Lᵣ], so from the left side maxSend is the room left before Δ
// hits its lower bound (Δ+Lₗ) and maxReceive is the room left before Δ hits
// its upper bound (C+Lᵣ−Δ) — sending moves Δ down towards −Lₗ, so maxSend
// shrinks by exactly what was sent. The right side sees the mirror image:
// right sending moves Δ up towards C+Lᵣ, so its maxSend is C+Lᵣ−Δ and its
// maxReceive is Δ+Lₗ.
func ComputeCapacity(d Delta, side Side) (Capacity, error) {
	combined, err := d.Combined()
	if err != nil {
		return Capacity{}, fmt.Errorf("%w: compute combined delta: %v", xerrors.ErrInvariantViolation, err)
	}
	switch side {
	case Left:
		send, err := addInt64(combined, d.LeftCreditLimit)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: maxSend overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		upper, err := addInt64(d.Collateral, d.RightCreditLimit)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: collateral+Lr overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		recv, err := subInt64(upper, combined)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: maxReceive overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		return Capacity{MaxReceive: recv, MaxSend: send}, nil
	case Right:
		upper, err := addInt64(d.Collateral, d.RightCreditLimit)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: collateral+Lr overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		send, err := subInt64(upper, combined)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: maxSend overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		recv, err := addInt64(combined, d.LeftCreditLimit)
		if err != nil {
			return Capacity{}, fmt.Errorf("%w: maxReceive overflow: %v", xerrors.ErrInvariantViolation, err)
		}
		return Capacity{MaxReceive: recv, MaxSend: send}, nil
	default:
		return Capacity{}, fmt.Errorf("core: unknown side %d", side)
	}
}

// ApplyDelta computes the tentative new Δ after a transfer of amount from
// the given side's perspective — side Left sending decreases Δ, side Right
// sending increases Δ — and returns the resulting Delta only if RCPAN still
// holds. A violating mutation is rejected outright: the returned Delta is
// the zero value and d itself is never mutated; callers must not fall back
// to a clamped value on error.
func ApplyDelta(d Delta, side Side, amount int64) (Delta, error) {
	if amount < 0 {
		return Delta{}, fmt.Errorf("%w: negative transfer amount %d", xerrors.ErrInvariantViolation, amount)
	}
	combined, err := d.Combined()
	if err != nil {
		return Delta{}, fmt.Errorf("%w: compute combined delta: %v", xerrors.ErrInvariantViolation, err)
	}
	var shift int64
	switch side {
	case Left:
		shift = -amount
	case Right:
		shift = amount
	default:
		return Delta{}, fmt.Errorf("core: unknown side %d", side)
	}
	newCombined, err := addInt64(combined, shift)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: delta overflow applying %d: %v", xerrors.ErrInvariantViolation, amount, err)
	}
	upper, err := addInt64(d.Collateral, d.RightCreditLimit)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: collateral+Lr overflow: %v", xerrors.ErrInvariantViolation, err)
	}
	if newCombined < -d.LeftCreditLimit || newCombined > upper {
		return Delta{}, fmt.Errorf("%w: rcpan bound exceeded: delta %d outside [%d, %d]",
			xerrors.ErrInvariantViolation, newCombined, -d.LeftCreditLimit, upper)
	}
	next := d
	// Preserve the ondelta/offdelta split by folding the shift entirely
	// into offdelta: ondelta only moves on settlement (§4.9), never on a
	// bilateral account tx.
	newOffDelta, err := addInt64(d.OffDelta, shift)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: offdelta overflow: %v", xerrors.ErrInvariantViolation, err)
	}
	next.OffDelta = newOffDelta
	return next, nil
}

// addInt64 adds two signed 64-bit integers, raising rather than wrapping on
// overflow, per spec §4.2's "overflow must raise, not wrap".
func addInt64(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("int64 addition overflow: %d + %d", a, b)
	}
	return sum, nil
}

// subInt64 subtracts b from a with the same overflow discipline as addInt64.
func subInt64(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, fmt.Errorf("int64 subtraction overflow: %d - %d", a, b)
	}
	return diff, nil
}
