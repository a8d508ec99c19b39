package core

import (
	"bytes"
	"fmt"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/rlp"
)

// MinDelta is the per-hop timelock spacing used by DeriveHopTimelocks
// (spec §4.4's multi-hop derivation): T − (n−i−1)·MinDelta.
const MinDelta int64 = 1000 // milliseconds

// HtlcOutcomeKind tags the two ways an HtlcLock can resolve.
type HtlcOutcomeKind uint8

const (
	OutcomeSecret HtlcOutcomeKind = iota
	OutcomeTimeout
)

// HtlcOutcome is the tagged union C3 resolves a lock with. It is
// deliberately left extensible — per spec.md's open question, a future
// subcontract (limit order, delta transformer) is expected to add a case
// here rather than touch the account machine itself.
type HtlcOutcome struct {
	Kind     HtlcOutcomeKind
	Preimage []byte // only set for OutcomeSecret
}

func encodeHtlcOutcome(o HtlcOutcome) rlp.Value {
	return rlp.List(rlp.Uint(uint64(o.Kind)), rlp.Bytes(o.Preimage))
}

// decodeHtlcOutcome is the left inverse of encodeHtlcOutcome.
func decodeHtlcOutcome(v rlp.Value) (HtlcOutcome, error) {
	if v.Kind != rlp.KindList || len(v.List) != 2 {
		return HtlcOutcome{}, fmt.Errorf("%w: malformed htlc outcome", xerrors.ErrCorruptedPersistence)
	}
	kind, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return HtlcOutcome{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	return HtlcOutcome{Kind: HtlcOutcomeKind(kind), Preimage: append([]byte(nil), v.List[1].Bytes...)}, nil
}

// HtlcLock is the data record for one in-flight hashlocked hold, per
// spec §3. A lock is reserved against the sender side's capacity as an
// out-of-band hold, not a mutation of Δ — Δ only moves on resolution.
type HtlcLock struct {
	LockId             LockId
	Hashlock           crypto.Digest
	TimelockMs         int64
	RevealBeforeHeight uint64
	Amount             int64
	Token              TokenId
	SenderIsLeft       bool
	CreatedHeight      uint64
	CreatedTimestamp   int64
	Resolved           bool
}

// DeriveHopTimelocks computes the per-hop timelock for a route of n hops
// given a base timelock T, so hop i (zero-indexed from the sender) expires
// at T − (n−i−1)·MinDelta: earlier hops expire sooner, preventing a
// griefing intermediary from stalling with the longest-lived hold.
func DeriveHopTimelocks(baseTimelockMs int64, hops int) []int64 {
	out := make([]int64, hops)
	for i := 0; i < hops; i++ {
		out[i] = baseTimelockMs - int64(hops-i-1)*MinDelta
	}
	return out
}

// htlcLock reserves amount against the sender side's capacity and records
// a new HtlcLock. It does not mutate any Delta. Duplicate lock ids are
// rejected.
func (m *AccountMachine) htlcLock(l HtlcLockTx, height uint64, now int64) error {
	if _, exists := m.Locks[l.LockId]; exists {
		return fmt.Errorf("%w: duplicate lock id %s", xerrors.ErrInvariantViolation, l.LockId)
	}
	delta, ok := m.Deltas[l.Token]
	if !ok {
		return fmt.Errorf("%w: unknown token %s", xerrors.ErrInvariantViolation, l.Token)
	}
	side := Left
	if !l.SenderIsLeft {
		side = Right
	}
	capacity, err := ComputeCapacity(delta, side)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrInvariantViolation, err)
	}
	if l.Amount > capacity.MaxSend-m.heldAmount(l.Token, l.SenderIsLeft) {
		return fmt.Errorf("%w: htlc lock %d exceeds remaining sendable capacity", xerrors.ErrInvariantViolation, l.Amount)
	}
	m.Locks[l.LockId] = &HtlcLock{
		LockId:             l.LockId,
		Hashlock:           l.Hashlock,
		TimelockMs:         l.TimelockMs,
		RevealBeforeHeight: l.RevealBeforeHeight,
		Amount:             l.Amount,
		Token:              l.Token,
		SenderIsLeft:       l.SenderIsLeft,
		CreatedHeight:      height,
		CreatedTimestamp:   now,
	}
	return nil
}

// heldAmount sums the amounts currently held by unresolved locks sent by
// the given side for a token, so a new lock cannot over-commit capacity
// already promised to an earlier one.
func (m *AccountMachine) heldAmount(token TokenId, senderIsLeft bool) int64 {
	var total int64
	for _, l := range m.Locks {
		if !l.Resolved && l.Token == token && l.SenderIsLeft == senderIsLeft {
			total += l.Amount
		}
	}
	return total
}

// htlcResolve resolves lockId exactly once, either by revealing the correct
// preimage before its deadlines or by timeout after them. A successful
// Secret resolution shifts Δ permanently toward the receiver; Timeout
// releases the hold without mutating Δ.
func (m *AccountMachine) htlcResolve(lockId LockId, outcome HtlcOutcome, height uint64, now int64) error {
	lock, ok := m.Locks[lockId]
	if !ok {
		return fmt.Errorf("%w: unknown lock id %s", xerrors.ErrInvariantViolation, lockId)
	}
	if lock.Resolved {
		return fmt.Errorf("%w: lock %s already resolved", xerrors.ErrInvariantViolation, lockId)
	}
	switch outcome.Kind {
	case OutcomeSecret:
		digest := crypto.SHA256(outcome.Preimage)
		if !bytes.Equal(digest[:], lock.Hashlock[:]) {
			return fmt.Errorf("%w: preimage does not match hashlock", xerrors.ErrCryptoFailure)
		}
		if now > lock.TimelockMs || height > lock.RevealBeforeHeight {
			return fmt.Errorf("%w: secret revealed past timelock or reveal height", xerrors.ErrInvariantViolation)
		}
		delta := m.Deltas[lock.Token]
		side := Left
		if !lock.SenderIsLeft {
			side = Right
		}
		next, err := ApplyDelta(delta, side, lock.Amount)
		if err != nil {
			return fmt.Errorf("%w: resolving secret: %v", xerrors.ErrInvariantViolation, err)
		}
		m.Deltas[lock.Token] = next
	case OutcomeTimeout:
		if !(now > lock.TimelockMs || height > lock.RevealBeforeHeight) {
			return fmt.Errorf("%w: timeout claimed before expiry", xerrors.ErrInvariantViolation)
		}
		// No Δ mutation: the hold is simply released back to the sender.
	default:
		return fmt.Errorf("core: unknown htlc outcome kind %d", outcome.Kind)
	}
	lock.Resolved = true
	return nil
}
