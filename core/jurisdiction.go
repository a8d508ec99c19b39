package core

import (
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"latticenet/internal/xerrors"
)

// SettlementDiff is one per-token adjustment the core asks the
// jurisdiction adapter to apply on settlement, per spec §4.9. It MUST
// satisfy the conservation law LeftDiff + RightDiff + CollateralDiff = 0.
type SettlementDiff struct {
	Token          TokenId
	LeftDiff       int64
	RightDiff      int64
	CollateralDiff int64
	OnDeltaDiff    int64
}

// conserves reports whether d satisfies the conservation law.
func (d SettlementDiff) conserves() bool {
	return d.LeftDiff+d.RightDiff+d.CollateralDiff == 0
}

// JurisdictionAdapter is the narrow boundary the core requires of the
// external settlement layer (spec §4.9, §6). The concrete EVM
// implementation is out of scope; this interface is the only contact
// point.
type JurisdictionAdapter interface {
	RegisterEntity(entity EntityId, boardDigest []byte) (ordinal uint64, err error)
	GetReserve(entity EntityId, token TokenId) (int64, error)
	UpdateReserve(entity EntityId, token TokenId, signedDelta int64) error
	ProcessSettlement(left, right EntityId, diffs []SettlementDiff) (receiptId string, err error)
}

// MockAdapter is an in-memory JurisdictionAdapter used by tests: a
// mutex-guarded reserve map with a defensive conservation
// check at the boundary. The core is already expected to never submit a
// violating diff (C1/C2 enforce RCPAN before any diff is built) — this is
// defense in depth at the adapter seam, not a replacement for that.
type MockAdapter struct {
	mu       sync.Mutex
	ordinals map[EntityId]uint64
	reserves map[EntityId]map[TokenId]int64
	next     uint64
	receipts uint64
}

// NewMockAdapter creates an empty in-memory adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		ordinals: make(map[EntityId]uint64),
		reserves: make(map[EntityId]map[TokenId]int64),
	}
}

func (a *MockAdapter) RegisterEntity(entity EntityId, boardDigest []byte) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ord, ok := a.ordinals[entity]; ok {
		return ord, nil
	}
	a.next++
	a.ordinals[entity] = a.next
	a.reserves[entity] = make(map[TokenId]int64)
	return a.next, nil
}

func (a *MockAdapter) GetReserve(entity EntityId, token TokenId) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byToken, ok := a.reserves[entity]
	if !ok {
		return 0, fmt.Errorf("%w: entity %s not registered", xerrors.ErrAdapterFailure, entity)
	}
	return byToken[token], nil
}

func (a *MockAdapter) UpdateReserve(entity EntityId, token TokenId, signedDelta int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byToken, ok := a.reserves[entity]
	if !ok {
		return fmt.Errorf("%w: entity %s not registered", xerrors.ErrAdapterFailure, entity)
	}
	next := byToken[token] + signedDelta
	if next < 0 {
		return fmt.Errorf("%w: insufficient reserve for %s/%s", xerrors.ErrAdapterFailure, entity, token)
	}
	byToken[token] = next
	return nil
}

func (a *MockAdapter) ProcessSettlement(left, right EntityId, diffs []SettlementDiff) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	leftReserves, ok := a.reserves[left]
	if !ok {
		return "", fmt.Errorf("%w: left entity %s not registered", xerrors.ErrAdapterFailure, left)
	}
	rightReserves, ok := a.reserves[right]
	if !ok {
		return "", fmt.Errorf("%w: right entity %s not registered", xerrors.ErrAdapterFailure, right)
	}
	for _, d := range diffs {
		if !d.conserves() {
			return "", fmt.Errorf("%w: settlement diff for %s violates conservation law", xerrors.ErrInvariantViolation, d.Token)
		}
	}
	// Apply only after every diff is individually validated, so a
	// mid-batch failure never leaves reserves half-updated.
	next := make(map[TokenId][2]int64, len(diffs))
	for _, d := range diffs {
		cur, ok := next[d.Token]
		if !ok {
			cur = [2]int64{leftReserves[d.Token], rightReserves[d.Token]}
		}
		cur[0] += d.LeftDiff
		cur[1] += d.RightDiff
		if cur[0] < 0 || cur[1] < 0 {
			return "", fmt.Errorf("%w: settlement would drive reserve negative for token %s", xerrors.ErrAdapterFailure, d.Token)
		}
		next[d.Token] = cur
	}
	for tok, v := range next {
		leftReserves[tok] = v[0]
		rightReserves[tok] = v[1]
	}
	a.receipts++
	return base58.Encode([]byte(fmt.Sprintf("receipt-%d", a.receipts))), nil
}

// BuildSettlementDiffs translates a committed bilateral delta change into
// conservation-preserving diffs, per spec §4.9. Only collateral movements
// touch on-chain reserves — a purely off-chain delta shift (ondelta
// unchanged, collateral unchanged) settles nothing and produces no diff.
// A collateral increase is funded from the left entity's reserve, so
// leftDiff and collateralDiff are always exact negatives and the
// conservation law holds by construction.
func BuildSettlementDiffs(before, after map[TokenId]Delta) ([]SettlementDiff, error) {
	tokens := sortedTokenIds(after)
	diffs := make([]SettlementDiff, 0, len(tokens))
	for _, tok := range tokens {
		collateralDiff := after[tok].Collateral - before[tok].Collateral
		onDeltaDiff := after[tok].OnDelta - before[tok].OnDelta
		if collateralDiff == 0 && onDeltaDiff == 0 {
			continue
		}
		d := SettlementDiff{
			Token:          tok,
			LeftDiff:       -collateralDiff,
			RightDiff:      0,
			CollateralDiff: collateralDiff,
			OnDeltaDiff:    onDeltaDiff,
		}
		if !d.conserves() {
			return nil, fmt.Errorf("%w: built diff for %s fails conservation check", xerrors.ErrInvariantViolation, tok)
		}
		diffs = append(diffs, d)
	}
	return diffs, nil
}
