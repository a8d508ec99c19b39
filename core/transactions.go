package core

import (
	"fmt"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/rlp"
)

// AccountTxKind tags the variant carried by an AccountTx, per the design
// note that every transaction is reified as a discriminated union with an
// explicit payload rather than matched on a heterogeneous list.
type AccountTxKind uint8

const (
	TxTransfer AccountTxKind = iota
	TxHtlcLock
	TxHtlcResolve
)

// TransferTx moves amount of a token directly between the two sides of an
// account. SenderIsLeft fixes the sign convention passed to ApplyDelta.
type TransferTx struct {
	Token        TokenId
	Amount       int64
	SenderIsLeft bool
}

// HtlcLockTx reserves amount against the sender side's capacity under a
// hashlock, per spec §4.4.
type HtlcLockTx struct {
	LockId             LockId
	Hashlock           crypto.Digest
	TimelockMs         int64
	RevealBeforeHeight uint64
	Amount             int64
	Token              TokenId
	SenderIsLeft       bool
}

// HtlcResolveTx resolves a previously locked HTLC by secret or by timeout.
type HtlcResolveTx struct {
	LockId  LockId
	Outcome HtlcOutcome
}

// AccountTx is one pending or committed bilateral account transaction.
// Submitter identifies whose mempool it originated from, so a rejected tx
// can report its error back to the right party (spec §4.3 step 2).
type AccountTx struct {
	Kind        AccountTxKind
	Transfer    *TransferTx
	HtlcLock    *HtlcLockTx
	HtlcResolve *HtlcResolveTx
	Submitter   EntityId
}

func encodeAccountTx(tx AccountTx) rlp.Value {
	switch tx.Kind {
	case TxTransfer:
		t := tx.Transfer
		sender := byte(0)
		if t.SenderIsLeft {
			sender = 1
		}
		return rlp.List(
			rlp.Uint(uint64(TxTransfer)),
			rlp.Bytes([]byte(t.Token)),
			rlp.Int(t.Amount),
			rlp.Bytes([]byte{sender}),
		)
	case TxHtlcLock:
		l := tx.HtlcLock
		sender := byte(0)
		if l.SenderIsLeft {
			sender = 1
		}
		return rlp.List(
			rlp.Uint(uint64(TxHtlcLock)),
			rlp.Bytes([]byte(l.LockId)),
			rlp.Bytes(l.Hashlock[:]),
			rlp.Int(l.TimelockMs),
			rlp.Uint(l.RevealBeforeHeight),
			rlp.Int(l.Amount),
			rlp.Bytes([]byte(l.Token)),
			rlp.Bytes([]byte{sender}),
		)
	case TxHtlcResolve:
		r := tx.HtlcResolve
		return rlp.List(
			rlp.Uint(uint64(TxHtlcResolve)),
			rlp.Bytes([]byte(r.LockId)),
			encodeHtlcOutcome(r.Outcome),
		)
	default:
		panic(fmt.Sprintf("core: unknown account tx kind %d", tx.Kind))
	}
}

// decodeAccountTx is the left inverse of encodeAccountTx.
func decodeAccountTx(v rlp.Value) (AccountTx, error) {
	if v.Kind != rlp.KindList || len(v.List) == 0 {
		return AccountTx{}, fmt.Errorf("%w: malformed account tx", xerrors.ErrCorruptedPersistence)
	}
	kind, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return AccountTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	switch AccountTxKind(kind) {
	case TxTransfer:
		if len(v.List) != 4 {
			return AccountTx{}, fmt.Errorf("%w: malformed transfer tx", xerrors.ErrCorruptedPersistence)
		}
		amount, err := rlp.DecodeInt(v.List[2])
		if err != nil {
			return AccountTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		if len(v.List[3].Bytes) != 1 {
			return AccountTx{}, fmt.Errorf("%w: malformed transfer sender flag", xerrors.ErrCorruptedPersistence)
		}
		return AccountTx{Kind: TxTransfer, Transfer: &TransferTx{
			Token: TokenId(v.List[1].Bytes), Amount: amount, SenderIsLeft: v.List[3].Bytes[0] == 1,
		}}, nil
	case TxHtlcLock:
		if len(v.List) != 8 {
			return AccountTx{}, fmt.Errorf("%w: malformed htlc lock tx", xerrors.ErrCorruptedPersistence)
		}
		if len(v.List[2].Bytes) != 32 {
			return AccountTx{}, fmt.Errorf("%w: malformed hashlock", xerrors.ErrCorruptedPersistence)
		}
		var hashlock crypto.Digest
		copy(hashlock[:], v.List[2].Bytes)
		timelock, err := rlp.DecodeInt(v.List[3])
		if err != nil {
			return AccountTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		revealBefore, err := rlp.DecodeUint(v.List[4])
		if err != nil {
			return AccountTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		amount, err := rlp.DecodeInt(v.List[5])
		if err != nil {
			return AccountTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		if len(v.List[7].Bytes) != 1 {
			return AccountTx{}, fmt.Errorf("%w: malformed htlc lock sender flag", xerrors.ErrCorruptedPersistence)
		}
		return AccountTx{Kind: TxHtlcLock, HtlcLock: &HtlcLockTx{
			LockId: LockId(v.List[1].Bytes), Hashlock: hashlock, TimelockMs: timelock,
			RevealBeforeHeight: revealBefore, Amount: amount, Token: TokenId(v.List[6].Bytes),
			SenderIsLeft: v.List[7].Bytes[0] == 1,
		}}, nil
	case TxHtlcResolve:
		if len(v.List) != 3 {
			return AccountTx{}, fmt.Errorf("%w: malformed htlc resolve tx", xerrors.ErrCorruptedPersistence)
		}
		outcome, err := decodeHtlcOutcome(v.List[2])
		if err != nil {
			return AccountTx{}, err
		}
		return AccountTx{Kind: TxHtlcResolve, HtlcResolve: &HtlcResolveTx{
			LockId: LockId(v.List[1].Bytes), Outcome: outcome,
		}}, nil
	default:
		return AccountTx{}, fmt.Errorf("%w: unknown account tx kind %d", xerrors.ErrCorruptedPersistence, kind)
	}
}
