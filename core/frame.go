package core

import (
	"fmt"
	"sort"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/rlp"
)

// AccountFrame is a committed unit of bilateral account state, per spec
// §3/§6. Frames chain by previousFrameHash == prior.stateHash; heights
// strictly increase.
type AccountFrame struct {
	Height                 uint64
	Timestamp              int64
	PreviousFrameHash      crypto.Digest
	StateHash              crypto.Digest
	OrderedTokenIds        []TokenId
	PerTokenCombinedDeltas map[TokenId]int64
	AccountTxs             []AccountTx
}

// encodeFrame produces the canonical byte-list encoding spec §6 pins down
// bit-exact: [height, timestamp, previousFrameHash, [sorted tokenIds],
// [combined deltas in the same order], [encoded accountTxs]]. Token ids
// are re-sorted here rather than trusted from OrderedTokenIds, so two
// frames built from the same logical content hash identically regardless
// of map iteration order upstream.
func encodeFrame(f AccountFrame) rlp.Value {
	tokens := append([]TokenId(nil), f.OrderedTokenIds...)
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	tokenValues := make([]rlp.Value, len(tokens))
	deltaValues := make([]rlp.Value, len(tokens))
	for i, tok := range tokens {
		tokenValues[i] = rlp.Bytes([]byte(tok))
		deltaValues[i] = rlp.Int(f.PerTokenCombinedDeltas[tok])
	}

	txValues := make([]rlp.Value, len(f.AccountTxs))
	for i, tx := range f.AccountTxs {
		txValues[i] = encodeAccountTx(tx)
	}

	return rlp.List(
		rlp.Uint(f.Height),
		rlp.Uint(uint64(f.Timestamp)),
		rlp.Bytes(f.PreviousFrameHash[:]),
		rlp.List(tokenValues...),
		rlp.List(deltaValues...),
		rlp.List(txValues...),
	)
}

// hashFrame computes the frame's stateHash: the digest of its canonical
// encoding.
func hashFrame(f AccountFrame) crypto.Digest {
	return crypto.SHA256(rlp.Encode(encodeFrame(f)))
}

// decodeFrame is the left inverse of encodeFrame. encodeFrame never writes
// StateHash (it is derived, not stored), so decodeFrame recomputes it via
// hashFrame once the rest of the frame is reconstructed — except at height
// 0, the pristine not-yet-committed frame every account starts at, whose
// stateHash is the zero digest for the account's entire life (Propose only
// ever hashes frames it builds at height ≥ 1).
func decodeFrame(v rlp.Value) (AccountFrame, error) {
	if v.Kind != rlp.KindList || len(v.List) != 6 {
		return AccountFrame{}, fmt.Errorf("%w: malformed frame", xerrors.ErrCorruptedPersistence)
	}
	height, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return AccountFrame{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	ts, err := rlp.DecodeUint(v.List[1])
	if err != nil {
		return AccountFrame{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	if v.List[2].Kind != rlp.KindBytes || len(v.List[2].Bytes) != 32 {
		return AccountFrame{}, fmt.Errorf("%w: malformed previousFrameHash", xerrors.ErrCorruptedPersistence)
	}
	var prevHash crypto.Digest
	copy(prevHash[:], v.List[2].Bytes)

	tokensV, deltasV := v.List[3].List, v.List[4].List
	if len(tokensV) != len(deltasV) {
		return AccountFrame{}, fmt.Errorf("%w: frame token/delta length mismatch", xerrors.ErrCorruptedPersistence)
	}
	tokens := make([]TokenId, len(tokensV))
	combined := make(map[TokenId]int64, len(tokensV))
	for i := range tokensV {
		tok := TokenId(tokensV[i].Bytes)
		amount, err := rlp.DecodeInt(deltasV[i])
		if err != nil {
			return AccountFrame{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		tokens[i] = tok
		combined[tok] = amount
	}

	txs := make([]AccountTx, len(v.List[5].List))
	for i, txv := range v.List[5].List {
		tx, err := decodeAccountTx(txv)
		if err != nil {
			return AccountFrame{}, err
		}
		txs[i] = tx
	}

	f := AccountFrame{
		Height: height, Timestamp: int64(ts), PreviousFrameHash: prevHash,
		OrderedTokenIds: tokens, PerTokenCombinedDeltas: combined, AccountTxs: txs,
	}
	if height > 0 {
		f.StateHash = hashFrame(f)
	}
	return f, nil
}

// sortedTokenIds returns the token ids touched by a delta map in ascending
// order — the ordered-map-iteration discipline spec §4.5/§9 require at
// every hashing boundary.
func sortedTokenIds(m map[TokenId]Delta) []TokenId {
	out := make([]TokenId, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
