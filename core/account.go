package core

import (
	"fmt"
	"sort"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
)

// AccountState is one of the three states the bilateral account machine
// cycles through per spec §4.3.
type AccountState uint8

const (
	Idle AccountState = iota
	PendingOutbound
	PendingInbound
)

// RejectedTx pairs a mempool transaction with the reason it was excluded
// from a proposal; it stays in the mempool for a later retry.
type RejectedTx struct {
	Tx  AccountTx
	Err error
}

// AccountMachine is one side's copy of a canonically-keyed bilateral
// account (spec §3). Two AccountMachine values exist per pair — one per
// side — as independent, eventually-convergent copies; they are never
// shared memory.
type AccountMachine struct {
	LeftEntity  EntityId
	RightEntity EntityId
	SelfIsLeft  bool

	State            AccountState
	Mempool          []AccountTx
	CurrentFrame     AccountFrame
	PendingProposal  *AccountFrame
	CooperativeNonce uint64

	Deltas map[TokenId]Delta
	Locks  map[LockId]*HtlcLock

	FrameHistory []AccountFrame
	maxHistory   int

	pendingDeltas map[TokenId]Delta
	pendingLocks  map[LockId]*HtlcLock

	// SelfKey signs this side's proposals and acks; PeerKey verifies the
	// counterparty's, per spec §4.3's signed FrameProposed/FrameAck
	// handshake. A nil SelfKey only means this side's outgoing signatures
	// come back empty; a nil PeerKey makes verifyPeerSig fail closed, since
	// an unconfigured peer key must never silently waive verification.
	SelfKey *crypto.PrivateKey
	PeerKey *crypto.PublicKey
}

const defaultMaxHistory = 64

// OpenAccount creates a new canonically-keyed account machine for one side
// of the (left, right) pair, with an initial per-token delta set. Each
// side calls this independently with its own SelfIsLeft value, its own
// signing key and the counterparty's public key.
func OpenAccount(left, right EntityId, selfIsLeft bool, initial map[TokenId]Delta, selfKey *crypto.PrivateKey, peerKey *crypto.PublicKey) *AccountMachine {
	if right < left {
		left, right = right, left
	}
	deltas := make(map[TokenId]Delta, len(initial))
	for tok, d := range initial {
		deltas[tok] = d
	}
	return &AccountMachine{
		LeftEntity:  left,
		RightEntity: right,
		SelfIsLeft:  selfIsLeft,
		State:       Idle,
		Deltas:      deltas,
		Locks:       make(map[LockId]*HtlcLock),
		maxHistory:  defaultMaxHistory,
		SelfKey:     selfKey,
		PeerKey:     peerKey,
	}
}

// SignStateHash signs h with this machine's own key, for inclusion as a
// FrameProposed.ProposerSig or FrameAck.AckSig. Returns nil if no signing
// key was configured.
func (m *AccountMachine) SignStateHash(h crypto.Digest) []byte {
	if m.SelfKey == nil {
		return nil
	}
	return m.SelfKey.Sign(h)
}

// verifyPeerSig checks sig as the counterparty's signature over h. Spec
// §7: an unconfigured peer key or an invalid signature must abort the
// inbound message rather than silently accept it.
func (m *AccountMachine) verifyPeerSig(h crypto.Digest, sig []byte) error {
	if m.PeerKey == nil {
		return fmt.Errorf("%w: no counterparty public key configured", xerrors.ErrCryptoFailure)
	}
	return crypto.Verify(m.PeerKey, h, sig)
}

// SubmitTx enqueues a transaction in the local mempool for the next
// proposal.
func (m *AccountMachine) SubmitTx(tx AccountTx) {
	m.Mempool = append(m.Mempool, tx)
}

func cloneDeltas(src map[TokenId]Delta) map[TokenId]Delta {
	out := make(map[TokenId]Delta, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneLocks(src map[LockId]*HtlcLock) map[LockId]*HtlcLock {
	out := make(map[LockId]*HtlcLock, len(src))
	for k, v := range src {
		cp := *v
		out[k] = &cp
	}
	return out
}

// applyAccountTx dispatches tx against m's own Deltas/Locks maps (which the
// caller has typically pointed at a clone, not the live state).
func (m *AccountMachine) applyAccountTx(tx AccountTx, height uint64, now int64) error {
	switch tx.Kind {
	case TxTransfer:
		t := tx.Transfer
		delta, ok := m.Deltas[t.Token]
		if !ok {
			return fmt.Errorf("%w: unknown token %s", xerrors.ErrInvariantViolation, t.Token)
		}
		side := Left
		if !t.SenderIsLeft {
			side = Right
		}
		next, err := ApplyDelta(delta, side, t.Amount)
		if err != nil {
			return err
		}
		m.Deltas[t.Token] = next
		return nil
	case TxHtlcLock:
		return m.htlcLock(*tx.HtlcLock, height, now)
	case TxHtlcResolve:
		return m.htlcResolve(tx.HtlcResolve.LockId, tx.HtlcResolve.Outcome, height, now)
	default:
		return fmt.Errorf("core: unknown account tx kind %d", tx.Kind)
	}
}

// touchedToken returns the token a transaction affects, used to build a
// proposal's orderedTokenIds.
func touchedToken(ws *AccountMachine, tx AccountTx) (TokenId, bool) {
	switch tx.Kind {
	case TxTransfer:
		return tx.Transfer.Token, true
	case TxHtlcLock:
		return tx.HtlcLock.Token, true
	case TxHtlcResolve:
		if lock, ok := ws.Locks[tx.HtlcResolve.LockId]; ok {
			return lock.Token, true
		}
		return "", false
	default:
		return "", false
	}
}

// Propose implements spec §4.3's propose(now) algorithm. It tentatively
// applies every mempool transaction against a cloned workspace; accepted
// transactions are drained into a new proposal, rejected ones stay in the
// mempool for a later retry. Returns (nil, nil, nil) if the mempool was
// empty, and (nil, rejected, nil) if every transaction was rejected —
// propose is then a no-op apart from reporting the rejections.
func (m *AccountMachine) Propose(now int64) (*AccountFrame, []RejectedTx, error) {
	if m.State != Idle {
		return nil, nil, fmt.Errorf("core: cannot propose from state %d", m.State)
	}
	if len(m.Mempool) == 0 {
		return nil, nil, nil
	}

	ws := &AccountMachine{Deltas: cloneDeltas(m.Deltas), Locks: cloneLocks(m.Locks)}
	nextHeight := m.CurrentFrame.Height + 1

	var accepted []AccountTx
	var rejected []RejectedTx
	var remaining []AccountTx
	touched := make(map[TokenId]bool)

	for _, tx := range m.Mempool {
		if err := ws.applyAccountTx(tx, nextHeight, now); err != nil {
			rejected = append(rejected, RejectedTx{Tx: tx, Err: err})
			remaining = append(remaining, tx)
			continue
		}
		if tok, ok := touchedToken(ws, tx); ok {
			touched[tok] = true
		}
		accepted = append(accepted, tx)
	}

	if len(accepted) == 0 {
		return nil, rejected, nil
	}

	tokens := make([]TokenId, 0, len(touched))
	for t := range touched {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	combined := make(map[TokenId]int64, len(tokens))
	for _, t := range tokens {
		c, err := ws.Deltas[t].Combined()
		if err != nil {
			return nil, rejected, fmt.Errorf("%w: %v", xerrors.ErrInvariantViolation, err)
		}
		combined[t] = c
	}

	frame := AccountFrame{
		Height:                 nextHeight,
		Timestamp:              now,
		PreviousFrameHash:      m.CurrentFrame.StateHash,
		OrderedTokenIds:        tokens,
		PerTokenCombinedDeltas: combined,
		AccountTxs:             accepted,
	}
	frame.StateHash = hashFrame(frame)

	m.PendingProposal = &frame
	m.pendingDeltas = ws.Deltas
	m.pendingLocks = ws.Locks
	m.Mempool = remaining
	m.CooperativeNonce++
	m.State = PendingOutbound
	return &frame, rejected, nil
}

// requeuePending pushes a discarded own proposal's transactions back to
// the front of the mempool and returns the machine to Idle, undoing the
// cooperativeNonce bump Propose made.
func (m *AccountMachine) requeuePending() {
	if m.PendingProposal != nil {
		m.Mempool = append(append([]AccountTx(nil), m.PendingProposal.AccountTxs...), m.Mempool...)
		m.CooperativeNonce--
	}
	m.PendingProposal = nil
	m.pendingDeltas = nil
	m.pendingLocks = nil
	m.State = Idle
}

// ReceiveProposal validates an incoming proposed frame from the
// counterparty per spec §4.3. On success it locks to the frame (state
// becomes PendingInbound) so the caller can emit a FrameAck; on any
// mismatch it returns an error and leaves the machine's functional state
// unchanged — the abort discipline spec §7 requires.
func (m *AccountMachine) ReceiveProposal(frame AccountFrame, proposerNonce uint64, proposerSig []byte) error {
	baseNonce := m.CooperativeNonce
	yieldOwn := false
	if m.State == PendingOutbound {
		// Simultaneous proposal at the same height: left wins. The right
		// side's own proposal is only discarded once the inbound one has
		// passed every check below.
		if m.SelfIsLeft {
			return fmt.Errorf("%w: local left-side proposal takes precedence", xerrors.ErrReplayOrStale)
		}
		baseNonce--
		yieldOwn = true
	} else if m.State != Idle {
		return fmt.Errorf("core: cannot receive proposal from state %d", m.State)
	}

	if frame.PreviousFrameHash != m.CurrentFrame.StateHash {
		return fmt.Errorf("%w: previousFrameHash does not match our current state", xerrors.ErrInvariantViolation)
	}
	if proposerNonce <= baseNonce {
		return fmt.Errorf("%w: cooperative nonce %d not strictly greater than %d", xerrors.ErrReplayOrStale, proposerNonce, baseNonce)
	}
	if err := m.verifyPeerSig(frame.StateHash, proposerSig); err != nil {
		return fmt.Errorf("proposal signature: %w", err)
	}

	ws := &AccountMachine{Deltas: cloneDeltas(m.Deltas), Locks: cloneLocks(m.Locks)}
	for _, tx := range frame.AccountTxs {
		if err := ws.applyAccountTx(tx, frame.Height, frame.Timestamp); err != nil {
			return fmt.Errorf("%w: re-executing proposed tx: %v", xerrors.ErrInvariantViolation, err)
		}
	}
	for tok, d := range ws.Deltas {
		if !Validate(d) {
			return fmt.Errorf("%w: rcpan violated for token %s after re-execution", xerrors.ErrInvariantViolation, tok)
		}
	}

	recomputed := AccountFrame{
		Height:                 frame.Height,
		Timestamp:              frame.Timestamp,
		PreviousFrameHash:      frame.PreviousFrameHash,
		OrderedTokenIds:        frame.OrderedTokenIds,
		PerTokenCombinedDeltas: frame.PerTokenCombinedDeltas,
		AccountTxs:             frame.AccountTxs,
	}
	if hashFrame(recomputed) != frame.StateHash {
		return fmt.Errorf("%w: recomputed stateHash does not match proposed frame", xerrors.ErrInvariantViolation)
	}

	if yieldOwn {
		m.requeuePending()
	}
	m.PendingProposal = &frame
	m.pendingDeltas = ws.Deltas
	m.pendingLocks = ws.Locks
	m.CooperativeNonce = proposerNonce
	m.State = PendingInbound
	return nil
}

// commitPending finalises whichever frame is locked in PendingProposal:
// it becomes the new currentFrame, the workspace deltas/locks become live,
// and the frame is appended to the bounded history.
func (m *AccountMachine) commitPending() {
	m.CurrentFrame = *m.PendingProposal
	m.Deltas = m.pendingDeltas
	m.Locks = m.pendingLocks
	m.FrameHistory = append(m.FrameHistory, m.CurrentFrame)
	if max := m.maxHistory; max > 0 && len(m.FrameHistory) > max {
		m.FrameHistory = m.FrameHistory[len(m.FrameHistory)-max:]
	}
	m.PendingProposal = nil
	m.pendingDeltas = nil
	m.pendingLocks = nil
	m.State = Idle
}

// ReceiveAck finalises a proposal we made once the counterparty's ack
// matches it exactly: the proposer side's half of spec §4.3's commit step.
func (m *AccountMachine) ReceiveAck(height uint64, stateHash crypto.Digest, ackSig []byte) error {
	if m.State != PendingOutbound || m.PendingProposal == nil {
		return fmt.Errorf("%w: no outbound proposal to ack", xerrors.ErrReplayOrStale)
	}
	if m.PendingProposal.Height != height || m.PendingProposal.StateHash != stateHash {
		return fmt.Errorf("%w: ack does not match our pending proposal", xerrors.ErrInvariantViolation)
	}
	if err := m.verifyPeerSig(stateHash, ackSig); err != nil {
		return fmt.Errorf("ack signature: %w", err)
	}
	m.commitPending()
	return nil
}

// ReceiveCommit finalises a proposal we locked to (via ReceiveProposal)
// once notified the proposer has committed: the ACKer side's half of
// spec §4.3's commit step.
func (m *AccountMachine) ReceiveCommit(height uint64, stateHash crypto.Digest) error {
	if m.State != PendingInbound || m.PendingProposal == nil {
		return fmt.Errorf("%w: no locked proposal to commit", xerrors.ErrReplayOrStale)
	}
	if m.PendingProposal.Height != height || m.PendingProposal.StateHash != stateHash {
		return fmt.Errorf("%w: commit notification does not match our locked proposal", xerrors.ErrInvariantViolation)
	}
	m.commitPending()
	return nil
}
