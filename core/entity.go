package core

import (
	"fmt"
	"sort"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/rlp"
)

// EntityState is the per-entity BFT-replicated state, per spec §3.
type EntityState struct {
	EntityId          EntityId
	Height            uint64
	Timestamp         int64
	PreviousFrameHash crypto.Digest
	Reserves          map[TokenId]int64
	Accounts          map[EntityId]*AccountMachine
	Config            ConsensusConfig

	Messages    []string // bounded diagnostic ring buffer, never consulted by consensus
	maxMessages int
}

// NewEntityState constructs a fresh EntityState at height 0.
func NewEntityState(id EntityId, cfg ConsensusConfig) *EntityState {
	return &EntityState{
		EntityId:    id,
		Reserves:    make(map[TokenId]int64),
		Accounts:    make(map[EntityId]*AccountMachine),
		Config:      cfg,
		maxMessages: 256,
	}
}

func cloneAccountMachine(m *AccountMachine) *AccountMachine {
	cp := *m
	cp.Deltas = cloneDeltas(m.Deltas)
	cp.Locks = cloneLocks(m.Locks)
	cp.Mempool = append([]AccountTx(nil), m.Mempool...)
	cp.FrameHistory = append([]AccountFrame(nil), m.FrameHistory...)
	if m.PendingProposal != nil {
		frame := *m.PendingProposal
		cp.PendingProposal = &frame
	}
	if m.pendingDeltas != nil {
		cp.pendingDeltas = cloneDeltas(m.pendingDeltas)
	}
	if m.pendingLocks != nil {
		cp.pendingLocks = cloneLocks(m.pendingLocks)
	}
	return &cp
}

// cloneEntityState deep-clones state so that transaction execution during
// proposal/validation can be rejected wholesale without touching the live
// replica — spec §4.5's "state cloning" requirement.
func cloneEntityState(s *EntityState) *EntityState {
	reserves := make(map[TokenId]int64, len(s.Reserves))
	for k, v := range s.Reserves {
		reserves[k] = v
	}
	accounts := make(map[EntityId]*AccountMachine, len(s.Accounts))
	for k, v := range s.Accounts {
		accounts[k] = cloneAccountMachine(v)
	}
	return &EntityState{
		EntityId:          s.EntityId,
		Height:            s.Height,
		Timestamp:         s.Timestamp,
		PreviousFrameHash: s.PreviousFrameHash,
		Reserves:          reserves,
		Accounts:          accounts,
		Config:            s.Config,
		Messages:          append([]string(nil), s.Messages...),
		maxMessages:       s.maxMessages,
	}
}

func (s *EntityState) recordMessage(m string) {
	s.Messages = append(s.Messages, m)
	if s.maxMessages > 0 && len(s.Messages) > s.maxMessages {
		s.Messages = s.Messages[len(s.Messages)-s.maxMessages:]
	}
}

// EntityFrame is a committed unit of entity (BFT) state, per spec §3/§6.
type EntityFrame struct {
	EntityId          EntityId
	Height            uint64
	Timestamp         int64
	PreviousFrameHash crypto.Digest
	StateHash         crypto.Digest
	Txs               []EntityTx
}

// applyEntityTx executes a single EntityTx against s in place. A message
// tx always succeeds; an account-op tx is dispatched to the named
// counterparty's AccountMachine, which must already be open — an
// account-op against a counterparty with no open account is rejected.
func applyEntityTx(s *EntityState, tx EntityTx, height uint64, now int64) error {
	switch tx.Kind {
	case EntityTxMessage:
		s.recordMessage(string(tx.Message))
		return nil
	case EntityTxAccountOp:
		acc, ok := s.Accounts[tx.Counterparty]
		if !ok {
			return fmt.Errorf("%w: no account open with %s", xerrors.ErrInvariantViolation, tx.Counterparty)
		}
		return acc.applyAccountTx(*tx.AccountTx, height, now)
	default:
		return fmt.Errorf("core: unknown entity tx kind %d", tx.Kind)
	}
}

// encodeEntityState encodes the ordered, hashable shape of a resulting
// EntityState for a candidate frame: reserves and accounts MUST be
// iterated in ascending key order at every hashing boundary (spec §4.5,
// §9) so two replicas executing the same transactions against the same
// prior state always produce an identical stateHash.
func encodeEntityState(s *EntityState, height uint64, timestamp int64, previousFrameHash crypto.Digest, txs []EntityTx) rlp.Value {
	tokens := make([]TokenId, 0, len(s.Reserves))
	for t := range s.Reserves {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	reserveValues := make([]rlp.Value, len(tokens))
	for i, t := range tokens {
		reserveValues[i] = rlp.List(rlp.Bytes([]byte(t)), rlp.Int(s.Reserves[t]))
	}

	counterparties := make([]EntityId, 0, len(s.Accounts))
	for c := range s.Accounts {
		counterparties = append(counterparties, c)
	}
	sort.Slice(counterparties, func(i, j int) bool { return counterparties[i] < counterparties[j] })
	accountValues := make([]rlp.Value, len(counterparties))
	for i, c := range counterparties {
		sh := s.Accounts[c].CurrentFrame.StateHash
		accountValues[i] = rlp.List(rlp.Bytes([]byte(c)), rlp.Bytes(sh[:]))
	}

	txValues := make([]rlp.Value, len(txs))
	for i, tx := range txs {
		txValues[i] = encodeEntityTx(tx)
	}

	return rlp.List(
		rlp.Bytes([]byte(s.EntityId)),
		rlp.Uint(height),
		rlp.Uint(uint64(timestamp)),
		rlp.Bytes(previousFrameHash[:]),
		rlp.List(reserveValues...),
		rlp.List(accountValues...),
		rlp.List(txValues...),
	)
}

func hashEntityState(s *EntityState, height uint64, timestamp int64, previousFrameHash crypto.Digest, txs []EntityTx) crypto.Digest {
	return crypto.SHA256(rlp.Encode(encodeEntityState(s, height, timestamp, previousFrameHash, txs)))
}

// ReplicaPhase names the four BFT replica states from spec §4.5.
type ReplicaPhase uint8

const (
	PhaseIdle ReplicaPhase = iota
	PhaseProposed
	PhaseLocked
	PhaseCommitted
)

// EntityReplica is one (entityId, signerId) replica, per spec §3.
type EntityReplica struct {
	SignerId   SignerId
	IsProposer bool
	State      *EntityState

	Mempool []EntityTx
	Phase   ReplicaPhase

	// Proposer-only: the candidate frame awaiting precommits, and the
	// resulting state it was computed against.
	Proposal      *EntityFrame
	proposalState *EntityState
	precommits    map[SignerId]bool

	// Validator-only: the frame this replica has safety-locked onto.
	LockedFrame *EntityFrame
	lockedState *EntityState

	// Key signs this replica's proposals and precommits. A replica
	// constructed without one (Key == nil) can still follow consensus but
	// never produces a signature other replicas will accept.
	Key *crypto.PrivateKey
}

// NewEntityReplica constructs a replica for one signer of an entity.
func NewEntityReplica(signer SignerId, isProposer bool, state *EntityState, key *crypto.PrivateKey) *EntityReplica {
	return &EntityReplica{
		SignerId:   signer,
		IsProposer: isProposer,
		State:      state,
		precommits: make(map[SignerId]bool),
		Key:        key,
	}
}

// sign produces this replica's signature over a state hash, for carrying
// in an EntityFrameProposal or Precommit. It returns nil if the replica
// holds no signing key.
func (r *EntityReplica) sign(h crypto.Digest) []byte {
	if r.Key == nil {
		return nil
	}
	return r.Key.Sign(h)
}

// verifyFrom checks sig as signer's signature over h, using the public
// key ConsensusConfig binds to that signer. Spec §7: an unrecognised
// signer or an invalid signature must abort the inbound message rather
// than silently accept it.
func (r *EntityReplica) verifyFrom(signer SignerId, h crypto.Digest, sig []byte) error {
	key, ok := r.State.Config.ValidatorKeys[signer]
	if !ok || key == nil {
		return fmt.Errorf("%w: no public key configured for signer %s", xerrors.ErrCryptoFailure, signer)
	}
	if err := crypto.Verify(key, h, sig); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCryptoFailure, err)
	}
	return nil
}

// SubmitTx enqueues a transaction in this replica's mempool.
func (r *EntityReplica) SubmitTx(tx EntityTx) {
	r.Mempool = append(r.Mempool, tx)
}

// buildFrame clones State, tentatively applies every mempool transaction
// (rejecting and retaining individually-failing ones, mirroring C2's
// propose algorithm), and returns the resulting candidate frame plus the
// state it was computed against.
func (r *EntityReplica) buildFrame(now int64) (*EntityFrame, *EntityState, []RejectedEntityTx, error) {
	if len(r.Mempool) == 0 {
		return nil, nil, nil, nil
	}
	clone := cloneEntityState(r.State)
	nextHeight := r.State.Height + 1

	var accepted []EntityTx
	var rejected []RejectedEntityTx
	var remaining []EntityTx
	for _, tx := range r.Mempool {
		if err := applyEntityTx(clone, tx, nextHeight, now); err != nil {
			rejected = append(rejected, RejectedEntityTx{Tx: tx, Err: err})
			remaining = append(remaining, tx)
			continue
		}
		accepted = append(accepted, tx)
	}
	if len(accepted) == 0 {
		return nil, nil, rejected, nil
	}

	frame := &EntityFrame{
		EntityId:          r.State.EntityId,
		Height:            nextHeight,
		Timestamp:         now,
		PreviousFrameHash: r.State.PreviousFrameHash,
		Txs:               accepted,
	}
	frame.StateHash = hashEntityState(clone, frame.Height, frame.Timestamp, frame.PreviousFrameHash, frame.Txs)
	r.Mempool = remaining
	return frame, clone, rejected, nil
}

// RejectedEntityTx pairs a mempool entity transaction with the reason it
// was excluded from a frame.
type RejectedEntityTx struct {
	Tx  EntityTx
	Err error
}

// ProposeFastPath implements spec §4.5's single-signer fast path: the lone
// proposer validates and commits its mempool directly, in one step.
func (r *EntityReplica) ProposeFastPath(now int64) (*EntityFrame, error) {
	if r.State.Config.Threshold != 1 {
		return nil, fmt.Errorf("core: fast path requires threshold == 1, got %d", r.State.Config.Threshold)
	}
	frame, state, _, err := r.buildFrame(now)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}
	r.commit(frame, state)
	return frame, nil
}

// Propose implements the proposer's half of the quorum path: it builds a
// candidate frame, enters Proposed, and self-precommits.
func (r *EntityReplica) Propose(now int64) (*EntityFrame, error) {
	if !r.IsProposer {
		return nil, fmt.Errorf("core: only the proposer may call Propose")
	}
	if r.Phase != PhaseIdle {
		return nil, fmt.Errorf("core: cannot propose from phase %d", r.Phase)
	}
	frame, state, _, err := r.buildFrame(now)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}
	r.Proposal = frame
	r.proposalState = state
	r.precommits = map[SignerId]bool{r.SignerId: true}
	r.Phase = PhaseProposed
	return frame, nil
}

// ReceiveProposal validates an incoming entity frame proposal (a
// non-proposer validator's half of spec §4.5 step 3). On success the
// replica locks onto the frame; once locked it MUST NOT subsequently lock
// onto a different frame at the same height (the safety-lock rule).
func (r *EntityReplica) ReceiveProposal(frame EntityFrame, proposerSig []byte) error {
	if r.Phase == PhaseLocked && r.LockedFrame.Height == frame.Height && r.LockedFrame.StateHash != frame.StateHash {
		return fmt.Errorf("%w: already locked on a different frame at height %d", xerrors.ErrInvariantViolation, frame.Height)
	}
	if frame.Height != r.State.Height+1 {
		return fmt.Errorf("%w: proposal height %d does not follow %d", xerrors.ErrReplayOrStale, frame.Height, r.State.Height)
	}
	if frame.PreviousFrameHash != r.State.PreviousFrameHash {
		return fmt.Errorf("%w: previousFrameHash does not match our current state", xerrors.ErrInvariantViolation)
	}
	if err := r.verifyFrom(r.State.Config.ProposerId, frame.StateHash, proposerSig); err != nil {
		return fmt.Errorf("proposal signature: %w", err)
	}
	clone := cloneEntityState(r.State)
	for _, tx := range frame.Txs {
		if err := applyEntityTx(clone, tx, frame.Height, frame.Timestamp); err != nil {
			return fmt.Errorf("%w: re-executing proposed entity tx: %v", xerrors.ErrInvariantViolation, err)
		}
	}
	stateHash := hashEntityState(clone, frame.Height, frame.Timestamp, frame.PreviousFrameHash, frame.Txs)
	if stateHash != frame.StateHash {
		return fmt.Errorf("%w: recomputed stateHash does not match proposed frame", xerrors.ErrInvariantViolation)
	}
	r.LockedFrame = &frame
	r.lockedState = clone
	r.Phase = PhaseLocked
	return nil
}

// ReceivePrecommit records a validator's precommit on the proposer's
// current proposal. It returns committed=true once quorum power is
// reached, at which point the proposer's state has already advanced.
func (r *EntityReplica) ReceivePrecommit(signer SignerId, height uint64, stateHash crypto.Digest, sig []byte) (committed bool, err error) {
	if r.Proposal == nil || r.Proposal.Height != height || r.Proposal.StateHash != stateHash {
		return false, fmt.Errorf("%w: precommit does not match current proposal", xerrors.ErrReplayOrStale)
	}
	if err := r.verifyFrom(signer, stateHash, sig); err != nil {
		return false, fmt.Errorf("precommit signature: %w", err)
	}
	r.precommits[signer] = true
	if !QuorumReached(r.precommits, r.State.Config) {
		return false, nil
	}
	r.commit(r.Proposal, r.proposalState)
	return true, nil
}

// ReceiveCommitted advances a non-proposer validator once notified that
// its locked frame reached quorum and committed elsewhere.
func (r *EntityReplica) ReceiveCommitted(height uint64, stateHash crypto.Digest) error {
	if r.Phase != PhaseLocked || r.LockedFrame == nil || r.LockedFrame.Height != height || r.LockedFrame.StateHash != stateHash {
		return fmt.Errorf("%w: commit notification does not match our locked frame", xerrors.ErrReplayOrStale)
	}
	r.commit(r.LockedFrame, r.lockedState)
	return nil
}

// commit finalises frame as the replica's new state: height/timestamp/
// previousFrameHash advance, the pre-computed resulting state becomes
// live, and proposal/lock bookkeeping clears.
func (r *EntityReplica) commit(frame *EntityFrame, resultingState *EntityState) {
	resultingState.Height = frame.Height
	resultingState.Timestamp = frame.Timestamp
	resultingState.PreviousFrameHash = frame.StateHash
	r.State = resultingState
	r.Proposal = nil
	r.proposalState = nil
	r.LockedFrame = nil
	r.lockedState = nil
	r.precommits = make(map[SignerId]bool)
	r.Phase = PhaseIdle
}
