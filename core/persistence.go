package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/merkle"
	"latticenet/rlp"
)

// ---- P1: append-only hash-chained log ----

// LogRecord is one entry in the append-only input log, per spec §4.10:
// a sequence number, a timestamp, the canonically-encoded input, and a
// digest chaining it to the previous record.
type LogRecord struct {
	SequenceNumber uint64
	TimestampMs    int64
	Payload        []byte
	Digest         crypto.Digest
}

func recordFields(seq uint64, ts int64, payload []byte) rlp.Value {
	return rlp.List(rlp.Uint(seq), rlp.Uint(uint64(ts)), rlp.Bytes(payload))
}

// computeRecordDigest chains a record to its predecessor: SHA-256 of the
// record's own canonical field encoding concatenated with the previous
// record's digest.
func computeRecordDigest(seq uint64, ts int64, payload []byte, prev crypto.Digest) crypto.Digest {
	buf := append(rlp.Encode(recordFields(seq, ts, payload)), prev[:]...)
	return crypto.SHA256(buf)
}

// genesisDigest is the chain's root digest before any record exists.
func genesisDigest() crypto.Digest { return crypto.SHA256(nil) }

// Log is an append-only, hash-chained record log backed by a single file.
type Log struct {
	file       *os.File
	lastSeq    uint64
	lastDigest crypto.Digest
}

// OpenLog opens path for appending, creating it if absent. If the file
// already has records, its chain is verified end-to-end before returning
// — a broken chain is reported as ErrCorruptedPersistence.
func OpenLog(path string) (*Log, error) {
	records, err := ReadLog(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("core: open log %s: %w", path, err)
	}
	l := &Log{file: f, lastDigest: genesisDigest()}
	if len(records) > 0 {
		last := records[len(records)-1]
		l.lastSeq = last.SequenceNumber
		l.lastDigest = last.Digest
	}
	return l, nil
}

// Append writes a new record for payload (an already canonically-encoded
// input) and flushes it to disk.
func (l *Log) Append(ts int64, payload []byte) (LogRecord, error) {
	seq := l.lastSeq + 1
	digest := computeRecordDigest(seq, ts, payload, l.lastDigest)
	rec := LogRecord{SequenceNumber: seq, TimestampMs: ts, Payload: payload, Digest: digest}
	if err := writeRecord(l.file, rec); err != nil {
		return LogRecord{}, err
	}
	if err := l.file.Sync(); err != nil {
		return LogRecord{}, fmt.Errorf("core: sync log: %w", err)
	}
	l.lastSeq = seq
	l.lastDigest = digest
	return rec, nil
}

// Close closes the underlying file.
func (l *Log) Close() error { return l.file.Close() }

func writeRecord(w io.Writer, rec LogRecord) error {
	v := rlp.List(
		rlp.Uint(rec.SequenceNumber), rlp.Uint(uint64(rec.TimestampMs)),
		rlp.Bytes(rec.Payload), rlp.Bytes(rec.Digest[:]),
	)
	enc := rlp.Encode(v)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("core: write record length: %w", err)
	}
	if _, err := w.Write(enc); err != nil {
		return fmt.Errorf("core: write record: %w", err)
	}
	return nil
}

func readRecord(r io.Reader) (LogRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return LogRecord{}, err // io.EOF signals clean end of file
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return LogRecord{}, fmt.Errorf("%w: truncated record: %v", xerrors.ErrCorruptedPersistence, err)
	}
	v, err := rlp.Decode(buf)
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: decode record: %v", xerrors.ErrCorruptedPersistence, err)
	}
	if v.Kind != rlp.KindList || len(v.List) != 4 {
		return LogRecord{}, fmt.Errorf("%w: malformed record shape", xerrors.ErrCorruptedPersistence)
	}
	seq, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	ts, err := rlp.DecodeUint(v.List[1])
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	payload := v.List[2].Bytes
	var digest crypto.Digest
	if len(v.List[3].Bytes) != 32 {
		return LogRecord{}, fmt.Errorf("%w: digest is not 32 bytes", xerrors.ErrCorruptedPersistence)
	}
	copy(digest[:], v.List[3].Bytes)
	return LogRecord{SequenceNumber: seq, TimestampMs: int64(ts), Payload: payload, Digest: digest}, nil
}

// ReadLog reads every record in path and verifies the hash chain
// end-to-end, as required on open. A missing file yields an empty,
// valid log (sequence starts at 1 on first Append).
func ReadLog(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("core: open log %s: %w", path, err)
	}
	defer f.Close()

	var records []LogRecord
	prev := genesisDigest()
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		want := computeRecordDigest(rec.SequenceNumber, rec.TimestampMs, rec.Payload, prev)
		if want != rec.Digest {
			return nil, fmt.Errorf("%w: hash chain broken at sequence %d", xerrors.ErrCorruptedPersistence, rec.SequenceNumber)
		}
		records = append(records, rec)
		prev = rec.Digest
	}
	return records, nil
}

// RecordsAfter returns every record whose sequence number exceeds after,
// for replay during recovery.
func RecordsAfter(records []LogRecord, after uint64) []LogRecord {
	var out []LogRecord
	for _, r := range records {
		if r.SequenceNumber > after {
			out = append(out, r)
		}
	}
	return out
}

// ---- P2: whole-server binary snapshot ----

// ReplicaSnapshot is the minimal per-replica state a P2 snapshot persists:
// enough to resume consensus and account processing deterministically.
// Mempools and frame history are diagnostic and are not persisted —
// in-flight mempool entries are expected to be resubmitted by the host
// after recovery, per spec §4.10's replay-from-log recovery model.
type ReplicaSnapshot struct {
	RoutingKey string
	EntityId   EntityId
	SignerId   SignerId
	Height     uint64
	Timestamp  int64
	Reserves   map[TokenId]int64
	Accounts   map[EntityId]AccountSnapshot
}

// AccountSnapshot is the minimal per-counterparty account state.
type AccountSnapshot struct {
	LeftEntity       EntityId
	RightEntity      EntityId
	SelfIsLeft       bool
	State            AccountState
	CooperativeNonce uint64
	CurrentFrame     AccountFrame
	Deltas           map[TokenId]Delta
}

func snapshotReplica(key string, entity EntityId, signer SignerId, s *EntityState) ReplicaSnapshot {
	accounts := make(map[EntityId]AccountSnapshot, len(s.Accounts))
	for cp, m := range s.Accounts {
		accounts[cp] = AccountSnapshot{
			LeftEntity: m.LeftEntity, RightEntity: m.RightEntity, SelfIsLeft: m.SelfIsLeft,
			State: m.State, CooperativeNonce: m.CooperativeNonce,
			CurrentFrame: m.CurrentFrame, Deltas: cloneDeltas(m.Deltas),
		}
	}
	return ReplicaSnapshot{
		RoutingKey: key, EntityId: entity, SignerId: signer,
		Height: s.Height, Timestamp: s.Timestamp,
		Reserves: s.Reserves, Accounts: accounts,
	}
}

// RestoreEntityState rebuilds a live EntityState from a decoded
// ReplicaSnapshot, the left inverse of snapshotReplica. It is the crash
// recovery counterpart to NewEntityState: a host finding a matching
// snapshot on startup restores into this state rather than starting a
// replica from genesis (spec §4.10). PreviousFrameHash is not carried by
// ReplicaSnapshot and comes back zero; the next committed frame still
// chains correctly since every replica derives it the same way.
func RestoreEntityState(rs ReplicaSnapshot, cfg ConsensusConfig) *EntityState {
	s := NewEntityState(rs.EntityId, cfg)
	s.Height = rs.Height
	s.Timestamp = rs.Timestamp
	for tok, amt := range rs.Reserves {
		s.Reserves[tok] = amt
	}
	for cp, as := range rs.Accounts {
		s.Accounts[cp] = &AccountMachine{
			LeftEntity: as.LeftEntity, RightEntity: as.RightEntity, SelfIsLeft: as.SelfIsLeft,
			State: as.State, CooperativeNonce: as.CooperativeNonce, CurrentFrame: as.CurrentFrame,
			Deltas: cloneDeltas(as.Deltas), Locks: make(map[LockId]*HtlcLock), maxHistory: defaultMaxHistory,
		}
	}
	return s
}

// encodeDeltas captures full per-token Delta state (collateral, both
// credit limits and allowances), not just the committed frame's combined
// int64 — encodeFrame's perTokenCombinedDeltas alone is not enough to
// reconstruct ComputeCapacity/ApplyDelta's inputs after a restart.
func encodeDeltas(m map[TokenId]Delta) rlp.Value {
	tokens := sortedTokenIds(m)
	values := make([]rlp.Value, len(tokens))
	for i, t := range tokens {
		d := m[t]
		values[i] = rlp.List(
			rlp.Bytes([]byte(t)),
			rlp.Int(d.Collateral), rlp.Int(d.OnDelta), rlp.Int(d.OffDelta),
			rlp.Int(d.LeftCreditLimit), rlp.Int(d.RightCreditLimit),
			rlp.Int(d.LeftAllowance), rlp.Int(d.RightAllowance),
		)
	}
	return rlp.List(values...)
}

func decodeDeltas(v rlp.Value) (map[TokenId]Delta, error) {
	if v.Kind != rlp.KindList {
		return nil, fmt.Errorf("%w: malformed deltas list", xerrors.ErrCorruptedPersistence)
	}
	out := make(map[TokenId]Delta, len(v.List))
	for _, dv := range v.List {
		if dv.Kind != rlp.KindList || len(dv.List) != 8 {
			return nil, fmt.Errorf("%w: malformed delta entry", xerrors.ErrCorruptedPersistence)
		}
		tok := TokenId(dv.List[0].Bytes)
		collateral, err := rlp.DecodeInt(dv.List[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		onDelta, err := rlp.DecodeInt(dv.List[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		offDelta, err := rlp.DecodeInt(dv.List[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		leftLimit, err := rlp.DecodeInt(dv.List[4])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		rightLimit, err := rlp.DecodeInt(dv.List[5])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		leftAllowance, err := rlp.DecodeInt(dv.List[6])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		rightAllowance, err := rlp.DecodeInt(dv.List[7])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		out[tok] = Delta{
			Collateral: collateral, OnDelta: onDelta, OffDelta: offDelta,
			LeftCreditLimit: leftLimit, RightCreditLimit: rightLimit,
			LeftAllowance: leftAllowance, RightAllowance: rightAllowance,
		}
	}
	return out, nil
}

func encodeReplicaSnapshot(r ReplicaSnapshot) rlp.Value {
	tokens := make([]TokenId, 0, len(r.Reserves))
	for t := range r.Reserves {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	reserveValues := make([]rlp.Value, len(tokens))
	for i, t := range tokens {
		reserveValues[i] = rlp.List(rlp.Bytes([]byte(t)), rlp.Int(r.Reserves[t]))
	}

	cps := make([]EntityId, 0, len(r.Accounts))
	for cp := range r.Accounts {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i] < cps[j] })
	accountValues := make([]rlp.Value, len(cps))
	for i, cp := range cps {
		a := r.Accounts[cp]
		selfLeft := byte(0)
		if a.SelfIsLeft {
			selfLeft = 1
		}
		accountValues[i] = rlp.List(
			rlp.Bytes([]byte(cp)),
			rlp.Bytes([]byte(a.LeftEntity)), rlp.Bytes([]byte(a.RightEntity)),
			rlp.Bytes([]byte{selfLeft}), rlp.Uint(uint64(a.State)), rlp.Uint(a.CooperativeNonce),
			encodeFrame(a.CurrentFrame),
			encodeDeltas(a.Deltas),
		)
	}

	return rlp.List(
		rlp.Bytes([]byte(r.RoutingKey)),
		rlp.Bytes([]byte(r.EntityId)), rlp.Bytes([]byte(r.SignerId)),
		rlp.Uint(r.Height), rlp.Uint(uint64(r.Timestamp)),
		rlp.List(reserveValues...), rlp.List(accountValues...),
	)
}

func hashReplicaSnapshot(r ReplicaSnapshot) crypto.Digest {
	return crypto.SHA256(rlp.Encode(encodeReplicaSnapshot(r)))
}

// Snapshot is a whole-server point-in-time capture, per spec §4.10: server
// height, timestamp, every replica in ascending routing-key order, and a
// state root committing to them.
type Snapshot struct {
	Height    uint64
	Timestamp int64
	Replicas  []ReplicaSnapshot
	StateRoot crypto.Digest
}

// BuildSnapshot captures every replica currently registered with c.
func BuildSnapshot(c *Coordinator) Snapshot {
	var replicas []ReplicaSnapshot
	keys := make([]string, 0, len(c.replicas))
	for key := range c.replicas {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	digests := make([]crypto.Digest, 0, len(keys))
	for _, key := range keys {
		e := c.replicas[key]
		rs := snapshotReplica(key, e.entity, e.signer, e.replica.State)
		replicas = append(replicas, rs)
		digests = append(digests, hashReplicaSnapshot(rs))
	}
	return Snapshot{
		Height: c.Height, Timestamp: c.Timestamp,
		Replicas: replicas, StateRoot: merkle.Root(digests),
	}
}

func encodeSnapshot(s Snapshot) rlp.Value {
	replicaValues := make([]rlp.Value, len(s.Replicas))
	for i, r := range s.Replicas {
		replicaValues[i] = encodeReplicaSnapshot(r)
	}
	return rlp.List(rlp.Uint(s.Height), rlp.Uint(uint64(s.Timestamp)), rlp.List(replicaValues...))
}

// WriteSnapshot writes s to path plus a state root, using write-to-temp
// then rename for atomicity (spec §4.10), and a human-readable textual
// sibling file (path+".txt") for diagnostics only — the binary file is
// the sole authority on recovery.
func WriteSnapshot(path string, s Snapshot) error {
	body := rlp.Encode(encodeSnapshot(s))
	blob := append(body, s.StateRoot[:]...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("core: write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("core: rename snapshot into place: %w", err)
	}

	textPath := path + ".txt"
	text := fmt.Sprintf("height=%d timestamp=%d replicas=%d stateRoot=%x\n",
		s.Height, s.Timestamp, len(s.Replicas), s.StateRoot[:])
	_ = os.WriteFile(textPath, []byte(text), 0o644) // diagnostic only, failure here is not fatal

	return nil
}

// ReadSnapshot reads and verifies a snapshot written by WriteSnapshot. A
// missing file yields the zero Snapshot and ok=false so callers can start
// from genesis. A state-root mismatch — including a partially-written
// file left over from an interrupted write — is ErrCorruptedPersistence.
func ReadSnapshot(path string) (Snapshot, bool, error) {
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("core: read snapshot %s: %w", path, err)
	}
	if len(blob) < 32 {
		return Snapshot{}, false, fmt.Errorf("%w: snapshot shorter than a state root", xerrors.ErrCorruptedPersistence)
	}
	body, rootBytes := blob[:len(blob)-32], blob[len(blob)-32:]
	var root crypto.Digest
	copy(root[:], rootBytes)

	v, err := rlp.Decode(body)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: decode snapshot: %v", xerrors.ErrCorruptedPersistence, err)
	}
	if v.Kind != rlp.KindList || len(v.List) != 3 {
		return Snapshot{}, false, fmt.Errorf("%w: malformed snapshot shape", xerrors.ErrCorruptedPersistence)
	}
	height, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	ts, err := rlp.DecodeUint(v.List[1])
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}

	digests := make([]crypto.Digest, len(v.List[2].List))
	replicas := make([]ReplicaSnapshot, len(v.List[2].List))
	for i, rv := range v.List[2].List {
		rs, digest, err := decodeReplicaSnapshot(rv)
		if err != nil {
			return Snapshot{}, false, err
		}
		replicas[i] = rs
		digests[i] = digest
	}

	recomputedRoot := merkle.Root(digests)
	if recomputedRoot != root {
		return Snapshot{}, false, fmt.Errorf("%w: state root mismatch", xerrors.ErrCorruptedPersistence)
	}

	return Snapshot{Height: height, Timestamp: int64(ts), Replicas: replicas, StateRoot: root}, true, nil
}

func decodeReplicaSnapshot(v rlp.Value) (ReplicaSnapshot, crypto.Digest, error) {
	if v.Kind != rlp.KindList || len(v.List) != 7 {
		return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: malformed replica snapshot", xerrors.ErrCorruptedPersistence)
	}
	routingKey := string(v.List[0].Bytes)
	entity := EntityId(v.List[1].Bytes)
	signer := SignerId(v.List[2].Bytes)
	height, err := rlp.DecodeUint(v.List[3])
	if err != nil {
		return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	ts, err := rlp.DecodeUint(v.List[4])
	if err != nil {
		return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}

	reserves := make(map[TokenId]int64)
	for _, rv := range v.List[5].List {
		if rv.Kind != rlp.KindList || len(rv.List) != 2 {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: malformed reserve entry", xerrors.ErrCorruptedPersistence)
		}
		amount, err := rlp.DecodeInt(rv.List[1])
		if err != nil {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		reserves[TokenId(rv.List[0].Bytes)] = amount
	}

	accounts := make(map[EntityId]AccountSnapshot, len(v.List[6].List))
	for _, av := range v.List[6].List {
		if av.Kind != rlp.KindList || len(av.List) != 8 {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: malformed account snapshot entry", xerrors.ErrCorruptedPersistence)
		}
		cp := EntityId(av.List[0].Bytes)
		if len(av.List[3].Bytes) != 1 {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: malformed selfIsLeft flag", xerrors.ErrCorruptedPersistence)
		}
		state, err := rlp.DecodeUint(av.List[4])
		if err != nil {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		nonce, err := rlp.DecodeUint(av.List[5])
		if err != nil {
			return ReplicaSnapshot{}, crypto.Digest{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		frame, err := decodeFrame(av.List[6])
		if err != nil {
			return ReplicaSnapshot{}, crypto.Digest{}, err
		}
		deltas, err := decodeDeltas(av.List[7])
		if err != nil {
			return ReplicaSnapshot{}, crypto.Digest{}, err
		}
		accounts[cp] = AccountSnapshot{
			LeftEntity: EntityId(av.List[1].Bytes), RightEntity: EntityId(av.List[2].Bytes),
			SelfIsLeft: av.List[3].Bytes[0] == 1, State: AccountState(state),
			CooperativeNonce: nonce, CurrentFrame: frame, Deltas: deltas,
		}
	}

	// The digest is taken directly from the still-canonical decoded value v
	// (RLP decode/encode are exact inverses for canonical input) rather than
	// by re-encoding the reconstructed ReplicaSnapshot, so a digest mismatch
	// can never arise from this function's own reconstruction logic — only
	// from genuine on-disk corruption.
	rs := ReplicaSnapshot{RoutingKey: routingKey, EntityId: entity, SignerId: signer, Height: height, Timestamp: int64(ts), Reserves: reserves, Accounts: accounts}
	return rs, crypto.SHA256(rlp.Encode(v)), nil
}
