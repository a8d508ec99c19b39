package core

import (
	"errors"
	"os"
	"testing"

	"latticenet/internal/testutil"
	"latticenet/internal/xerrors"
)

func TestLogAppendAndVerifyChain(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	path := sb.Path("input.log")
	l, err := OpenLog(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(int64(100+i), []byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("want 3 records got %d", len(records))
	}
	for i, r := range records {
		if r.SequenceNumber != uint64(i+1) {
			t.Fatalf("record %d: want sequence %d got %d", i, i+1, r.SequenceNumber)
		}
	}
}

func TestLogDetectsBrokenChain(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	path := sb.Path("input.log")
	l, err := OpenLog(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(int64(i), []byte("payload")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := ReadLog(path); !errors.Is(err, xerrors.ErrCorruptedPersistence) {
		t.Fatalf("want ErrCorruptedPersistence, got %v", err)
	}
}

func TestRecordsAfterFiltersBySequence(t *testing.T) {
	records := []LogRecord{
		{SequenceNumber: 1}, {SequenceNumber: 2}, {SequenceNumber: 3},
	}
	after := RecordsAfter(records, 1)
	if len(after) != 2 || after[0].SequenceNumber != 2 {
		t.Fatalf("unexpected filtered records: %+v", after)
	}
}

func buildTestCoordinator() *Coordinator {
	c := NewCoordinator()
	cfg := ConsensusConfig{Mode: "bft", Threshold: 1, Validators: []SignerId{"solo"}, Shares: map[SignerId]int64{"solo": 1}, ProposerId: "solo"}
	state := NewEntityState("alice", cfg)
	state.Reserves["USD"] = 500
	replica := NewEntityReplica("solo", true, state, nil)
	c.AddReplica("alice", "solo", replica)
	return c
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	c := buildTestCoordinator()
	c.Height = 7
	c.Timestamp = 1000
	snap := BuildSnapshot(c)

	path := sb.Path("snapshot.bin")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	readBack, ok, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be found")
	}
	if readBack.Height != 7 || readBack.Timestamp != 1000 {
		t.Fatalf("unexpected snapshot header: %+v", readBack)
	}
	if readBack.StateRoot != snap.StateRoot {
		t.Fatalf("state root mismatch after round trip")
	}
	if len(readBack.Replicas) != 1 || readBack.Replicas[0].RoutingKey != "alice:solo" {
		t.Fatalf("unexpected replicas: %+v", readBack.Replicas)
	}
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	c := buildTestCoordinator()
	snap := BuildSnapshot(c)
	path := sb.Path("snapshot.bin")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	blob[0] ^= 0xFF
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, _, err := ReadSnapshot(path); !errors.Is(err, xerrors.ErrCorruptedPersistence) {
		t.Fatalf("want ErrCorruptedPersistence, got %v", err)
	}
}

func TestReadSnapshotMissingFileIsNotFound(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	_, ok, err := ReadSnapshot(sb.Path("does-not-exist.bin"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected not-found for a missing snapshot file")
	}
}

// TestCrashRecoveryReplaysLogSinceSnapshot exercises the replay selection
// of crash recovery: after a snapshot at height 2 is read back, exactly the
// log record appended after it is selected for replay.
func TestCrashRecoveryReplaysLogSinceSnapshot(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	logPath := sb.Path("input.log")
	l, err := OpenLog(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := l.Append(1, []byte("tick-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(2, []byte("tick-2")); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := buildTestCoordinator()
	c.Height = 2
	snap := BuildSnapshot(c)
	snapPath := sb.Path("snapshot.bin")
	if err := WriteSnapshot(snapPath, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if _, err := l.Append(3, []byte("tick-3")); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.Close()

	recovered, ok, err := ReadSnapshot(snapPath)
	if err != nil || !ok {
		t.Fatalf("read snapshot: ok=%v err=%v", ok, err)
	}
	allRecords, err := ReadLog(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	toReplay := RecordsAfter(allRecords, recovered.Height)
	if len(toReplay) != 1 || string(toReplay[0].Payload) != "tick-3" {
		t.Fatalf("expected exactly the post-snapshot record to replay, got %+v", toReplay)
	}
}

// TestRestoreEntityStateRebuildsReservesAndAccounts exercises
// RestoreEntityState, the left inverse of snapshotReplica: a restored
// EntityState must carry forward reserves and per-account deltas exactly,
// since those are what a restart would otherwise silently lose.
func TestRestoreEntityStateRebuildsReservesAndAccounts(t *testing.T) {
	cfg := ConsensusConfig{Mode: "bft", Threshold: 1, Validators: []SignerId{"solo"}, Shares: map[SignerId]int64{"solo": 1}, ProposerId: "solo"}
	state := NewEntityState("alice", cfg)
	state.Height = 4
	state.Timestamp = 777
	state.Reserves["USD"] = 1_000
	state.Accounts["bob"] = &AccountMachine{
		LeftEntity: "alice", RightEntity: "bob", SelfIsLeft: true,
		State: Idle, CooperativeNonce: 3,
		Deltas: map[TokenId]Delta{"USD": {Collateral: 500, OnDelta: 10, LeftCreditLimit: 200}},
		Locks:  make(map[LockId]*HtlcLock), maxHistory: defaultMaxHistory,
	}

	rs := snapshotReplica("alice:solo", "alice", "solo", state)
	restored := RestoreEntityState(rs, cfg)

	if restored.Height != 4 || restored.Timestamp != 777 {
		t.Fatalf("unexpected restored header: height=%d timestamp=%d", restored.Height, restored.Timestamp)
	}
	if restored.Reserves["USD"] != 1_000 {
		t.Fatalf("reserves lost on restore: %+v", restored.Reserves)
	}
	acct, ok := restored.Accounts["bob"]
	if !ok {
		t.Fatalf("account lost on restore")
	}
	if acct.CooperativeNonce != 3 {
		t.Fatalf("cooperativeNonce lost on restore: %d", acct.CooperativeNonce)
	}
	if acct.Deltas["USD"] != (Delta{Collateral: 500, OnDelta: 10, LeftCreditLimit: 200}) {
		t.Fatalf("delta lost on restore: %+v", acct.Deltas["USD"])
	}
}

func TestRoutedMessageEncodeDecodeRoundTrip(t *testing.T) {
	cases := []RoutedMessage{
		{RoutingKey: "alice:solo", Payload: EntityTx{Kind: EntityTxMessage, Message: []byte("hi")}},
		{RoutingKey: "alice:solo", Payload: EntityFrameProposal{
			EntityId: "alice",
			Frame: EntityFrame{
				EntityId: "alice", Height: 1, Timestamp: 1000,
				Txs: []EntityTx{{Kind: EntityTxMessage, Message: []byte("frame-tx")}},
			},
			ProposerSig: []byte("sig"),
		}},
		{RoutingKey: "alice:solo", Payload: Precommit{
			EntityId: "alice", Signer: "solo", Height: 1, Sig: []byte("sig2"),
		}},
		{RoutingKey: "alice:solo", Payload: EntityFrameCommitted{EntityId: "alice", Height: 1}},
	}
	for i, want := range cases {
		encoded, err := EncodeRoutedMessage(want)
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		got, err := DecodeRoutedMessage(encoded)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if got.RoutingKey != want.RoutingKey {
			t.Fatalf("case %d: routing key mismatch: got %q want %q", i, got.RoutingKey, want.RoutingKey)
		}
		switch wp := want.Payload.(type) {
		case EntityTx:
			gp, ok := got.Payload.(EntityTx)
			if !ok || string(gp.Message) != string(wp.Message) {
				t.Fatalf("case %d: entity tx round trip mismatch: %+v", i, got.Payload)
			}
		case EntityFrameProposal:
			gp, ok := got.Payload.(EntityFrameProposal)
			if !ok || gp.Frame.Height != wp.Frame.Height || string(gp.ProposerSig) != string(wp.ProposerSig) {
				t.Fatalf("case %d: proposal round trip mismatch: %+v", i, got.Payload)
			}
		case Precommit:
			gp, ok := got.Payload.(Precommit)
			if !ok || gp.Signer != wp.Signer || string(gp.Sig) != string(wp.Sig) {
				t.Fatalf("case %d: precommit round trip mismatch: %+v", i, got.Payload)
			}
		case EntityFrameCommitted:
			gp, ok := got.Payload.(EntityFrameCommitted)
			if !ok || gp.Height != wp.Height {
				t.Fatalf("case %d: commit notice round trip mismatch: %+v", i, got.Payload)
			}
		}
	}
}
