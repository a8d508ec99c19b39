package core

import (
	"fmt"

	"latticenet/crypto"
	"latticenet/internal/xerrors"
	"latticenet/rlp"
)

// EntityTxKind tags the variant carried by an EntityTx.
type EntityTxKind uint8

const (
	// EntityTxMessage carries an opaque application payload with no
	// effect on reserves or accounts beyond being recorded in the
	// committed frame — used by the literal "message" scenario in
	// spec §8's 3-of-3 BFT test.
	EntityTxMessage EntityTxKind = iota
	// EntityTxAccountOp addresses a bilateral AccountTx at a specific
	// counterparty's AccountMachine.
	EntityTxAccountOp
)

// EntityTx is one transaction an entity replica commits, reified as a
// discriminated union per the design note in spec §9.
type EntityTx struct {
	Kind         EntityTxKind
	Message      []byte
	Counterparty EntityId
	AccountTx    *AccountTx
}

func encodeEntityTx(tx EntityTx) rlp.Value {
	switch tx.Kind {
	case EntityTxMessage:
		return rlp.List(rlp.Uint(uint64(EntityTxMessage)), rlp.Bytes(tx.Message))
	case EntityTxAccountOp:
		return rlp.List(
			rlp.Uint(uint64(EntityTxAccountOp)),
			rlp.Bytes([]byte(tx.Counterparty)),
			encodeAccountTx(*tx.AccountTx),
		)
	default:
		return rlp.List(rlp.Uint(uint64(tx.Kind)))
	}
}

// decodeEntityTx is the left inverse of encodeEntityTx.
func decodeEntityTx(v rlp.Value) (EntityTx, error) {
	if v.Kind != rlp.KindList || len(v.List) == 0 {
		return EntityTx{}, fmt.Errorf("%w: malformed entity tx", xerrors.ErrCorruptedPersistence)
	}
	kind, err := rlp.DecodeUint(v.List[0])
	if err != nil {
		return EntityTx{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	switch EntityTxKind(kind) {
	case EntityTxMessage:
		if len(v.List) != 2 {
			return EntityTx{}, fmt.Errorf("%w: malformed message tx", xerrors.ErrCorruptedPersistence)
		}
		return EntityTx{Kind: EntityTxMessage, Message: append([]byte(nil), v.List[1].Bytes...)}, nil
	case EntityTxAccountOp:
		if len(v.List) != 3 {
			return EntityTx{}, fmt.Errorf("%w: malformed account-op tx", xerrors.ErrCorruptedPersistence)
		}
		accountTx, err := decodeAccountTx(v.List[2])
		if err != nil {
			return EntityTx{}, err
		}
		return EntityTx{
			Kind: EntityTxAccountOp, Counterparty: EntityId(v.List[1].Bytes), AccountTx: &accountTx,
		}, nil
	default:
		return EntityTx{}, fmt.Errorf("%w: unknown entity tx kind %d", xerrors.ErrCorruptedPersistence, kind)
	}
}

// encodeEntityFrame and decodeEntityFrame serialise an EntityFrame whole,
// including its StateHash — unlike AccountFrame's wire encoding, a
// standalone decoder here has no prior EntityState available to recompute
// it from, since this is used to replay a committed frame from the P1 log
// rather than to reconstruct one during live consensus.
func encodeEntityFrame(f EntityFrame) rlp.Value {
	txs := make([]rlp.Value, len(f.Txs))
	for i, tx := range f.Txs {
		txs[i] = encodeEntityTx(tx)
	}
	return rlp.List(
		rlp.Bytes([]byte(f.EntityId)),
		rlp.Uint(f.Height),
		rlp.Int(f.Timestamp),
		rlp.Bytes(f.PreviousFrameHash[:]),
		rlp.Bytes(f.StateHash[:]),
		rlp.List(txs...),
	)
}

func decodeEntityFrame(v rlp.Value) (EntityFrame, error) {
	if v.Kind != rlp.KindList || len(v.List) != 6 {
		return EntityFrame{}, fmt.Errorf("%w: malformed entity frame", xerrors.ErrCorruptedPersistence)
	}
	height, err := rlp.DecodeUint(v.List[1])
	if err != nil {
		return EntityFrame{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	timestamp, err := rlp.DecodeInt(v.List[2])
	if err != nil {
		return EntityFrame{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	if len(v.List[3].Bytes) != 32 || len(v.List[4].Bytes) != 32 {
		return EntityFrame{}, fmt.Errorf("%w: malformed entity frame hash", xerrors.ErrCorruptedPersistence)
	}
	var prevHash, stateHash crypto.Digest
	copy(prevHash[:], v.List[3].Bytes)
	copy(stateHash[:], v.List[4].Bytes)
	if v.List[5].Kind != rlp.KindList {
		return EntityFrame{}, fmt.Errorf("%w: malformed entity frame tx list", xerrors.ErrCorruptedPersistence)
	}
	txs := make([]EntityTx, len(v.List[5].List))
	for i, txv := range v.List[5].List {
		tx, err := decodeEntityTx(txv)
		if err != nil {
			return EntityFrame{}, err
		}
		txs[i] = tx
	}
	return EntityFrame{
		EntityId: EntityId(v.List[0].Bytes), Height: height, Timestamp: timestamp,
		PreviousFrameHash: prevHash, StateHash: stateHash, Txs: txs,
	}, nil
}

// routedMessageKind tags which payload variant EncodeRoutedMessage wrote,
// so DecodeRoutedMessage can reconstruct the right Go type.
type routedMessageKind uint64

const (
	routedEntityTx routedMessageKind = iota
	routedEntityFrameProposal
	routedPrecommit
	routedEntityFrameCommitted
)

// EncodeRoutedMessage and DecodeRoutedMessage serialise the coordinator's
// RoutedMessage envelope for the P1 log, so a host can append every input
// it hands to Coordinator.Tick and replay the exact same sequence after a
// restart (spec §4.10's crash recovery).
func EncodeRoutedMessage(m RoutedMessage) ([]byte, error) {
	var kind routedMessageKind
	var body rlp.Value
	switch p := m.Payload.(type) {
	case EntityTx:
		kind = routedEntityTx
		body = encodeEntityTx(p)
	case EntityFrameProposal:
		kind = routedEntityFrameProposal
		body = rlp.List(rlp.Bytes([]byte(p.EntityId)), encodeEntityFrame(p.Frame), rlp.Bytes(p.ProposerSig))
	case Precommit:
		kind = routedPrecommit
		body = rlp.List(
			rlp.Bytes([]byte(p.EntityId)), rlp.Bytes([]byte(p.Signer)),
			rlp.Uint(p.Height), rlp.Bytes(p.StateHash[:]), rlp.Bytes(p.Sig),
		)
	case EntityFrameCommitted:
		kind = routedEntityFrameCommitted
		body = rlp.List(rlp.Bytes([]byte(p.EntityId)), rlp.Uint(p.Height), rlp.Bytes(p.StateHash[:]))
	default:
		return nil, fmt.Errorf("core: cannot encode routed payload %T", p)
	}
	return rlp.Encode(rlp.List(rlp.Bytes([]byte(m.RoutingKey)), rlp.Uint(uint64(kind)), body)), nil
}

// DecodeRoutedMessage is the left inverse of EncodeRoutedMessage.
func DecodeRoutedMessage(b []byte) (RoutedMessage, error) {
	v, err := rlp.Decode(b)
	if err != nil {
		return RoutedMessage{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	if v.Kind != rlp.KindList || len(v.List) != 3 {
		return RoutedMessage{}, fmt.Errorf("%w: malformed routed message", xerrors.ErrCorruptedPersistence)
	}
	routingKey := string(v.List[0].Bytes)
	kind, err := rlp.DecodeUint(v.List[1])
	if err != nil {
		return RoutedMessage{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
	}
	body := v.List[2]
	if body.Kind != rlp.KindList {
		return RoutedMessage{}, fmt.Errorf("%w: malformed routed message body", xerrors.ErrCorruptedPersistence)
	}

	switch routedMessageKind(kind) {
	case routedEntityTx:
		tx, err := decodeEntityTx(body)
		if err != nil {
			return RoutedMessage{}, err
		}
		return RoutedMessage{RoutingKey: routingKey, Payload: tx}, nil
	case routedEntityFrameProposal:
		if len(body.List) != 3 {
			return RoutedMessage{}, fmt.Errorf("%w: malformed proposal body", xerrors.ErrCorruptedPersistence)
		}
		frame, err := decodeEntityFrame(body.List[1])
		if err != nil {
			return RoutedMessage{}, err
		}
		return RoutedMessage{RoutingKey: routingKey, Payload: EntityFrameProposal{
			EntityId: EntityId(body.List[0].Bytes), Frame: frame,
			ProposerSig: append([]byte(nil), body.List[2].Bytes...),
		}}, nil
	case routedPrecommit:
		if len(body.List) != 5 {
			return RoutedMessage{}, fmt.Errorf("%w: malformed precommit body", xerrors.ErrCorruptedPersistence)
		}
		height, err := rlp.DecodeUint(body.List[2])
		if err != nil {
			return RoutedMessage{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		if len(body.List[3].Bytes) != 32 {
			return RoutedMessage{}, fmt.Errorf("%w: malformed precommit state hash", xerrors.ErrCorruptedPersistence)
		}
		var stateHash crypto.Digest
		copy(stateHash[:], body.List[3].Bytes)
		return RoutedMessage{RoutingKey: routingKey, Payload: Precommit{
			EntityId: EntityId(body.List[0].Bytes), Signer: SignerId(body.List[1].Bytes),
			Height: height, StateHash: stateHash, Sig: append([]byte(nil), body.List[4].Bytes...),
		}}, nil
	case routedEntityFrameCommitted:
		if len(body.List) != 3 {
			return RoutedMessage{}, fmt.Errorf("%w: malformed commit notice body", xerrors.ErrCorruptedPersistence)
		}
		height, err := rlp.DecodeUint(body.List[1])
		if err != nil {
			return RoutedMessage{}, fmt.Errorf("%w: %v", xerrors.ErrCorruptedPersistence, err)
		}
		if len(body.List[2].Bytes) != 32 {
			return RoutedMessage{}, fmt.Errorf("%w: malformed commit notice state hash", xerrors.ErrCorruptedPersistence)
		}
		var stateHash crypto.Digest
		copy(stateHash[:], body.List[2].Bytes)
		return RoutedMessage{RoutingKey: routingKey, Payload: EntityFrameCommitted{
			EntityId: EntityId(body.List[0].Bytes), Height: height, StateHash: stateHash,
		}}, nil
	default:
		return RoutedMessage{}, fmt.Errorf("%w: unknown routed message kind %d", xerrors.ErrCorruptedPersistence, kind)
	}
}

// Inter-replica protocol messages (spec §4.5, §4.3). These are the
// payloads a host transport carries between servers; the core never
// opens a socket itself.

// FrameProposed is emitted by the proposer of a bilateral account frame.
type FrameProposed struct {
	Left, Right EntityId
	Frame       AccountFrame
	ProposerSig []byte
}

// FrameAck is the counterparty's signed acknowledgement of a FrameProposed.
type FrameAck struct {
	Left, Right EntityId
	Height      uint64
	StateHash   crypto.Digest
	AckSig      []byte
}

// EntityFrameProposal is the proposer's broadcast of a new entity frame
// candidate, carrying its own precommit.
type EntityFrameProposal struct {
	EntityId    EntityId
	Frame       EntityFrame
	ProposerSig []byte
}

// Precommit is a validator's signed endorsement of a specific frame's
// state hash at a given height.
type Precommit struct {
	EntityId  EntityId
	Signer    SignerId
	Height    uint64
	StateHash crypto.Digest
	Sig       []byte
}

// EntityFrameCommitted notifies non-proposer replicas that a frame
// reached quorum and committed, so they can advance without having
// observed every precommit themselves.
type EntityFrameCommitted struct {
	EntityId  EntityId
	Height    uint64
	StateHash crypto.Digest
}
