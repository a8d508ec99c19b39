package core

import (
	"fmt"
	"sort"

	"latticenet/crypto"
)

// RoutedMessage is one input or output the coordinator moves between
// replicas, addressed by routing key (spec §4.6). Payload is one of
// EntityTx, EntityFrameProposal, Precommit or EntityFrameCommitted.
type RoutedMessage struct {
	RoutingKey string
	Payload    interface{}
}

// replicaEntry pairs a replica with the entity/signer identity its
// routing key encodes, so the coordinator can address its validator set.
type replicaEntry struct {
	entity  EntityId
	signer  SignerId
	replica *EntityReplica
}

// Coordinator is the server-wide N1 router: it holds every local replica
// and advances them one tick at a time, at the host's direction.
type Coordinator struct {
	replicas  map[string]*replicaEntry
	Height    uint64
	Timestamp int64
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{replicas: make(map[string]*replicaEntry)}
}

// AddReplica registers a local replica under its routing key.
func (c *Coordinator) AddReplica(entity EntityId, signer SignerId, r *EntityReplica) {
	c.replicas[RoutingKey(entity, signer)] = &replicaEntry{entity: entity, signer: signer, replica: r}
}

// Replica returns the replica registered under the given routing key, if
// any — used by hosts and tests to inspect state between ticks.
func (c *Coordinator) Replica(entity EntityId, signer SignerId) (*EntityReplica, bool) {
	e, ok := c.replicas[RoutingKey(entity, signer)]
	if !ok {
		return nil, false
	}
	return e.replica, true
}

// validatorKeysFor returns the routing keys of every locally registered
// replica belonging to the same entity as key, excluding key itself.
func (c *Coordinator) validatorKeysFor(entity EntityId, excludeSigner SignerId) []string {
	var keys []string
	for _, e := range c.replicas {
		if e.entity == entity && e.signer != excludeSigner {
			keys = append(keys, RoutingKey(e.entity, e.signer))
		}
	}
	sort.Strings(keys)
	return keys
}

// Tick implements spec §4.6's four-step coordinator loop: merge inputs by
// routing key, dispatch each to its target replica, collect and split
// outputs into locally delivered vs. remote-destined, then advance the
// server's own height/timestamp. It runs to completion and never blocks.
func (c *Coordinator) Tick(now int64, inputs []RoutedMessage) (delivered, remote []RoutedMessage, err error) {
	grouped := make(map[string][]RoutedMessage)
	for _, in := range inputs {
		grouped[in.RoutingKey] = append(grouped[in.RoutingKey], in)
	}

	var produced []RoutedMessage
	for key, msgs := range grouped {
		entry, ok := c.replicas[key]
		if !ok {
			// Not ours: pass through untouched for the host to route
			// elsewhere.
			remote = append(remote, msgs...)
			continue
		}
		out, dispatchErr := c.dispatch(entry, msgs, now)
		if dispatchErr != nil {
			return nil, nil, fmt.Errorf("core: dispatch to %s: %w", key, dispatchErr)
		}
		produced = append(produced, out...)
	}

	// Proposers with pending work propose on their own initiative each
	// tick, mirroring a live server loop driven by the host's tick.
	for key, entry := range c.replicas {
		_ = key
		if !entry.replica.IsProposer || len(entry.replica.Mempool) == 0 {
			continue
		}
		var frame *EntityFrame
		var proposeErr error
		if entry.replica.State.Config.Threshold == 1 {
			frame, proposeErr = entry.replica.ProposeFastPath(now)
		} else if entry.replica.Phase == PhaseIdle {
			frame, proposeErr = entry.replica.Propose(now)
		}
		if proposeErr != nil {
			return nil, nil, fmt.Errorf("core: propose for %s: %w", key, proposeErr)
		}
		if frame == nil {
			continue
		}
		msg := RoutedMessage{Payload: EntityFrameProposal{
			EntityId: entry.entity, Frame: *frame, ProposerSig: entry.replica.sign(frame.StateHash),
		}}
		for _, vkey := range c.validatorKeysFor(entry.entity, entry.signer) {
			m := msg
			m.RoutingKey = vkey
			produced = append(produced, m)
		}
	}

	for _, out := range produced {
		if _, ok := c.replicas[out.RoutingKey]; ok {
			delivered = append(delivered, out)
		} else {
			remote = append(remote, out)
		}
	}

	c.Height++
	c.Timestamp = now
	return delivered, remote, nil
}

func (c *Coordinator) dispatch(entry *replicaEntry, msgs []RoutedMessage, now int64) ([]RoutedMessage, error) {
	var produced []RoutedMessage
	r := entry.replica
	for _, msg := range msgs {
		switch payload := msg.Payload.(type) {
		case EntityTx:
			r.SubmitTx(payload)
		case EntityFrameProposal:
			if err := r.ReceiveProposal(payload.Frame, payload.ProposerSig); err != nil {
				return nil, err
			}
			proposerKey := RoutingKey(payload.EntityId, r.State.Config.ProposerId)
			produced = append(produced, RoutedMessage{
				RoutingKey: proposerKey,
				Payload: Precommit{
					EntityId: payload.EntityId, Signer: r.SignerId,
					Height: payload.Frame.Height, StateHash: payload.Frame.StateHash,
					Sig: r.sign(payload.Frame.StateHash),
				},
			})
		case Precommit:
			committed, err := r.ReceivePrecommit(payload.Signer, payload.Height, payload.StateHash, payload.Sig)
			if err != nil {
				return nil, err
			}
			if committed {
				for _, vkey := range c.validatorKeysFor(entry.entity, entry.signer) {
					produced = append(produced, RoutedMessage{
						RoutingKey: vkey,
						Payload: EntityFrameCommitted{
							EntityId: payload.EntityId, Height: payload.Height, StateHash: payload.StateHash,
						},
					})
				}
			}
		case EntityFrameCommitted:
			if err := r.ReceiveCommitted(payload.Height, payload.StateHash); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("core: unrecognised routed payload %T", payload)
		}
	}
	return produced, nil
}

// StateRootInputs returns every locally registered replica's routing key in
// ascending order, paired with that replica's last committed frame hash
// (State.PreviousFrameHash). It computes no root itself; snapshots build
// their state root separately in BuildSnapshot.
func (c *Coordinator) StateRootInputs() (keys []string, hashes []crypto.Digest) {
	for key := range c.replicas {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	hashes = make([]crypto.Digest, len(keys))
	for i, k := range keys {
		hashes[i] = c.replicas[k].replica.State.PreviousFrameHash
	}
	return keys, hashes
}
