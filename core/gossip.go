package core

import (
	"bytes"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"latticenet/crypto"
	"latticenet/rlp"
)

// CapacityEntry is one announced outbound-sending capacity from a
// profile's owner toward a specific neighbor, for a specific token — the
// edge N3's path finder builds its graph from.
type CapacityEntry struct {
	Neighbor EntityId
	Token    TokenId
	Capacity int64
	FeeBase  int64
	FeePpm   int64
}

// Profile is the eventually-consistent gossip record for one entity,
// per spec §3/§6: capabilities, hub affiliations, an opaque metadata
// blob, per-neighbor account capacities, and the timestamp that orders
// updates.
type Profile struct {
	EntityId          EntityId
	Capabilities      []string
	Hubs              []EntityId
	Metadata          []byte
	AccountCapacities []CapacityEntry
	Timestamp         int64
}

func encodeProfile(p Profile) rlp.Value {
	caps := make([]rlp.Value, len(p.Capabilities))
	for i, c := range p.Capabilities {
		caps[i] = rlp.Bytes([]byte(c))
	}
	hubs := make([]rlp.Value, len(p.Hubs))
	for i, h := range p.Hubs {
		hubs[i] = rlp.Bytes([]byte(h))
	}
	entries := append([]CapacityEntry(nil), p.AccountCapacities...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Neighbor != entries[j].Neighbor {
			return entries[i].Neighbor < entries[j].Neighbor
		}
		return entries[i].Token < entries[j].Token
	})
	capacities := make([]rlp.Value, len(entries))
	for i, e := range entries {
		capacities[i] = rlp.List(
			rlp.Bytes([]byte(e.Neighbor)), rlp.Bytes([]byte(e.Token)),
			rlp.Int(e.Capacity), rlp.Int(e.FeeBase), rlp.Int(e.FeePpm),
		)
	}
	return rlp.List(
		rlp.Bytes([]byte(p.EntityId)),
		rlp.List(caps...),
		rlp.List(hubs...),
		rlp.Bytes(p.Metadata),
		rlp.List(capacities...),
		rlp.Uint(uint64(p.Timestamp)),
	)
}

// EncodeProfile returns the canonical wire encoding of a profile, per
// spec §6's gossip wire format.
func EncodeProfile(p Profile) []byte { return rlp.Encode(encodeProfile(p)) }

// defaultSeenCacheSize bounds Registry.seen, the recently-announced-digest
// dedup cache — large enough to cover a burst of re-gossiped profiles
// from multiple neighbors without growing unboundedly under churn.
const defaultSeenCacheSize = 4096

// Registry is the N2 gossip CRDT: a map EntityId -> Profile, converging
// by last-write-wins on strictly greater timestamp. Exact-timestamp ties
// are broken by lexicographic comparison of the two profiles' canonical
// encodings, a total order chosen in spec.md's open questions so
// convergence never stalls on a coin flip.
type Registry struct {
	mu       sync.RWMutex
	profiles map[EntityId]Profile
	// seen recalls the digest of the last profile accepted from each
	// entity, so Announce can short-circuit a re-broadcast of something
	// this registry already holds without re-running the LWW comparison.
	seen *lru.Cache[EntityId, crypto.Digest]
}

// NewRegistry creates an empty gossip registry.
func NewRegistry() *Registry {
	seen, err := lru.New[EntityId, crypto.Digest](defaultSeenCacheSize)
	if err != nil {
		panic(err) // only errors on a non-positive size, which defaultSeenCacheSize never is
	}
	return &Registry{profiles: make(map[EntityId]Profile), seen: seen}
}

// Announce accepts the incoming profile only if it supersedes whatever is
// currently stored for its entity id, and reports whether it did.
func (r *Registry) Announce(p Profile) bool {
	digest := crypto.Keccak256(EncodeProfile(p))

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.seen.Get(p.EntityId); ok && last == digest {
		return false
	}
	current, exists := r.profiles[p.EntityId]
	if !exists || p.Timestamp > current.Timestamp {
		r.profiles[p.EntityId] = p
		r.seen.Add(p.EntityId, digest)
		return true
	}
	if p.Timestamp == current.Timestamp {
		if bytes.Compare(EncodeProfile(p), EncodeProfile(current)) > 0 {
			r.profiles[p.EntityId] = p
			r.seen.Add(p.EntityId, digest)
			return true
		}
	}
	return false
}

// Get returns the stored profile for an entity, if any.
func (r *Registry) Get(id EntityId) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// All returns every stored profile, in ascending entity-id order.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]EntityId, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Profile, len(ids))
	for i, id := range ids {
		out[i] = r.profiles[id]
	}
	return out
}
