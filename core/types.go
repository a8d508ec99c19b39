// Package core implements the channel-network domain logic: the RCPAN
// solvency invariant, the bilateral account machine, the HTLC subcontract,
// multi-signer entity (BFT) consensus, the server coordinator, gossip
// profile registry, path finder, jurisdiction adapter boundary, and
// append-only log + snapshot persistence. It mirrors the teacher's own
// layout convention of one flat domain package with a file per concern,
// built on the leaf packages crypto, rlp and merkle.
package core

import "strings"

// EntityId, SignerId, TokenId and LockId are opaque identifiers. EntityId
// admits a total order (ordinary string comparison) used for canonical pair
// ordering throughout the bilateral account machine.
type EntityId string
type SignerId string
type TokenId string
type LockId string

// CanonicalPair returns (left, right) such that left < right, the ordering
// every AccountMachine pair key and sign convention is built on.
func CanonicalPair(a, b EntityId) (left, right EntityId) {
	if a < b {
		return a, b
	}
	return b, a
}

// RoutingKey builds the coordinator's routing key for an (entity, signer)
// pair: the literal string "entityId:signerId".
func RoutingKey(entity EntityId, signer SignerId) string {
	return string(entity) + ":" + string(signer)
}

// ParseRoutingKey is the left inverse of RoutingKey.
func ParseRoutingKey(key string) (EntityId, SignerId, bool) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return "", "", false
	}
	return EntityId(key[:i]), SignerId(key[i+1:]), true
}
