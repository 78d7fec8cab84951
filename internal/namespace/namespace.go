// Package namespace identifies entity kinds and builds the on-disk keys
// the state store, archive store, and index store agree on. Hashing
// uses xxh3, matching the "fast 64-bit noncrypto hash" called for by
// the key encoding rules.
package namespace

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Namespace is a short identifier of an entity kind, e.g. "accounts",
// "pools", "epochs", "dreps", "proposals", "assets", "datums", "eras",
// "rewards", "stakes", "pending_rewards".
type Namespace string

const (
	Accounts        Namespace = "accounts"
	Pools           Namespace = "pools"
	Epochs          Namespace = "epochs"
	DReps           Namespace = "dreps"
	Proposals       Namespace = "proposals"
	Assets          Namespace = "assets"
	Datums          Namespace = "datums"
	Eras            Namespace = "eras"
	Rewards         Namespace = "rewards"
	Stakes          Namespace = "stakes"
	PendingRewards  Namespace = "pending_rewards"
)

// EntityKey is a 32-byte hash of domain-meaningful components.
type EntityKey [32]byte

// NsKey uniquely identifies a stored entity.
type NsKey struct {
	NS  Namespace
	Key EntityKey
}

// Hash returns the 8-byte big-endian xxh3 hash of the namespace string,
// the first half of the entity-key encoding.
func (ns Namespace) Hash() uint64 {
	return xxh3.HashString(string(ns))
}

// EncodeEntityKey builds "[namespace_hash: 8 BE][entity_key: 32]".
func EncodeEntityKey(k NsKey) [40]byte {
	var out [40]byte
	binary.BigEndian.PutUint64(out[:8], k.NS.Hash())
	copy(out[8:], k.Key[:])
	return out
}

// HashDim hashes an opaque dimension string with a caller-supplied
// prefix (e.g. "block:", "utxo:", "exact:") so UTxO-kind and
// archive-kind dimensions never collide.
func HashDim(prefixedDim string) uint64 {
	return xxh3.HashString(prefixedDim)
}

// HashKey hashes an arbitrary lookup key to 8 bytes big-endian, used
// for slot-tag and UTxO-tag archive/index keys.
func HashKey(key []byte) uint64 {
	return xxh3.Hash(key)
}

// PutUint64 writes v as 8-byte big-endian into dst, a small helper used
// by every key-builder in internal/store/*.
func PutUint64(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}
