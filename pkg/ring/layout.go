// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package ring derives, from a versioned cluster layout, a deterministic
// mapping of the 256-way partition space onto ordered lists of replica
// node IDs. Placement prefers distinct zones first, then weights nodes by
// their declared capacity.
package ring

import (
	"encoding/binary"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/blake2b"

	"deuxfleurs.fr/garage/pkg/crdt"
)

// Error is the error class for this package.
var Error = errs.Class("ring")

// NumPartitions is the fixed size of the partition space: the top 8 bits
// of a key's Blake2b-256 hash.
const NumPartitions = 256

// NodeID identifies one cluster node; it is the node's Ed25519 public
// key.
type NodeID [32]byte

// NodeRole describes a committed node's placement hints.
type NodeRole struct {
	Zone     string
	Capacity uint64 // relative weight; 0 means "gateway-only, holds no data"
	Tags     []string
}

// Layout is the versioned, gossiped document from which every node
// derives an identical Ring.
type Layout struct {
	Version           uint64
	ReplicationFactor int
	Roles             crdt.LwwMap[NodeID, *NodeRole]
	StagingRoles      crdt.LwwMap[NodeID, *NodeRole]
	StagingHash       [32]byte
}

// Merge implements LwwMap merge on roles; the higher Version wins for the
// committed layout as a whole.
func (l Layout) Merge(other Layout) Layout {
	winner := l
	if other.Version > l.Version {
		winner = other
	}
	return Layout{
		Version:           winner.Version,
		ReplicationFactor: winner.ReplicationFactor,
		Roles:             l.Roles.Merge(other.Roles),
		StagingRoles:      l.StagingRoles.Merge(other.StagingRoles),
		StagingHash:       winner.StagingHash,
	}
}

// ComputeStagingHash digests the staged role set, so two nodes can detect
// staging divergence from a single broadcast field without exchanging the
// roles themselves. Iteration is over sorted node IDs, so the digest is
// deterministic across nodes.
func (l Layout) ComputeStagingHash() [32]byte {
	ids := make([]NodeID, 0, len(l.StagingRoles))
	for id := range l.StagingRoles {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)

	h, _ := blake2b.New256(nil)
	var scratch [8]byte
	for _, id := range ids {
		lww := l.StagingRoles[id]
		h.Write(id[:])
		binary.BigEndian.PutUint64(scratch[:], uint64(lww.Timestamp))
		h.Write(scratch[:])
		if role := lww.Value; role != nil {
			h.Write([]byte(role.Zone))
			binary.BigEndian.PutUint64(scratch[:], role.Capacity)
			h.Write(scratch[:])
			for _, tag := range role.Tags {
				h.Write([]byte(tag))
			}
		}
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ActiveNodes returns the node IDs with a non-nil committed role, sorted
// for deterministic iteration.
func (l Layout) ActiveNodes() []NodeID {
	out := make([]NodeID, 0, len(l.Roles))
	for id, lww := range l.Roles {
		if lww.Value != nil {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out
}

func sortNodeIDs(ids []NodeID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && less(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
