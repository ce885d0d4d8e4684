// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package ring

import (
	"encoding/binary"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// PartitionOf returns the partition index (0..255) a content hash belongs
// to: the top 8 bits of the hash.
func PartitionOf(hash [32]byte) int {
	return int(hash[0])
}

// Ring is the derived, read-mostly lookup structure mapping each of the
// 256 partitions to an ordered list of replica node IDs.
type Ring struct {
	layout     Layout
	partitions [NumPartitions][]NodeID
}

// Build derives a Ring from a committed Layout. The algorithm is pure and
// deterministic: every node computes byte-identical rings from the same
// Layout.
func Build(layout Layout) (*Ring, error) {
	r := layout.ReplicationFactor
	if r <= 0 {
		return nil, Error.New("replication factor must be positive, got %d", r)
	}
	nodes := layout.ActiveNodes()
	dataNodes := make([]NodeID, 0, len(nodes))
	roleOf := make(map[NodeID]*NodeRole, len(nodes))
	for _, id := range nodes {
		role := layout.Roles[id].Value
		roleOf[id] = role
		if role.Capacity > 0 {
			dataNodes = append(dataNodes, id)
		}
	}
	if len(dataNodes) < r {
		return nil, Error.New("not enough data-capable nodes (%d) for replication factor %d", len(dataNodes), r)
	}

	ring := &Ring{layout: layout}
	for p := 0; p < NumPartitions; p++ {
		ring.partitions[p] = assignPartition(byte(p), dataNodes, roleOf, r)
	}
	return ring, nil
}

// assignPartition picks r replicas for partition p using weighted
// rendezvous hashing (highest random weight), scored by each node's
// declared capacity, then greedily reorders the winners to prefer
// distinct zones before falling back to repeating a zone.
func assignPartition(p byte, nodes []NodeID, roleOf map[NodeID]*NodeRole, r int) []NodeID {
	type scored struct {
		id     NodeID
		zone   string
		weight float64
	}
	scoredNodes := make([]scored, 0, len(nodes))
	for _, id := range nodes {
		role := roleOf[id]
		scoredNodes = append(scoredNodes, scored{
			id:     id,
			zone:   role.Zone,
			weight: rendezvousWeight(p, id, role.Capacity),
		})
	}
	sort.Slice(scoredNodes, func(i, j int) bool { return scoredNodes[i].weight > scoredNodes[j].weight })

	result := make([]NodeID, 0, r)
	usedZone := make(map[string]bool, r)
	usedNode := make(map[NodeID]bool, r)

	// first pass: one node per distinct zone, in weight order
	for _, s := range scoredNodes {
		if len(result) == r {
			break
		}
		if usedZone[s.zone] {
			continue
		}
		result = append(result, s.id)
		usedZone[s.zone] = true
		usedNode[s.id] = true
	}
	// second pass: fill remaining slots by weight, zones may repeat
	if len(result) < r {
		for _, s := range scoredNodes {
			if len(result) == r {
				break
			}
			if usedNode[s.id] {
				continue
			}
			result = append(result, s.id)
			usedNode[s.id] = true
		}
	}
	return result
}

// rendezvousWeight computes the weighted-rendezvous-hashing score of a
// node for a partition: nodes with larger declared capacity are
// systematically favoured while the winner for any given partition
// remains a deterministic function of (partition, node, capacity) alone.
func rendezvousWeight(partition byte, node NodeID, capacity uint64) float64 {
	if capacity == 0 {
		return math.Inf(-1)
	}
	var buf [33]byte
	buf[0] = partition
	copy(buf[1:], node[:])
	h := blake2b.Sum256(buf[:])
	u := binary.BigEndian.Uint64(h[:8])
	// map to (0,1], avoid log(0)
	x := (float64(u) + 1) / (math.MaxUint64 + 2)
	return -float64(capacity) / math.Log(x)
}

// ReadNodes returns the replicas to read a key's partition from, in
// ring order.
func (r *Ring) ReadNodes(hash [32]byte) []NodeID {
	return r.partitions[PartitionOf(hash)]
}

// WriteNodes returns the replicas to write a key's partition to. Reads
// and writes use the same ordering.
func (r *Ring) WriteNodes(hash [32]byte) []NodeID {
	return r.partitions[PartitionOf(hash)]
}

// PartitionAssignment is one row of Partitions()'s result.
type PartitionAssignment struct {
	PartitionID int
	HashPrefix  byte
	Replicas    []NodeID
}

// Partitions returns the full 256-entry assignment table.
func (r *Ring) Partitions() []PartitionAssignment {
	out := make([]PartitionAssignment, NumPartitions)
	for p := 0; p < NumPartitions; p++ {
		out[p] = PartitionAssignment{PartitionID: p, HashPrefix: byte(p), Replicas: r.partitions[p]}
	}
	return out
}

// Check verifies the ring invariant: every partition
// has exactly ReplicationFactor replicas, no duplicates, and as many
// distinct zones as possible given the available nodes.
func (r *Ring) Check() error {
	rf := r.layout.ReplicationFactor
	allZones := make(map[string]bool)
	for _, id := range r.layout.ActiveNodes() {
		if role := r.layout.Roles[id].Value; role.Capacity > 0 {
			allZones[role.Zone] = true
		}
	}
	wantZones := min(len(allZones), rf)
	for p := 0; p < NumPartitions; p++ {
		replicas := r.partitions[p]
		if len(replicas) != rf {
			return Error.New("partition %d has %d replicas, want %d", p, len(replicas), rf)
		}
		seen := make(map[NodeID]bool, rf)
		zones := make(map[string]bool, rf)
		for _, id := range replicas {
			if seen[id] {
				return Error.New("partition %d has duplicate replica %x", p, id)
			}
			seen[id] = true
			zones[r.layout.Roles[id].Value.Zone] = true
		}
		if len(zones) < wantZones {
			return Error.New("partition %d spans %d zones, want %d", p, len(zones), wantZones)
		}
	}
	return nil
}
