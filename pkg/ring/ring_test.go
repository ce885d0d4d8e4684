// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/ring"
)

func makeLayout(rf int, zones ...string) ring.Layout {
	roles := make(crdt.LwwMap[ring.NodeID, *ring.NodeRole])
	for i, zone := range zones {
		var id ring.NodeID
		id[0] = byte(i + 1)
		roles[id] = crdt.NewLww(int64(i), "a", &ring.NodeRole{Zone: zone, Capacity: 100})
	}
	return ring.Layout{Version: 1, ReplicationFactor: rf, Roles: roles}
}

func TestBuildRejectsInsufficientNodes(t *testing.T) {
	layout := makeLayout(3, "z1", "z2")
	_, err := ring.Build(layout)
	assert.Error(t, err)
}

func TestBuildProducesFullyReplicatedDistinctPartitions(t *testing.T) {
	layout := makeLayout(3, "z1", "z2", "z3", "z4")
	r, err := ring.Build(layout)
	require.NoError(t, err)
	require.NoError(t, r.Check())

	for _, part := range r.Partitions() {
		assert.Len(t, part.Replicas, 3)
	}
}

func TestRingIsDeterministic(t *testing.T) {
	layout := makeLayout(3, "z1", "z2", "z3", "z4", "z5")
	r1, err := ring.Build(layout)
	require.NoError(t, err)
	r2, err := ring.Build(layout)
	require.NoError(t, err)

	assert.Equal(t, r1.Partitions(), r2.Partitions())
}

func TestReadAndWriteNodesAgree(t *testing.T) {
	layout := makeLayout(2, "z1", "z2", "z3")
	r, err := ring.Build(layout)
	require.NoError(t, err)

	var hash [32]byte
	hash[0] = 42
	assert.Equal(t, r.ReadNodes(hash), r.WriteNodes(hash))
}

func TestPrefersDistinctZonesWhenAvailable(t *testing.T) {
	layout := makeLayout(3, "z1", "z2", "z3", "z4")
	r, err := ring.Build(layout)
	require.NoError(t, err)

	zoneOf := make(map[ring.NodeID]string)
	for id, lww := range layout.Roles {
		zoneOf[id] = lww.Value.Zone
	}

	for _, part := range r.Partitions() {
		zones := make(map[string]bool)
		for _, n := range part.Replicas {
			zones[zoneOf[n]] = true
		}
		assert.Len(t, zones, 3, "expected 3 distinct zones for partition %d", part.PartitionID)
	}
}

func TestComputeStagingHashTracksStagedRoles(t *testing.T) {
	a := makeLayout(3, "z1", "z2", "z3")
	empty := a.ComputeStagingHash()
	assert.Equal(t, empty, a.ComputeStagingHash(), "digest must be deterministic")

	var id ring.NodeID
	id[0] = 7
	b := a
	b.StagingRoles = crdt.LwwMap[ring.NodeID, *ring.NodeRole]{
		id: crdt.NewLww(int64(1), "a", &ring.NodeRole{Zone: "z9", Capacity: 50}),
	}
	assert.NotEqual(t, empty, b.ComputeStagingHash())
}

func TestLayoutMergeHighestVersionWins(t *testing.T) {
	a := makeLayout(3, "z1", "z2", "z3")
	b := makeLayout(3, "z1", "z2", "z3")
	b.Version = 5

	merged := a.Merge(b)
	assert.Equal(t, uint64(5), merged.Version)
}
