// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package membership_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/membership"
	"deuxfleurs.fr/garage/pkg/ring"
	"deuxfleurs.fr/garage/pkg/rpc"
)

func newMembership(t *testing.T, layout ring.Layout) *membership.Membership {
	t.Helper()
	var self ring.NodeID
	self[0] = 1
	return membership.New(zaptest.NewLogger(t), self, nil, nil, layout, nil, nil)
}

func TestMergeLayoutAcceptsMatchingReplicationFactor(t *testing.T) {
	m := newMembership(t, ring.Layout{Version: 1, ReplicationFactor: 3})
	incoming := ring.Layout{Version: 2, ReplicationFactor: 3}

	require.NoError(t, m.MergeLayout(incoming))
	assert.Equal(t, uint64(2), m.CurrentLayout().Version)
}

func TestMergeLayoutRejectsReplicationFactorMismatch(t *testing.T) {
	m := newMembership(t, ring.Layout{Version: 1, ReplicationFactor: 3})
	incoming := ring.Layout{Version: 2, ReplicationFactor: 5}

	err := m.MergeLayout(incoming)
	assert.True(t, membership.Error.Has(err))
	assert.Equal(t, uint64(1), m.CurrentLayout().Version, "rejected layout must not be applied")
}

func TestMergeLayoutAcceptsFirstEverLayout(t *testing.T) {
	m := newMembership(t, ring.Layout{}) // Version 0: nothing committed yet
	incoming := ring.Layout{Version: 1, ReplicationFactor: 3}

	require.NoError(t, m.MergeLayout(incoming))
	assert.Equal(t, uint64(1), m.CurrentLayout().Version)
}

func TestOnLayoutChangeFiresOnNewerVersion(t *testing.T) {
	m := newMembership(t, ring.Layout{Version: 1, ReplicationFactor: 3})
	changed := make(chan ring.Layout, 1)
	m.OnLayoutChange(func(l ring.Layout) { changed <- l })

	require.NoError(t, m.MergeLayout(ring.Layout{Version: 2, ReplicationFactor: 3}))
	select {
	case l := <-changed:
		assert.Equal(t, uint64(2), l.Version)
	default:
		t.Fatal("onLayoutChange callback did not fire")
	}
}

func TestAddPeerAndKnownPeers(t *testing.T) {
	m := newMembership(t, ring.Layout{})
	var id ring.NodeID
	id[0] = 9
	m.AddPeer(id, rpc.NodeAddr{ID: id, Address: "10.0.0.1:3901"})

	peers := m.KnownPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.1:3901", peers[0].Address)
}
