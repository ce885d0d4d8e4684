// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package garagenode

import (
	"sync/atomic"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/ring"
	"deuxfleurs.fr/garage/pkg/rpc"
)

// ringHandle holds the most recently derived *ring.Ring behind an atomic
// pointer, rebuilt whenever membership reports a new committed layout.
// It implements table.RingLookup and, wrapped in ringPeerLookup,
// decouples pkg/blockstore.Manager from pkg/ring the same way.
//
// Before the cluster's layout has enough data-capable nodes to satisfy
// its replication factor (a freshly bootstrapped, not yet
// `garage layout apply`-ed node), the held ring is nil and lookups
// return no replicas: writes requiring quorum fail loudly rather than
// silently writing to the wrong place.
type ringHandle struct {
	ptr atomic.Pointer[ring.Ring]
}

func (h *ringHandle) set(r *ring.Ring) { h.ptr.Store(r) }

func (h *ringHandle) get() *ring.Ring { return h.ptr.Load() }

// WriteNodes implements table.RingLookup.
func (h *ringHandle) WriteNodes(hash [32]byte) []ring.NodeID {
	r := h.get()
	if r == nil {
		return nil
	}
	return r.WriteNodes(hash)
}

// ReadNodes implements table.RingLookup.
func (h *ringHandle) ReadNodes(hash [32]byte) []ring.NodeID {
	r := h.get()
	if r == nil {
		return nil
	}
	return r.ReadNodes(hash)
}

// ringPeerLookup adapts a ringHandle and an address book into
// blockstore.PeerLookup, so the block manager picks replicas the same
// way the table store does.
type ringPeerLookup struct {
	ring        *ringHandle
	addressOf   func(ring.NodeID) string
	self        ring.NodeID
	writeQuorum int
}

// ReplicasOf implements blockstore.PeerLookup: every replica of hash's
// partition other than this node itself, since a node never RPCs itself
// to store a block it already wrote locally.
func (p *ringPeerLookup) ReplicasOf(hash [32]byte) []rpc.NodeAddr {
	r := p.ring.get()
	if r == nil {
		return nil
	}
	ids := r.WriteNodes(hash)
	out := make([]rpc.NodeAddr, 0, len(ids))
	for _, id := range ids {
		if id == p.self {
			continue
		}
		addr := p.addressOf(id)
		if addr == "" {
			continue
		}
		out = append(out, rpc.NodeAddr{ID: id, Address: addr})
	}
	return out
}

// SelfIsReplica implements blockstore.PeerLookup.
func (p *ringPeerLookup) SelfIsReplica(hash [32]byte) bool {
	r := p.ring.get()
	if r == nil {
		return false
	}
	for _, id := range r.WriteNodes(hash) {
		if id == p.self {
			return true
		}
	}
	return false
}

// WriteQuorum implements blockstore.PeerLookup.
func (p *ringPeerLookup) WriteQuorum() int { return p.writeQuorum }

var _ blockstore.PeerLookup = (*ringPeerLookup)(nil)
