// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package membership runs the two periodic gossip loops that keep a
// node's view of the cluster layout and peer liveness up to date: a
// 10-second status-exchange broadcast and a 60-second discovery sweep.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/identity"
	"deuxfleurs.fr/garage/pkg/ring"
	"deuxfleurs.fr/garage/pkg/rpc"
	"deuxfleurs.fr/garage/pkg/rpcmsg"
)

// Error is this package's error class.
var Error = errs.Class("membership")

const (
	statusExchangeInterval = 10 * time.Second
	discoveryInterval      = 60 * time.Second
)

// Status is one node's self-reported liveness snapshot, broadcast every
// statusExchangeInterval.
type Status struct {
	Hostname      string
	LayoutVersion uint64
	StagingHash   [32]byte
	DiskAvailable uint64
	LastSeen      time.Time
}

// SelfStatus is called each status-exchange tick to get this node's
// current hostname/layout/disk figures.
type SelfStatus func() (hostname string, diskAvailable uint64)

// Membership tracks peer status and the gossiped cluster Layout, running
// the status-exchange and discovery loops.
type Membership struct {
	log      *zap.Logger
	self     ring.NodeID
	identity *identity.Identity
	helper   *rpc.Helper
	selfFn   SelfStatus

	onLayoutChange func(ring.Layout)

	mu     sync.RWMutex
	layout ring.Layout
	peers  map[ring.NodeID]rpc.NodeAddr
	status map[ring.NodeID]Status

	bootstrapMu sync.RWMutex
	bootstrap   []rpc.NodeAddr
}

// New constructs a Membership for node self, seeded with layout and the
// static bootstrap peer list from config.
func New(log *zap.Logger, self ring.NodeID, id *identity.Identity, helper *rpc.Helper, layout ring.Layout, bootstrap []rpc.NodeAddr, selfFn SelfStatus) *Membership {
	return &Membership{
		log:       log.Named("membership"),
		self:      self,
		identity:  id,
		helper:    helper,
		selfFn:    selfFn,
		layout:    layout,
		peers:     make(map[ring.NodeID]rpc.NodeAddr),
		status:    make(map[ring.NodeID]Status),
		bootstrap: bootstrap,
	}
}

// OnLayoutChange registers a callback invoked whenever this node's
// committed layout view moves to a newer version (e.g. to rebuild the
// derived ring.Ring).
func (m *Membership) OnLayoutChange(fn func(ring.Layout)) {
	m.onLayoutChange = fn
}

// RegisterHandlers wires this node's membership RPC surface into d.
func (m *Membership) RegisterHandlers(d *rpc.Dispatcher) {
	d.Register(rpcmsg.EndpointAdvertiseStatus, m.handleAdvertiseStatus)
	d.Register(rpcmsg.EndpointPullClusterLayout, m.handlePullClusterLayout)
}

// CurrentLayout returns the node's current view of the committed+staging
// layout.
func (m *Membership) CurrentLayout() ring.Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layout
}

// KnownPeers returns every peer address this node has learned about,
// from the persisted peer list or a peer that answered a discovery pull.
func (m *Membership) KnownPeers() []rpc.NodeAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rpc.NodeAddr, 0, len(m.peers))
	for _, addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

// AddPeer records (or updates) a peer's dial address, learned from the
// persisted peer list at startup or from a bootstrap or known peer that
// answered a discovery pull.
func (m *Membership) AddPeer(id ring.NodeID, addr rpc.NodeAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = addr
}

// AddressOf returns the dial address this node has recorded for id, or
// "" if none is known yet. Used by pkg/table.Sharded/Full's AddressOf
// hook and by pkg/garagenode's block-replica lookup, so both ride the
// same peer address book membership maintains.
func (m *Membership) AddressOf(id ring.NodeID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id].Address
}

// Run starts the status-exchange and discovery loops until ctx is
// cancelled.
func (m *Membership) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.statusExchangeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.discoveryLoop(ctx)
	}()
	wg.Wait()
}

func (m *Membership) statusExchangeLoop(ctx context.Context) {
	ticker := time.NewTicker(statusExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcastStatus(ctx)
		}
	}
}

func (m *Membership) broadcastStatus(ctx context.Context) {
	hostname, disk := "", uint64(0)
	if m.selfFn != nil {
		hostname, disk = m.selfFn()
	}
	layout := m.CurrentLayout()

	req, err := rpcmsg.Marshal(rpcmsg.AdvertiseStatus{
		Sender:        m.self,
		Hostname:      hostname,
		LayoutVersion: layout.Version,
		StagingHash:   layout.StagingHash,
		DiskAvailable: disk,
	})
	if err != nil {
		m.log.Warn("failed to encode status advertisement", zap.Error(err))
		return
	}

	peers := m.KnownPeers()
	if len(peers) == 0 {
		return
	}
	strategy := rpc.Strategy{Priority: rpc.Background, Timeout: 5 * time.Second, Quorum: 0}
	_ = m.helper.Broadcast(ctx, rpcmsg.EndpointAdvertiseStatus, peers, req, strategy)
}

func (m *Membership) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	// run once immediately so a freshly started node doesn't wait a full
	// interval before learning about the rest of the cluster.
	m.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

// discover pulls the cluster layout from bootstrap peers and any peer
// already known, merging whatever comes back.
func (m *Membership) discover(ctx context.Context) {
	m.bootstrapMu.RLock()
	candidates := append([]rpc.NodeAddr{}, m.bootstrap...)
	m.bootstrapMu.RUnlock()
	candidates = append(candidates, m.KnownPeers()...)

	seen := map[string]bool{}
	for _, peer := range candidates {
		if seen[peer.Address] {
			continue
		}
		seen[peer.Address] = true
		m.pullLayoutFrom(ctx, peer)
	}
}

// pullLayoutFrom fetches one peer's layout and merges it.
func (m *Membership) pullLayoutFrom(ctx context.Context, peer rpc.NodeAddr) {
	req, err := rpcmsg.Marshal(rpcmsg.PullClusterLayout{})
	if err != nil {
		return
	}
	strategy := rpc.Strategy{Priority: rpc.Background, Timeout: 10 * time.Second}
	resp, err := m.helper.Call(ctx, rpcmsg.EndpointPullClusterLayout, peer, req, strategy)
	if err != nil {
		return
	}
	var reply rpcmsg.ClusterLayoutReply
	if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
		return
	}
	if peer.ID != (ring.NodeID{}) {
		m.AddPeer(peer.ID, peer)
	}
	var layout ring.Layout
	if err := decodeLayout(reply.Encoded, &layout); err != nil {
		m.log.Warn("discarding undecodable layout from peer", zap.String("peer", peer.Address), zap.Error(err))
		return
	}
	if err := m.MergeLayout(layout); err != nil {
		m.log.Error("refusing to merge incoming layout", zap.String("peer", peer.Address), zap.Error(err))
	}
}

// MergeLayout merges other into the node's current layout view, except
// when other declares a different replication factor than an already
// committed (Version > 0) local layout: this is refused outright, since
// silently accepting it would make existing data's replica placement
// inconsistent across the cluster.
func (m *Membership) MergeLayout(other ring.Layout) error {
	m.mu.Lock()
	if m.layout.Version > 0 && other.Version > 0 && other.ReplicationFactor != m.layout.ReplicationFactor {
		m.mu.Unlock()
		return Error.New("incoming layout declares replication factor %d, but this node's committed layout uses %d",
			other.ReplicationFactor, m.layout.ReplicationFactor)
	}

	before := m.layout.Version
	m.layout = m.layout.Merge(other)
	// The staging set may now be the union of both sides, so neither
	// input's hash is authoritative.
	m.layout.StagingHash = m.layout.ComputeStagingHash()
	after := m.layout

	m.mu.Unlock()

	if after.Version > before && m.onLayoutChange != nil {
		m.onLayoutChange(after)
	}
	return nil
}

func (m *Membership) handleAdvertiseStatus(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.AdvertiseStatus
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	sender := ring.NodeID(msg.Sender)

	m.mu.Lock()
	m.status[sender] = Status{
		Hostname:      msg.Hostname,
		LayoutVersion: msg.LayoutVersion,
		StagingHash:   msg.StagingHash,
		DiskAvailable: msg.DiskAvailable,
		LastSeen:      time.Now(),
	}
	current := m.layout
	peer, known := m.peers[sender]
	m.mu.Unlock()

	// A peer advertising a layout we haven't seen yet (higher version, or
	// a different staging state) is pulled asynchronously so the
	// broadcast's own RPC isn't held up by the follow-up call.
	if known && (msg.LayoutVersion > current.Version || msg.StagingHash != current.StagingHash) {
		go m.pullLayoutFrom(context.WithoutCancel(ctx), peer)
	}
	return nil, nil
}

// Statuses returns the latest status snapshot received from each peer.
func (m *Membership) Statuses() map[ring.NodeID]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ring.NodeID]Status, len(m.status))
	for id, st := range m.status {
		out[id] = st
	}
	return out
}

func (m *Membership) handlePullClusterLayout(ctx context.Context, req []byte) ([]byte, error) {
	layout := m.CurrentLayout()
	encoded, err := encodeLayout(layout)
	if err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.ClusterLayoutReply{Version: layout.Version, Encoded: encoded})
}
