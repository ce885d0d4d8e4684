// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"deuxfleurs.fr/garage/pkg/rpc"
	"deuxfleurs.fr/garage/pkg/rpcmsg"
)

var mon = monkit.Package()

// PeerLookup resolves which remote nodes a block's replicas should live
// on, decoupling Manager from pkg/ring the way pkg/table.Replication
// decouples the table store from it.
type PeerLookup interface {
	// ReplicasOf returns the remote replicas of hash's partition; this
	// node itself is never in the list.
	ReplicasOf(hash [32]byte) []rpc.NodeAddr
	// SelfIsReplica reports whether this node is itself one of hash's
	// replicas, in which case its local copy counts toward the write
	// quorum.
	SelfIsReplica(hash [32]byte) bool
	WriteQuorum() int
}

// DefaultGCDelay is how long an unreferenced block is retained on disk
// before the resync loop may offload and delete it.
const DefaultGCDelay = 600 * time.Second

// blockRWTimeout bounds a single block read/write RPC; a block whose
// reference appeared before its bytes did is re-checked after twice this.
const blockRWTimeout = 30 * time.Second

// Manager is the per-node block manager: local storage plus reference
// counting plus the background resync loop that reconciles the two with
// the rest of the cluster.
type Manager struct {
	log    *zap.Logger
	store  *Store
	rc     *RefCounter
	resync *ResyncQueue
	peers  PeerLookup
	helper *rpc.Helper

	// GCDelay is the retention window for unreferenced blocks. Set it
	// before any worker loop starts; DefaultGCDelay otherwise.
	GCDelay time.Duration

	tranq *Tranquilizer

	// mutationLock serialises writes to one block's on-disk state so a
	// concurrent incref/decref/resync pass can't race a Write/Delete.
	mutationLock sync.Mutex
}

// NewManager constructs a Manager. helper may be nil for a manager only
// ever used locally (e.g. in tests).
func NewManager(log *zap.Logger, store *Store, rc *RefCounter, resync *ResyncQueue, peers PeerLookup, helper *rpc.Helper) *Manager {
	return &Manager{
		log:     log.Named("block"),
		store:   store,
		rc:      rc,
		resync:  resync,
		peers:   peers,
		helper:  helper,
		GCDelay: DefaultGCDelay,
		tranq:   NewTranquilizer(200 * time.Millisecond),
	}
}

// RegisterHandlers wires this manager's RPC surface into d.
func (m *Manager) RegisterHandlers(d *rpc.Dispatcher) {
	d.Register(rpcmsg.EndpointGetBlock, m.handleGetBlock)
	d.Register(rpcmsg.EndpointPutBlock, m.handlePutBlock)
	d.Register(rpcmsg.EndpointNeedBlockQuery, m.handleNeedBlockQuery)
}

func (m *Manager) handleGetBlock(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.GetBlock
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	data, err := m.RPCGetBlock(ctx, msg.Hash)
	if err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.PutBlockReply{Hash: msg.Hash, Data: data})
}

func (m *Manager) handlePutBlock(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.PutBlock
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	if err := m.RPCPutBlock(ctx, msg.Hash, msg.Data); err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.PutBlockAck{})
}

func (m *Manager) handleNeedBlockQuery(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.NeedBlockQuery
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	needed, err := m.NeedBlock(ctx, msg.Hash)
	if err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.NeedBlockReply{Needed: needed})
}

// RPCGetBlock serves a GetBlock request: read the block locally,
// verifying its hash. A corrupted on-disk copy has already been moved
// aside by Store.Read; it is enqueued here so the resync loop fetches a
// fresh replica.
func (m *Manager) RPCGetBlock(ctx context.Context, hash [32]byte) (data []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	data, err = m.store.Read(hash)
	if err != nil && CorruptData.Has(err) {
		if qerr := m.resync.PutNow(ctx, hash); qerr != nil {
			m.log.Warn("failed to enqueue corrupt block for resync", zap.String("hash", hexHash(hash)), zap.Error(qerr))
		}
	}
	return data, err
}

// RPCPutBlock serves a PutBlock request: idempotently store data,
// verifying it hashes to hash before writing.
func (m *Manager) RPCPutBlock(ctx context.Context, hash [32]byte, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	if present, _ := m.store.Exists(hash); present {
		return nil
	}
	if Hash(data) != hash {
		return CorruptData.New("put block %x: data does not hash to claimed id", hash)
	}

	m.mutationLock.Lock()
	defer m.mutationLock.Unlock()
	return m.store.Write(hash, data)
}

// NeedBlock answers whether this node still wants to retain hash, i.e.
// whether any local BlockRef still references it.
func (m *Manager) NeedBlock(ctx context.Context, hash [32]byte) (bool, error) {
	count, err := m.rc.Get(ctx, hash)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Incref records a new local reference to hash (a BlockRef insert). On
// a 0 -> 1 transition a resync check is scheduled two block-RPC
// timeouts out, far enough that the block's in-flight PutBlock has
// either landed or never will.
func (m *Manager) Incref(ctx context.Context, hash [32]byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, crossedZero, err := m.rc.Inc(ctx, hash, 1)
	if err != nil {
		return err
	}
	if crossedZero {
		return m.resync.PutAt(ctx, time.Now().Add(2*blockRWTimeout), hash)
	}
	if present, _ := m.store.Exists(hash); !present {
		return m.resync.PutNow(ctx, hash)
	}
	return nil
}

// Decref records the removal of a local reference to hash (a BlockRef
// tombstone). On a drop to zero a resync check is scheduled just past
// the GC delay, at which point the block may be offloaded and deleted
// if no peer still needs it.
func (m *Manager) Decref(ctx context.Context, hash [32]byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, crossedZero, err := m.rc.Inc(ctx, hash, -1)
	if err != nil {
		return err
	}
	if crossedZero {
		return m.resync.PutAt(ctx, time.Now().Add(m.GCDelay+10*time.Second), hash)
	}
	return nil
}

// WriteBlock stores data under its content hash, used by the
// object-write pipeline when it produces a new block. Reference counting
// is driven separately, by the BlockRef table's updated hook.
func (m *Manager) WriteBlock(ctx context.Context, data []byte) (hash [32]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	hash = Hash(data)
	m.mutationLock.Lock()
	err = m.store.Write(hash, data)
	m.mutationLock.Unlock()
	return hash, err
}

// PushToReplicas sends data to hash's replicas, returning once the
// peer lookup's write quorum has acked.
func (m *Manager) PushToReplicas(ctx context.Context, hash [32]byte, data []byte) error {
	if m.peers == nil || m.helper == nil {
		return nil
	}
	replicas := m.peers.ReplicasOf(hash)
	if len(replicas) == 0 {
		return nil
	}
	req, err := rpcmsg.Marshal(rpcmsg.PutBlock{Hash: hash, Data: data})
	if err != nil {
		return err
	}
	quorum := m.peers.WriteQuorum()
	if m.peers.SelfIsReplica(hash) {
		// The caller already wrote the block locally; that copy is one of
		// the quorum's acks.
		quorum--
	}
	if quorum < 0 {
		quorum = 0
	}
	strategy := rpc.Strategy{Priority: rpc.Normal, Timeout: blockRWTimeout, Quorum: quorum}
	_, err = m.helper.TryCallMany(ctx, rpcmsg.EndpointPutBlock, replicas, req, strategy)
	return err
}

// GetBlock returns hash's bytes, serving from the local store when the
// block is here and falling back to the other replicas otherwise. This
// is the read path the object pipeline uses; the local attempt handles a
// corrupted copy the same way RPCGetBlock does (quarantine + resync),
// and the remote fallback then picks up a healthy replica.
func (m *Manager) GetBlock(ctx context.Context, hash [32]byte) (data []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err = m.RPCGetBlock(ctx, hash)
	if err == nil {
		return data, nil
	}
	return m.fetchFromReplicas(ctx, hash, rpc.High)
}

// fetchFromReplicas pulls hash's bytes from the first replica that has
// it: peers are tried in ring order, first good reply wins. The resync
// loop calls it at Background priority; the foreground read path
// (GetBlock) at High.
func (m *Manager) fetchFromReplicas(ctx context.Context, hash [32]byte, priority rpc.Priority) ([]byte, error) {
	if m.peers == nil || m.helper == nil {
		return nil, Error.New("no peers configured to fetch block %x from", hash)
	}
	req, err := rpcmsg.Marshal(rpcmsg.GetBlock{Hash: hash})
	if err != nil {
		return nil, err
	}
	replicas := m.peers.ReplicasOf(hash)
	for _, peer := range replicas {
		strategy := rpc.Strategy{Priority: priority, Timeout: blockRWTimeout}
		resp, err := m.helper.Call(ctx, rpcmsg.EndpointGetBlock, peer, req, strategy)
		if err != nil {
			continue
		}
		var reply rpcmsg.PutBlockReply
		if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
			continue
		}
		if Hash(reply.Data) == hash {
			return reply.Data, nil
		}
	}
	return nil, Error.New("no replica of %x could serve it", hash)
}

// peersStillNeeding asks every replica of hash whether it still
// references it, returning the ones that do. An unreachable or
// undecodable peer is reported through needErr so the caller keeps the
// local copy instead of deleting a block it couldn't account for.
func (m *Manager) peersStillNeeding(ctx context.Context, hash [32]byte) (needers []rpc.NodeAddr, needErr error) {
	if m.peers == nil || m.helper == nil {
		return nil, nil
	}
	req, err := rpcmsg.Marshal(rpcmsg.NeedBlockQuery{Hash: hash})
	if err != nil {
		return nil, err
	}
	for _, peer := range m.peers.ReplicasOf(hash) {
		strategy := rpc.Strategy{Priority: rpc.Background, Timeout: 10 * time.Second}
		resp, err := m.helper.Call(ctx, rpcmsg.EndpointNeedBlockQuery, peer, req, strategy)
		if err != nil {
			needErr = err
			continue
		}
		var reply rpcmsg.NeedBlockReply
		if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
			needErr = err
			continue
		}
		if reply.Needed {
			needers = append(needers, peer)
		}
	}
	return needers, needErr
}

// offloadTo pushes hash's bytes to every needer, requiring all of them
// to ack before the caller may delete the local copy.
func (m *Manager) offloadTo(ctx context.Context, hash [32]byte, needers []rpc.NodeAddr) error {
	data, err := m.store.Read(hash)
	if err != nil {
		return err
	}
	req, err := rpcmsg.Marshal(rpcmsg.PutBlock{Hash: hash, Data: data})
	if err != nil {
		return err
	}
	strategy := rpc.Strategy{Priority: rpc.Background, Timeout: blockRWTimeout, Quorum: len(needers)}
	_, err = m.helper.TryCallMany(ctx, rpcmsg.EndpointPutBlock, needers, req, strategy)
	return err
}
