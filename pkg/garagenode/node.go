// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package garagenode

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/identity"
	"deuxfleurs.fr/garage/pkg/kvstore"
	"deuxfleurs.fr/garage/pkg/membership"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/objectio"
	"deuxfleurs.fr/garage/pkg/ring"
	"deuxfleurs.fr/garage/pkg/rpc"
	"deuxfleurs.fr/garage/pkg/table"
)

// syncLoopInterval is how often each table's anti-entropy Syncer runs.
const syncLoopInterval = 30 * time.Second

// syncRunner is the non-generic method set table.Syncer[E] satisfies for
// any E, letting Node keep one homogeneous slice of syncers without
// importing every Table[E] instantiation here.
type syncRunner interface {
	Run(ctx context.Context, interval time.Duration)
}

// Node is the single top-level process object a `garage server` command
// constructs once at startup: every table, the block manager, membership
// and the RPC stack.
type Node struct {
	log *zap.Logger
	cfg Config

	identity   *identity.Identity
	networkKey identity.NetworkKey
	self       ring.NodeID

	engine kvstore.Engine

	scheduler  *rpc.Scheduler
	dispatcher *rpc.Dispatcher
	listener   *rpc.Listener
	helper     *rpc.Helper

	membership *membership.Membership
	ring       *ringHandle

	registry *table.Registry
	queue    *table.Queue

	buckets     *table.Table[meta.Bucket]
	bucketAlias *table.Table[meta.BucketAlias]
	keys        *table.Table[meta.Key]
	objects     *table.Table[meta.Object]
	versions    *table.Table[meta.Version]
	mpus        *table.Table[meta.MultipartUpload]
	blockRefs   *table.Table[meta.BlockRef]

	blocks   *blockstore.Manager
	pipeline *objectio.Pipeline

	syncers []syncRunner

	peerMu   sync.RWMutex
	peerBook peerBook
}

// New constructs a Node from cfg without starting any network I/O; call
// Run to actually listen and begin the background loops.
func New(log *zap.Logger, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.MetadataDir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}

	id, err := identity.LoadOrGenerate(cfg.MetadataDir)
	if err != nil {
		return nil, err
	}
	networkKey, err := identity.ParseNetworkKey(cfg.RPCSecret)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	self := NodeIDFromIdentity(id)

	layout, err := loadLayout(cfg.MetadataDir, cfg.ReplicationFactor)
	if err != nil {
		return nil, err
	}
	book, err := loadPeerList(cfg.MetadataDir)
	if err != nil {
		return nil, err
	}
	book[self] = cfg.RPCPublicAddr
	for _, raw := range cfg.BootstrapPeers {
		peer, err := ParseBootstrapPeer(raw)
		if err != nil {
			return nil, err
		}
		book[peer.ID] = peer.Address
	}

	engine, err := kvstore.OpenBolt(filepath.Join(cfg.MetadataDir, "meta.db"))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	n := &Node{
		log:        log.Named("garagenode"),
		cfg:        cfg,
		identity:   id,
		networkKey: networkKey,
		self:       self,
		engine:     engine,
		ring:       &ringHandle{},
		peerBook:   book,
	}

	dialer := func(ctx context.Context, address string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
	n.scheduler = rpc.NewScheduler(cfg.SchedulerWorkers, cfg.SchedulerQueueDepth)
	n.dispatcher = rpc.NewDispatcher()
	invoker := rpc.NewNetInvoker(dialer, networkKey)
	n.helper = rpc.NewHelper(n.log, invoker, n.scheduler)
	n.listener = rpc.NewListener(networkKey, n.dispatcher)

	bootstrapAddrs := make([]rpc.NodeAddr, 0, len(cfg.BootstrapPeers))
	for _, raw := range cfg.BootstrapPeers {
		peer, err := ParseBootstrapPeer(raw)
		if err != nil {
			return nil, err
		}
		bootstrapAddrs = append(bootstrapAddrs, rpc.NodeAddr{ID: peer.ID, Address: peer.Address})
	}
	n.membership = membership.New(n.log, self, id, n.helper, layout, bootstrapAddrs, n.selfStatus)
	for peerID, addr := range book {
		n.membership.AddPeer(peerID, rpc.NodeAddr{ID: peerID, Address: addr})
	}
	n.membership.RegisterHandlers(n.dispatcher)
	n.membership.OnLayoutChange(n.onLayoutChange)
	n.rebuildRing(layout)

	if err := n.openTables(); err != nil {
		return nil, err
	}
	if err := n.openBlockstore(); err != nil {
		return nil, err
	}

	n.pipeline = objectio.New(n.log, objectio.Tables{
		Objects:   n.objects,
		Versions:  n.versions,
		MPUs:      n.mpus,
		BlockRefs: n.blockRefs,
		Buckets:   n.buckets,
	}, n.blocks, meta.SystemClock{}, cfg.BlockSize)
	n.pipeline.RegisterQueueHandlers(n.queue)

	return n, nil
}

func (n *Node) addressOf(id ring.NodeID) string {
	if id == n.self {
		return n.cfg.RPCPublicAddr
	}
	return n.membership.AddressOf(id)
}

func (n *Node) quorum() (write, read int) {
	rf := n.cfg.ReplicationFactor
	write = rf/2 + 1
	read = rf/2 + 1
	return
}

func (n *Node) maxFaults() int {
	rf := n.cfg.ReplicationFactor
	f := (rf - 1) / 2
	if f < 0 {
		f = 0
	}
	return f
}

func (n *Node) openTables() error {
	sharded := table.Sharded{Ring: n.ring, AddressOf: n.addressOf}
	sharded.WriteQuorum, sharded.ReadQuorum = n.quorum()
	full := table.Full{
		AllNodes:  func() []ring.NodeID { return n.membership.CurrentLayout().ActiveNodes() },
		AddressOf: n.addressOf,
		MaxFaults: n.maxFaults(),
	}

	transport := table.NewNetTransport(n.helper)
	queueKV, err := n.engine.Bucket("table_queue")
	if err != nil {
		return Error.Wrap(err)
	}
	n.queue = table.NewQueue(n.log, queueKV)
	n.registry = table.NewRegistry()

	bucketsKV, err := n.engine.Bucket("bucket")
	if err != nil {
		return Error.Wrap(err)
	}
	aliasKV, err := n.engine.Bucket("bucket_alias")
	if err != nil {
		return Error.Wrap(err)
	}
	keysKV, err := n.engine.Bucket("key")
	if err != nil {
		return Error.Wrap(err)
	}
	objectsKV, err := n.engine.Bucket("object")
	if err != nil {
		return Error.Wrap(err)
	}
	versionsKV, err := n.engine.Bucket("version")
	if err != nil {
		return Error.Wrap(err)
	}
	mpusKV, err := n.engine.Bucket("multipart_upload")
	if err != nil {
		return Error.Wrap(err)
	}
	blockRefsKV, err := n.engine.Bucket("block_ref")
	if err != nil {
		return Error.Wrap(err)
	}

	n.buckets = table.New[meta.Bucket]("bucket", n.log, bucketsKV, nil, full, transport, n.queue)
	n.bucketAlias = table.New[meta.BucketAlias]("bucket_alias", n.log, aliasKV, nil, full, transport, n.queue)
	n.keys = table.New[meta.Key]("key", n.log, keysKV, nil, full, transport, n.queue)
	n.objects = table.New[meta.Object]("object", n.log, objectsKV, objectio.ObjectSchema{}, sharded, transport, n.queue)
	n.versions = table.New[meta.Version]("version", n.log, versionsKV, objectio.VersionSchema{}, sharded, transport, n.queue)
	n.mpus = table.New[meta.MultipartUpload]("multipart_upload", n.log, mpusKV, objectio.MPUSchema{}, sharded, transport, n.queue)
	n.blockRefs = table.New[meta.BlockRef]("block_ref", n.log, blockRefsKV, objectio.BlockRefSchema{}, sharded, transport, n.queue)

	n.registry.Register(n.buckets.Name, n.buckets.AsRawHandler())
	n.registry.Register(n.bucketAlias.Name, n.bucketAlias.AsRawHandler())
	n.registry.Register(n.keys.Name, n.keys.AsRawHandler())
	n.registry.Register(n.objects.Name, n.objects.AsRawHandler())
	n.registry.Register(n.versions.Name, n.versions.AsRawHandler())
	n.registry.Register(n.mpus.Name, n.mpus.AsRawHandler())
	n.registry.Register(n.blockRefs.Name, n.blockRefs.AsRawHandler())
	n.registry.RegisterRPC(n.dispatcher)

	peers := func() []table.NodeAddr { return n.syncPeers() }
	n.syncers = []syncRunner{
		table.NewSyncer(n.log, n.buckets, peers),
		table.NewSyncer(n.log, n.bucketAlias, peers),
		table.NewSyncer(n.log, n.keys, peers),
		table.NewSyncer(n.log, n.objects, peers),
		table.NewSyncer(n.log, n.versions, peers),
		table.NewSyncer(n.log, n.mpus, peers),
		table.NewSyncer(n.log, n.blockRefs, peers),
	}
	return nil
}

// syncPeers returns every other known node as a table.NodeAddr, the
// anti-entropy syncer's candidate list.
func (n *Node) syncPeers() []table.NodeAddr {
	ids := n.membership.CurrentLayout().ActiveNodes()
	out := make([]table.NodeAddr, 0, len(ids))
	for _, id := range ids {
		if id == n.self {
			continue
		}
		addr := n.addressOf(id)
		if addr == "" {
			continue
		}
		out = append(out, table.NodeAddr{ID: id, Address: addr})
	}
	return out
}

func (n *Node) openBlockstore() error {
	store, err := blockstore.NewStore(blockstore.Options{
		DataDir:  n.cfg.DataDir,
		Fsync:    n.cfg.DataFsync,
		Compress: n.cfg.Compression,
	})
	if err != nil {
		return err
	}
	rcKV, err := n.engine.Bucket("block_rc")
	if err != nil {
		return Error.Wrap(err)
	}
	resyncKV, err := n.engine.Bucket("resync_queue")
	if err != nil {
		return Error.Wrap(err)
	}
	resyncErrKV, err := n.engine.Bucket("resync_errors")
	if err != nil {
		return Error.Wrap(err)
	}

	writeQuorum, _ := n.quorum()
	peers := &ringPeerLookup{ring: n.ring, addressOf: n.addressOf, self: n.self, writeQuorum: writeQuorum}

	n.blocks = blockstore.NewManager(n.log, store, blockstore.NewRefCounter(rcKV), blockstore.NewResyncQueue(n.log, resyncKV, resyncErrKV), peers, n.helper)
	n.blocks.RegisterHandlers(n.dispatcher)
	return nil
}

// selfStatus reports this node's hostname and a placeholder disk-free
// figure for the status-exchange broadcast; disk accounting itself is
// left to the admin/metrics surface.
func (n *Node) selfStatus() (hostname string, diskAvailable uint64) {
	h, _ := os.Hostname()
	return h, 0
}

func (n *Node) onLayoutChange(layout ring.Layout) {
	n.rebuildRing(layout)
	if err := saveLayout(n.cfg.MetadataDir, layout); err != nil {
		n.log.Warn("failed to persist cluster layout", zap.Error(err))
	}
}

func (n *Node) rebuildRing(layout ring.Layout) {
	r, err := ring.Build(layout)
	if err != nil {
		n.log.Info("cluster layout not yet ready to derive a ring", zap.Error(err))
		return
	}
	if err := r.Check(); err != nil {
		n.log.Warn("derived ring failed its invariant check, keeping previous ring", zap.Error(err))
		return
	}
	n.ring.set(r)
}

// Run listens on the configured RPC address and runs every background
// loop (membership gossip, the table queue, block resync, per-table
// anti-entropy sync) until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.RPCBindAddr)
	if err != nil {
		return Error.Wrap(err)
	}

	var wg sync.WaitGroup
	wg.Add(4 + len(n.syncers))

	go func() {
		defer wg.Done()
		if err := n.listener.Serve(ctx, ln); err != nil {
			n.log.Error("rpc listener stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		n.membership.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.blocks.RunResyncLoop(ctx)
	}()
	for _, s := range n.syncers {
		s := s
		go func() {
			defer wg.Done()
			s.Run(ctx, syncLoopInterval)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	n.peerMu.Lock()
	_ = savePeerList(n.cfg.MetadataDir, n.peerBook)
	n.peerMu.Unlock()
	return Error.Wrap(n.engine.Close())
}

// Pipeline returns the object write/copy/GC pipeline, used by an S3
// front-end and by `garage repair`.
func (n *Node) Pipeline() *objectio.Pipeline { return n.pipeline }

// Blocks returns the block manager, used by `garage repair`'s
// scrub/repair-data-store operations.
func (n *Node) Blocks() *blockstore.Manager { return n.blocks }

// Buckets, BucketAliases and Keys expose the Full-replicated identity
// tables the admin API manages directly.
func (n *Node) Buckets() *table.Table[meta.Bucket] { return n.buckets }

func (n *Node) BucketAliases() *table.Table[meta.BucketAlias] { return n.bucketAlias }

func (n *Node) Keys() *table.Table[meta.Key] { return n.keys }

// Membership exposes the gossip/discovery component, used by
// `garage node status` and `garage layout` commands.
func (n *Node) Membership() *membership.Membership { return n.membership }

// Identity exposes this node's persistent keypair; the node id that
// `garage node status` prints (SelfID) is derived from its public key.
func (n *Node) Identity() *identity.Identity { return n.identity }

// SelfID returns this node's ring.NodeID.
func (n *Node) SelfID() ring.NodeID { return n.self }

// Config returns the node's resolved configuration.
func (n *Node) Config() Config { return n.cfg }
