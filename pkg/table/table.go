// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package table implements the generic replicated keyed store every
// metadata table (buckets, keys, objects, versions, multipart uploads,
// block-refs) is built from. Each schema is monomorphised as Table[E]
// rather than registered behind a dynamic-dispatch interface, keeping
// dynamic dispatch off the hot paths.
package table

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"deuxfleurs.fr/garage/pkg/kvstore"
	"deuxfleurs.fr/garage/pkg/meta"
)

// Error is this package's error class.
var Error = errs.Class("table")

var mon = monkit.Package()

// Codec encodes and decodes rows of type E. Rows hold Go-generic CRDT
// types with no natural protobuf schema, so gob is used: row encoding is
// produced and consumed exclusively by this package on both ends of a
// table RPC, never by foreign clients.
type Codec[E any] struct{}

// Encode gob-encodes a row.
func (Codec[E]) Encode(e E) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes a row.
func (Codec[E]) Decode(data []byte) (E, error) {
	var e E
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return e, Error.Wrap(err)
	}
	return e, nil
}

// Schema is the per-table hook set: Updated runs as part of the local
// row write, and can enqueue side effects (propagation deletions,
// counter updates) via Tx.Enqueue; the items are persisted to the
// table's Queue before the row commits and drained by its background
// worker.
type Schema[E meta.Entry[E]] interface {
	// Updated is called after old is merged with an incoming write to
	// produce new. old may be the zero value if the row didn't exist yet.
	Updated(tx *Tx, old, new E)
}

// Tx is the local transaction context passed to a Schema's Updated hook.
// It collects the work the hook enqueues; InsertLocal persists the
// collected items to the Queue's backing bucket before committing the
// row write they belong to.
type Tx struct {
	items []QueueItem
}

// Enqueue schedules item to be processed after this transaction commits.
func (tx *Tx) Enqueue(item QueueItem) {
	tx.items = append(tx.items, item)
}

// Replication picks which nodes a row's partition key maps to and the
// write and read quorums; GetReplicated and InsertReplicated carry out
// the network side with it. Sharded and Full (replication.go) both
// implement it.
type Replication interface {
	// Nodes returns the ordered replica set for partitionKey.
	Nodes(partitionKey []byte) []NodeAddr
	// Quorum returns (writeQuorum, readQuorum) for this strategy.
	Quorum() (w, r int)
}

// NodeAddr is the minimal addressing info Replication needs; pkg/rpc's
// concrete dialer resolves it further.
type NodeAddr struct {
	ID      [32]byte
	Address string
}

// Transport abstracts the RPC helper (pkg/rpc) behind a small interface so
// this file has no import-cycle dependency on it: it only needs to push
// an encoded row to a set of nodes, fetch encoded rows back for
// read-repair, and (for the anti-entropy syncer) summarize and bulk-fetch
// a key range. NetTransport (nettransport.go) is the concrete
// implementation over pkg/rpc; tests pass nil for a local-only Table.
type Transport interface {
	PushRow(ctx context.Context, node NodeAddr, tableName string, row []byte) error
	FetchRow(ctx context.Context, node NodeAddr, tableName string, partitionKey, sortKey []byte) ([]byte, bool, error)
	SummarizeRemote(ctx context.Context, node NodeAddr, tableName string, start, end []byte) (hash [32]byte, count int64, err error)
	FetchRange(ctx context.Context, node NodeAddr, tableName string, start, end []byte) ([]RawRow, error)
}

// RawRow is one encoded row as transferred by anti-entropy sync: Key is
// this package's internal partitionKey||0||sortKey encoding.
type RawRow struct {
	Key   []byte
	Value []byte
}

// Table is a generic CRDT-replicated store over (partitionKey, sortKey)
// -> E.
type Table[E meta.Entry[E]] struct {
	Name        string
	log         *zap.Logger
	local       kvstore.KV
	schema      Schema[E]
	replication Replication
	transport   Transport
	codec       Codec[E]
	queue       *Queue

	mu sync.Mutex
}

// New constructs a Table. local is this node's authoritative copy of the
// rows it's a replica for; transport and replication may be nil for a
// single-node / test configuration, in which case writes and reads only
// touch local storage.
func New[E meta.Entry[E]](name string, log *zap.Logger, local kvstore.KV, schema Schema[E], replication Replication, transport Transport, queue *Queue) *Table[E] {
	return &Table[E]{
		Name:        name,
		log:         log.Named(name),
		local:       local,
		schema:      schema,
		replication: replication,
		transport:   transport,
		queue:       queue,
	}
}

func rowKey(partitionKey, sortKey []byte) []byte {
	out := make([]byte, 0, len(partitionKey)+len(sortKey)+1)
	out = append(out, partitionKey...)
	out = append(out, 0)
	out = append(out, sortKey...)
	return out
}

// GetLocal reads and decodes the local copy of (p, s), if any, without
// touching the network. Used by read paths that already hold quorum
// results, and by tests.
func (t *Table[E]) GetLocal(ctx context.Context, partitionKey, sortKey []byte) (E, bool, error) {
	defer mon.Task()(&ctx)(nil)
	var zero E
	raw, err := t.local.Get(ctx, rowKey(partitionKey, sortKey))
	if err == kvstore.ErrNotFound {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, Error.Wrap(err)
	}
	row, err := t.codec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return row, true, nil
}

// InsertLocal merges e into the local copy of its row and runs the schema
// hook in the same logical transaction, returning the merged row. This is
// the building block InsertReplicated and GetReplicated build on, and
// what PutRaw and MergeRaw call for rows received from peers.
func (t *Table[E]) InsertLocal(ctx context.Context, e E) (E, error) {
	defer mon.Task()(&ctx)(nil)
	t.mu.Lock()
	defer t.mu.Unlock()

	key := rowKey(e.PartitionKey(), e.SortKey())
	old, existed, err := t.GetLocal(ctx, e.PartitionKey(), e.SortKey())
	if err != nil {
		return old, err
	}

	merged := e
	if existed {
		merged = old.Merge(e)
	}

	encoded, err := t.codec.Encode(merged)
	if err != nil {
		return merged, err
	}

	// Side-effect items are persisted before the row itself: a failure
	// between the two leaves a spurious item for a transition that never
	// committed (handlers tolerate reprocessing), never a committed row
	// whose side effects were dropped.
	if t.schema != nil {
		tx := &Tx{}
		t.schema.Updated(tx, old, merged)
		if t.queue != nil {
			for _, item := range tx.items {
				if err := t.queue.Push(ctx, item); err != nil {
					return merged, err
				}
			}
		}
	}

	if err := t.local.Put(ctx, key, encoded); err != nil {
		return merged, Error.Wrap(err)
	}

	return merged, nil
}

// PutRaw merges an already-encoded row into the local store under key,
// decoding it with this table's codec to run the merge and schema hook.
// Used by the server side of TableUpdate, where the dispatcher only knows
// the table name, not its row type.
func (t *Table[E]) PutRaw(ctx context.Context, row []byte) error {
	e, err := t.codec.Decode(row)
	if err != nil {
		return err
	}
	_, err = t.InsertLocal(ctx, e)
	return err
}

// GetRaw returns the still-encoded bytes of (partitionKey, sortKey), for
// the server side of TableFetch.
func (t *Table[E]) GetRaw(ctx context.Context, partitionKey, sortKey []byte) ([]byte, bool, error) {
	raw, err := t.local.Get(ctx, rowKey(partitionKey, sortKey))
	if err == kvstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	return raw, true, nil
}

// SummarizeRaw is Summarize under the untyped RawHandler surface.
func (t *Table[E]) SummarizeRaw(ctx context.Context, start, end []byte) ([32]byte, int64, error) {
	s, err := t.Summarize(ctx, start, end)
	if err != nil {
		return [32]byte{}, 0, err
	}
	return s.Hash, int64(s.Count), nil
}

// RangeRaw returns every local row in [start, end) still encoded, for the
// server side of TableRangeFetch.
func (t *Table[E]) RangeRaw(ctx context.Context, start, end []byte) ([]RawRow, error) {
	var out []RawRow
	err := t.local.Range(ctx, start, end, func(key, value []byte) bool {
		out = append(out, RawRow{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		return true
	})
	return out, err
}

// MergeRaw merges an already-encoded row (as received from RangeRaw on a
// peer) into the local store. raw.Key is not used: InsertLocal derives
// the key again from the decoded row.
func (t *Table[E]) MergeRaw(ctx context.Context, raw RawRow) error {
	e, err := t.codec.Decode(raw.Value)
	if err != nil {
		return err
	}
	_, err = t.InsertLocal(ctx, e)
	return err
}

// AsRawHandler exposes this table's untyped RPC surface for registration
// in a Registry, so one Dispatcher endpoint can route to any table by
// name without importing every Table[E] instantiation.
func (t *Table[E]) AsRawHandler() RawHandler {
	return rawHandler[E]{t}
}

type rawHandler[E meta.Entry[E]] struct{ t *Table[E] }

func (h rawHandler[E]) PushRaw(ctx context.Context, row []byte) error { return h.t.PutRaw(ctx, row) }

func (h rawHandler[E]) FetchRaw(ctx context.Context, partitionKey, sortKey []byte) ([]byte, bool, error) {
	return h.t.GetRaw(ctx, partitionKey, sortKey)
}

func (h rawHandler[E]) SummarizeRaw(ctx context.Context, start, end []byte) ([32]byte, int64, error) {
	return h.t.SummarizeRaw(ctx, start, end)
}

func (h rawHandler[E]) RangeRaw(ctx context.Context, start, end []byte) ([]RawRow, error) {
	return h.t.RangeRaw(ctx, start, end)
}

// Range walks every local row whose partition key is between start and
// end (nil end means unbounded), decoding each.
func (t *Table[E]) Range(ctx context.Context, start, end []byte, fn func(E) bool) error {
	return t.local.Range(ctx, start, end, func(key, value []byte) bool {
		row, err := t.codec.Decode(value)
		if err != nil {
			t.log.Warn("dropping undecodable row during range scan", zap.Error(err))
			return true
		}
		return fn(row)
	})
}
