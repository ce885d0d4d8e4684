// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table

import (
	"bytes"
	"context"

	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/ring"
)

// Sharded replication hashes a row's partition key to one of the ring's
// 256 partitions and replicates across that partition's write/read nodes.
// Used for Object, Version, MultipartUpload, BlockRef.
type Sharded struct {
	Ring        RingLookup
	WriteQuorum int
	ReadQuorum  int
	AddressOf   func(ring.NodeID) string
}

// RingLookup is the subset of *ring.Ring that Sharded needs; kept as an
// interface so table tests can supply a fake ring.
type RingLookup interface {
	WriteNodes(hash [32]byte) []ring.NodeID
	ReadNodes(hash [32]byte) []ring.NodeID
}

func hashOfKey(partitionKey []byte) [32]byte {
	// partition keys for sharded tables are already content hashes or
	// UUIDs of fixed width; when shorter than 32 bytes they are
	// zero-padded, which is stable and sufficient since the ring only
	// reads the first byte as the partition prefix.
	var h [32]byte
	copy(h[:], partitionKey)
	return h
}

// Nodes implements Replication.
func (s Sharded) Nodes(partitionKey []byte) []NodeAddr {
	ids := s.Ring.WriteNodes(hashOfKey(partitionKey))
	out := make([]NodeAddr, len(ids))
	for i, id := range ids {
		out[i] = NodeAddr{ID: id, Address: s.AddressOf(id)}
	}
	return out
}

// Quorum implements Replication.
func (s Sharded) Quorum() (w, r int) { return s.WriteQuorum, s.ReadQuorum }

// Full replication sends every write to every known node and requires
// acks from all but MaxFaults of them. Used for Bucket, BucketAlias, Key.
type Full struct {
	AllNodes  func() []ring.NodeID
	AddressOf func(ring.NodeID) string
	MaxFaults int
}

// Nodes implements Replication.
func (f Full) Nodes(_ []byte) []NodeAddr {
	ids := f.AllNodes()
	out := make([]NodeAddr, len(ids))
	for i, id := range ids {
		out[i] = NodeAddr{ID: id, Address: f.AddressOf(id)}
	}
	return out
}

// Quorum implements Replication.
func (f Full) Quorum() (w, r int) {
	n := len(f.AllNodes())
	need := n - f.MaxFaults
	if need < 1 {
		need = 1
	}
	return need, need
}

// GetReplicated reads (partitionKey, sortKey) from this table's replica
// set, merges every copy that comes back once the read quorum is met,
// and — when the replicas don't all agree — pushes the merged row back
// to them in the background (read-repair). With no transport configured
// it degrades to a local read.
func GetReplicated[E meta.Entry[E]](ctx context.Context, t *Table[E], partitionKey, sortKey []byte) (E, bool, error) {
	var zero E
	local, found, err := t.GetLocal(ctx, partitionKey, sortKey)
	if err != nil {
		return zero, false, err
	}
	if t.replication == nil || t.transport == nil {
		return local, found, nil
	}

	nodes := t.replication.Nodes(partitionKey)
	_, rq := t.replication.Quorum()

	type reply struct {
		node  NodeAddr
		raw   []byte
		found bool
		err   error
	}
	replies := make(chan reply, len(nodes))
	for _, n := range nodes {
		n := n
		go func() {
			raw, rowFound, err := t.transport.FetchRow(ctx, n, t.Name, partitionKey, sortKey)
			replies <- reply{node: n, raw: raw, found: rowFound, err: err}
		}()
	}

	merged, have := local, found
	acks := 0
	divergent := false
	var lastErr error
	var firstRaw []byte
	repairTo := make([]NodeAddr, 0, len(nodes))
	for i := 0; i < len(nodes); i++ {
		r := <-replies
		if r.err != nil {
			lastErr = r.err
			continue
		}
		acks++
		repairTo = append(repairTo, r.node)
		if !r.found {
			divergent = divergent || have
			continue
		}
		if firstRaw == nil {
			firstRaw = r.raw
		} else if !bytes.Equal(firstRaw, r.raw) {
			divergent = true
		}
		row, err := t.codec.Decode(r.raw)
		if err != nil {
			lastErr = err
			continue
		}
		if have {
			merged = merged.Merge(row)
		} else {
			merged, have = row, true
		}
		if acks >= rq && !divergent {
			break
		}
	}
	if acks < rq {
		return zero, false, Error.New("read quorum failed: got %d acks, need %d: %v", acks, rq, lastErr)
	}
	if !have {
		return zero, false, nil
	}

	if _, err := t.InsertLocal(ctx, merged); err != nil {
		return merged, true, err
	}
	if divergent {
		if encoded, err := t.codec.Encode(merged); err == nil {
			repairCtx := context.WithoutCancel(ctx)
			for _, n := range repairTo {
				n := n
				go func() { _ = t.transport.PushRow(repairCtx, n, t.Name, encoded) }()
			}
		}
	}
	return merged, true, nil
}

// InsertReplicated merges e locally, then pushes the merged row to every
// node of this table's replica set. It waits for every push to finish and
// fails unless at least the write quorum acked.
func InsertReplicated[E meta.Entry[E]](ctx context.Context, t *Table[E], e E) (E, error) {
	merged, err := t.InsertLocal(ctx, e)
	if err != nil {
		return merged, err
	}
	if t.replication == nil || t.transport == nil {
		return merged, nil
	}

	encoded, err := t.codec.Encode(merged)
	if err != nil {
		return merged, err
	}

	nodes := t.replication.Nodes(e.PartitionKey())
	wq, _ := t.replication.Quorum()

	acks := 0
	errCh := make(chan error, len(nodes))
	for _, n := range nodes {
		n := n
		go func() {
			errCh <- t.transport.PushRow(ctx, n, t.Name, encoded)
		}()
	}
	var lastErr error
	for range nodes {
		if err := <-errCh; err != nil {
			lastErr = err
			continue
		}
		acks++
	}
	if acks < wq {
		return merged, Error.New("quorum failed: got %d acks, need %d: %v", acks, wq, lastErr)
	}
	return merged, nil
}
