// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package rpcmsg defines the typed, tagged-union messages exchanged
// between peers: block RPCs, status exchange, layout pull/push, and the
// table replication/sync calls. Field tags are the `protobuf:"..."`
// struct tags a gogo/protobuf codegen pass would emit for these messages;
// they document the intended compact wire schema (see codec.go for the
// codec actually in place).
package rpcmsg

// Endpoint names the RPC methods this node exposes to peers.
const (
	EndpointGetBlock          = "block.Get"
	EndpointPutBlock          = "block.Put"
	EndpointNeedBlockQuery    = "block.NeedBlockQuery"
	EndpointAdvertiseStatus   = "membership.AdvertiseStatus"
	EndpointPullClusterLayout = "membership.PullClusterLayout"
	EndpointTableUpdate       = "table.Update"
	EndpointTableFetch        = "table.Fetch"
	EndpointTableSummarize    = "table.Summarize"
	EndpointTableRangeFetch   = "table.RangeFetch"
)

// GetBlock requests the raw bytes of a block by content hash.
type GetBlock struct {
	Hash [32]byte `protobuf:"bytes,1,opt,name=hash"`
}

// PutBlockReply carries a block's bytes back to the caller. Data is
// post-decompression: the wire format for compressed blocks is handled
// transparently by pkg/blockstore before this message is constructed.
type PutBlockReply struct {
	Hash       [32]byte `protobuf:"bytes,1,opt,name=hash"`
	Data       []byte   `protobuf:"bytes,2,opt,name=data"`
	Compressed bool     `protobuf:"varint,3,opt,name=compressed"`
}

// PutBlock pushes a block's bytes to a replica. Idempotent: a replica
// that already has the block acks immediately without rewriting it.
type PutBlock struct {
	Hash       [32]byte `protobuf:"bytes,1,opt,name=hash"`
	Data       []byte   `protobuf:"bytes,2,opt,name=data"`
	Compressed bool     `protobuf:"varint,3,opt,name=compressed"`
}

// PutBlockAck is the empty success response to PutBlock.
type PutBlockAck struct{}

// NeedBlockQuery asks a peer whether it still needs a block, used by the
// resync loop before offloading a no-longer-needed local copy.
type NeedBlockQuery struct {
	Hash [32]byte `protobuf:"bytes,1,opt,name=hash"`
}

// NeedBlockReply answers NeedBlockQuery.
type NeedBlockReply struct {
	Needed bool `protobuf:"varint,1,opt,name=needed"`
}

// AdvertiseStatus is the periodic status-exchange broadcast, sent to
// every connected peer on a fixed cadence. A receiver that sees a higher
// layout version or a different staging hash than its own pulls the full
// layout from Sender.
type AdvertiseStatus struct {
	Sender        [32]byte `protobuf:"bytes,1,opt,name=sender"`
	Hostname      string   `protobuf:"bytes,2,opt,name=hostname"`
	LayoutVersion uint64   `protobuf:"varint,3,opt,name=layout_version"`
	StagingHash   [32]byte `protobuf:"bytes,4,opt,name=staging_hash"`
	DiskAvailable uint64   `protobuf:"varint,5,opt,name=disk_avail"`
}

// PullClusterLayout requests the sender's full committed+staging layout.
type PullClusterLayout struct{}

// ClusterLayoutReply carries a serialized layout snapshot. The layout
// itself is gob-encoded by pkg/membership (its encodeLayout);
// this message only carries the opaque bytes plus its version for quick
// comparison before decoding.
type ClusterLayoutReply struct {
	Version uint64 `protobuf:"varint,1,opt,name=version"`
	Encoded []byte `protobuf:"bytes,2,opt,name=encoded"`
}

// TableUpdate pushes one encoded CRDT row to a table replica.
type TableUpdate struct {
	Table        string `protobuf:"bytes,1,opt,name=table"`
	PartitionKey []byte `protobuf:"bytes,2,opt,name=partition_key"`
	SortKey      []byte `protobuf:"bytes,3,opt,name=sort_key"`
	Row          []byte `protobuf:"bytes,4,opt,name=row"`
}

// TableUpdateAck is the empty success response to TableUpdate.
type TableUpdateAck struct{}

// TableFetch requests one row for read-repair or anti-entropy.
type TableFetch struct {
	Table        string `protobuf:"bytes,1,opt,name=table"`
	PartitionKey []byte `protobuf:"bytes,2,opt,name=partition_key"`
	SortKey      []byte `protobuf:"bytes,3,opt,name=sort_key"`
}

// TableFetchReply answers TableFetch. Found is false when the replica has
// no copy of the row.
type TableFetchReply struct {
	Found bool   `protobuf:"varint,1,opt,name=found"`
	Row   []byte `protobuf:"bytes,2,opt,name=row"`
}

// TableSummarize asks a peer to fold every row in [RangeStart, RangeEnd)
// into a single Merkle-style digest, the cheap first step of anti-entropy
// sync.
type TableSummarize struct {
	Table      string `protobuf:"bytes,1,opt,name=table"`
	RangeStart []byte `protobuf:"bytes,2,opt,name=range_start"`
	RangeEnd   []byte `protobuf:"bytes,3,opt,name=range_end"`
}

// TableSummarizeReply answers TableSummarize.
type TableSummarizeReply struct {
	Hash  [32]byte `protobuf:"bytes,1,opt,name=hash"`
	Count int64    `protobuf:"varint,2,opt,name=count"`
}

// TableRangeFetch requests every row in [RangeStart, RangeEnd), used once
// TableSummarize has shown the range diverges.
type TableRangeFetch struct {
	Table      string `protobuf:"bytes,1,opt,name=table"`
	RangeStart []byte `protobuf:"bytes,2,opt,name=range_start"`
	RangeEnd   []byte `protobuf:"bytes,3,opt,name=range_end"`
}

// TableRow is one encoded row as carried by TableRangeFetchReply; Key is
// the table's internal partitionKey||0||sortKey encoding, opaque outside
// pkg/table.
type TableRow struct {
	Key   []byte `protobuf:"bytes,1,opt,name=key"`
	Value []byte `protobuf:"bytes,2,opt,name=value"`
}

// TableRangeFetchReply answers TableRangeFetch with every matching row.
type TableRangeFetchReply struct {
	Rows []TableRow `protobuf:"bytes,1,rep,name=rows"`
}
