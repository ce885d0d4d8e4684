// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table

import (
	"context"
	"sync"

	"deuxfleurs.fr/garage/pkg/rpc"
	"deuxfleurs.fr/garage/pkg/rpcmsg"
)

// RawHandler is the untyped RPC surface a Table[E] exposes once
// registered in a Registry: push/fetch/summarize/range-fetch over
// already-encoded bytes, so one Dispatcher endpoint can route to any
// table by name without the dispatch code needing to know E.
type RawHandler interface {
	PushRaw(ctx context.Context, row []byte) error
	FetchRaw(ctx context.Context, partitionKey, sortKey []byte) ([]byte, bool, error)
	SummarizeRaw(ctx context.Context, start, end []byte) ([32]byte, int64, error)
	RangeRaw(ctx context.Context, start, end []byte) ([]RawRow, error)
}

// Registry maps table names to their RawHandler, the thing a node's
// Dispatcher consults to serve table.Update/table.Fetch/table.Summarize/
// table.RangeFetch regardless of which concrete Table[E] backs the name:
// every metadata table rides the same replicated-store machinery.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]RawHandler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]RawHandler)}
}

// Register installs name's RawHandler, typically t.AsRawHandler().
func (r *Registry) Register(name string, h RawHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[name] = h
}

func (r *Registry) get(name string) (RawHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tables[name]
	return h, ok
}

// RegisterRPC installs the four generic table endpoints on d, each
// decoding its rpcmsg request, routing by its Table field, and replying
// through the matching RawHandler.
func (r *Registry) RegisterRPC(d *rpc.Dispatcher) {
	d.Register(rpcmsg.EndpointTableUpdate, r.handleUpdate)
	d.Register(rpcmsg.EndpointTableFetch, r.handleFetch)
	d.Register(rpcmsg.EndpointTableSummarize, r.handleSummarize)
	d.Register(rpcmsg.EndpointTableRangeFetch, r.handleRangeFetch)
}

func (r *Registry) handleUpdate(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.TableUpdate
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	h, ok := r.get(msg.Table)
	if !ok {
		return nil, Error.New("unknown table %q", msg.Table)
	}
	if err := h.PushRaw(ctx, msg.Row); err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.TableUpdateAck{})
}

func (r *Registry) handleFetch(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.TableFetch
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	h, ok := r.get(msg.Table)
	if !ok {
		return nil, Error.New("unknown table %q", msg.Table)
	}
	row, found, err := h.FetchRaw(ctx, msg.PartitionKey, msg.SortKey)
	if err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.TableFetchReply{Found: found, Row: row})
}

func (r *Registry) handleSummarize(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.TableSummarize
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	h, ok := r.get(msg.Table)
	if !ok {
		return nil, Error.New("unknown table %q", msg.Table)
	}
	hash, count, err := h.SummarizeRaw(ctx, msg.RangeStart, msg.RangeEnd)
	if err != nil {
		return nil, err
	}
	return rpcmsg.Marshal(rpcmsg.TableSummarizeReply{Hash: hash, Count: count})
}

func (r *Registry) handleRangeFetch(ctx context.Context, req []byte) ([]byte, error) {
	var msg rpcmsg.TableRangeFetch
	if err := rpcmsg.Unmarshal(req, &msg); err != nil {
		return nil, err
	}
	h, ok := r.get(msg.Table)
	if !ok {
		return nil, Error.New("unknown table %q", msg.Table)
	}
	rows, err := h.RangeRaw(ctx, msg.RangeStart, msg.RangeEnd)
	if err != nil {
		return nil, err
	}
	out := make([]rpcmsg.TableRow, len(rows))
	for i, row := range rows {
		out[i] = rpcmsg.TableRow{Key: row.Key, Value: row.Value}
	}
	return rpcmsg.Marshal(rpcmsg.TableRangeFetchReply{Rows: out})
}
