// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table

import (
	"context"

	"deuxfleurs.fr/garage/pkg/rpc"
	"deuxfleurs.fr/garage/pkg/rpcmsg"
)

// NetTransport is the concrete Transport, sending table RPCs through a
// node's shared *rpc.Helper to the matching Registry-routed endpoints a
// peer's Dispatcher serves.
type NetTransport struct {
	helper *rpc.Helper
}

// NewNetTransport constructs a NetTransport over helper.
func NewNetTransport(helper *rpc.Helper) *NetTransport {
	return &NetTransport{helper: helper}
}

func toRPCAddr(n NodeAddr) rpc.NodeAddr { return rpc.NodeAddr{ID: n.ID, Address: n.Address} }

// PushRow implements Transport.
func (n *NetTransport) PushRow(ctx context.Context, node NodeAddr, tableName string, row []byte) error {
	req, err := rpcmsg.Marshal(rpcmsg.TableUpdate{Table: tableName, Row: row})
	if err != nil {
		return err
	}
	strategy := rpc.Strategy{Priority: rpc.Normal, Timeout: rpc.DefaultStrategy().Timeout, Quorum: 1}
	_, err = n.helper.Call(ctx, rpcmsg.EndpointTableUpdate, toRPCAddr(node), req, strategy)
	return err
}

// FetchRow implements Transport.
func (n *NetTransport) FetchRow(ctx context.Context, node NodeAddr, tableName string, partitionKey, sortKey []byte) ([]byte, bool, error) {
	req, err := rpcmsg.Marshal(rpcmsg.TableFetch{Table: tableName, PartitionKey: partitionKey, SortKey: sortKey})
	if err != nil {
		return nil, false, err
	}
	strategy := rpc.Strategy{Priority: rpc.Normal, Timeout: rpc.DefaultStrategy().Timeout, Quorum: 1}
	resp, err := n.helper.Call(ctx, rpcmsg.EndpointTableFetch, toRPCAddr(node), req, strategy)
	if err != nil {
		return nil, false, err
	}
	var reply rpcmsg.TableFetchReply
	if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
		return nil, false, err
	}
	return reply.Row, reply.Found, nil
}

// SummarizeRemote implements Transport.
func (n *NetTransport) SummarizeRemote(ctx context.Context, node NodeAddr, tableName string, start, end []byte) ([32]byte, int64, error) {
	req, err := rpcmsg.Marshal(rpcmsg.TableSummarize{Table: tableName, RangeStart: start, RangeEnd: end})
	if err != nil {
		return [32]byte{}, 0, err
	}
	strategy := rpc.Strategy{Priority: rpc.Background, Timeout: rpc.DefaultStrategy().Timeout, Quorum: 1}
	resp, err := n.helper.Call(ctx, rpcmsg.EndpointTableSummarize, toRPCAddr(node), req, strategy)
	if err != nil {
		return [32]byte{}, 0, err
	}
	var reply rpcmsg.TableSummarizeReply
	if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
		return [32]byte{}, 0, err
	}
	return reply.Hash, reply.Count, nil
}

// FetchRange implements Transport.
func (n *NetTransport) FetchRange(ctx context.Context, node NodeAddr, tableName string, start, end []byte) ([]RawRow, error) {
	req, err := rpcmsg.Marshal(rpcmsg.TableRangeFetch{Table: tableName, RangeStart: start, RangeEnd: end})
	if err != nil {
		return nil, err
	}
	strategy := rpc.Strategy{Priority: rpc.Background, Timeout: rpc.DefaultStrategy().Timeout, Quorum: 1}
	resp, err := n.helper.Call(ctx, rpcmsg.EndpointTableRangeFetch, toRPCAddr(node), req, strategy)
	if err != nil {
		return nil, err
	}
	var reply rpcmsg.TableRangeFetchReply
	if err := rpcmsg.Unmarshal(resp, &reply); err != nil {
		return nil, err
	}
	out := make([]RawRow, len(reply.Rows))
	for i, row := range reply.Rows {
		out[i] = RawRow{Key: row.Key, Value: row.Value}
	}
	return out, nil
}
