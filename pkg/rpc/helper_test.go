// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpc_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/rpc"
)

type fakeInvoker struct {
	fail  map[[32]byte]bool
	delay time.Duration
	calls int32
}

func (f *fakeInvoker) Invoke(ctx context.Context, node rpc.NodeAddr, endpoint string, req []byte) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[node.ID] {
		return nil, assert.AnError
	}
	return []byte("ok:" + endpoint), nil
}

func nodes(n int) []rpc.NodeAddr {
	out := make([]rpc.NodeAddr, n)
	for i := range out {
		out[i].ID[0] = byte(i + 1)
		out[i].Address = "node"
	}
	return out
}

func TestCallSucceeds(t *testing.T) {
	sched := rpc.NewScheduler(4, 16)
	defer sched.Stop()
	h := rpc.NewHelper(zaptest.NewLogger(t), &fakeInvoker{}, sched)

	resp, err := h.Call(context.Background(), "test.Endpoint", nodes(1)[0], nil, rpc.DefaultStrategy())
	require.NoError(t, err)
	assert.Equal(t, "ok:test.Endpoint", string(resp))
}

func TestTryCallManyQuorumSuccess(t *testing.T) {
	sched := rpc.NewScheduler(8, 16)
	defer sched.Stop()
	ns := nodes(3)
	inv := &fakeInvoker{fail: map[[32]byte]bool{ns[2].ID: true}}
	h := rpc.NewHelper(zaptest.NewLogger(t), inv, sched)

	strategy := rpc.Strategy{Priority: rpc.Normal, Timeout: time.Second, Quorum: 2}
	results, err := h.TryCallMany(context.Background(), "test.Endpoint", ns, nil, strategy)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestTryCallManyQuorumFailure(t *testing.T) {
	sched := rpc.NewScheduler(8, 16)
	defer sched.Stop()
	ns := nodes(3)
	inv := &fakeInvoker{fail: map[[32]byte]bool{ns[0].ID: true, ns[1].ID: true}}
	h := rpc.NewHelper(zaptest.NewLogger(t), inv, sched)

	strategy := rpc.Strategy{Priority: rpc.Normal, Timeout: time.Second, Quorum: 2}
	_, err := h.TryCallMany(context.Background(), "test.Endpoint", ns, nil, strategy)
	assert.Error(t, err)
}

func TestCallManyWaitsForAll(t *testing.T) {
	sched := rpc.NewScheduler(8, 16)
	defer sched.Stop()
	ns := nodes(3)
	inv := &fakeInvoker{fail: map[[32]byte]bool{ns[1].ID: true}}
	h := rpc.NewHelper(zaptest.NewLogger(t), inv, sched)

	results := h.CallMany(context.Background(), "test.Endpoint", ns, nil, rpc.DefaultStrategy())
	require.Len(t, results, 3)
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
}
