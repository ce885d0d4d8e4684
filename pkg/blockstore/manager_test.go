// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/kvstore"
)

func newManager(t *testing.T) *blockstore.Manager {
	t.Helper()
	m, _ := newManagerWithQueue(t)
	return m
}

func newManagerWithQueue(t *testing.T) (*blockstore.Manager, *blockstore.ResyncQueue) {
	t.Helper()
	store, err := blockstore.NewStore(blockstore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)

	eng := kvstore.NewMemoryEngine()
	rcBucket, err := eng.Bucket("rc")
	require.NoError(t, err)
	queueBucket, err := eng.Bucket("queue")
	require.NoError(t, err)
	errBucket, err := eng.Bucket("errors")
	require.NoError(t, err)

	rc := blockstore.NewRefCounter(rcBucket)
	resync := blockstore.NewResyncQueue(zaptest.NewLogger(t), queueBucket, errBucket)
	return blockstore.NewManager(zaptest.NewLogger(t), store, rc, resync, nil, nil), resync
}

func TestManagerWriteBlockThenGet(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	data := []byte("payload")

	hash, err := m.WriteBlock(ctx, data)
	require.NoError(t, err)

	got, err := m.RPCGetBlock(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	needed, err := m.NeedBlock(ctx, hash)
	require.NoError(t, err)
	assert.False(t, needed, "WriteBlock alone records no reference; that is the block-ref table's job")

	require.NoError(t, m.Incref(ctx, hash))
	needed, err = m.NeedBlock(ctx, hash)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestManagerPutBlockRejectsMismatchedHash(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	var wrongHash [32]byte
	wrongHash[0] = 0xff

	err := m.RPCPutBlock(ctx, wrongHash, []byte("payload"))
	assert.True(t, blockstore.CorruptData.Has(err))
}

func TestManagerPutBlockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	data := []byte("payload")
	hash := blockstore.Hash(data)

	require.NoError(t, m.RPCPutBlock(ctx, hash, data))
	require.NoError(t, m.RPCPutBlock(ctx, hash, data))

	got, err := m.RPCGetBlock(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestManagerIncrefDecrefTracksNeed(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	data := []byte("referenced")
	hash := blockstore.Hash(data)
	require.NoError(t, m.RPCPutBlock(ctx, hash, data))

	require.NoError(t, m.Incref(ctx, hash))
	needed, err := m.NeedBlock(ctx, hash)
	require.NoError(t, err)
	assert.True(t, needed)

	require.NoError(t, m.Decref(ctx, hash))
	needed, err = m.NeedBlock(ctx, hash)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestManagerRepairDataStoreEnqueuesUnreferencedBlocks(t *testing.T) {
	ctx := context.Background()
	m, resync := newManagerWithQueue(t)
	data := []byte("orphan")
	hash := blockstore.Hash(data)
	require.NoError(t, m.RPCPutBlock(ctx, hash, data))

	require.NoError(t, m.RepairDataStore(ctx))
	// The resync loop would then offload/delete it (no peers configured,
	// so nobody needs it); here we only assert repair queued the orphaned,
	// present-but-unreferenced block without erroring.
	e, ok, err := resync.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash, e.Hash())
}
