// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/kvstore"
)

func newResyncQueue(t *testing.T) *blockstore.ResyncQueue {
	t.Helper()
	eng := kvstore.NewMemoryEngine()
	q, err := eng.Bucket("queue")
	require.NoError(t, err)
	errs, err := eng.Bucket("errors")
	require.NoError(t, err)
	return blockstore.NewResyncQueue(zaptest.NewLogger(t), q, errs)
}

func TestResyncQueuePeekReturnsEarliestDue(t *testing.T) {
	ctx := context.Background()
	q := newResyncQueue(t)

	var a, b [32]byte
	a[0], b[0] = 1, 2
	now := time.Now()
	require.NoError(t, q.PutAt(ctx, now.Add(time.Hour), a))
	require.NoError(t, q.PutAt(ctx, now, b))

	e, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, e.Hash())
}

func TestResyncQueueRemoveDropsEntry(t *testing.T) {
	ctx := context.Background()
	q := newResyncQueue(t)
	var hash [32]byte
	hash[0] = 9
	require.NoError(t, q.PutNow(ctx, hash))

	e, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Remove(ctx, e))

	_, ok, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResyncQueueRecordErrorBacksOffExponentially(t *testing.T) {
	ctx := context.Background()
	q := newResyncQueue(t)
	var hash [32]byte
	hash[0] = 3

	// base * 2^(k-1): the k-th consecutive failure backs off by exactly
	// 30s, 60s, 120s, ...
	first, err := q.RecordError(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, first)

	second, err := q.RecordError(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, second)

	third, err := q.RecordError(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, third)

	// the exponent saturates at 2^10
	var last time.Duration
	for i := 0; i < 20; i++ {
		last, err = q.RecordError(ctx, hash)
		require.NoError(t, err)
	}
	assert.Equal(t, 30*time.Second<<10, last)
}

func TestResyncQueueRecordSuccessClearsBackoff(t *testing.T) {
	ctx := context.Background()
	q := newResyncQueue(t)
	var hash [32]byte
	hash[0] = 4

	_, err := q.RecordError(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, q.RecordSuccess(ctx, hash))

	// After clearing, a fresh error should back off by the base amount
	// again rather than continuing to escalate.
	firstAfterClear, err := q.RecordError(ctx, hash)
	require.NoError(t, err)
	assert.Less(t, firstAfterClear, 2*time.Hour)
}
