// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/kvstore"
)

func newRefCounter(t *testing.T) *blockstore.RefCounter {
	t.Helper()
	kv, err := kvstore.NewMemoryEngine().Bucket("rc")
	require.NoError(t, err)
	return blockstore.NewRefCounter(kv)
}

func TestRefCounterIncDecTracksCrossingZero(t *testing.T) {
	ctx := context.Background()
	rc := newRefCounter(t)
	var hash [32]byte
	hash[0] = 7

	count, crossed, err := rc.Inc(ctx, hash, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, crossed, "0 -> 1 crosses zero")

	count, crossed, err = rc.Inc(ctx, hash, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.False(t, crossed)

	count, crossed, err = rc.Inc(ctx, hash, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.True(t, crossed, "2 -> 0 crosses zero")
}

func TestRefCounterStampsLastDecrementedOnDropToZero(t *testing.T) {
	ctx := context.Background()
	rc := newRefCounter(t)
	var hash [32]byte
	hash[0] = 8

	_, _, err := rc.Inc(ctx, hash, 2)
	require.NoError(t, err)
	e, err := rc.GetEntry(ctx, hash)
	require.NoError(t, err)
	assert.True(t, e.LastDecremented.IsZero(), "no decrement yet")

	_, _, err = rc.Inc(ctx, hash, -2)
	require.NoError(t, err)
	e, err = rc.GetEntry(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Count)
	assert.WithinDuration(t, time.Now(), e.LastDecremented, time.Minute)
}

func TestRefCounterRemoveClearsEntry(t *testing.T) {
	ctx := context.Background()
	rc := newRefCounter(t)
	var hash [32]byte
	hash[0] = 6

	_, _, err := rc.Inc(ctx, hash, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Remove(ctx, hash))

	count, err := rc.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	require.NoError(t, rc.Remove(ctx, hash), "removing an absent entry is not an error")
}

func TestRefCounterGetAbsentIsZero(t *testing.T) {
	ctx := context.Background()
	rc := newRefCounter(t)
	var hash [32]byte
	count, err := rc.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRefCounterRangeVisitsAllKnownHashes(t *testing.T) {
	ctx := context.Background()
	rc := newRefCounter(t)
	var a, b [32]byte
	a[0], b[0] = 1, 2
	_, _, err := rc.Inc(ctx, a, 3)
	require.NoError(t, err)
	_, _, err = rc.Inc(ctx, b, 5)
	require.NoError(t, err)

	seen := map[[32]byte]int64{}
	require.NoError(t, rc.Range(ctx, func(hash [32]byte, count int64) error {
		seen[hash] = count
		return nil
	}))
	assert.Equal(t, map[[32]byte]int64{a: 3, b: 5}, seen)
}
