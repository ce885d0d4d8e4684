// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package kvstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/kvstore"
)

func TestMemoryEnginePutGetDelete(t *testing.T) {
	ctx := context.Background()
	e := kvstore.NewMemoryEngine()
	kv, err := e.Bucket("things")
	require.NoError(t, err)

	_, err = kv.Get(ctx, []byte("a"))
	assert.Equal(t, kvstore.ErrNotFound, err)

	require.NoError(t, kv.Put(ctx, []byte("a"), []byte("1")))
	v, err := kv.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, kv.Delete(ctx, []byte("a")))
	_, err = kv.Get(ctx, []byte("a"))
	assert.Equal(t, kvstore.ErrNotFound, err)
}

func TestMemoryEngineBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	e := kvstore.NewMemoryEngine()
	a, err := e.Bucket("a")
	require.NoError(t, err)
	b, err := e.Bucket("b")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, []byte("k"), []byte("a-value")))
	_, err = b.Get(ctx, []byte("k"))
	assert.Equal(t, kvstore.ErrNotFound, err)

	again, err := e.Bucket("a")
	require.NoError(t, err)
	v, err := again.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a-value"), v)
}

func TestMemoryEngineRangeRespectsBounds(t *testing.T) {
	ctx := context.Background()
	e := kvstore.NewMemoryEngine()
	kv, err := e.Bucket("range")
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, kv.Put(ctx, []byte(k), []byte(k)))
	}

	var seen []string
	require.NoError(t, kv.Range(ctx, []byte("b"), []byte("d"), func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	}))
	assert.Equal(t, []string{"b", "c"}, seen)
}

func TestMemoryEngineRangeStopsEarly(t *testing.T) {
	ctx := context.Background()
	e := kvstore.NewMemoryEngine()
	kv, err := e.Bucket("range")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, kv.Put(ctx, []byte(k), []byte(k)))
	}

	var seen []string
	require.NoError(t, kv.Range(ctx, nil, nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return len(seen) < 2
	}))
	assert.Equal(t, []string{"a", "b"}, seen)
}
