// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/kvstore"
)

func TestBoltEnginePutGetDelete(t *testing.T) {
	ctx := context.Background()
	e, err := kvstore.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer e.Close()

	kv, err := e.Bucket("things")
	require.NoError(t, err)

	require.NoError(t, kv.Put(ctx, []byte("k"), []byte("v")))
	v, err := kv.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, kv.Delete(ctx, []byte("k")))
	_, err = kv.Get(ctx, []byte("k"))
	assert.Equal(t, kvstore.ErrNotFound, err)
}

func TestBoltEnginePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	e1, err := kvstore.OpenBolt(path)
	require.NoError(t, err)
	kv1, err := e1.Bucket("things")
	require.NoError(t, err)
	require.NoError(t, kv1.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, e1.Close())

	e2, err := kvstore.OpenBolt(path)
	require.NoError(t, err)
	defer e2.Close()
	kv2, err := e2.Bucket("things")
	require.NoError(t, err)
	v, err := kv2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestBoltEngineRangeOrdersKeys(t *testing.T) {
	ctx := context.Background()
	e, err := kvstore.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer e.Close()
	kv, err := e.Bucket("range")
	require.NoError(t, err)

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, kv.Put(ctx, []byte(k), []byte(k)))
	}

	var seen []string
	require.NoError(t, kv.Range(ctx, nil, nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	}))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}
