// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/blockstore"
)

func newStore(t *testing.T, compress bool) (*blockstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := blockstore.NewStore(blockstore.Options{DataDir: dir, Compress: compress})
	require.NoError(t, err)
	return s, dir
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	s, _ := newStore(t, false)
	data := []byte("hello block world")
	hash := blockstore.Hash(data)

	require.NoError(t, s.Write(hash, data))
	present, compressed := s.Exists(hash)
	assert.True(t, present)
	assert.False(t, compressed)

	got, err := s.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreCompressedRoundTrip(t *testing.T) {
	s, _ := newStore(t, true)
	// Highly compressible payload so zstd clears the shrink threshold.
	data := make([]byte, 4096)
	hash := blockstore.Hash(data)

	require.NoError(t, s.Write(hash, data))
	present, compressed := s.Exists(hash)
	assert.True(t, present)
	assert.True(t, compressed)

	got, err := s.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreReadMissingReturnsNotExist(t *testing.T) {
	s, _ := newStore(t, false)
	var hash [32]byte
	_, err := s.Read(hash)
	assert.True(t, os.IsNotExist(err))
}

func TestStoreReadDetectsCorruption(t *testing.T) {
	s, dir := newStore(t, false)
	data := []byte("original contents")
	hash := blockstore.Hash(data)
	require.NoError(t, s.Write(hash, data))

	h := hex.EncodeToString(hash[:])
	path := filepath.Join(dir, h[0:2], h[2:4], h)
	require.NoError(t, os.WriteFile(path, []byte("tampered contents"), 0644))

	_, err := s.Read(hash)
	require.Error(t, err)
	assert.True(t, blockstore.CorruptData.Has(err))

	present, _ := s.Exists(hash)
	assert.False(t, present, "quarantined file should no longer be a visible block")
}

func TestStoreDeleteRemovesBlock(t *testing.T) {
	s, _ := newStore(t, false)
	data := []byte("gone soon")
	hash := blockstore.Hash(data)
	require.NoError(t, s.Write(hash, data))
	require.NoError(t, s.Delete(hash))
	present, _ := s.Exists(hash)
	assert.False(t, present)
}

func TestStoreWalkVisitsWrittenBlocks(t *testing.T) {
	s, _ := newStore(t, false)
	hashes := map[[32]byte]bool{}
	for _, msg := range []string{"one", "two", "three"} {
		data := []byte(msg)
		hash := blockstore.Hash(data)
		require.NoError(t, s.Write(hash, data))
		hashes[hash] = true
	}

	seen := map[[32]byte]bool{}
	require.NoError(t, s.Walk(context.Background(), func(hash [32]byte) error {
		seen[hash] = true
		return nil
	}))
	assert.Equal(t, hashes, seen)
}
