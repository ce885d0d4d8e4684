// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package identity_test

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/identity"
)

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := identity.LoadOrGenerate(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, identity.NodeKeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := identity.LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Private, second.Private)
	assert.Equal(t, first.Public, second.Public)
}

func TestParseNetworkKeyRejectsWrongLength(t *testing.T) {
	_, err := identity.ParseNetworkKey("abcd")
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := identity.ParseNetworkKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	var nonce [24]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	sealed := identity.Seal(key, &nonce, []byte("hello"))
	opened, err := identity.Open(key, &nonce, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), opened)
}

func TestOpenRejectsTampering(t *testing.T) {
	key, err := identity.ParseNetworkKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	var nonce [24]byte

	sealed := identity.Seal(key, &nonce, []byte("hello"))
	sealed[0] ^= 0xff
	_, err = identity.Open(key, &nonce, sealed)
	assert.Error(t, err)
}
