// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/meta"
)

func TestNewKeyIDShape(t *testing.T) {
	id, err := meta.NewKeyID()
	require.NoError(t, err)
	assert.True(t, meta.KeyIDPattern.MatchString(id), "got %q", id)
}

func TestNewSecretLength(t *testing.T) {
	secret, err := meta.NewSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)
}

func TestKeyValidateRejectsBadShape(t *testing.T) {
	k := meta.Key{ID: "not-a-key-id"}
	assert.Error(t, k.Validate())
}

func TestKeyValidateAcceptsGoodShape(t *testing.T) {
	id, err := meta.NewKeyID()
	require.NoError(t, err)
	secret, err := meta.NewSecret()
	require.NoError(t, err)

	k := meta.Key{
		ID:    id,
		State: crdt.Present(meta.KeyState{Secret: secret}),
	}
	assert.NoError(t, k.Validate())
}

func TestKeyMergeAuthorizedBuckets(t *testing.T) {
	id, err := meta.NewKeyID()
	require.NoError(t, err)
	bucket := [16]byte{7}

	a := meta.Key{ID: id, State: crdt.Present(meta.KeyState{
		AuthorizedBuckets: crdt.LwwMap[[16]byte, meta.Permission]{
			bucket: crdt.NewLww(1, "a", meta.Permission{Read: true}),
		},
	})}
	b := meta.Key{ID: id, State: crdt.Present(meta.KeyState{
		AuthorizedBuckets: crdt.LwwMap[[16]byte, meta.Permission]{
			bucket: crdt.NewLww(2, "a", meta.Permission{Read: true, Write: true}),
		},
	})}

	merged := a.Merge(b)
	state, ok := merged.State.Value()
	require.True(t, ok)
	assert.True(t, state.AuthorizedBuckets[bucket].Value.Write)
}
