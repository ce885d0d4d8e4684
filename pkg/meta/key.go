// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"deuxfleurs.fr/garage/pkg/crdt"
)

// KeyIDPattern is the shape every key_id must match: "GK" followed by 24
// hex characters (12 bytes).
var KeyIDPattern = regexp.MustCompile(`^GK[0-9a-f]{24}$`)

// NewKeyID generates a fresh random key ID of the required shape.
func NewKeyID() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "GK" + hex.EncodeToString(buf[:]), nil
}

// NewSecret generates a fresh 32-byte (64 hex char) API secret.
func NewSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// KeyState is the deletable payload of a Key row.
type KeyState struct {
	Secret            string // 32 bytes hex, immutable once set
	Name              crdt.Lww[string]
	AllowCreateBucket crdt.Lww[bool]
	AuthorizedBuckets crdt.LwwMap[[16]byte, Permission]
	LocalAliases      crdt.LwwMap[string, *[16]byte]
}

// Merge combines two KeyStates. Secret is immutable so either side's copy
// is authoritative; a merge of two divergent secrets for the same key_id
// would indicate a protocol violation upstream, so we simply keep the
// receiver's value.
func (s KeyState) Merge(other KeyState) KeyState {
	return KeyState{
		Secret:            s.Secret,
		Name:              s.Name.Merge(other.Name),
		AllowCreateBucket: s.AllowCreateBucket.Merge(other.AllowCreateBucket),
		AuthorizedBuckets: s.AuthorizedBuckets.Merge(other.AuthorizedBuckets),
		LocalAliases:      s.LocalAliases.Merge(other.LocalAliases),
	}
}

// Key is an API key row, sorted under the empty partition by its
// immutable key_id.
type Key struct {
	ID    string
	State crdt.Deletable[KeyState]
}

// PartitionKey implements meta.Entry; Key has no partition dimension, it
// lives in a full table replicated to every node.
func (k Key) PartitionKey() []byte { return nil }

// SortKey implements meta.Entry.
func (k Key) SortKey() []byte { return []byte(k.ID) }

// Merge implements meta.Entry.
func (k Key) Merge(other Key) Key {
	if k.ID != other.ID {
		panic(fmt.Sprintf("garage: merging keys with different ids: %s != %s", k.ID, other.ID))
	}
	return Key{ID: k.ID, State: k.State.Merge(other.State, KeyState.Merge)}
}

// Validate checks the id and secret shape invariants.
func (k Key) Validate() error {
	if !KeyIDPattern.MatchString(k.ID) {
		return fmt.Errorf("garage: invalid key id %q", k.ID)
	}
	state, present := k.State.Value()
	if present && len(state.Secret) != 64 {
		return fmt.Errorf("garage: invalid secret length for key %q", k.ID)
	}
	return nil
}
