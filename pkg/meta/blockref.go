// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import (
	uuid "github.com/satori/go.uuid"

	"deuxfleurs.fr/garage/pkg/crdt"
)

// BlockRef ties one block hash to one Version. The block's local
// reference count equals the number of non-deleted BlockRefs pointing at
// it.
type BlockRef struct {
	Hash    [32]byte
	Version uuid.UUID
	Deleted crdt.MonotoneBool
}

// PartitionKey implements meta.Entry.
func (r BlockRef) PartitionKey() []byte { return r.Hash[:] }

// SortKey implements meta.Entry.
func (r BlockRef) SortKey() []byte { return r.Version.Bytes() }

// Merge OR's the deleted flag forward; deletion is monotone.
func (r BlockRef) Merge(other BlockRef) BlockRef {
	return BlockRef{Hash: r.Hash, Version: r.Version, Deleted: r.Deleted.Merge(other.Deleted)}
}
