// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import "deuxfleurs.fr/garage/pkg/crdt"

// Permission is the set of rights a Key can hold over a Bucket.
type Permission struct {
	Read         bool
	Write        bool
	Owner        bool
	CreateBucket bool
}

// Merge OR's each right forward: permissions only ever grow under
// concurrent grants, never shrink from a merge (revocation is a
// replacing LWW write, not a merge-time subtraction).
func (p Permission) Merge(other Permission) Permission {
	return Permission{
		Read:         p.Read || other.Read,
		Write:        p.Write || other.Write,
		Owner:        p.Owner || other.Owner,
		CreateBucket: p.CreateBucket || other.CreateBucket,
	}
}

// Quotas bounds a bucket's object count and total byte size. Zero means
// unbounded.
type Quotas struct {
	MaxObjects int64
	MaxSize    int64
}

// BucketState is the non-deletable payload of a Bucket row.
type BucketState struct {
	Aliases      crdt.LwwMap[string, bool]
	LocalAliases crdt.LwwMap[LocalAliasKey, bool]
	Website      crdt.Lww[*WebsiteConfig]
	CORS         crdt.Lww[*CORSConfig]
	Quotas       crdt.Lww[Quotas]
	Keys         crdt.LwwMap[string, Permission]

	// ObjectCount and BytesUsed are rewritten from the deltas the object
	// table's updated hook enqueues; each counter is an Lww register, so a
	// merge keeps the most recent write. No hook updates UnfinishedUploads.
	ObjectCount       crdt.Lww[int64]
	BytesUsed         crdt.Lww[int64]
	UnfinishedUploads crdt.Lww[int64]
}

// LocalAliasKey scopes a local alias to the key that owns it.
type LocalAliasKey struct {
	KeyID string
	Alias string
}

// WebsiteConfig is opaque to the core; the S3 front-end interprets it.
type WebsiteConfig struct {
	IndexDocument string
	ErrorDocument string
}

// CORSConfig is opaque to the core; the S3 front-end interprets it.
type CORSConfig struct {
	Rules []byte // pre-serialised XML, not parsed by the core
}

// Merge combines two BucketStates field by field.
func (s BucketState) Merge(other BucketState) BucketState {
	return BucketState{
		Aliases:           s.Aliases.Merge(other.Aliases),
		LocalAliases:      s.LocalAliases.Merge(other.LocalAliases),
		Website:           s.Website.Merge(other.Website),
		CORS:              s.CORS.Merge(other.CORS),
		Quotas:            s.Quotas.Merge(other.Quotas),
		Keys:              s.Keys.Merge(other.Keys),
		ObjectCount:       s.ObjectCount.Merge(other.ObjectCount),
		BytesUsed:         s.BytesUsed.Merge(other.BytesUsed),
		UnfinishedUploads: s.UnfinishedUploads.Merge(other.UnfinishedUploads),
	}
}

// Bucket is the top-level bucket row, partitioned by its UUID with no sort
// key, and deletable.
type Bucket struct {
	ID    [16]byte
	State crdt.Deletable[BucketState]
}

// PartitionKey implements meta.Entry.
func (b Bucket) PartitionKey() []byte { return b.ID[:] }

// SortKey implements meta.Entry.
func (b Bucket) SortKey() []byte { return nil }

// Merge implements meta.Entry.
func (b Bucket) Merge(other Bucket) Bucket {
	return Bucket{
		ID:    b.ID,
		State: b.State.Merge(other.State, BucketState.Merge),
	}
}

// BucketAlias maps a human-readable name to an optional bucket ID. The
// zero value of the inner pointer represents "alias points at nothing",
// i.e. a removed alias.
type BucketAlias struct {
	Alias string
	Value crdt.Lww[*[16]byte]
}

// PartitionKey implements meta.Entry.
func (a BucketAlias) PartitionKey() []byte { return []byte(a.Alias) }

// SortKey implements meta.Entry.
func (a BucketAlias) SortKey() []byte { return nil }

// Merge implements meta.Entry.
func (a BucketAlias) Merge(other BucketAlias) BucketAlias {
	return BucketAlias{Alias: a.Alias, Value: a.Value.Merge(other.Value)}
}
