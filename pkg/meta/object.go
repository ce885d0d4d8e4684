// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import (
	"sort"

	uuid "github.com/satori/go.uuid"
)

// ObjectVersionStateTag discriminates the ObjectVersionState tagged union.
type ObjectVersionStateTag int

const (
	// StateUploading marks an in-flight write; repair workers must not
	// garbage-collect it.
	StateUploading ObjectVersionStateTag = iota
	// StateComplete marks a finished, readable version.
	StateComplete
	// StateAborted marks a write that was abandoned.
	StateAborted
)

// UploadingInfo is the payload of an Uploading state.
type UploadingInfo struct {
	Multipart bool
	Headers   map[string]string
}

// ObjectVersionDataTag discriminates ObjectVersionData.
type ObjectVersionDataTag int

const (
	// DataDeleteMarker represents an S3 delete marker.
	DataDeleteMarker ObjectVersionDataTag = iota
	// DataInline stores the object bytes directly in the row.
	DataInline
	// DataFirstBlock stores only the hash of the first data block; the
	// full block list lives in the linked Version row.
	DataFirstBlock
)

// ObjectMeta carries the S3-visible metadata common to every data
// variant: content type, user metadata headers, and total size.
type ObjectMeta struct {
	ContentType string
	Headers     map[string]string
	Size        int64
	ETag        string
}

// ObjectVersionData is the tagged union of what a Complete version holds.
// Inline is only valid when Size <= InlineThreshold.
type ObjectVersionData struct {
	Tag        ObjectVersionDataTag
	Meta       ObjectMeta
	InlineData []byte
	FirstBlock [32]byte
}

// InlineThreshold is the size boundary below which object bytes are
// stored inline in the metadata row instead of as blocks. It is a local
// heuristic, not part of the wire contract.
const InlineThreshold = 3072

// ObjectVersionState is the tagged union of an ObjectVersion's lifecycle
// state.
type ObjectVersionState struct {
	Tag       ObjectVersionStateTag
	Uploading UploadingInfo
	Data      ObjectVersionData
}

// Merge implements the state truth table: Aborted absorbs
// everything; Complete absorbs Uploading; two Completes merge their data
// (only meaningful when they are, in fact, the same logical write
// observed via two replicas — which holds because ObjectVersion.UUID is
// part of the row's identity, so merge is only ever called on two
// replicas of the very same version).
func (s ObjectVersionState) Merge(other ObjectVersionState) ObjectVersionState {
	if s.Tag == StateAborted || other.Tag == StateAborted {
		return ObjectVersionState{Tag: StateAborted}
	}
	if s.Tag == StateComplete && other.Tag == StateComplete {
		return ObjectVersionState{Tag: StateComplete, Data: mergeVersionData(s.Data, other.Data)}
	}
	if s.Tag == StateComplete {
		return s
	}
	if other.Tag == StateComplete {
		return other
	}
	// both Uploading: keep either, they describe the same in-flight write
	return s
}

func mergeVersionData(a, b ObjectVersionData) ObjectVersionData {
	// Both replicas describe the same committed write; prefer whichever
	// carries a fully resolved block/inline payload over a half-written
	// one, but in the steady state they are identical.
	if a.Tag == DataFirstBlock || b.Tag == DataFirstBlock {
		if a.Tag == DataFirstBlock {
			return a
		}
		return b
	}
	return a
}

// ObjectVersion is one immutable observation of an object's state at a
// point in time.
type ObjectVersion struct {
	UUID      uuid.UUID
	Timestamp int64
	State     ObjectVersionState
}

// less orders versions by (timestamp, uuid) ascending.
func (v ObjectVersion) less(other ObjectVersion) bool {
	if v.Timestamp != other.Timestamp {
		return v.Timestamp < other.Timestamp
	}
	return v.UUID.String() < other.UUID.String()
}

// IsComplete reports whether this version is in the Complete state.
func (v ObjectVersion) IsComplete() bool { return v.State.Tag == StateComplete }

// Object is the CRDT row enumerating every version ever observed for one
// (bucket, key) pair.
type Object struct {
	Bucket   [16]byte
	Key      string
	Versions []ObjectVersion
}

// PartitionKey implements meta.Entry.
func (o Object) PartitionKey() []byte { return o.Bucket[:] }

// SortKey implements meta.Entry.
func (o Object) SortKey() []byte { return []byte(o.Key) }

// Merge unions the two version lists by UUID, merging duplicates, sorts
// by (timestamp, uuid), then drops every version strictly older than the
// most recent Complete version, which is what allows superseded writes
// to be garbage-collected.
func (o Object) Merge(other Object) Object {
	byUUID := make(map[uuid.UUID]ObjectVersion, len(o.Versions)+len(other.Versions))
	order := make([]uuid.UUID, 0, len(o.Versions)+len(other.Versions))
	add := func(v ObjectVersion) {
		if existing, ok := byUUID[v.UUID]; ok {
			existing.State = existing.State.Merge(v.State)
			byUUID[v.UUID] = existing
			return
		}
		byUUID[v.UUID] = v
		order = append(order, v.UUID)
	}
	for _, v := range o.Versions {
		add(v)
	}
	for _, v := range other.Versions {
		add(v)
	}

	merged := make([]ObjectVersion, 0, len(order))
	for _, id := range order {
		merged = append(merged, byUUID[id])
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].less(merged[j]) })

	lastComplete := -1
	for i, v := range merged {
		if v.IsComplete() {
			lastComplete = i
		}
	}
	if lastComplete > 0 {
		merged = merged[lastComplete:]
	}

	return Object{Bucket: o.Bucket, Key: o.Key, Versions: merged}
}

// LatestComplete returns the most recent Complete version, if any.
func (o Object) LatestComplete() (ObjectVersion, bool) {
	for i := len(o.Versions) - 1; i >= 0; i-- {
		if o.Versions[i].IsComplete() {
			return o.Versions[i], true
		}
	}
	return ObjectVersion{}, false
}
