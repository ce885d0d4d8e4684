// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import (
	uuid "github.com/satori/go.uuid"

	"deuxfleurs.fr/garage/pkg/crdt"
)

// PartKey identifies one uploaded part attempt: (part_number, timestamp).
// Re-uploading the same part number produces a new PartKey; merge keeps
// only the entry with the maximum timestamp per part_number.
type PartKey struct {
	PartNumber int
	Timestamp  int64
}

// MpuPart is the payload stored for one part upload attempt.
type MpuPart struct {
	Version uuid.UUID
	ETag    string
	Size    int64
}

// MultipartUpload tracks an in-progress multipart upload.
type MultipartUpload struct {
	UUID      uuid.UUID
	Bucket    [16]byte
	Key       string
	Timestamp int64
	Deleted   crdt.MonotoneBool
	Parts     map[PartKey]MpuPart
}

// PartitionKey implements meta.Entry.
func (m MultipartUpload) PartitionKey() []byte { return m.UUID.Bytes() }

// SortKey implements meta.Entry.
func (m MultipartUpload) SortKey() []byte { return nil }

// Merge OR's the deleted flag forward and, per part_number, keeps only
// the PartKey with the greatest timestamp.
func (m MultipartUpload) Merge(other MultipartUpload) MultipartUpload {
	latestByPart := make(map[int]PartKey)
	parts := make(map[PartKey]MpuPart, len(m.Parts)+len(other.Parts))

	consider := func(all map[PartKey]MpuPart) {
		for k, v := range all {
			if cur, ok := latestByPart[k.PartNumber]; !ok || k.Timestamp > cur.Timestamp {
				latestByPart[k.PartNumber] = k
			}
			parts[k] = v
		}
	}
	consider(m.Parts)
	consider(other.Parts)

	result := make(map[PartKey]MpuPart, len(latestByPart))
	for _, k := range latestByPart {
		result[k] = parts[k]
	}

	return MultipartUpload{
		UUID:      m.UUID,
		Bucket:    m.Bucket,
		Key:       m.Key,
		Timestamp: m.Timestamp,
		Deleted:   m.Deleted.Merge(other.Deleted),
		Parts:     result,
	}
}

// SortedPartNumbers returns the part numbers currently present, ascending.
func (m MultipartUpload) SortedPartNumbers() []int {
	out := make([]int, 0, len(m.Parts))
	seen := make(map[int]bool)
	for k := range m.Parts {
		if !seen[k.PartNumber] {
			seen[k.PartNumber] = true
			out = append(out, k.PartNumber)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// LatestPart returns the winning MpuPart for a given part number, i.e.
// the one with the greatest timestamp.
func (m MultipartUpload) LatestPart(partNumber int) (MpuPart, bool) {
	var best *PartKey
	for k := range m.Parts {
		if k.PartNumber != partNumber {
			continue
		}
		if best == nil || k.Timestamp > best.Timestamp {
			kk := k
			best = &kk
		}
	}
	if best == nil {
		return MpuPart{}, false
	}
	return m.Parts[*best], true
}
