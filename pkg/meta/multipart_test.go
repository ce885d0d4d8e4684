// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta_test

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/meta"
)

func TestMultipartUploadMergeKeepsMaxTimestampPerPart(t *testing.T) {
	upload := uuid.NewV4()
	v1, v2 := uuid.NewV4(), uuid.NewV4()

	a := meta.MultipartUpload{
		UUID: upload,
		Parts: map[meta.PartKey]meta.MpuPart{
			{PartNumber: 1, Timestamp: 100}: {Version: v1, ETag: "etag-old", Size: 10},
		},
	}
	b := meta.MultipartUpload{
		UUID: upload,
		Parts: map[meta.PartKey]meta.MpuPart{
			{PartNumber: 1, Timestamp: 200}: {Version: v2, ETag: "etag-new", Size: 20},
		},
	}

	merged := a.Merge(b)
	part, ok := merged.LatestPart(1)
	require.True(t, ok)
	assert.Equal(t, "etag-new", part.ETag)
	assert.Equal(t, v2, part.Version)
}

func TestMultipartUploadSortedPartNumbers(t *testing.T) {
	m := meta.MultipartUpload{
		Parts: map[meta.PartKey]meta.MpuPart{
			{PartNumber: 3, Timestamp: 1}: {},
			{PartNumber: 1, Timestamp: 1}: {},
			{PartNumber: 2, Timestamp: 1}: {},
		},
	}
	assert.Equal(t, []int{1, 2, 3}, m.SortedPartNumbers())
}

func TestMultipartUploadDeletedMonotone(t *testing.T) {
	upload := uuid.NewV4()
	a := meta.MultipartUpload{UUID: upload, Deleted: false}
	b := meta.MultipartUpload{UUID: upload, Deleted: true}

	merged := a.Merge(b)
	assert.True(t, bool(merged.Deleted))

	merged2 := merged.Merge(a)
	assert.True(t, bool(merged2.Deleted))
}
