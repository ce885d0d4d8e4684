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

func completeVersion(ts int64) meta.ObjectVersion {
	return meta.ObjectVersion{
		UUID:      uuid.NewV4(),
		Timestamp: ts,
		State: meta.ObjectVersionState{
			Tag: meta.StateComplete,
			Data: meta.ObjectVersionData{
				Tag:  meta.DataInline,
				Meta: meta.ObjectMeta{Size: 5},
			},
		},
	}
}

func TestObjectMergeCompactsOlderVersions(t *testing.T) {
	bucket := [16]byte{1}
	old := completeVersion(100)
	newer := completeVersion(200)

	a := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{old}}
	b := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{newer}}

	merged := a.Merge(b)
	require.Len(t, merged.Versions, 1)
	assert.Equal(t, newer.UUID, merged.Versions[0].UUID)
}

func TestObjectMergeIdempotent(t *testing.T) {
	bucket := [16]byte{2}
	v := completeVersion(100)
	o := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{v}}

	merged := o.Merge(o)
	assert.Equal(t, o.Versions, merged.Versions)
}

func TestObjectMergeKeepsUploadingAheadOfOldComplete(t *testing.T) {
	bucket := [16]byte{3}
	complete := completeVersion(100)
	uploading := meta.ObjectVersion{
		UUID:      uuid.NewV4(),
		Timestamp: 200,
		State:     meta.ObjectVersionState{Tag: meta.StateUploading},
	}

	a := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{complete}}
	b := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{uploading}}

	merged := a.Merge(b)
	// the most recent Complete is `complete`; nothing strictly precedes it
	// in this merge (uploading is newer), so both survive.
	require.Len(t, merged.Versions, 2)
}

func TestObjectVersionStateMergeAbortedAbsorbs(t *testing.T) {
	complete := meta.ObjectVersionState{Tag: meta.StateComplete}
	aborted := meta.ObjectVersionState{Tag: meta.StateAborted}

	assert.Equal(t, meta.StateAborted, complete.Merge(aborted).Tag)
	assert.Equal(t, meta.StateAborted, aborted.Merge(complete).Tag)
}

func TestObjectVersionStateMergeCompleteAbsorbsUploading(t *testing.T) {
	complete := meta.ObjectVersionState{Tag: meta.StateComplete}
	uploading := meta.ObjectVersionState{Tag: meta.StateUploading}

	assert.Equal(t, meta.StateComplete, complete.Merge(uploading).Tag)
	assert.Equal(t, meta.StateComplete, uploading.Merge(complete).Tag)
}

func TestLatestComplete(t *testing.T) {
	bucket := [16]byte{4}
	v1 := completeVersion(100)
	v2 := completeVersion(200)
	o := meta.Object{Bucket: bucket, Key: "k", Versions: []meta.ObjectVersion{v1, v2}}

	latest, ok := o.LatestComplete()
	require.True(t, ok)
	assert.Equal(t, v2.UUID, latest.UUID)
}
