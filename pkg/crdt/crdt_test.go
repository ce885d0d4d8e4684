// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"deuxfleurs.fr/garage/pkg/crdt"
)

func TestLwwMerge(t *testing.T) {
	a := crdt.NewLww[string](10, "aaa", "hello")
	b := crdt.NewLww[string](20, "bbb", "world")

	assert.Equal(t, b, a.Merge(b))
	assert.Equal(t, b, b.Merge(a))
	assert.Equal(t, a, a.Merge(a))
}

func TestLwwMergeTiebreak(t *testing.T) {
	a := crdt.NewLww[string](10, "aaa", "hello")
	b := crdt.NewLww[string](10, "zzz", "world")

	assert.Equal(t, b, a.Merge(b))
	assert.Equal(t, b, b.Merge(b))
}

func TestDeletableAbsorbsPresent(t *testing.T) {
	present := crdt.Present(5)
	deleted := crdt.Tombstone[int]()

	merged := present.Merge(deleted, func(a, b int) int { return a + b })
	assert.True(t, merged.IsDeleted())

	merged = deleted.Merge(present, func(a, b int) int { return a + b })
	assert.True(t, merged.IsDeleted())
}

func TestDeletableIdempotent(t *testing.T) {
	present := crdt.Present(5)
	merged := present.Merge(present, func(a, b int) int { return a })
	v, ok := merged.Value()
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestMonotoneBoolOnlyGoesForward(t *testing.T) {
	var b crdt.MonotoneBool
	assert.False(t, bool(b.Merge(false)))
	assert.True(t, bool(b.Merge(true)))
	assert.True(t, bool(crdt.MonotoneBool(true).Merge(false)))
}

func TestLwwMapPerKeyMerge(t *testing.T) {
	a := crdt.LwwMap[string, int]{
		"x": crdt.NewLww(1, "a", 100),
		"y": crdt.NewLww(5, "a", 500),
	}
	b := crdt.LwwMap[string, int]{
		"x": crdt.NewLww(2, "a", 200),
		"z": crdt.NewLww(1, "a", 900),
	}

	merged := a.Merge(b)
	assert.Equal(t, 200, merged["x"].Value)
	assert.Equal(t, 500, merged["y"].Value)
	assert.Equal(t, 900, merged["z"].Value)
}

func TestMapMergeIsCommutativeOnOverlap(t *testing.T) {
	a := crdt.Map[string, int]{"k": 1}
	b := crdt.Map[string, int]{"k": 2}
	sum := func(x, y int) int { return x + y }

	ab := a.Merge(b, sum)
	ba := b.Merge(a, sum)
	assert.Equal(t, ab, ba)
}
