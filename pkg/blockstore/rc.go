// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore

import (
	"context"
	"encoding/binary"
	"time"

	"deuxfleurs.fr/garage/pkg/kvstore"
)

// RCEntry is the persisted per-block reference state: how many BlockRef
// rows on this node currently point at the block, and when the count
// last dropped to zero. A zero count means the block is locally
// unreferenced; it stays on disk until the GC delay has elapsed since
// LastDecremented and the resync loop has confirmed no peer still needs
// it.
type RCEntry struct {
	Count           int64
	LastDecremented time.Time
}

// RefCounter persists an RCEntry per block hash.
type RefCounter struct {
	kv kvstore.KV
}

// NewRefCounter wraps a KV bucket as a RefCounter.
func NewRefCounter(kv kvstore.KV) *RefCounter {
	return &RefCounter{kv: kv}
}

func encodeRCEntry(e RCEntry) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Count))
	if !e.LastDecremented.IsZero() {
		binary.BigEndian.PutUint64(buf[8:16], uint64(e.LastDecremented.UnixMilli()))
	}
	return buf
}

func decodeRCEntry(b []byte) RCEntry {
	if len(b) != 16 {
		return RCEntry{}
	}
	e := RCEntry{Count: int64(binary.BigEndian.Uint64(b[0:8]))}
	if ms := binary.BigEndian.Uint64(b[8:16]); ms != 0 {
		e.LastDecremented = time.UnixMilli(int64(ms))
	}
	return e
}

// Get returns the current reference count for hash (zero if absent).
func (r *RefCounter) Get(ctx context.Context, hash [32]byte) (int64, error) {
	e, err := r.GetEntry(ctx, hash)
	return e.Count, err
}

// GetEntry returns the full persisted state for hash (the zero RCEntry
// if absent).
func (r *RefCounter) GetEntry(ctx context.Context, hash [32]byte) (RCEntry, error) {
	v, err := r.kv.Get(ctx, hash[:])
	if err == kvstore.ErrNotFound {
		return RCEntry{}, nil
	}
	if err != nil {
		return RCEntry{}, Error.Wrap(err)
	}
	return decodeRCEntry(v), nil
}

// Inc adds delta to hash's reference count and returns the new value.
// A transition to or from zero is reported via crossedZero so callers
// can enqueue a resync check; a drop to zero also stamps
// LastDecremented, which starts the GC-delay retention window.
func (r *RefCounter) Inc(ctx context.Context, hash [32]byte, delta int64) (count int64, crossedZero bool, err error) {
	before, err := r.GetEntry(ctx, hash)
	if err != nil {
		return 0, false, err
	}
	after := RCEntry{Count: before.Count + delta, LastDecremented: before.LastDecremented}
	if after.Count < 0 {
		after.Count = 0
	}
	if delta < 0 && after.Count == 0 {
		after.LastDecremented = time.Now()
	}

	if err := r.kv.Put(ctx, hash[:], encodeRCEntry(after)); err != nil {
		return 0, false, Error.Wrap(err)
	}
	return after.Count, (before.Count == 0) != (after.Count == 0), nil
}

// Remove deletes hash's entry entirely, used once an unreferenced block
// has been offloaded and deleted from disk.
func (r *RefCounter) Remove(ctx context.Context, hash [32]byte) error {
	err := r.kv.Delete(ctx, hash[:])
	if err != nil && err != kvstore.ErrNotFound {
		return Error.Wrap(err)
	}
	return nil
}

// Range iterates over all known reference counts in hash order.
func (r *RefCounter) Range(ctx context.Context, fn func(hash [32]byte, count int64) error) error {
	var rangeErr error
	err := r.kv.Range(ctx, nil, nil, func(k, v []byte) bool {
		if len(k) != 32 || len(v) != 16 {
			return true
		}
		var hash [32]byte
		copy(hash[:], k)
		if rangeErr = fn(hash, decodeRCEntry(v).Count); rangeErr != nil {
			return false
		}
		return true
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return rangeErr
}
