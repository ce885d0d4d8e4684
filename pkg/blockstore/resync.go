// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/kvstore"
)

// resyncMaxBackoff caps the exponential backoff applied to a block that
// keeps failing to resync.
const resyncMaxBackoff = 17 * time.Hour

const resyncBaseBackoff = 30 * time.Second

// ResyncQueue is the local, time-ordered queue of blocks whose on-disk
// presence may be out of step with the cluster's expectations
// (block_local_resync_queue), plus the per-block error/backoff state
// that survives across attempts (block_local_resync_errors).
type ResyncQueue struct {
	queue  kvstore.KV // key: be64(when_ms) || hash, value: hash
	errors kvstore.KV // key: hash, value: encoded resyncError
	log    *zap.Logger
}

// NewResyncQueue wraps two KV buckets as a ResyncQueue.
func NewResyncQueue(log *zap.Logger, queue, errors kvstore.KV) *ResyncQueue {
	return &ResyncQueue{queue: queue, errors: errors, log: log.Named("resync")}
}

type resyncError struct {
	errorCount int
	nextTry    time.Time
}

func encodeResyncError(e resyncError) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.errorCount))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.nextTry.UnixMilli()))
	return buf
}

func decodeResyncError(b []byte) resyncError {
	if len(b) != 16 {
		return resyncError{}
	}
	return resyncError{
		errorCount: int(binary.BigEndian.Uint64(b[0:8])),
		nextTry:    time.UnixMilli(int64(binary.BigEndian.Uint64(b[8:16]))),
	}
}

func queueKey(when time.Time, hash [32]byte) []byte {
	key := make([]byte, 8+32)
	binary.BigEndian.PutUint64(key[:8], uint64(when.UnixMilli()))
	copy(key[8:], hash[:])
	return key
}

// PutAt enqueues hash to be checked at when. Lexicographic key order
// therefore matches chronological order, so Peek always returns the
// earliest-due entry first.
func (q *ResyncQueue) PutAt(ctx context.Context, when time.Time, hash [32]byte) error {
	return Error.Wrap(q.queue.Put(ctx, queueKey(when, hash), hash[:]))
}

// PutNow enqueues hash for immediate resync consideration.
func (q *ResyncQueue) PutNow(ctx context.Context, hash [32]byte) error {
	return q.PutAt(ctx, time.Now(), hash)
}

// entry is one popped resync queue item.
type entry struct {
	key  []byte
	hash [32]byte
	when time.Time
}

// Hash returns the block hash this entry concerns.
func (e entry) Hash() [32]byte { return e.hash }

// When returns the time this entry becomes due for processing.
func (e entry) When() time.Time { return e.when }

// Peek returns the earliest-due entry without removing it, or ok=false
// if the queue is empty.
func (q *ResyncQueue) Peek(ctx context.Context) (e entry, ok bool, err error) {
	var found entry
	rangeErr := q.queue.Range(ctx, nil, nil, func(k, v []byte) bool {
		if len(k) != 40 {
			return true
		}
		var hash [32]byte
		copy(hash[:], v)
		found = entry{
			key:  append([]byte(nil), k...),
			hash: hash,
			when: time.UnixMilli(int64(binary.BigEndian.Uint64(k[:8]))),
		}
		ok = true
		return false // first entry only: stop
	})
	if rangeErr != nil {
		return entry{}, false, Error.Wrap(rangeErr)
	}
	return found, ok, nil
}

// Remove deletes a popped entry from the queue.
func (q *ResyncQueue) Remove(ctx context.Context, e entry) error {
	return Error.Wrap(q.queue.Delete(ctx, e.key))
}

// RecordSuccess clears any backoff state recorded for hash.
func (q *ResyncQueue) RecordSuccess(ctx context.Context, hash [32]byte) error {
	err := q.errors.Delete(ctx, hash[:])
	if err != nil && err != kvstore.ErrNotFound {
		return Error.Wrap(err)
	}
	return nil
}

// RecordError bumps hash's error count and returns the backoff duration
// before it should be retried: base * 2^min(k-1, 10) where k is the
// number of consecutive failures, so the first failure backs off by
// exactly the base delay. Capped at resyncMaxBackoff.
func (q *ResyncQueue) RecordError(ctx context.Context, hash [32]byte) (time.Duration, error) {
	v, err := q.errors.Get(ctx, hash[:])
	var prev resyncError
	if err == nil {
		prev = decodeResyncError(v)
	} else if err != kvstore.ErrNotFound {
		return 0, Error.Wrap(err)
	}

	prev.errorCount++
	doublings := prev.errorCount - 1
	if doublings > 10 {
		doublings = 10
	}
	backoff := resyncBaseBackoff
	for i := 0; i < doublings; i++ {
		backoff *= 2
	}
	if backoff > resyncMaxBackoff {
		backoff = resyncMaxBackoff
	}
	prev.nextTry = time.Now().Add(backoff)

	if err := q.errors.Put(ctx, hash[:], encodeResyncError(prev)); err != nil {
		return 0, Error.Wrap(err)
	}
	return backoff, nil
}

// hexHash is a small helper used in log fields.
func hexHash(h [32]byte) string { return hex.EncodeToString(h[:]) }
