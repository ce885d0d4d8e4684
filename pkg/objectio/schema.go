// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"context"
	"encoding/binary"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// Queue item kinds this package's Schema hooks enqueue. Kept as package
// constants rather than exported types since Queue only cares about the
// string tag to dispatch a handler.
const (
	kindVersionTombstone   = "objectio.version-tombstone"
	kindBlockRefTombstone  = "objectio.blockref-tombstone"
	kindBucketCounterDelta = "objectio.bucket-counter-delta"
	kindBlockIncref        = "objectio.block-incref"
	kindBlockDecref        = "objectio.block-decref"
)

// ObjectSchema implements table.Schema[meta.Object]: it runs inside the
// Object table's local write transaction and enqueues this table's two
// side effects, bucket counter maintenance and propagation of Version
// deletions for whatever the Object CRDT merge just compacted away or
// aborted.
type ObjectSchema struct{}

// Updated implements table.Schema.
func (ObjectSchema) Updated(tx *table.Tx, old, new meta.Object) {
	oldLive, oldSize := liveObjectState(old)
	newLive, newSize := liveObjectState(new)
	if delta := objectCountDelta(oldLive, newLive); delta != 0 || oldSize != newSize {
		tx.Enqueue(table.QueueItem{
			Kind:    kindBucketCounterDelta,
			Payload: encodeBucketCounterDelta(new.Bucket, objectCountDelta(oldLive, newLive), newSize-oldSize),
		})
	}

	oldByID := make(map[uuid.UUID]meta.ObjectVersion, len(old.Versions))
	for _, v := range old.Versions {
		oldByID[v.UUID] = v
	}
	newByID := make(map[uuid.UUID]meta.ObjectVersion, len(new.Versions))
	for _, v := range new.Versions {
		newByID[v.UUID] = v
	}

	// Versions compaction dropped entirely: their blocks are no longer
	// reachable from the Object row at all.
	for id := range oldByID {
		if _, stillPresent := newByID[id]; !stillPresent {
			tx.Enqueue(table.QueueItem{Kind: kindVersionTombstone, Payload: id.Bytes()})
		}
	}
	// Versions that just transitioned into Aborted: they survive in the
	// Versions list (compaction only drops what precedes the latest
	// Complete) but will never back a readable object, so their Version
	// row can be tombstoned right away instead of waiting for the next
	// repair_versions walk.
	for id, v := range newByID {
		if v.State.Tag != meta.StateAborted {
			continue
		}
		if prior, existed := oldByID[id]; existed && prior.State.Tag == meta.StateAborted {
			continue
		}
		tx.Enqueue(table.QueueItem{Kind: kindVersionTombstone, Payload: id.Bytes()})
	}
}

// liveObjectState reports whether o currently has a readable Complete,
// non-delete-marker version, and its size if so.
func liveObjectState(o meta.Object) (live bool, size int64) {
	latest, ok := o.LatestComplete()
	if !ok || latest.State.Data.Tag == meta.DataDeleteMarker {
		return false, 0
	}
	return true, latest.State.Data.Meta.Size
}

func objectCountDelta(oldLive, newLive bool) int64 {
	switch {
	case !oldLive && newLive:
		return 1
	case oldLive && !newLive:
		return -1
	default:
		return 0
	}
}

func encodeBucketCounterDelta(bucket [16]byte, deltaObjects, deltaBytes int64) []byte {
	buf := make([]byte, 16+8+8)
	copy(buf, bucket[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(deltaObjects))
	binary.BigEndian.PutUint64(buf[24:], uint64(deltaBytes))
	return buf
}

func decodeBucketCounterDelta(payload []byte) (bucket [16]byte, deltaObjects, deltaBytes int64) {
	copy(bucket[:], payload[:16])
	deltaObjects = int64(binary.BigEndian.Uint64(payload[16:24]))
	deltaBytes = int64(binary.BigEndian.Uint64(payload[24:32]))
	return
}

// MPUSchema implements table.Schema[meta.MultipartUpload]: it tombstones
// the Version row backing a part whenever that part is superseded by a
// re-upload with a later timestamp, and tombstones every remaining part's
// Version when the upload itself is deleted (AbortMultipartUpload, or the
// propagation from an aborted/overwritten ObjectVersion).
type MPUSchema struct{}

// Updated implements table.Schema.
func (MPUSchema) Updated(tx *table.Tx, old, new meta.MultipartUpload) {
	if bool(new.Deleted) && !bool(old.Deleted) {
		for _, part := range new.Parts {
			tx.Enqueue(table.QueueItem{Kind: kindVersionTombstone, Payload: part.Version.Bytes()})
		}
		return
	}
	for key, part := range old.Parts {
		if latest, ok := new.Parts[key]; ok && latest.Version == part.Version {
			continue
		}
		tx.Enqueue(table.QueueItem{Kind: kindVersionTombstone, Payload: part.Version.Bytes()})
	}
}

// VersionSchema implements table.Schema[meta.Version]: when a Version
// transitions to deleted, every BlockRef it enumerates is tombstoned in
// turn, which is what ultimately drops the blocks' reference counts. This
// keeps the Object -> Version -> BlockRef deletion chain flowing without
// waiting for an operator-triggered repair walk; RepairBlockRefs (gc.go)
// remains the catch-all for refs whose Version row was lost entirely.
type VersionSchema struct{}

// Updated implements table.Schema.
func (VersionSchema) Updated(tx *table.Tx, old, new meta.Version) {
	if !bool(new.Deleted) || bool(old.Deleted) {
		return
	}
	for _, b := range new.Blocks {
		tx.Enqueue(table.QueueItem{
			Kind:    kindBlockRefTombstone,
			Payload: encodeBlockRefTombstone(b.Hash, new.UUID),
		})
	}
}

func encodeBlockRefTombstone(hash [32]byte, version uuid.UUID) []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, hash[:]...)
	buf = append(buf, version.Bytes()...)
	return buf
}

func decodeBlockRefTombstone(payload []byte) (hash [32]byte, version uuid.UUID, err error) {
	if len(payload) != 48 {
		return hash, version, Error.New("malformed block-ref tombstone payload (%d bytes)", len(payload))
	}
	copy(hash[:], payload[:32])
	version, err = uuid.FromBytes(payload[32:])
	return hash, version, Error.Wrap(err)
}

// BlockRefSchema implements table.Schema[meta.BlockRef]: it drives the
// block manager's local reference count from BlockRef row transitions, so
// every node holding a replica of the row (the same nodes that hold the
// block, since both shard by hash) maintains its own count. This is the
// only place incref/decref originates.
type BlockRefSchema struct{}

// Updated implements table.Schema. old is the zero BlockRef when the row
// didn't exist before, recognisable by its nil version UUID.
func (BlockRefSchema) Updated(tx *table.Tx, old, new meta.BlockRef) {
	existed := old.Version != uuid.Nil
	wasLive := existed && !bool(old.Deleted)
	isLive := !bool(new.Deleted)
	switch {
	case !existed && isLive:
		tx.Enqueue(table.QueueItem{Kind: kindBlockIncref, Payload: append([]byte(nil), new.Hash[:]...)})
	case wasLive && !isLive:
		tx.Enqueue(table.QueueItem{Kind: kindBlockDecref, Payload: append([]byte(nil), new.Hash[:]...)})
	}
}

// RegisterQueueHandlers installs this Pipeline's handling of the queue
// items ObjectSchema, MPUSchema and BlockRefSchema enqueue: tombstoning a
// Version row, folding a bucket counter delta into the Bucket row's LWW
// counters, and adjusting the block manager's reference counts. Called
// once at node startup, before the queue's background Run loop starts
// draining.
func (p *Pipeline) RegisterQueueHandlers(queue *table.Queue) {
	queue.Register(kindVersionTombstone, p.handleVersionTombstone)
	queue.Register(kindBlockRefTombstone, p.handleBlockRefTombstone)
	queue.Register(kindBucketCounterDelta, p.handleBucketCounterDelta)
	queue.Register(kindBlockIncref, p.handleBlockIncref)
	queue.Register(kindBlockDecref, p.handleBlockDecref)
}

func decodeBlockHash(payload []byte) (hash [32]byte, err error) {
	if len(payload) != 32 {
		return hash, Error.New("malformed block hash payload (%d bytes)", len(payload))
	}
	copy(hash[:], payload)
	return hash, nil
}

func (p *Pipeline) handleBlockIncref(ctx context.Context, item table.QueueItem) error {
	hash, err := decodeBlockHash(item.Payload)
	if err != nil {
		return err
	}
	return p.blocks.Incref(ctx, hash)
}

func (p *Pipeline) handleBlockDecref(ctx context.Context, item table.QueueItem) error {
	hash, err := decodeBlockHash(item.Payload)
	if err != nil {
		return err
	}
	return p.blocks.Decref(ctx, hash)
}

func (p *Pipeline) handleVersionTombstone(ctx context.Context, item table.QueueItem) error {
	id, err := uuid.FromBytes(item.Payload)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = table.InsertReplicated(ctx, p.versions, meta.Version{UUID: id, Deleted: true})
	if err != nil {
		p.log.Warn("failed to tombstone version from queue", zap.String("version", id.String()), zap.Error(err))
	}
	return err
}

func (p *Pipeline) handleBlockRefTombstone(ctx context.Context, item table.QueueItem) error {
	hash, version, err := decodeBlockRefTombstone(item.Payload)
	if err != nil {
		return err
	}
	_, err = table.InsertReplicated(ctx, p.blockRefs, meta.BlockRef{Hash: hash, Version: version, Deleted: true})
	return err
}

func (p *Pipeline) handleBucketCounterDelta(ctx context.Context, item table.QueueItem) error {
	if len(item.Payload) != 32 {
		return Error.New("malformed bucket-counter-delta payload (%d bytes)", len(item.Payload))
	}
	bucket, deltaObjects, deltaBytes := decodeBucketCounterDelta(item.Payload)

	row, ok, err := p.buckets.GetLocal(ctx, bucket[:], nil)
	if err != nil {
		return err
	}
	if !ok {
		// The bucket row has not replicated here yet; drop the delta
		// rather than fabricate a row with no aliases/permissions. The
		// counters below add each delta to the stored value and are never
		// recomputed from the Object table, so nothing later re-applies a
		// delta dropped here.
		return nil
	}
	state, present := row.State.Value()
	if !present {
		return nil
	}

	now := p.clock.NowMillis()
	id := newUUID().String()
	state.ObjectCount = crdt.NewLww(now, id, state.ObjectCount.Value+deltaObjects)
	state.BytesUsed = crdt.NewLww(now, id, state.BytesUsed.Value+deltaBytes)
	row.State = crdt.Present(state)

	_, err = table.InsertReplicated(ctx, p.buckets, row)
	return err
}
