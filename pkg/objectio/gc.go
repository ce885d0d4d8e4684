// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"context"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// RepairVersions walks every local Version row and tombstones any whose
// backlinked Object no longer has a matching, non-Aborted version, or
// whose backlinked MultipartUpload no longer references it.
// Object compaction itself (dropping versions
// older than the latest Complete one) happens for free inside
// meta.Object.Merge; this pass handles the Version rows that compaction
// orphans.
func (p *Pipeline) RepairVersions(ctx context.Context) error {
	return p.versions.Range(ctx, nil, nil, func(v meta.Version) bool {
		if bool(v.Deleted) {
			return true
		}
		if p.versionIsLive(ctx, v) {
			return true
		}
		tomb := meta.Version{UUID: v.UUID, Deleted: true}
		if _, err := table.InsertReplicated(ctx, p.versions, tomb); err != nil {
			p.log.Error("failed to tombstone orphaned version", zap.String("version", v.UUID.String()), zap.Error(err))
		}
		return true
	})
}

func (p *Pipeline) versionIsLive(ctx context.Context, v meta.Version) bool {
	switch v.Backlink.Tag {
	case meta.BacklinkObject:
		obj, ok, err := p.objects.GetLocal(ctx, v.Backlink.Bucket[:], []byte(v.Backlink.Key))
		if err != nil || !ok {
			return false
		}
		for _, ov := range obj.Versions {
			if ov.UUID == v.UUID {
				return ov.State.Tag != meta.StateAborted
			}
		}
		return false

	case meta.BacklinkMultipartUpload:
		mpu, ok, err := p.mpus.GetLocal(ctx, v.Backlink.UploadID.Bytes(), nil)
		if err != nil || !ok || bool(mpu.Deleted) {
			return false
		}
		for _, part := range mpu.Parts {
			if part.Version == v.UUID {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// RepairBlockRefs walks every local BlockRef row and tombstones any whose
// Version is deleted or missing. BlockRefSchema's updated hook fires the
// block decref on each such transition, on every replica the tombstone
// reaches, so the block manager's resync loop can eventually reclaim the
// block once every ref is gone.
func (p *Pipeline) RepairBlockRefs(ctx context.Context) error {
	return p.blockRefs.Range(ctx, nil, nil, func(r meta.BlockRef) bool {
		if bool(r.Deleted) {
			return true
		}
		ver, ok, err := p.versions.GetLocal(ctx, r.Version.Bytes(), nil)
		if err != nil {
			p.log.Error("failed to look up version for block ref repair", zap.Error(err))
			return true
		}
		if ok && !bool(ver.Deleted) {
			return true
		}

		tomb := meta.BlockRef{Hash: r.Hash, Version: r.Version, Deleted: true}
		if _, err := table.InsertReplicated(ctx, p.blockRefs, tomb); err != nil {
			p.log.Error("failed to tombstone orphaned block ref", zap.Error(err))
		}
		return true
	})
}
