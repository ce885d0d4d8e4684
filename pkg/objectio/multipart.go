// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// CreateMultipartRequest starts a new multipart upload.
type CreateMultipartRequest struct {
	Bucket      [16]byte
	Key         string
	ContentType string
	Headers     map[string]string
}

// CreateMultipartResult carries the upload id the client must echo back
// on every subsequent UploadPart/CompleteMultipartUpload call.
type CreateMultipartResult struct {
	UploadID uuid.UUID
}

// CreateMultipartUpload issues an upload UUID, reused as both the
// Uploading ObjectVersion's id and the MultipartUpload row's id (the
// same "one id, two rows" pattern PutObject uses for ObjectVersion and
// Version), and records an empty MPU row.
func (p *Pipeline) CreateMultipartUpload(ctx context.Context, req CreateMultipartRequest) (result CreateMultipartResult, err error) {
	defer mon.Task()(&ctx)(&err)

	id := newUUID()
	now := p.clock.NowMillis()

	uploading := meta.Object{
		Bucket: req.Bucket,
		Key:    req.Key,
		Versions: []meta.ObjectVersion{{
			UUID:      id,
			Timestamp: now,
			State: meta.ObjectVersionState{
				Tag:       meta.StateUploading,
				Uploading: meta.UploadingInfo{Multipart: true, Headers: req.Headers},
			},
		}},
	}
	if err := p.insertObjectVersion(ctx, uploading); err != nil {
		return result, err
	}

	mpu := meta.MultipartUpload{
		UUID:      id,
		Bucket:    req.Bucket,
		Key:       req.Key,
		Timestamp: now,
		Parts:     map[meta.PartKey]meta.MpuPart{},
	}
	if _, err := table.InsertReplicated(ctx, p.mpus, mpu); err != nil {
		return result, err
	}
	return CreateMultipartResult{UploadID: id}, nil
}

// UploadPartRequest is one PUT of part data against an open multipart
// upload.
type UploadPartRequest struct {
	UploadID   uuid.UUID
	Bucket     [16]byte
	Key        string
	PartNumber int
	Body       io.Reader
	ContentMD5 string
}

// UploadPartResult is what the client needs to later name this part in
// CompleteMultipartUpload's part list.
type UploadPartResult struct {
	ETag string
	Size int64
}

// UploadPart streams one part's body into a fresh Version (backlinked to
// the MPU, not the Object) and records a single MpuPart keyed by
// (part_no, ts); re-uploading a part number produces a new PartKey and
// the latest timestamp wins on merge. If the upload is
// interrupted before the part row commits, the freshly created Version
// is tombstoned on the way out so its blocks aren't orphaned forever
// waiting for repair_versions to notice (the InterruptedCleanup
// sentinel).
func (p *Pipeline) UploadPart(ctx context.Context, req UploadPartRequest) (result UploadPartResult, err error) {
	defer mon.Task()(&ctx)(&err)

	mpu, ok, err := table.GetReplicated(ctx, p.mpus, req.UploadID.Bytes(), nil)
	if err != nil {
		return result, err
	}
	if !ok || bool(mpu.Deleted) {
		return result, NoSuchUpload.New("upload %s not found", req.UploadID)
	}

	versionID := newUUID()
	committed := false
	defer func() {
		if committed {
			return
		}
		tombstone := meta.Version{UUID: versionID, Deleted: true}
		if _, cleanupErr := table.InsertReplicated(context.Background(), p.versions, tombstone); cleanupErr != nil {
			p.log.Error("interrupted-upload cleanup failed to tombstone version",
				zap.String("version", versionID.String()), zap.Error(cleanupErr))
		}
	}()

	md5h := md5.New()
	var blocks []meta.BlockEntry
	var offset, total int64
	buf := make([]byte, p.blockSize)
	for {
		n, readErr := io.ReadFull(req.Body, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := md5h.Write(chunk); err != nil {
				return result, Error.Wrap(err)
			}
			hash, err := p.writeNewBlock(ctx, chunk, versionID)
			if err != nil {
				return result, err
			}
			blocks = append(blocks, meta.BlockEntry{
				Position: meta.BlockPosition{PartNumber: req.PartNumber, Offset: offset},
				Hash:     hash,
				Size:     int64(n),
			})
			offset += int64(n)
			total += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return result, Error.Wrap(readErr)
		}
	}

	sum := md5h.Sum(nil)
	if req.ContentMD5 != "" {
		if err := checkClaimedDigests(sum, nil, req.ContentMD5, ""); err != nil {
			return result, err
		}
	}
	computedETag := hex.EncodeToString(sum)

	version := meta.Version{
		UUID:     versionID,
		Backlink: meta.VersionBacklink{Tag: meta.BacklinkMultipartUpload, UploadID: req.UploadID},
		Blocks:   blocks,
	}
	if _, err := table.InsertReplicated(ctx, p.versions, version); err != nil {
		return result, err
	}

	part := meta.MultipartUpload{
		UUID: req.UploadID,
		Parts: map[meta.PartKey]meta.MpuPart{
			{PartNumber: req.PartNumber, Timestamp: p.clock.NowMillis()}: {
				Version: versionID,
				ETag:    computedETag,
				Size:    total,
			},
		},
	}
	if _, err := table.InsertReplicated(ctx, p.mpus, part); err != nil {
		return result, err
	}

	committed = true
	return UploadPartResult{ETag: computedETag, Size: total}, nil
}

// CompletePartSpec names one part the client asserts was uploaded, in
// the order it should appear in the final object.
type CompletePartSpec struct {
	PartNumber int
	ETag       string
}

// CompleteMultipartRequest finalises an upload.
type CompleteMultipartRequest struct {
	UploadID    uuid.UUID
	Bucket      [16]byte
	Key         string
	Parts       []CompletePartSpec
	ContentType string
	Headers     map[string]string
}

// CompleteMultipartResult is what the client needs for its response.
type CompleteMultipartResult struct {
	VersionID uuid.UUID
	ETag      string
	Size      int64
}

// CompleteMultipartUpload verifies the client's part list against what
// was actually uploaded, concatenates each part's blocks into one final
// Version (renumbering block positions to the final part scheme),
// commits the Complete ObjectVersion, and tombstones the MPU row.
func (p *Pipeline) CompleteMultipartUpload(ctx context.Context, req CompleteMultipartRequest) (result CompleteMultipartResult, err error) {
	defer mon.Task()(&ctx)(&err)

	mpu, ok, err := table.GetReplicated(ctx, p.mpus, req.UploadID.Bytes(), nil)
	if err != nil {
		return result, err
	}
	if !ok || bool(mpu.Deleted) {
		return result, NoSuchUpload.New("upload %s not found", req.UploadID)
	}
	if len(req.Parts) == 0 {
		return result, BadRequest.New("CompleteMultipartUpload requires at least one part")
	}
	for i := 1; i < len(req.Parts); i++ {
		if req.Parts[i].PartNumber <= req.Parts[i-1].PartNumber {
			return result, InvalidPartOrder.New("part numbers must be strictly increasing")
		}
	}

	finalID := newUUID()
	now := p.clock.NowMillis()

	var finalBlocks []meta.BlockEntry
	var etagBytes bytes.Buffer
	var total int64

	for i, spec := range req.Parts {
		stored, ok := mpu.LatestPart(spec.PartNumber)
		if !ok {
			return result, InvalidPart.New("part %d was never uploaded", spec.PartNumber)
		}
		if stored.ETag != stripQuotes(spec.ETag) {
			return result, InvalidPart.New("part %d etag does not match uploaded data", spec.PartNumber)
		}
		if i < len(req.Parts)-1 && stored.Size < MinPartSize {
			return result, EntityTooSmall.New("part %d is smaller than the minimum allowed part size", spec.PartNumber)
		}

		partVersion, ok, err := table.GetReplicated(ctx, p.versions, stored.Version.Bytes(), nil)
		if err != nil {
			return result, err
		}
		if !ok || bool(partVersion.Deleted) {
			return result, InvalidPart.New("part %d's uploaded data is no longer available", spec.PartNumber)
		}

		rawETag, decodeErr := hex.DecodeString(stored.ETag)
		if decodeErr != nil {
			return result, InvalidPart.New("part %d has a malformed etag", spec.PartNumber)
		}
		etagBytes.Write(rawETag)

		finalPartNumber := i + 1
		for _, b := range partVersion.Blocks {
			finalBlocks = append(finalBlocks, meta.BlockEntry{
				Position: meta.BlockPosition{PartNumber: finalPartNumber, Offset: b.Position.Offset},
				Hash:     b.Hash,
				Size:     b.Size,
			})
			if err := p.referenceExistingBlock(ctx, b.Hash, finalID); err != nil {
				return result, err
			}
		}
		total += stored.Size
	}

	final := meta.Version{
		UUID:     finalID,
		Backlink: meta.VersionBacklink{Tag: meta.BacklinkObject, Bucket: req.Bucket, Key: req.Key},
		Blocks:   finalBlocks,
	}
	if _, err := table.InsertReplicated(ctx, p.versions, final); err != nil {
		return result, err
	}

	if err := p.checkQuotas(ctx, req.Bucket, 1, total); err != nil {
		return result, err
	}

	finalETag := fmt.Sprintf("%s-%d", hex.EncodeToString(md5Sum(etagBytes.Bytes())), len(req.Parts))

	complete := meta.Object{
		Bucket: req.Bucket,
		Key:    req.Key,
		Versions: []meta.ObjectVersion{{
			UUID:      finalID,
			Timestamp: now,
			State: meta.ObjectVersionState{
				Tag: meta.StateComplete,
				Data: meta.ObjectVersionData{
					Tag:        meta.DataFirstBlock,
					FirstBlock: finalBlocks[0].Hash,
					Meta: meta.ObjectMeta{
						ContentType: req.ContentType,
						Headers:     req.Headers,
						Size:        total,
						ETag:        finalETag,
					},
				},
			},
		}},
	}
	if err := p.insertObjectVersion(ctx, complete); err != nil {
		return result, err
	}

	if _, err := table.InsertReplicated(ctx, p.mpus, meta.MultipartUpload{UUID: req.UploadID, Deleted: true}); err != nil {
		p.log.Warn("failed to tombstone completed multipart upload", zap.Error(err))
	}

	return CompleteMultipartResult{VersionID: finalID, ETag: finalETag, Size: total}, nil
}

// AbortMultipartRequest cancels an in-progress upload.
type AbortMultipartRequest struct {
	UploadID uuid.UUID
	Bucket   [16]byte
	Key      string
}

// AbortMultipartUpload marks the object version Aborted and tombstones
// the MPU row; repair_versions/repair_block_refs (gc.go) reclaim the
// parts' blocks once nothing references them anymore.
func (p *Pipeline) AbortMultipartUpload(ctx context.Context, req AbortMultipartRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	p.abort(ctx, req.Bucket, req.Key, req.UploadID)

	_, err = table.InsertReplicated(ctx, p.mpus, meta.MultipartUpload{UUID: req.UploadID, Deleted: true})
	return err
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}
