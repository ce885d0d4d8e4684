// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	uuid "github.com/satori/go.uuid"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/ordertag"
	"deuxfleurs.fr/garage/pkg/table"
)

// Preconditions carries the four S3 conditional-copy headers. A zero
// value means "header not sent".
type Preconditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// evaluatePreconditions is an explicit, total whitelist of the header
// combinations S3 actually defines. Exactly these combinations are
// legal; anything else (e.g. mixing an If-Match-family header with an
// If-None-Match-family one) is a BadRequest rather than a guess at what
// the client meant.
func evaluatePreconditions(pre Preconditions, etag string, lastModified time.Time) error {
	hasMatch := pre.IfMatch != ""
	hasNoneMatch := pre.IfNoneMatch != ""
	hasUnmodSince := pre.IfUnmodifiedSince != nil
	hasModSince := pre.IfModifiedSince != nil

	switch {
	case !hasMatch && !hasNoneMatch && !hasUnmodSince && !hasModSince:
		return nil

	case hasMatch && !hasNoneMatch && !hasModSince:
		// if-match alone, or if-match + if-unmodified-since (if-match
		// decides alone in that combination).
		if etag != pre.IfMatch {
			return PreconditionFailed.New("If-Match %q does not match current ETag %q", pre.IfMatch, etag)
		}
		return nil

	case !hasMatch && !hasNoneMatch && hasUnmodSince && !hasModSince:
		if lastModified.After(*pre.IfUnmodifiedSince) {
			return PreconditionFailed.New("object modified after If-Unmodified-Since")
		}
		return nil

	case !hasMatch && hasNoneMatch && !hasUnmodSince && !hasModSince:
		if etag == pre.IfNoneMatch {
			return PreconditionFailed.New("If-None-Match %q matches current ETag", pre.IfNoneMatch)
		}
		return nil

	case !hasMatch && !hasNoneMatch && !hasUnmodSince && hasModSince:
		if !lastModified.After(*pre.IfModifiedSince) {
			return PreconditionFailed.New("object not modified since If-Modified-Since")
		}
		return nil

	case !hasMatch && hasNoneMatch && !hasUnmodSince && hasModSince:
		// if-none-match + if-modified-since: both must hold.
		if etag == pre.IfNoneMatch {
			return PreconditionFailed.New("If-None-Match %q matches current ETag", pre.IfNoneMatch)
		}
		if !lastModified.After(*pre.IfModifiedSince) {
			return PreconditionFailed.New("object not modified since If-Modified-Since")
		}
		return nil

	default:
		return BadRequest.New("unsupported combination of conditional copy headers")
	}
}

// CopyRequest copies src (bucket, key) onto dst (bucket, key).
type CopyRequest struct {
	SrcBucket [16]byte
	SrcKey    string
	DstBucket [16]byte
	DstKey    string

	ContentType   string
	Headers       map[string]string
	Preconditions Preconditions
}

// CopyResult is what the client needs for its response.
type CopyResult struct {
	VersionID    uuid.UUID
	ETag         string
	Size         int64
	LastModified time.Time
}

// CopyObject reuses the source object's blocks (or inline bytes) without
// rereading them in the common, non-range case.
func (p *Pipeline) CopyObject(ctx context.Context, req CopyRequest) (result CopyResult, err error) {
	defer mon.Task()(&ctx)(&err)

	srcObj, ok, err := table.GetReplicated(ctx, p.objects, req.SrcBucket[:], []byte(req.SrcKey))
	if err != nil {
		return result, err
	}
	var srcVer meta.ObjectVersion
	found := false
	if ok {
		srcVer, found = srcObj.LatestComplete()
	}
	if !found {
		return result, NoSuchKey.New("source object %x/%s not found", req.SrcBucket, req.SrcKey)
	}

	lastModified := time.UnixMilli(srcVer.Timestamp)
	if err := evaluatePreconditions(req.Preconditions, srcVer.State.Data.Meta.ETag, lastModified); err != nil {
		return result, err
	}

	newID := newUUID()
	now := p.clock.NowMillis()
	contentType := req.ContentType
	if contentType == "" {
		contentType = srcVer.State.Data.Meta.ContentType
	}

	uploading := meta.Object{
		Bucket: req.DstBucket,
		Key:    req.DstKey,
		Versions: []meta.ObjectVersion{{
			UUID: newID, Timestamp: now,
			State: meta.ObjectVersionState{Tag: meta.StateUploading},
		}},
	}
	if err := p.insertObjectVersion(ctx, uploading); err != nil {
		return result, err
	}

	switch srcVer.State.Data.Tag {
	case meta.DataInline:
		data := srcVer.State.Data.InlineData
		complete := meta.Object{
			Bucket: req.DstBucket, Key: req.DstKey,
			Versions: []meta.ObjectVersion{{
				UUID: newID, Timestamp: now,
				State: meta.ObjectVersionState{Tag: meta.StateComplete, Data: meta.ObjectVersionData{
					Tag:        meta.DataInline,
					InlineData: append([]byte(nil), data...),
					Meta: meta.ObjectMeta{
						ContentType: contentType, Headers: req.Headers,
						Size: int64(len(data)), ETag: srcVer.State.Data.Meta.ETag,
					},
				}},
			}},
		}
		if err := p.checkQuotas(ctx, req.DstBucket, 1, int64(len(data))); err != nil {
			p.abort(ctx, req.DstBucket, req.DstKey, newID)
			return result, err
		}
		if err := p.insertObjectVersion(ctx, complete); err != nil {
			return result, err
		}
		return CopyResult{VersionID: newID, ETag: srcVer.State.Data.Meta.ETag, Size: int64(len(data)), LastModified: time.UnixMilli(now)}, nil

	case meta.DataFirstBlock:
		srcVersion, ok, err := table.GetReplicated(ctx, p.versions, srcVer.UUID.Bytes(), nil)
		if err != nil {
			p.abort(ctx, req.DstBucket, req.DstKey, newID)
			return result, err
		}
		if !ok {
			p.abort(ctx, req.DstBucket, req.DstKey, newID)
			return result, Error.New("source version %s has no block list", srcVer.UUID)
		}
		dstBlocks := make([]meta.BlockEntry, len(srcVersion.Blocks))
		for i, b := range srcVersion.Blocks {
			dstBlocks[i] = b
			if err := p.referenceExistingBlock(ctx, b.Hash, newID); err != nil {
				p.abort(ctx, req.DstBucket, req.DstKey, newID)
				return result, err
			}
		}
		dstVersion := meta.Version{
			UUID:     newID,
			Backlink: meta.VersionBacklink{Tag: meta.BacklinkObject, Bucket: req.DstBucket, Key: req.DstKey},
			Blocks:   dstBlocks,
		}
		if _, err := table.InsertReplicated(ctx, p.versions, dstVersion); err != nil {
			return result, err
		}
		size := srcVer.State.Data.Meta.Size
		if err := p.checkQuotas(ctx, req.DstBucket, 1, size); err != nil {
			p.abort(ctx, req.DstBucket, req.DstKey, newID)
			return result, err
		}
		complete := meta.Object{
			Bucket: req.DstBucket, Key: req.DstKey,
			Versions: []meta.ObjectVersion{{
				UUID: newID, Timestamp: now,
				State: meta.ObjectVersionState{Tag: meta.StateComplete, Data: meta.ObjectVersionData{
					Tag:        meta.DataFirstBlock,
					FirstBlock: dstBlocks[0].Hash,
					Meta: meta.ObjectMeta{
						ContentType: contentType, Headers: req.Headers,
						Size: size, ETag: srcVer.State.Data.Meta.ETag,
					},
				}},
			}},
		}
		if err := p.insertObjectVersion(ctx, complete); err != nil {
			return result, err
		}
		return CopyResult{VersionID: newID, ETag: srcVer.State.Data.Meta.ETag, Size: size, LastModified: time.UnixMilli(now)}, nil

	default:
		p.abort(ctx, req.DstBucket, req.DstKey, newID)
		return result, BadRequest.New("cannot copy a delete marker")
	}
}

// UploadPartCopyRequest requests a (possibly partial) byte range of a
// source object be copied into one part of an open multipart upload.
type UploadPartCopyRequest struct {
	UploadID   uuid.UUID
	PartNumber int

	SrcBucket [16]byte
	SrcKey    string
	// RangeStart/RangeEnd select a half-open [start, end) byte range of
	// the source object. RangeEnd <= 0 means "to the end of the object".
	RangeStart int64
	RangeEnd   int64

	// FetchConcurrency bounds how many source blocks are fetched at
	// once; <= 0 defaults to 4.
	FetchConcurrency int
}

// UploadPartCopyResult is what the client needs for its response.
type UploadPartCopyResult struct {
	ETag string
	Size int64
}

// UploadPartCopy streams the requested byte range of the source object's
// blocks through a defragmenter that reassembles them into block_size
// pieces, reusing a source block's hash directly whenever a reassembled
// piece happens to be byte-identical to it, and otherwise hashing and
// uploading the piece fresh. Source block fetches are
// issued concurrently and reassembled via pkg/ordertag so a slow fetch
// doesn't head-of-line-block the ones after it.
func (p *Pipeline) UploadPartCopy(ctx context.Context, req UploadPartCopyRequest) (result UploadPartCopyResult, err error) {
	defer mon.Task()(&ctx)(&err)

	mpu, ok, err := table.GetReplicated(ctx, p.mpus, req.UploadID.Bytes(), nil)
	if err != nil {
		return result, err
	}
	if !ok || bool(mpu.Deleted) {
		return result, NoSuchUpload.New("upload %s not found", req.UploadID)
	}

	srcObj, ok, err := table.GetReplicated(ctx, p.objects, req.SrcBucket[:], []byte(req.SrcKey))
	if err != nil {
		return result, err
	}
	var srcVer meta.ObjectVersion
	found := false
	if ok {
		srcVer, found = srcObj.LatestComplete()
	}
	if !found {
		return result, NoSuchKey.New("source object %x/%s not found", req.SrcBucket, req.SrcKey)
	}

	var fullData []byte
	switch srcVer.State.Data.Tag {
	case meta.DataInline:
		fullData = srcVer.State.Data.InlineData
	case meta.DataFirstBlock:
		srcVersion, ok, err := table.GetReplicated(ctx, p.versions, srcVer.UUID.Bytes(), nil)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, Error.New("source version %s has no block list", srcVer.UUID)
		}
		fullData, err = p.fetchBlocksConcurrently(ctx, srcVersion.Blocks, req.FetchConcurrency)
		if err != nil {
			return result, err
		}
	default:
		return result, BadRequest.New("cannot copy from a delete marker")
	}

	start := req.RangeStart
	end := req.RangeEnd
	if end <= 0 || end > int64(len(fullData)) {
		end = int64(len(fullData))
	}
	if start < 0 || start > end {
		return result, BadRequest.New("invalid copy range")
	}
	rangeData := fullData[start:end]

	// existing block hashes available for whole-block reuse detection.
	existingHashes := map[[32]byte]bool{}
	if srcVer.State.Data.Tag == meta.DataFirstBlock {
		srcVersion, _, _ := table.GetReplicated(ctx, p.versions, srcVer.UUID.Bytes(), nil)
		for _, b := range srcVersion.Blocks {
			existingHashes[b.Hash] = true
		}
	}

	versionID := newUUID()
	md5h := md5.New()
	md5h.Write(rangeData)
	etag := hex.EncodeToString(md5h.Sum(nil))

	var blocks []meta.BlockEntry
	var offset int64
	for off := 0; off < len(rangeData); off += int(p.blockSize) {
		high := off + int(p.blockSize)
		if high > len(rangeData) {
			high = len(rangeData)
		}
		piece := rangeData[off:high]
		hash := blockstore.Hash(piece)

		if existingHashes[hash] {
			if err := p.referenceExistingBlock(ctx, hash, versionID); err != nil {
				return result, err
			}
		} else {
			if _, err := p.writeNewBlock(ctx, piece, versionID); err != nil {
				return result, err
			}
		}
		blocks = append(blocks, meta.BlockEntry{
			Position: meta.BlockPosition{PartNumber: req.PartNumber, Offset: offset},
			Hash:     hash,
			Size:     int64(len(piece)),
		})
		offset += int64(len(piece))
	}

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
				Version: versionID, ETag: etag, Size: int64(len(rangeData)),
			},
		},
	}
	if _, err := table.InsertReplicated(ctx, p.mpus, part); err != nil {
		return result, err
	}

	return UploadPartCopyResult{ETag: etag, Size: int64(len(rangeData))}, nil
}

// fetchBlocksConcurrently fetches every block in blocks (already ordered
// by position) in parallel, reassembling them into one contiguous
// buffer in original order via pkg/ordertag.
func (p *Pipeline) fetchBlocksConcurrently(ctx context.Context, blocks []meta.BlockEntry, concurrency int) ([]byte, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var buf bytes.Buffer
	err := ordertag.Run(ctx, len(blocks), concurrency,
		func(ctx context.Context, i int) ([]byte, error) {
			return p.blocks.GetBlock(ctx, blocks[i].Hash)
		},
		func(i int, data []byte) error {
			_, err := buf.Write(data)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
