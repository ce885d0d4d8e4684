// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// PutRequest is one streaming PUT.
type PutRequest struct {
	Bucket      [16]byte
	Key         string
	ContentType string
	Headers     map[string]string

	Body io.Reader

	// ContentMD5 is the base64-encoded digest from the Content-MD5
	// header, if the client sent one. Empty means "don't verify".
	ContentMD5 string
	// ExpectedSHA256 is the hex digest from x-amz-content-sha256, if
	// present and not the literal "UNSIGNED-PAYLOAD" sentinel.
	ExpectedSHA256 string
}

// PutResult is what a caller needs to answer the client: the new
// version id and the S3-visible ETag.
type PutResult struct {
	VersionID uuid.UUID
	ETag      string
	Size      int64
}

// PutObject runs the streaming write pipeline: an Uploading placeholder
// is committed first so repair can't GC the in-flight write, the body is
// buffered up to InlineThreshold+1 bytes to decide between the Inline
// and FirstBlock representations before any block is ever written, and
// the final Complete version is committed last so a racing reader never
// observes a half-written object.
func (p *Pipeline) PutObject(ctx context.Context, req PutRequest) (result PutResult, err error) {
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
				Uploading: meta.UploadingInfo{Headers: req.Headers},
			},
		}},
	}
	if err := p.insertObjectVersion(ctx, uploading); err != nil {
		return result, err
	}

	prefix := make([]byte, meta.InlineThreshold+1)
	n, readErr := io.ReadFull(req.Body, prefix)
	prefix = prefix[:n]
	eof := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
	if readErr != nil && !eof {
		p.abort(ctx, req.Bucket, req.Key, id)
		return result, Error.Wrap(readErr)
	}

	if len(prefix) <= meta.InlineThreshold && eof {
		return p.completeInline(ctx, req, id, now, prefix)
	}
	return p.completeStreamed(ctx, req, id, now, prefix, req.Body)
}

// insertObjectVersion merges v into the Object table, replicating it.
func (p *Pipeline) insertObjectVersion(ctx context.Context, v meta.Object) error {
	_, err := table.InsertReplicated(ctx, p.objects, v)
	return err
}

func (p *Pipeline) completeInline(ctx context.Context, req PutRequest, id uuid.UUID, now int64, data []byte) (PutResult, error) {
	etag, err := verifyDigests(data, req.ContentMD5, req.ExpectedSHA256)
	if err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	if err := p.checkQuotas(ctx, req.Bucket, 1, int64(len(data))); err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	complete := meta.Object{
		Bucket: req.Bucket,
		Key:    req.Key,
		Versions: []meta.ObjectVersion{{
			UUID:      id,
			Timestamp: now,
			State: meta.ObjectVersionState{
				Tag: meta.StateComplete,
				Data: meta.ObjectVersionData{
					Tag:        meta.DataInline,
					InlineData: append([]byte(nil), data...),
					Meta: meta.ObjectMeta{
						ContentType: req.ContentType,
						Headers:     req.Headers,
						Size:        int64(len(data)),
						ETag:        etag,
					},
				},
			},
		}},
	}
	if err := p.insertObjectVersion(ctx, complete); err != nil {
		return PutResult{}, err
	}
	return PutResult{VersionID: id, ETag: etag, Size: int64(len(data))}, nil
}

func (p *Pipeline) completeStreamed(ctx context.Context, req PutRequest, id uuid.UUID, now int64, prefix []byte, rest io.Reader) (PutResult, error) {
	// An empty Version row goes in before the first block so that if the
	// stream dies partway, the blocks already written have a discoverable
	// backlink for repair to tombstone.
	backlink := meta.VersionBacklink{Tag: meta.BacklinkObject, Bucket: req.Bucket, Key: req.Key}
	if _, err := table.InsertReplicated(ctx, p.versions, meta.Version{UUID: id, Backlink: backlink}); err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	md5h := md5.New()
	sha256h := sha256.New()
	tee := io.MultiWriter(md5h, sha256h)

	var blocks []meta.BlockEntry
	var firstHash [32]byte
	var total int64
	var offset int64
	partNumber := 1

	stream := io.MultiReader(bytes.NewReader(prefix), rest)
	buf := make([]byte, p.blockSize)
	for {
		n, readErr := io.ReadFull(stream, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := tee.Write(chunk); err != nil {
				p.abort(ctx, req.Bucket, req.Key, id)
				return PutResult{}, Error.Wrap(err)
			}
			hash, err := p.writeNewBlock(ctx, chunk, id)
			if err != nil {
				p.abort(ctx, req.Bucket, req.Key, id)
				return PutResult{}, err
			}
			if len(blocks) == 0 {
				firstHash = hash
			}
			blocks = append(blocks, meta.BlockEntry{
				Position: meta.BlockPosition{PartNumber: partNumber, Offset: offset},
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
			p.abort(ctx, req.Bucket, req.Key, id)
			return PutResult{}, Error.Wrap(readErr)
		}
	}

	version := meta.Version{
		UUID:     id,
		Backlink: backlink,
		Blocks:   blocks,
	}
	if _, err := table.InsertReplicated(ctx, p.versions, version); err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	computedMD5 := hex.EncodeToString(md5h.Sum(nil))
	if err := checkClaimedDigests(md5h.Sum(nil), sha256h.Sum(nil), req.ContentMD5, req.ExpectedSHA256); err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	if err := p.checkQuotas(ctx, req.Bucket, 1, total); err != nil {
		p.abort(ctx, req.Bucket, req.Key, id)
		return PutResult{}, err
	}

	complete := meta.Object{
		Bucket: req.Bucket,
		Key:    req.Key,
		Versions: []meta.ObjectVersion{{
			UUID:      id,
			Timestamp: now,
			State: meta.ObjectVersionState{
				Tag: meta.StateComplete,
				Data: meta.ObjectVersionData{
					Tag:        meta.DataFirstBlock,
					FirstBlock: firstHash,
					Meta: meta.ObjectMeta{
						ContentType: req.ContentType,
						Headers:     req.Headers,
						Size:        total,
						ETag:        computedMD5,
					},
				},
			},
		}},
	}
	if err := p.insertObjectVersion(ctx, complete); err != nil {
		return PutResult{}, err
	}
	return PutResult{VersionID: id, ETag: computedMD5, Size: total}, nil
}

// abort commits an Aborted ObjectVersion for id, absorbing whatever
// Uploading placeholder preceded it so repair_versions (gc.go) can
// reclaim any blocks already written.
func (p *Pipeline) abort(ctx context.Context, bucket [16]byte, key string, id uuid.UUID) {
	aborted := meta.Object{
		Bucket: bucket,
		Key:    key,
		Versions: []meta.ObjectVersion{{
			UUID:  id,
			State: meta.ObjectVersionState{Tag: meta.StateAborted},
		}},
	}
	if err := p.insertObjectVersion(ctx, aborted); err != nil {
		p.log.Error("failed to record aborted object version", zap.Error(err))
	}
}

// verifyDigests computes the MD5 ETag for an inline payload and checks
// it (and, if present, the SHA-256 signature digest) against whatever
// the client claimed.
func verifyDigests(data []byte, contentMD5, expectedSHA256 string) (string, error) {
	sum := md5.Sum(data)
	shaSum := sha256.Sum256(data)
	if err := checkClaimedDigests(sum[:], shaSum[:], contentMD5, expectedSHA256); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func checkClaimedDigests(md5Sum, sha256Sum []byte, contentMD5, expectedSHA256 string) error {
	if contentMD5 != "" {
		claimed, err := base64.StdEncoding.DecodeString(contentMD5)
		if err != nil || !bytes.Equal(claimed, md5Sum) {
			return InvalidDigest.New("Content-MD5 does not match uploaded body")
		}
	}
	if expectedSHA256 != "" && expectedSHA256 != "UNSIGNED-PAYLOAD" {
		claimed, err := hex.DecodeString(expectedSHA256)
		if err != nil || !bytes.Equal(claimed, sha256Sum) {
			return InvalidDigest.New("x-amz-content-sha256 does not match uploaded body")
		}
	}
	return nil
}
