// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio

import (
	"context"

	uuid "github.com/satori/go.uuid"

	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// GetRequest reads an object, optionally restricted to the half-open
// byte range [RangeStart, RangeEnd). RangeEnd <= 0 means "to the end of
// the object".
type GetRequest struct {
	Bucket     [16]byte
	Key        string
	RangeStart int64
	RangeEnd   int64

	// FetchConcurrency bounds how many blocks are fetched at once;
	// <= 0 defaults to 4.
	FetchConcurrency int
}

// GetResult carries the object bytes and the metadata the S3 edge needs
// for its response headers.
type GetResult struct {
	VersionID uuid.UUID
	Meta      meta.ObjectMeta
	Data      []byte
}

// GetObject resolves the latest Complete version of (bucket, key) and
// assembles its bytes: straight from the row for an inline object, or by
// fetching every block of the linked Version (concurrently, reassembled
// in order) for a streamed one.
func (p *Pipeline) GetObject(ctx context.Context, req GetRequest) (result GetResult, err error) {
	defer mon.Task()(&ctx)(&err)

	ver, err := p.headVersion(ctx, req.Bucket, req.Key)
	if err != nil {
		return result, err
	}

	var data []byte
	switch ver.State.Data.Tag {
	case meta.DataInline:
		data = ver.State.Data.InlineData
	case meta.DataFirstBlock:
		version, ok, err := table.GetReplicated(ctx, p.versions, ver.UUID.Bytes(), nil)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, Error.New("version %s has no block list", ver.UUID)
		}
		data, err = p.fetchBlocksConcurrently(ctx, version.Blocks, req.FetchConcurrency)
		if err != nil {
			return result, err
		}
	default:
		return result, NoSuchKey.New("object %x/%s not found", req.Bucket, req.Key)
	}

	start, end := req.RangeStart, req.RangeEnd
	if end <= 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	if start < 0 || start > end {
		return result, BadRequest.New("invalid byte range")
	}
	return GetResult{VersionID: ver.UUID, Meta: ver.State.Data.Meta, Data: data[start:end]}, nil
}

// HeadObject resolves the latest Complete version's metadata without
// touching any block.
func (p *Pipeline) HeadObject(ctx context.Context, bucket [16]byte, key string) (id uuid.UUID, objMeta meta.ObjectMeta, err error) {
	defer mon.Task()(&ctx)(&err)

	ver, err := p.headVersion(ctx, bucket, key)
	if err != nil {
		return id, objMeta, err
	}
	if ver.State.Data.Tag == meta.DataDeleteMarker {
		return id, objMeta, NoSuchKey.New("object %x/%s not found", bucket, key)
	}
	return ver.UUID, ver.State.Data.Meta, nil
}

func (p *Pipeline) headVersion(ctx context.Context, bucket [16]byte, key string) (meta.ObjectVersion, error) {
	obj, ok, err := table.GetReplicated(ctx, p.objects, bucket[:], []byte(key))
	if err != nil {
		return meta.ObjectVersion{}, err
	}
	if ok {
		if ver, found := obj.LatestComplete(); found {
			return ver, nil
		}
	}
	return meta.ObjectVersion{}, NoSuchKey.New("object %x/%s not found", bucket, key)
}

// ListEntry is one row of a bucket listing.
type ListEntry struct {
	Key  string
	Meta meta.ObjectMeta
}

// ListObjects walks this node's copy of the object table for one bucket,
// returning up to limit live objects whose key starts with prefix, in
// key order. limit <= 0 means no bound. Listing rides the local replica
// (kept converged by anti-entropy) rather than a quorum read per row,
// which would make every listing O(rows) network round trips.
func (p *Pipeline) ListObjects(ctx context.Context, bucket [16]byte, prefix string, limit int) (entries []ListEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	start := make([]byte, 0, len(bucket)+1+len(prefix))
	start = append(start, bucket[:]...)
	start = append(start, 0)
	start = append(start, prefix...)
	end := make([]byte, len(bucket)+1)
	copy(end, bucket[:])
	end[len(bucket)] = 1

	err = p.objects.Range(ctx, start, end, func(o meta.Object) bool {
		if prefix != "" && (len(o.Key) < len(prefix) || o.Key[:len(prefix)] != prefix) {
			return true
		}
		ver, found := o.LatestComplete()
		if !found || ver.State.Data.Tag == meta.DataDeleteMarker {
			return true
		}
		entries = append(entries, ListEntry{Key: o.Key, Meta: ver.State.Data.Meta})
		return limit <= 0 || len(entries) < limit
	})
	return entries, err
}

// DeleteObject writes a delete-marker version over (bucket, key). The
// object table's compaction and the repair walks reclaim the previous
// version's blocks once the marker is the latest Complete state. The
// returned id names the marker version.
func (p *Pipeline) DeleteObject(ctx context.Context, bucket [16]byte, key string) (id uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := p.headVersion(ctx, bucket, key); err != nil {
		return id, err
	}

	id = newUUID()
	marker := meta.Object{
		Bucket: bucket,
		Key:    key,
		Versions: []meta.ObjectVersion{{
			UUID:      id,
			Timestamp: p.clock.NowMillis(),
			State: meta.ObjectVersionState{
				Tag:  meta.StateComplete,
				Data: meta.ObjectVersionData{Tag: meta.DataDeleteMarker},
			},
		}},
	}
	return id, p.insertObjectVersion(ctx, marker)
}
