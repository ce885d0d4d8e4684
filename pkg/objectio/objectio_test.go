// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package objectio_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/kvstore"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/objectio"
	"deuxfleurs.fr/garage/pkg/table"
)

// fakeClock lets tests assert on version ordering deterministically
// instead of depending on wall-clock resolution.
type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 {
	c.ms++
	return c.ms
}

func newPipeline(t *testing.T, blockSize int64) *objectio.Pipeline {
	t.Helper()
	log := zaptest.NewLogger(t)
	eng := kvstore.NewMemoryEngine()

	bucket := func(name string) kvstore.KV {
		kv, err := eng.Bucket(name)
		require.NoError(t, err)
		return kv
	}

	objects := table.New[meta.Object]("objects", log, bucket("objects"), nil, nil, nil, nil)
	versions := table.New[meta.Version]("versions", log, bucket("versions"), nil, nil, nil, nil)
	mpus := table.New[meta.MultipartUpload]("mpus", log, bucket("mpus"), nil, nil, nil, nil)
	blockRefs := table.New[meta.BlockRef]("blockrefs", log, bucket("blockrefs"), nil, nil, nil, nil)
	buckets := table.New[meta.Bucket]("buckets", log, bucket("buckets"), nil, nil, nil, nil)

	store, err := blockstore.NewStore(blockstore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	rc := blockstore.NewRefCounter(bucket("block_rc"))
	resync := blockstore.NewResyncQueue(log, bucket("resync_queue"), bucket("resync_errors"))
	manager := blockstore.NewManager(log, store, rc, resync, nil, nil)

	tables := objectio.Tables{Objects: objects, Versions: versions, MPUs: mpus, BlockRefs: blockRefs, Buckets: buckets}
	return objectio.New(log, tables, manager, &fakeClock{}, blockSize)
}

func bucketID(b byte) [16]byte {
	var id [16]byte
	id[0] = b
	return id
}

func TestPutObjectInline(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	body := []byte("tiny payload")

	result, err := p.PutObject(ctx, objectio.PutRequest{
		Bucket:      bucketID(1),
		Key:         "hello.txt",
		ContentType: "text/plain",
		Body:        bytes.NewReader(body),
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), result.Size)
	require.NotEmpty(t, result.ETag)
}

func TestPutObjectStreamedChunksIntoBlocks(t *testing.T) {
	ctx := context.Background()
	const blockSize = 1024
	p := newPipeline(t, blockSize)
	body := bytes.Repeat([]byte{0x42}, blockSize*3)

	result, err := p.PutObject(ctx, objectio.PutRequest{
		Bucket: bucketID(2),
		Key:    "big.bin",
		Body:   bytes.NewReader(body),
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), result.Size)
}

func TestGetObjectRoundTripsInlineAndStreamed(t *testing.T) {
	ctx := context.Background()
	const blockSize = 1024
	p := newPipeline(t, blockSize)

	small := []byte("inline me")
	_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(10), Key: "small", Body: bytes.NewReader(small)})
	require.NoError(t, err)
	got, err := p.GetObject(ctx, objectio.GetRequest{Bucket: bucketID(10), Key: "small"})
	require.NoError(t, err)
	require.Equal(t, small, got.Data)

	big := bytes.Repeat([]byte{0x5a}, blockSize*2+17)
	_, err = p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(10), Key: "big", Body: bytes.NewReader(big)})
	require.NoError(t, err)
	got, err = p.GetObject(ctx, objectio.GetRequest{Bucket: bucketID(10), Key: "big"})
	require.NoError(t, err)
	require.Equal(t, big, got.Data)

	ranged, err := p.GetObject(ctx, objectio.GetRequest{Bucket: bucketID(10), Key: "big", RangeStart: blockSize - 3, RangeEnd: blockSize + 5})
	require.NoError(t, err)
	require.Equal(t, big[blockSize-3:blockSize+5], ranged.Data)
}

func TestDeleteObjectHidesKey(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)

	_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(11), Key: "doomed", Body: bytes.NewReader([]byte("bye"))})
	require.NoError(t, err)

	_, err = p.DeleteObject(ctx, bucketID(11), "doomed")
	require.NoError(t, err)

	_, err = p.GetObject(ctx, objectio.GetRequest{Bucket: bucketID(11), Key: "doomed"})
	require.True(t, objectio.NoSuchKey.Has(err))

	_, _, err = p.HeadObject(ctx, bucketID(11), "doomed")
	require.True(t, objectio.NoSuchKey.Has(err))
}

func TestListObjectsFiltersPrefixAndDeleted(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	bkt := bucketID(12)

	for _, key := range []string{"logs/a", "logs/b", "data/c"} {
		_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bkt, Key: key, Body: bytes.NewReader([]byte(key))})
		require.NoError(t, err)
	}
	_, err := p.DeleteObject(ctx, bkt, "logs/b")
	require.NoError(t, err)

	entries, err := p.ListObjects(ctx, bkt, "logs/", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "logs/a", entries[0].Key)

	all, err := p.ListObjects(ctx, bkt, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCopyObjectReusesBlocks(t *testing.T) {
	ctx := context.Background()
	const blockSize = 1024
	p := newPipeline(t, blockSize)
	body := bytes.Repeat([]byte{0x7}, blockSize*2)

	_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(3), Key: "src", Body: bytes.NewReader(body)})
	require.NoError(t, err)

	result, err := p.CopyObject(ctx, objectio.CopyRequest{
		SrcBucket: bucketID(3), SrcKey: "src",
		DstBucket: bucketID(3), DstKey: "dst",
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), result.Size)
}

func TestCopyObjectPreconditionIfMatchFails(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(4), Key: "src", Body: bytes.NewReader([]byte("hi"))})
	require.NoError(t, err)

	_, err = p.CopyObject(ctx, objectio.CopyRequest{
		SrcBucket: bucketID(4), SrcKey: "src",
		DstBucket: bucketID(4), DstKey: "dst",
		Preconditions: objectio.Preconditions{IfMatch: "not-the-real-etag"},
	})
	require.Error(t, err)
	require.True(t, objectio.PreconditionFailed.Has(err))
}

func TestCopyObjectRejectsMixedPreconditions(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	_, err := p.PutObject(ctx, objectio.PutRequest{Bucket: bucketID(5), Key: "src", Body: bytes.NewReader([]byte("hi"))})
	require.NoError(t, err)

	_, err = p.CopyObject(ctx, objectio.CopyRequest{
		SrcBucket: bucketID(5), SrcKey: "src",
		DstBucket: bucketID(5), DstKey: "dst",
		Preconditions: objectio.Preconditions{IfMatch: "x", IfNoneMatch: "y"},
	})
	require.Error(t, err)
	require.True(t, objectio.BadRequest.Has(err))
}

func TestMultipartUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	const blockSize = 1 << 20
	p := newPipeline(t, blockSize)

	created, err := p.CreateMultipartUpload(ctx, objectio.CreateMultipartRequest{Bucket: bucketID(6), Key: "mpu.bin"})
	require.NoError(t, err)

	// part 1 must clear objectio.MinPartSize since it isn't the final part.
	part1 := bytes.Repeat([]byte{0x1}, objectio.MinPartSize+blockSize)
	part2 := bytes.Repeat([]byte{0x2}, blockSize)

	r1, err := p.UploadPart(ctx, objectio.UploadPartRequest{
		UploadID: created.UploadID, Bucket: bucketID(6), Key: "mpu.bin",
		PartNumber: 1, Body: bytes.NewReader(part1),
	})
	require.NoError(t, err)

	r2, err := p.UploadPart(ctx, objectio.UploadPartRequest{
		UploadID: created.UploadID, Bucket: bucketID(6), Key: "mpu.bin",
		PartNumber: 2, Body: bytes.NewReader(part2),
	})
	require.NoError(t, err)

	result, err := p.CompleteMultipartUpload(ctx, objectio.CompleteMultipartRequest{
		UploadID: created.UploadID, Bucket: bucketID(6), Key: "mpu.bin",
		Parts: []objectio.CompletePartSpec{
			{PartNumber: 1, ETag: r1.ETag},
			{PartNumber: 2, ETag: r2.ETag},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(part1)+len(part2)), result.Size)
	require.Contains(t, result.ETag, "-2")
}

func TestUploadPartRejectsUnknownUpload(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	randomID := uuid.NewV4()

	_, err := p.UploadPart(ctx, objectio.UploadPartRequest{UploadID: randomID, Body: bytes.NewReader([]byte("x"))})
	require.True(t, objectio.NoSuchUpload.Has(err))
}

func TestAbortMultipartUploadTombstonesUpload(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 1<<20)
	created, err := p.CreateMultipartUpload(ctx, objectio.CreateMultipartRequest{Bucket: bucketID(7), Key: "aborted.bin"})
	require.NoError(t, err)

	require.NoError(t, p.AbortMultipartUpload(ctx, objectio.AbortMultipartRequest{
		UploadID: created.UploadID, Bucket: bucketID(7), Key: "aborted.bin",
	}))

	_, err = p.UploadPart(ctx, objectio.UploadPartRequest{UploadID: created.UploadID, Body: bytes.NewReader([]byte("x"))})
	require.True(t, objectio.NoSuchUpload.Has(err))
}

// waitUntil polls cond until it holds or the deadline passes, for
// assertions on state a background queue worker settles asynchronously.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestBlockRefTransitionsDriveRefCounts(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	eng := kvstore.NewMemoryEngine()
	bucket := func(name string) kvstore.KV {
		kv, err := eng.Bucket(name)
		require.NoError(t, err)
		return kv
	}

	queue := table.NewQueue(log, bucket("table_queue"))
	blockRefs := table.New[meta.BlockRef]("blockrefs", log, bucket("blockrefs"), objectio.BlockRefSchema{}, nil, nil, queue)

	store, err := blockstore.NewStore(blockstore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	rc := blockstore.NewRefCounter(bucket("block_rc"))
	resync := blockstore.NewResyncQueue(log, bucket("resync_queue"), bucket("resync_errors"))
	manager := blockstore.NewManager(log, store, rc, resync, nil, nil)

	tables := objectio.Tables{
		Objects:   table.New[meta.Object]("objects", log, bucket("objects"), nil, nil, nil, nil),
		Versions:  table.New[meta.Version]("versions", log, bucket("versions"), nil, nil, nil, nil),
		MPUs:      table.New[meta.MultipartUpload]("mpus", log, bucket("mpus"), nil, nil, nil, nil),
		BlockRefs: blockRefs,
		Buckets:   table.New[meta.Bucket]("buckets", log, bucket("buckets"), nil, nil, nil, nil),
	}
	p := objectio.New(log, tables, manager, &fakeClock{}, 1024)
	p.RegisterQueueHandlers(queue)

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go queue.Run(qctx)

	data := []byte("refcounted block")
	hash, err := manager.WriteBlock(ctx, data)
	require.NoError(t, err)
	version := uuid.NewV4()

	_, err = table.InsertReplicated(ctx, blockRefs, meta.BlockRef{Hash: hash, Version: version})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		needed, err := manager.NeedBlock(ctx, hash)
		return err == nil && needed
	})

	_, err = table.InsertReplicated(ctx, blockRefs, meta.BlockRef{Hash: hash, Version: version, Deleted: true})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		needed, err := manager.NeedBlock(ctx, hash)
		return err == nil && !needed
	})
}

func TestVersionTombstonePropagatesToBlockRefs(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	eng := kvstore.NewMemoryEngine()
	bucket := func(name string) kvstore.KV {
		kv, err := eng.Bucket(name)
		require.NoError(t, err)
		return kv
	}

	queue := table.NewQueue(log, bucket("table_queue"))
	versions := table.New[meta.Version]("versions", log, bucket("versions"), objectio.VersionSchema{}, nil, nil, queue)
	blockRefs := table.New[meta.BlockRef]("blockrefs", log, bucket("blockrefs"), objectio.BlockRefSchema{}, nil, nil, queue)

	store, err := blockstore.NewStore(blockstore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	rc := blockstore.NewRefCounter(bucket("block_rc"))
	resync := blockstore.NewResyncQueue(log, bucket("resync_queue"), bucket("resync_errors"))
	manager := blockstore.NewManager(log, store, rc, resync, nil, nil)

	tables := objectio.Tables{
		Objects:   table.New[meta.Object]("objects", log, bucket("objects"), nil, nil, nil, nil),
		Versions:  versions,
		MPUs:      table.New[meta.MultipartUpload]("mpus", log, bucket("mpus"), nil, nil, nil, nil),
		BlockRefs: blockRefs,
		Buckets:   table.New[meta.Bucket]("buckets", log, bucket("buckets"), nil, nil, nil, nil),
	}
	p := objectio.New(log, tables, manager, &fakeClock{}, 1024)
	p.RegisterQueueHandlers(queue)

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go queue.Run(qctx)

	data := []byte("version-owned block")
	hash, err := manager.WriteBlock(ctx, data)
	require.NoError(t, err)

	versionID := uuid.NewV4()
	_, err = table.InsertReplicated(ctx, versions, meta.Version{
		UUID:     versionID,
		Backlink: meta.VersionBacklink{Tag: meta.BacklinkObject, Bucket: bucketID(9), Key: "k"},
		Blocks:   []meta.BlockEntry{{Position: meta.BlockPosition{PartNumber: 1}, Hash: hash, Size: int64(len(data))}},
	})
	require.NoError(t, err)
	_, err = table.InsertReplicated(ctx, blockRefs, meta.BlockRef{Hash: hash, Version: versionID})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		needed, err := manager.NeedBlock(ctx, hash)
		return err == nil && needed
	})

	_, err = table.InsertReplicated(ctx, versions, meta.Version{UUID: versionID, Deleted: true})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		ref, ok, err := blockRefs.GetLocal(ctx, hash[:], versionID.Bytes())
		return err == nil && ok && bool(ref.Deleted)
	})
	waitUntil(t, func() bool {
		needed, err := manager.NeedBlock(ctx, hash)
		return err == nil && !needed
	})
}

func TestRepairVersionsAndBlockRefsReclaimAbortedUpload(t *testing.T) {
	ctx := context.Background()
	const blockSize = 256
	log := zaptest.NewLogger(t)
	eng := kvstore.NewMemoryEngine()
	bucket := func(name string) kvstore.KV {
		kv, err := eng.Bucket(name)
		require.NoError(t, err)
		return kv
	}

	blockRefs := table.New[meta.BlockRef]("blockrefs", log, bucket("blockrefs"), nil, nil, nil, nil)
	store, err := blockstore.NewStore(blockstore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	rc := blockstore.NewRefCounter(bucket("block_rc"))
	resync := blockstore.NewResyncQueue(log, bucket("resync_queue"), bucket("resync_errors"))
	manager := blockstore.NewManager(log, store, rc, resync, nil, nil)
	tables := objectio.Tables{
		Objects:   table.New[meta.Object]("objects", log, bucket("objects"), nil, nil, nil, nil),
		Versions:  table.New[meta.Version]("versions", log, bucket("versions"), nil, nil, nil, nil),
		MPUs:      table.New[meta.MultipartUpload]("mpus", log, bucket("mpus"), nil, nil, nil, nil),
		BlockRefs: blockRefs,
		Buckets:   table.New[meta.Bucket]("buckets", log, bucket("buckets"), nil, nil, nil, nil),
	}
	p := objectio.New(log, tables, manager, &fakeClock{}, blockSize)

	created, err := p.CreateMultipartUpload(ctx, objectio.CreateMultipartRequest{Bucket: bucketID(8), Key: "gc.bin"})
	require.NoError(t, err)

	_, err = p.UploadPart(ctx, objectio.UploadPartRequest{
		UploadID: created.UploadID, Bucket: bucketID(8), Key: "gc.bin",
		PartNumber: 1, Body: bytes.NewReader(bytes.Repeat([]byte{0x9}, blockSize)),
	})
	require.NoError(t, err)

	require.NoError(t, p.AbortMultipartUpload(ctx, objectio.AbortMultipartRequest{
		UploadID: created.UploadID, Bucket: bucketID(8), Key: "gc.bin",
	}))

	require.NoError(t, p.RepairVersions(ctx))
	require.NoError(t, p.RepairBlockRefs(ctx))

	// the aborted part's one block ref is now a tombstone
	refs := 0
	require.NoError(t, blockRefs.Range(ctx, nil, nil, func(r meta.BlockRef) bool {
		refs++
		require.True(t, bool(r.Deleted))
		return true
	}))
	require.Equal(t, 1, refs)
}
