// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package objectio implements the streaming write pipeline, multipart
// upload, server-side copy and garbage collection operations built on
// top of pkg/table and pkg/blockstore.
package objectio

import (
	"context"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"deuxfleurs.fr/garage/pkg/blockstore"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

var mon = monkit.Package()

// Error is this package's error class.
var Error = errs.Class("objectio")

// Error classes the HTTP edge maps to S3 status codes.
var (
	BadRequest         = errs.Class("bad-request")
	PreconditionFailed = errs.Class("precondition-failed")
	NoSuchKey          = errs.Class("no-such-key")
	NoSuchUpload       = errs.Class("no-such-upload")
	EntityTooSmall     = errs.Class("entity-too-small")
	InvalidPart        = errs.Class("invalid-part")
	InvalidPartOrder   = errs.Class("invalid-part-order")
	InvalidDigest      = errs.Class("invalid-digest")
	QuotaExceeded      = errs.Class("quota-exceeded")
)

// DefaultBlockSize is the chunk size objects are split into (1 MiB).
const DefaultBlockSize = 1 << 20

// MinPartSize is the smallest non-final multipart part S3 accepts (5
// MiB).
const MinPartSize = 5 << 20

// Pipeline wires together every table and the block manager a write,
// copy or GC operation needs.
type Pipeline struct {
	log       *zap.Logger
	clock     meta.Clock
	blockSize int64

	objects   *table.Table[meta.Object]
	versions  *table.Table[meta.Version]
	mpus      *table.Table[meta.MultipartUpload]
	blockRefs *table.Table[meta.BlockRef]
	buckets   *table.Table[meta.Bucket]
	blocks    *blockstore.Manager
}

// Tables bundles the table handles a Pipeline needs, to keep New's
// signature manageable.
type Tables struct {
	Objects   *table.Table[meta.Object]
	Versions  *table.Table[meta.Version]
	MPUs      *table.Table[meta.MultipartUpload]
	BlockRefs *table.Table[meta.BlockRef]
	Buckets   *table.Table[meta.Bucket]
}

// New constructs a Pipeline. clock may be nil, defaulting to the system
// wall clock; blockSize <= 0 defaults to DefaultBlockSize.
func New(log *zap.Logger, tables Tables, blocks *blockstore.Manager, clock meta.Clock, blockSize int64) *Pipeline {
	if clock == nil {
		clock = meta.SystemClock{}
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Pipeline{
		log:       log.Named("objectio"),
		clock:     clock,
		blockSize: blockSize,
		objects:   tables.Objects,
		versions:  tables.Versions,
		mpus:      tables.MPUs,
		blockRefs: tables.BlockRefs,
		buckets:   tables.Buckets,
		blocks:    blocks,
	}
}

func newUUID() uuid.UUID {
	return uuid.NewV4()
}

// checkQuotas enforces a bucket's object-count and byte-size limits
// against the counters maintained by the object schema's updated hook.
// A zero limit means unbounded.
func (p *Pipeline) checkQuotas(ctx context.Context, bucket [16]byte, addObjects, addBytes int64) error {
	row, ok, err := p.buckets.GetLocal(ctx, bucket[:], nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	state, present := row.State.Value()
	if !present {
		return nil
	}
	quotas := state.Quotas.Value

	if quotas.MaxObjects > 0 && state.ObjectCount.Value+addObjects > quotas.MaxObjects {
		return QuotaExceeded.New("bucket object count would exceed quota of %d", quotas.MaxObjects)
	}
	if quotas.MaxSize > 0 && state.BytesUsed.Value+addBytes > quotas.MaxSize {
		return QuotaExceeded.New("bucket byte size would exceed quota of %d", quotas.MaxSize)
	}
	return nil
}

// writeBlockRef inserts a BlockRef row for hash pointing at version. The
// block manager's reference count is not touched here: BlockRefSchema's
// updated hook (schema.go) drives incref/decref from the row transition
// itself, on every replica of the row.
func (p *Pipeline) writeBlockRef(ctx context.Context, hash [32]byte, version uuid.UUID) error {
	_, err := table.InsertReplicated(ctx, p.blockRefs, meta.BlockRef{Hash: hash, Version: version})
	return err
}

// writeNewBlock hands fresh block bytes to the block manager, replicates
// them, and records the BlockRef backing them.
func (p *Pipeline) writeNewBlock(ctx context.Context, data []byte, version uuid.UUID) (hash [32]byte, err error) {
	hash, err = p.blocks.WriteBlock(ctx, data)
	if err != nil {
		return hash, err
	}
	if err := p.blocks.PushToReplicas(ctx, hash, data); err != nil {
		return hash, err
	}
	return hash, p.writeBlockRef(ctx, hash, version)
}

// referenceExistingBlock attaches a new BlockRef to a block that is
// already stored under hash (e.g. CopyObject reusing a source object's
// block without re-reading it).
func (p *Pipeline) referenceExistingBlock(ctx context.Context, hash [32]byte, version uuid.UUID) error {
	return p.writeBlockRef(ctx, hash, version)
}
