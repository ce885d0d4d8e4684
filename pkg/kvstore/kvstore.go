// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package kvstore specifies the abstract table-store engine interface
// the rest of the system consumes, and ships a reference engine backed
// by boltdb/bolt plus an in-memory engine for tests.
package kvstore

import "context"

// KV is a single ordered byte-keyed store, one per logical bucket
// (table name, local block-manager table, etc). Keys sort
// lexicographically; this is relied on by pkg/blockstore's resync queue,
// whose keys are built so lexicographic order is time order.
type KV interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error) // ErrNotFound if absent
	Delete(ctx context.Context, key []byte) error

	// Range iterates keys in [start, end) order, ascending, calling fn for
	// each. Iteration stops early if fn returns false. end == nil means
	// "no upper bound".
	Range(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error

	Close() error
}

// Engine opens named KV buckets within one physical store (a single
// bolt.DB file holds many named buckets, for instance).
type Engine interface {
	Bucket(name string) (KV, error)
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kvstore: key not found" }
