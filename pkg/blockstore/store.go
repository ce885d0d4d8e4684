// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package blockstore implements the content-addressed local block store:
// on-disk layout under a two-level hex directory tree, the local
// reference counter, and the resync queue that reconciles the local
// block set with what cluster peers expect this node to hold.
package blockstore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/blake2b"
)

// Error is this package's error class.
var Error = errs.Class("blockstore")

// CorruptData is raised when a block's on-disk contents don't hash to its
// file name.
var CorruptData = errs.Class("corrupt-data")

// Hash computes a block's content address.
func Hash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Store manages the on-disk two-level hex directory tree of block files.
type Store struct {
	dataDir  string
	fsync    bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	compress bool
	minRatio float64 // only keep the compressed form if it shrinks by at least this fraction
}

// Options configures a Store.
type Options struct {
	DataDir  string
	Fsync    bool
	Compress bool
}

// NewStore constructs a Store, preparing a reusable zstd encoder/decoder
// pair.
func NewStore(opts Options) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{
		dataDir:  opts.DataDir,
		fsync:    opts.Fsync,
		encoder:  enc,
		decoder:  dec,
		compress: opts.Compress,
		minRatio: 0.05,
	}, nil
}

// paths returns the plain and .zst candidate paths for hash.
func (s *Store) paths(hash [32]byte) (plain, zst string) {
	h := hex.EncodeToString(hash[:])
	dir := filepath.Join(s.dataDir, h[0:2], h[2:4])
	return filepath.Join(dir, h), filepath.Join(dir, h+".zst")
}

// Exists reports whether a block is present on disk, and whether the
// stored form is compressed.
func (s *Store) Exists(hash [32]byte) (present, compressed bool) {
	plain, zst := s.paths(hash)
	if _, err := os.Stat(zst); err == nil {
		return true, true
	}
	if _, err := os.Stat(plain); err == nil {
		return true, false
	}
	return false, false
}

// Read loads a block's decompressed bytes and verifies its hash. On
// mismatch it renames the file to .corrupted and returns CorruptData.
func (s *Store) Read(hash [32]byte) ([]byte, error) {
	plain, zst := s.paths(hash)

	path, compressed := plain, false
	if _, err := os.Stat(zst); err == nil {
		path, compressed = zst, true
	} else if _, err := os.Stat(plain); err != nil {
		return nil, os.ErrNotExist
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	data := raw
	if compressed {
		data, err = s.decoder.DecodeAll(raw, nil)
		if err != nil {
			_ = s.quarantine(hash)
			return nil, CorruptData.Wrap(err)
		}
	}

	if Hash(data) != hash {
		_ = s.quarantine(hash)
		return nil, CorruptData.New("hash mismatch for block %x", hash)
	}
	return data, nil
}

// quarantine renames whichever on-disk form of hash exists to .corrupted.
func (s *Store) quarantine(hash [32]byte) error {
	plain, zst := s.paths(hash)
	if _, err := os.Stat(zst); err == nil {
		return os.Rename(zst, zst+".corrupted")
	}
	if _, err := os.Stat(plain); err == nil {
		return os.Rename(plain, plain+".corrupted")
	}
	return nil
}

// Write stores data (addressed by its own hash) to disk crash-safely:
// write to a .tmp file, fsync, rename into place, fsync the directory.
// If configured and beneficial, the block is stored
// zstd-compressed; when both a plain and compressed form already exist,
// the compressed form takes precedence and the plain one is removed.
func (s *Store) Write(hash [32]byte, data []byte) error {
	plain, zst := s.paths(hash)
	dir := filepath.Dir(plain)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Error.Wrap(err)
	}

	// compressed form already on disk takes precedence: only a stale plain
	// copy needs dropping.
	if _, err := os.Stat(zst); err == nil {
		if err := os.Remove(plain); err != nil && !os.IsNotExist(err) {
			return Error.Wrap(err)
		}
		return nil
	}

	target := plain
	payload := data
	if s.compress {
		compressed := s.encoder.EncodeAll(data, nil)
		if float64(len(data)-len(compressed)) >= s.minRatio*float64(len(data)) {
			target = zst
			payload = compressed
		}
	}

	if err := s.writeCrashSafe(target, payload); err != nil {
		return err
	}

	// compressed form takes precedence: drop any stale plain copy.
	if target == zst {
		if err := os.Remove(plain); err != nil && !os.IsNotExist(err) {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (s *Store) writeCrashSafe(target string, payload []byte) error {
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return Error.Wrap(err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return Error.Wrap(err)
		}
	}
	if err := f.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return Error.Wrap(err)
	}
	if s.fsync {
		if dirf, err := os.Open(filepath.Dir(target)); err == nil {
			_ = dirf.Sync()
			_ = dirf.Close()
		}
	}
	return nil
}

// Delete removes whichever on-disk form of hash exists.
func (s *Store) Delete(hash [32]byte) error {
	plain, zst := s.paths(hash)
	err1 := os.Remove(plain)
	err2 := os.Remove(zst)
	if err1 != nil && !os.IsNotExist(err1) {
		return Error.Wrap(err1)
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return Error.Wrap(err2)
	}
	return nil
}

// Walk calls fn(hash) for every block file currently on disk, used by
// repair_data_store and scrub_data_store.
func (s *Store) Walk(ctx context.Context, fn func(hash [32]byte) error) error {
	return filepath.WalkDir(s.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		name := filepath.Base(path)
		if len(name) != 64 && (len(name) != 68 || name[64:] != ".zst") {
			return nil // .tmp / .corrupted / not a block file
		}
		raw, err := hex.DecodeString(name[:64])
		if err != nil || len(raw) != 32 {
			return nil
		}
		var hash [32]byte
		copy(hash[:], raw)
		return fn(hash)
	})
}
