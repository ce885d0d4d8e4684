// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package kvstore

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
)

// BoltEngine is the reference table-store engine, backed by a single
// boltdb/bolt file holding one bucket per named KV.
type BoltEngine struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bolt database at path.
func OpenBolt(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltEngine{db: db}, nil
}

// Bucket implements Engine.
func (e *BoltEngine) Bucket(name string) (KV, error) {
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltKV{db: e.db, bucket: []byte(name)}, nil
}

// Close implements Engine.
func (e *BoltEngine) Close() error { return e.db.Close() }

type boltKV struct {
	db     *bolt.DB
	bucket []byte
}

func (k *boltKV) Put(_ context.Context, key, value []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(k.bucket).Put(key, value)
	})
}

func (k *boltKV) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(k.bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *boltKV) Delete(_ context.Context, key []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(k.bucket).Delete(key)
	})
}

func (k *boltKV) Range(_ context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	return k.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(k.bucket).Cursor()
		for key, value := c.Seek(start); key != nil; key, value = c.Next() {
			if end != nil && string(key) >= string(end) {
				break
			}
			if !fn(key, value) {
				break
			}
		}
		return nil
	})
}

func (k *boltKV) Close() error { return nil }
