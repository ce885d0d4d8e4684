// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package kvstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryEngine is an in-process Engine used by tests.
type MemoryEngine struct {
	mu      sync.Mutex
	buckets map[string]*memoryKV
}

// NewMemoryEngine constructs an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{buckets: make(map[string]*memoryKV)}
}

// Bucket implements Engine.
func (e *MemoryEngine) Bucket(name string) (KV, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.buckets[name]; ok {
		return b, nil
	}
	b := &memoryKV{data: make(map[string][]byte)}
	e.buckets[name] = b
	return b, nil
}

// Close implements Engine.
func (e *MemoryEngine) Close() error { return nil }

type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (k *memoryKV) Put(_ context.Context, key, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (k *memoryKV) Get(_ context.Context, key []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (k *memoryKV) Delete(_ context.Context, key []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, string(key))
	return nil
}

func (k *memoryKV) Range(_ context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	k.mu.Lock()
	keys := make([]string, 0, len(k.data))
	for key := range k.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(k.data))
	for k2, v := range k.data {
		snapshot[k2] = v
	}
	k.mu.Unlock()

	for _, key := range keys {
		if key < string(start) {
			continue
		}
		if end != nil && key >= string(end) {
			break
		}
		if !fn([]byte(key), snapshot[key]) {
			break
		}
	}
	return nil
}

func (k *memoryKV) Close() error { return nil }
