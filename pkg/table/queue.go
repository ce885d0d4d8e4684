// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"sync"
	"time"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/kvstore"
)

// QueueItem is one unit of deferred work enqueued by a Schema's Updated
// hook, e.g. "mark this Version deleted" or "recompute this bucket's
// object counter".
type QueueItem struct {
	Kind    string
	Payload []byte
}

// Handler processes one QueueItem. Registered per Kind.
type Handler func(ctx context.Context, item QueueItem) error

// Queue is the local transactional side-effect queue: items pushed by a
// table's Updated hook are persisted to a dedicated KV bucket (the same
// engine that holds the rows, mirroring pkg/blockstore's resync queue)
// and drained reliably by a single background worker. A restarted
// process resumes the drain from the persisted items rather than
// dropping whatever was still pending.
type Queue struct {
	log      *zap.Logger
	kv       kvstore.KV
	mu       sync.Mutex
	seq      uint64
	seqInit  bool
	handlers map[string]Handler
	notify   chan struct{}
}

// NewQueue wraps kv (one dedicated bucket) as a Queue. Items persisted
// by a previous process are picked up by the next Run.
func NewQueue(log *zap.Logger, kv kvstore.KV) *Queue {
	return &Queue{
		log:      log.Named("table-queue"),
		kv:       kv,
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
	}
}

// Register installs the handler invoked for items of the given kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func encodeQueueItem(item QueueItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

func decodeQueueItem(data []byte) (QueueItem, error) {
	var item QueueItem
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&item); err != nil {
		return item, Error.Wrap(err)
	}
	return item, nil
}

// nextKey allocates the next queue position. Keys are big-endian
// sequence numbers, so lexicographic KV order is insertion order; the
// counter is seeded from the last persisted key so positions keep
// increasing across restarts.
func (q *Queue) nextKey(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.seqInit {
		err := q.kv.Range(ctx, nil, nil, func(key, _ []byte) bool {
			if len(key) == 8 {
				if s := binary.BigEndian.Uint64(key); s >= q.seq {
					q.seq = s + 1
				}
			}
			return true
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		q.seqInit = true
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, q.seq)
	q.seq++
	return key, nil
}

// Push persists item for later processing.
func (q *Queue) Push(ctx context.Context, item QueueItem) error {
	encoded, err := encodeQueueItem(item)
	if err != nil {
		return err
	}
	key, err := q.nextKey(ctx)
	if err != nil {
		return err
	}
	if err := q.kv.Put(ctx, key, encoded); err != nil {
		return Error.Wrap(err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the queue until ctx is cancelled, retrying a failed item by
// moving it to the tail rather than blocking the whole queue forever.
// The periodic tick picks up items persisted by a previous process and
// items waiting for a retry.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// drain processes persisted items in order until the queue is empty or
// an item fails; a failure stops the pass so the retry waits for the
// next tick instead of spinning.
func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key, item, ok, err := q.pop(ctx)
		if err != nil {
			q.log.Warn("queue read failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}

		q.mu.Lock()
		h := q.handlers[item.Kind]
		q.mu.Unlock()
		if h == nil {
			q.log.Warn("no handler registered for queue item kind, dropping", zap.String("kind", item.Kind))
			if err := q.kv.Delete(ctx, key); err != nil {
				q.log.Warn("queue delete failed", zap.Error(err))
				return
			}
			continue
		}

		if err := h(ctx, item); err != nil {
			q.log.Warn("queue item failed, requeueing", zap.String("kind", item.Kind), zap.Error(err))
			if rerr := q.requeue(ctx, key, item); rerr != nil {
				q.log.Warn("queue requeue failed", zap.Error(rerr))
			}
			return
		}
		if err := q.kv.Delete(ctx, key); err != nil {
			q.log.Warn("queue delete failed", zap.Error(err))
			return
		}
	}
}

// pop returns the earliest persisted item without removing it.
func (q *Queue) pop(ctx context.Context) (key []byte, item QueueItem, ok bool, err error) {
	var rawKey, rawVal []byte
	rangeErr := q.kv.Range(ctx, nil, nil, func(k, v []byte) bool {
		rawKey = append([]byte(nil), k...)
		rawVal = append([]byte(nil), v...)
		return false // earliest entry only
	})
	if rangeErr != nil {
		return nil, QueueItem{}, false, Error.Wrap(rangeErr)
	}
	if rawKey == nil {
		return nil, QueueItem{}, false, nil
	}
	item, err = decodeQueueItem(rawVal)
	if err != nil {
		return nil, QueueItem{}, false, err
	}
	return rawKey, item, true, nil
}

// requeue moves a failed item to the queue's tail. It does not notify
// the worker: the retry waits for the next tick.
func (q *Queue) requeue(ctx context.Context, key []byte, item QueueItem) error {
	encoded, err := encodeQueueItem(item)
	if err != nil {
		return err
	}
	newKey, err := q.nextKey(ctx)
	if err != nil {
		return err
	}
	if err := q.kv.Put(ctx, newKey, encoded); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(q.kv.Delete(ctx, key))
}

// Len reports the current queue depth, mostly for tests/metrics.
func (q *Queue) Len() int {
	n := 0
	_ = q.kv.Range(context.Background(), nil, nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n
}
