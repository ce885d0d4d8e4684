// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package blockstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/rpc"
)

// resyncIdleSleep is how long RunResyncLoop waits between polls when the
// queue is empty or a peek fails. A head entry that isn't due yet is
// waited for until its own due time instead.
const resyncIdleSleep = 5 * time.Second

// RunResyncLoop drains the resync queue until ctx is cancelled,
// processing at most one entry per iteration and respecting each
// entry's earliest-due time.
func (m *Manager) RunResyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e, ok, err := m.resync.Peek(ctx)
		if err != nil {
			m.log.Warn("resync queue peek failed", zap.Error(err))
			m.sleep(ctx, resyncIdleSleep)
			continue
		}
		if !ok {
			m.sleep(ctx, resyncIdleSleep)
			continue
		}
		if wait := time.Until(e.when); wait > 0 {
			m.sleep(ctx, wait)
			continue
		}

		if err := m.processResyncEntry(ctx, e); err != nil {
			m.log.Debug("resync entry requeued with backoff", zap.String("hash", hexHash(e.hash)), zap.Error(err))
			backoff, berr := m.resync.RecordError(ctx, e.hash)
			if berr != nil {
				m.log.Warn("resync record error failed", zap.Error(berr))
			}
			if err := m.resync.Remove(ctx, e); err != nil {
				m.log.Warn("resync remove failed", zap.Error(err))
			}
			if err := m.resync.PutAt(ctx, time.Now().Add(backoff), e.hash); err != nil {
				m.log.Warn("resync re-enqueue failed", zap.Error(err))
			}
			continue
		}

		if err := m.resync.RecordSuccess(ctx, e.hash); err != nil {
			m.log.Warn("resync record success failed", zap.Error(err))
		}
		if err := m.resync.Remove(ctx, e); err != nil {
			m.log.Warn("resync remove failed", zap.Error(err))
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// processResyncEntry decides what one queue item needs: fetch a
// missing-but-still-referenced block, or offload and delete a
// present-but-no-longer-referenced one once its GC-delay retention has
// expired and every peer that still wants it has been given a copy.
func (m *Manager) processResyncEntry(ctx context.Context, e entry) error {
	present, _ := m.store.Exists(e.hash)
	rcEntry, err := m.rc.GetEntry(ctx, e.hash)
	if err != nil {
		return err
	}

	switch {
	case rcEntry.Count > 0 && !present:
		data, err := m.fetchFromReplicas(ctx, e.hash, rpc.Background)
		if err != nil {
			return err
		}
		m.mutationLock.Lock()
		err = m.store.Write(e.hash, data)
		m.mutationLock.Unlock()
		return err

	case rcEntry.Count == 0 && present:
		if !rcEntry.LastDecremented.IsZero() {
			if deletableAt := rcEntry.LastDecremented.Add(m.GCDelay); time.Now().Before(deletableAt) {
				return m.resync.PutAt(ctx, deletableAt, e.hash)
			}
		}
		needers, err := m.peersStillNeeding(ctx, e.hash)
		if err != nil {
			return err
		}
		if len(needers) > 0 {
			if err := m.offloadTo(ctx, e.hash, needers); err != nil {
				return err
			}
		}
		m.mutationLock.Lock()
		defer m.mutationLock.Unlock()
		if err := m.store.Delete(e.hash); err != nil {
			return err
		}
		return m.rc.Remove(ctx, e.hash)

	default:
		return nil
	}
}

// RepairDataStore walks both the local block files and the reference
// counter, enqueuing anything inconsistent for the resync loop to
// reconcile: blocks present with no references, and references with no
// local block. Used after a node restore.
func (m *Manager) RepairDataStore(ctx context.Context) error {
	if err := m.store.Walk(ctx, func(hash [32]byte) error {
		count, err := m.rc.Get(ctx, hash)
		if err != nil {
			return err
		}
		if count == 0 {
			return m.resync.PutNow(ctx, hash)
		}
		return nil
	}); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(m.rc.Range(ctx, func(hash [32]byte, count int64) error {
		if count <= 0 {
			return nil
		}
		if present, _ := m.store.Exists(hash); !present {
			return m.resync.PutNow(ctx, hash)
		}
		return nil
	}))
}

// ScrubDataStore reads every locally stored block, verifying its hash,
// quarantining anything corrupted and enqueuing it for re-fetch. The
// walk throttles itself via the Tranquilizer so it doesn't starve
// foreground I/O.
func (m *Manager) ScrubDataStore(ctx context.Context, busyFraction func() float64) error {
	m.tranq.SetThrottling(true)
	defer m.tranq.SetThrottling(false)

	return Error.Wrap(m.store.Walk(ctx, func(hash [32]byte) error {
		if busyFraction != nil {
			m.tranq.Tranquilize(ctx, busyFraction())
		} else {
			m.tranq.Tranquilize(ctx, 0.5)
		}

		if _, err := m.store.Read(hash); err != nil {
			m.log.Warn("scrub found corrupt block", zap.String("hash", hexHash(hash)), zap.Error(err))
			return m.resync.PutNow(ctx, hash)
		}
		return nil
	}))
}
