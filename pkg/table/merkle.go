// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// MerkleSummary is a coarse digest of a key range, used by the
// background anti-entropy syncer to detect divergence between two
// replicas without transferring every row.
type MerkleSummary struct {
	RangeStart []byte
	RangeEnd   []byte
	Hash       [32]byte
	Count      int
}

// Summarize computes a MerkleSummary over [start, end) by folding every
// row's key and value into a single hash. Two replicas with identical
// rows in the range produce identical summaries; this is intentionally
// order-independent (XOR-folded) so summary computation does not require
// rows to be iterated in the same order on both sides.
func (t *Table[E]) Summarize(ctx context.Context, start, end []byte) (MerkleSummary, error) {
	var acc [32]byte
	count := 0
	err := t.local.Range(ctx, start, end, func(key, value []byte) bool {
		h := blake2b.Sum256(append(append([]byte{}, key...), value...))
		for i := range acc {
			acc[i] ^= h[i]
		}
		count++
		return true
	})
	if err != nil {
		return MerkleSummary{}, Error.Wrap(err)
	}
	return MerkleSummary{RangeStart: start, RangeEnd: end, Hash: acc, Count: count}, nil
}

// Diverges reports whether two summaries of the same range indicate the
// replicas differ.
func (a MerkleSummary) Diverges(b MerkleSummary) bool {
	return a.Hash != b.Hash || a.Count != b.Count
}

// Syncer periodically exchanges MerkleSummaries with peers, pulling full
// ranges when they diverge.
type Syncer[E interface {
	PartitionKey() []byte
	SortKey() []byte
	Merge(E) E
}] struct {
	log     *zap.Logger
	table   *Table[E]
	peers   func() []NodeAddr
	trigger chan struct{}
}

// NewSyncer constructs a Syncer for table, discovering peers via peers().
func NewSyncer[E interface {
	PartitionKey() []byte
	SortKey() []byte
	Merge(E) E
}](log *zap.Logger, table *Table[E], peers func() []NodeAddr) *Syncer[E] {
	return &Syncer[E]{log: log.Named("syncer." + table.Name), table: table, peers: peers, trigger: make(chan struct{}, 1)}
}

// TriggerFullSync requests an immediate pass without waiting for the
// next tick.
func (s *Syncer[E]) TriggerFullSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the periodic anti-entropy pass until ctx is cancelled:
// every interval, and whenever TriggerFullSync fires, it compares this
// table's whole-range Merkle summary against each peer's and pulls the
// peer's rows for any range that diverges. The range is the table's
// entire key space rather than a per-partition walk, trading fewer,
// larger range-fetches for coarser divergence detection.
func (s *Syncer[E]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		case <-s.trigger:
			s.syncOnce(ctx)
		}
	}
}

func (s *Syncer[E]) syncOnce(ctx context.Context) {
	if s.table.transport == nil {
		return
	}
	local, err := s.table.Summarize(ctx, nil, nil)
	if err != nil {
		s.log.Warn("local summarize failed", zap.Error(err))
		return
	}
	for _, peer := range s.peers() {
		remoteHash, remoteCount, err := s.table.transport.SummarizeRemote(ctx, peer, s.table.Name, nil, nil)
		if err != nil {
			s.log.Warn("peer summarize failed", zap.String("peer", peer.Address), zap.Error(err))
			continue
		}
		if local.Hash == remoteHash && int64(local.Count) == remoteCount {
			continue
		}
		rows, err := s.table.transport.FetchRange(ctx, peer, s.table.Name, nil, nil)
		if err != nil {
			s.log.Warn("peer range fetch failed", zap.String("peer", peer.Address), zap.Error(err))
			continue
		}
		for _, row := range rows {
			if err := s.table.MergeRaw(ctx, row); err != nil {
				s.log.Warn("failed to merge synced row", zap.String("peer", peer.Address), zap.Error(err))
			}
		}
	}
}
