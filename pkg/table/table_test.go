// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package table_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/kvstore"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

// counter is a minimal CRDT row for exercising the generic table
// machinery without dragging a full metadata type in.
type counter struct {
	Key   string
	Value crdt.Lww[int64]
}

func (c counter) PartitionKey() []byte { return []byte(c.Key) }
func (c counter) SortKey() []byte      { return nil }
func (c counter) Merge(other counter) counter {
	return counter{Key: c.Key, Value: c.Value.Merge(other.Value)}
}

type recordingSchema struct {
	items *[]table.QueueItem
}

func (s recordingSchema) Updated(tx *table.Tx, old, new counter) {
	tx.Enqueue(table.QueueItem{Kind: "recorded", Payload: []byte(new.Key)})
	_ = old
	*s.items = append(*s.items, table.QueueItem{Kind: "observed"})
}

func newTestTable(t *testing.T, schema table.Schema[counter], queue *table.Queue) *table.Table[counter] {
	t.Helper()
	kv, err := kvstore.NewMemoryEngine().Bucket("counters")
	require.NoError(t, err)
	return table.New[counter]("counters", zaptest.NewLogger(t), kv, schema, nil, nil, queue)
}

func TestInsertLocalMergesCRDT(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, nil, nil)

	_, err := tbl.InsertLocal(ctx, counter{Key: "k", Value: crdt.NewLww[int64](10, "a", 1)})
	require.NoError(t, err)
	merged, err := tbl.InsertLocal(ctx, counter{Key: "k", Value: crdt.NewLww[int64](5, "a", 99)})
	require.NoError(t, err)

	assert.Equal(t, int64(1), merged.Value.Value, "older write must lose the LWW merge")

	row, found, err := tbl.GetLocal(ctx, []byte("k"), nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), row.Value.Value)
}

func newTestQueue(t *testing.T) *table.Queue {
	t.Helper()
	kv, err := kvstore.NewMemoryEngine().Bucket("queue")
	require.NoError(t, err)
	return table.NewQueue(zaptest.NewLogger(t), kv)
}

func TestInsertLocalRunsSchemaHookAndQueues(t *testing.T) {
	ctx := context.Background()
	var observed []table.QueueItem
	queue := newTestQueue(t)
	tbl := newTestTable(t, recordingSchema{items: &observed}, queue)

	_, err := tbl.InsertLocal(ctx, counter{Key: "k", Value: crdt.NewLww[int64](1, "a", 7)})
	require.NoError(t, err)

	assert.Len(t, observed, 1, "schema hook must run on insert")
	assert.Equal(t, 1, queue.Len(), "hook-enqueued item must land on the queue")
}

func TestQueuePersistsItemsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.NewMemoryEngine().Bucket("queue")
	require.NoError(t, err)

	first := table.NewQueue(zaptest.NewLogger(t), kv)
	require.NoError(t, first.Push(ctx, table.QueueItem{Kind: "work", Payload: []byte("a")}))
	require.NoError(t, first.Push(ctx, table.QueueItem{Kind: "work", Payload: []byte("b")}))

	// A second Queue over the same bucket is what a restarted process
	// sees: the items pushed before the restart must still be there and
	// must drain in order.
	second := table.NewQueue(zaptest.NewLogger(t), kv)
	assert.Equal(t, 2, second.Len())

	var handled [][]byte
	done := make(chan struct{})
	second.Register("work", func(ctx context.Context, item table.QueueItem) error {
		handled = append(handled, item.Payload)
		if len(handled) == 2 {
			close(done)
		}
		return nil
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go second.Run(runCtx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("persisted items were not drained after restart")
	}
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, handled)

	// the worker deletes a drained item just after its handler returns
	deadline := time.Now().Add(5 * time.Second)
	for second.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, second.Len())
}

func TestGetReplicatedFallsBackToLocalWithoutTransport(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, nil, nil)

	_, err := tbl.InsertLocal(ctx, counter{Key: "k", Value: crdt.NewLww[int64](1, "a", 42)})
	require.NoError(t, err)

	row, found, err := table.GetReplicated(ctx, tbl, []byte("k"), nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), row.Value.Value)

	_, found, err = table.GetReplicated(ctx, tbl, []byte("absent"), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSummarizeDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	a := newTestTable(t, nil, nil)
	b := newTestTable(t, nil, nil)

	for _, tbl := range []*table.Table[counter]{a, b} {
		_, err := tbl.InsertLocal(ctx, counter{Key: "same", Value: crdt.NewLww[int64](1, "a", 1)})
		require.NoError(t, err)
	}
	sa, err := a.Summarize(ctx, nil, nil)
	require.NoError(t, err)
	sb, err := b.Summarize(ctx, nil, nil)
	require.NoError(t, err)
	assert.False(t, sa.Diverges(sb), "identical tables must summarize identically")

	_, err = b.InsertLocal(ctx, counter{Key: "extra", Value: crdt.NewLww[int64](2, "a", 2)})
	require.NoError(t, err)
	sb, err = b.Summarize(ctx, nil, nil)
	require.NoError(t, err)
	assert.True(t, sa.Diverges(sb))
}

func TestRangeRawRoundTripsThroughMergeRaw(t *testing.T) {
	ctx := context.Background()
	src := newTestTable(t, nil, nil)
	dst := newTestTable(t, nil, nil)

	for _, k := range []string{"a", "b", "c"} {
		_, err := src.InsertLocal(ctx, counter{Key: k, Value: crdt.NewLww[int64](1, "a", 1)})
		require.NoError(t, err)
	}

	rows, err := src.RangeRaw(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.NoError(t, dst.MergeRaw(ctx, row))
	}

	sa, err := src.Summarize(ctx, nil, nil)
	require.NoError(t, err)
	sb, err := dst.Summarize(ctx, nil, nil)
	require.NoError(t, err)
	assert.False(t, sa.Diverges(sb), "anti-entropy transfer must converge the replicas")
}

var _ meta.Entry[counter] = counter{}
