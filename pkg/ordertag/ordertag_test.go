// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package ordertag_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/ordertag"
)

func TestRunDeliversInOrderDespiteReversedCompletion(t *testing.T) {
	n := 5
	delays := []time.Duration{40 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond, 0}

	var delivered []int
	err := ordertag.Run(context.Background(), n, n, func(ctx context.Context, i int) (int, error) {
		time.Sleep(delays[i])
		return i * 10, nil
	}, func(i int, v int) error {
		delivered = append(delivered, v)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, delivered)
}

func TestRunPropagatesFnError(t *testing.T) {
	boom := errors.New("boom")
	err := ordertag.Run(context.Background(), 3, 3, func(ctx context.Context, i int) (int, error) {
		if i == 1 {
			return 0, boom
		}
		return i, nil
	}, func(i int, v int) error { return nil })

	assert.ErrorIs(t, err, boom)
}

func TestRunPropagatesHandleError(t *testing.T) {
	boom := errors.New("handle boom")
	err := ordertag.Run(context.Background(), 3, 3, func(ctx context.Context, i int) (int, error) {
		return i, nil
	}, func(i int, v int) error {
		if i == 0 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
}

func TestRunLimitsConcurrency(t *testing.T) {
	const concurrency = 2
	var cur, maxSeen int64

	_ = ordertag.Run(context.Background(), 6, concurrency, func(ctx context.Context, i int) (int, error) {
		n := atomic.AddInt64(&cur, 1)
		for {
			old := atomic.LoadInt64(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		return i, nil
	}, func(i int, v int) error { return nil })

	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(concurrency))
}
