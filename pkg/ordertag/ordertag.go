// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package ordertag implements ordered delivery over concurrent fetches:
// work is issued in parallel, but results are handed to the caller
// strictly in their original request order, so a slow fetch doesn't
// block the network round trips of the ones after it while still
// presenting a simple in-order stream to the consumer. This is a
// correctness requirement for the UploadPartCopy defragmenter, not an
// optimisation: it's what lets concurrent block fetches be reassembled
// into the same byte order the client requested them in.
package ordertag

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// Error is this package's error class.
var Error = errs.Class("ordertag")

// Run calls fn(ctx, i) for every i in [0, n), running up to concurrency
// of them at once, and calls handle(i, v) for each result strictly in
// index order as soon as it's that index's turn — even though fn(i+1)
// may have finished before fn(i) does. The first error from either fn
// or handle cancels every still-running fn and is returned; results for
// indices after the failing one are discarded.
func Run[T any](ctx context.Context, n int, concurrency int, fn func(ctx context.Context, i int) (T, error), handle func(i int, v T) error) error {
	if n == 0 {
		return nil
	}
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}

	type outcome struct {
		v   T
		err error
	}
	slots := make([]chan outcome, n)
	for i := range slots {
		slots[i] = make(chan outcome, 1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				slots[i] <- outcome{err: runCtx.Err()}
				return
			}
			defer func() { <-sem }()
			v, err := fn(runCtx, i)
			slots[i] <- outcome{v: v, err: err}
		}()
	}
	go func() {
		wg.Wait()
	}()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case out := <-slots[i]:
			if out.err != nil {
				cancel()
				return out.err
			}
			if err := handle(i, out.v); err != nil {
				cancel()
				return err
			}
		}
	}
	return nil
}
