// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

const defaultTimeout = 10 * time.Second

// Error is this package's error class.
var Error = errs.Class("rpc")

// QuorumFailed is returned when fewer than Strategy.Quorum calls
// succeeded before the timeout.
var QuorumFailed = Error.New("quorum not reached")

var mon = monkit.Package()

// NodeAddr is the minimal peer address pkg/rpc needs to dial.
type NodeAddr struct {
	ID      [32]byte
	Address string
}

// Invoker sends one request to one node and returns its response bytes.
// The concrete implementation (conn.go) runs this over an authenticated,
// length-prefixed connection; tests substitute an in-memory fake.
type Invoker interface {
	Invoke(ctx context.Context, node NodeAddr, endpoint string, req []byte) ([]byte, error)
}

// Helper fans typed calls out to peers with per-call priority, timeout,
// quorum and interrupt-after-quorum semantics.
type Helper struct {
	log       *zap.Logger
	invoker   Invoker
	scheduler *Scheduler
}

// NewHelper constructs a Helper sending calls through invoker, scheduled
// by scheduler.
func NewHelper(log *zap.Logger, invoker Invoker, scheduler *Scheduler) *Helper {
	return &Helper{log: log.Named("rpc"), invoker: invoker, scheduler: scheduler}
}

// Call sends msg to endpoint on node, honouring strategy's timeout and
// priority.
func (h *Helper) Call(ctx context.Context, endpoint string, node NodeAddr, req []byte, strategy Strategy) ([]byte, error) {
	defer mon.Task()(&ctx)(nil)

	ctx, cancel := context.WithTimeout(ctx, orDefault(strategy.Timeout))
	defer cancel()

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	h.scheduler.Submit(strategy.Priority, func(workerCtx context.Context) {
		resp, err := h.invoker.Invoke(ctx, node, endpoint, req)
		select {
		case done <- result{resp, err}:
		case <-ctx.Done():
		}
	})

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}

// CallResult is one (node, response-or-error) pair from CallMany.
type CallResult struct {
	Node NodeAddr
	Resp []byte
	Err  error
}

// CallMany sends msg to every node, waiting for every call to finish or
// time out, regardless of how many succeed.
func (h *Helper) CallMany(ctx context.Context, endpoint string, nodes []NodeAddr, req []byte, strategy Strategy) []CallResult {
	defer mon.Task()(&ctx)(nil)

	out := make([]CallResult, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.Call(ctx, endpoint, n, req, strategy)
			out[i] = CallResult{Node: n, Resp: resp, Err: err}
		}()
	}
	wg.Wait()
	return out
}

// TryCallMany resolves as soon as Strategy.Quorum calls succeed. If
// InterruptAfterQuorum is set, the remaining in-flight calls are
// cancelled; otherwise the function still returns at quorum but lets the
// stragglers keep running until the strategy timeout for their
// durability value. On quorum failure (too few successes before
// ctx/timeout), the aggregated error is returned.
func (h *Helper) TryCallMany(ctx context.Context, endpoint string, nodes []NodeAddr, req []byte, strategy Strategy) ([][]byte, error) {
	defer mon.Task()(&ctx)(nil)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orDefault(strategy.Timeout))

	results := make(chan CallResult, len(nodes))
	for _, n := range nodes {
		n := n
		h.scheduler.Submit(strategy.Priority, func(workerCtx context.Context) {
			resp, err := h.invoker.Invoke(callCtx, n, endpoint, req)
			results <- CallResult{Node: n, Resp: resp, Err: err}
		})
	}

	// finish releases callCtx: immediately when interrupting after
	// quorum, otherwise only after every straggler has reported or the
	// timeout has expired, so in-flight writes keep going.
	finish := func(consumed int) {
		if strategy.InterruptAfterQuorum {
			cancel()
			return
		}
		go func() {
			for i := consumed; i < len(nodes); i++ {
				<-results
			}
			cancel()
		}()
	}

	var (
		successes [][]byte
		failures  []error
	)
	for i := 0; i < len(nodes); i++ {
		select {
		case r := <-results:
			if r.Err == nil {
				successes = append(successes, r.Resp)
				if len(successes) >= strategy.Quorum {
					finish(i + 1)
					return successes, nil
				}
			} else {
				failures = append(failures, r.Err)
			}
		case <-ctx.Done():
			finish(i)
			return successes, Error.New("%v: %v", QuorumFailed, ctx.Err())
		case <-callCtx.Done():
			cancel()
			return successes, Error.New("%v: %v", QuorumFailed, callCtx.Err())
		}
	}
	cancel()
	if len(successes) < strategy.Quorum {
		return successes, Error.New("%v: got %d/%d required (%d errors)", QuorumFailed, len(successes), strategy.Quorum, len(failures))
	}
	return successes, nil
}

// Broadcast fires req at endpoint on every node without waiting for
// responses to be consumed by the caller; it still respects the
// strategy's quorum for the purpose of reporting overall success.
func (h *Helper) Broadcast(ctx context.Context, endpoint string, nodes []NodeAddr, req []byte, strategy Strategy) error {
	_, err := h.TryCallMany(ctx, endpoint, nodes, req, strategy)
	return err
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
