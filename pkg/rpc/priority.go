// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"sync"
)

// job is one unit of scheduled RPC work.
type job struct {
	run func(ctx context.Context)
}

// Scheduler drains three priority lanes (background/normal/high) with a
// fixed worker pool, always preferring higher-priority work.
type Scheduler struct {
	high, normal, background chan job
	workers                  int
	wg                       sync.WaitGroup
	stop                     chan struct{}
	once                     sync.Once
}

// NewScheduler starts a Scheduler with the given number of worker
// goroutines and per-lane queue depth.
func NewScheduler(workers, queueDepth int) *Scheduler {
	s := &Scheduler{
		high:       make(chan job, queueDepth),
		normal:     make(chan job, queueDepth),
		background: make(chan job, queueDepth),
		workers:    workers,
		stop:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.high:
			j.run(context.Background())
			continue
		default:
		}
		select {
		case <-s.stop:
			return
		case j := <-s.high:
			j.run(context.Background())
			continue
		case j := <-s.normal:
			j.run(context.Background())
			continue
		default:
		}
		select {
		case <-s.stop:
			return
		case j := <-s.high:
			j.run(context.Background())
		case j := <-s.normal:
			j.run(context.Background())
		case j := <-s.background:
			j.run(context.Background())
		}
	}
}

// Submit enqueues run at the given priority. It blocks if that lane's
// queue is full.
func (s *Scheduler) Submit(p Priority, run func(ctx context.Context)) {
	j := job{run: run}
	switch p {
	case High:
		s.high <- j
	case Background:
		s.background <- j
	default:
		s.normal <- j
	}
}

// Stop terminates every worker goroutine. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
