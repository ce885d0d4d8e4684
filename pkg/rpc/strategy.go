// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package rpc implements the fully-meshed authenticated RPC helper:
// Call/CallMany/TryCallMany/Broadcast over typed messages, with per-call
// priority, timeout, quorum and interrupt-after-quorum semantics, running
// on an authenticated length-prefixed transport (conn.go over
// pkg/rpcwire) with string endpoint names instead of generated
// service/method stubs.
package rpc

import "time"

// Priority selects which scheduler lane a call is queued on.
type Priority int

const (
	// Background is for resync/scrub/repair traffic: never blocks user
	// requests.
	Background Priority = iota
	// Normal is the default priority for most table and block traffic.
	Normal
	// High is for latency-sensitive client-facing requests.
	High
)

// Strategy configures one Call/CallMany/TryCallMany/Broadcast invocation.
type Strategy struct {
	Priority             Priority
	Timeout              time.Duration
	Quorum               int
	InterruptAfterQuorum bool
}

// DefaultStrategy is a reasonable default for internal background calls.
func DefaultStrategy() Strategy {
	return Strategy{Priority: Normal, Timeout: 10 * time.Second, Quorum: 1}
}
