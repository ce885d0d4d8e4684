// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"sync"
)

// EndpointHandler processes one request payload and returns a response
// payload, for one registered endpoint name.
type EndpointHandler func(ctx context.Context, req []byte) ([]byte, error)

// Dispatcher is the server-side registry mapping string endpoint names
// to handlers, one per node process.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EndpointHandler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EndpointHandler)}
}

// Register installs the handler for endpoint, replacing any previous one.
func (d *Dispatcher) Register(endpoint string, h EndpointHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[endpoint] = h
}

// Dispatch routes req to endpoint's handler.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, req []byte) ([]byte, error) {
	d.mu.RLock()
	h, ok := d.handlers[endpoint]
	d.mu.RUnlock()
	if !ok {
		return nil, Error.New("no handler registered for endpoint %q", endpoint)
	}
	return h(ctx, req)
}
