// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"

	"deuxfleurs.fr/garage/pkg/identity"
	"deuxfleurs.fr/garage/pkg/rpcwire"
)

// Dialer opens an authenticated connection to a peer address. Production
// code dials TCP; tests substitute an in-memory net.Pipe.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// NetInvoker is the production Invoker: one request/response round trip
// per Invoke call, each over its own short-lived authenticated
// connection. (Connection reuse/pooling is an optimisation the core does
// not require to be correct and is left to the transport's caller.)
type NetInvoker struct {
	dial      Dialer
	key       identity.NetworkKey
	streamSeq uint64
}

// NewNetInvoker constructs a NetInvoker authenticating every frame with
// key.
func NewNetInvoker(dial Dialer, key identity.NetworkKey) *NetInvoker {
	return &NetInvoker{dial: dial, key: key}
}

// Invoke implements Invoker: dial, send a KindInvoke frame naming the
// endpoint followed by a Final KindMessage carrying the request, read
// back frames until Final, and return the concatenated payload (or the
// carried error if the peer sent KindError).
func (n *NetInvoker) Invoke(ctx context.Context, node NodeAddr, endpoint string, req []byte) ([]byte, error) {
	conn, err := n.dial(ctx, node.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	streamID := atomic.AddUint64(&n.streamSeq, 1)
	buf := rpcwire.NewBuffer(conn, 0)

	if err := n.writeSealed(buf, rpcwire.Frame{
		Header: rpcwire.Header{
			PacketID: rpcwire.PacketID{StreamID: streamID, MessageID: 0},
			Info:     rpcwire.FrameInfo{Kind: rpcwire.KindInvoke},
			Endpoint: endpoint,
		},
	}); err != nil {
		return nil, err
	}
	if err := n.writeSealed(buf, rpcwire.Frame{
		Header: rpcwire.Header{
			PacketID: rpcwire.PacketID{StreamID: streamID, MessageID: 1},
			Info:     rpcwire.FrameInfo{Kind: rpcwire.KindMessage, Final: true},
		},
		Payload: req,
	}); err != nil {
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		return nil, Error.Wrap(err)
	}

	return n.readResponse(conn)
}

func (n *NetInvoker) writeSealed(buf *rpcwire.Buffer, f rpcwire.Frame) error {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:12]); err != nil {
		return Error.Wrap(err)
	}
	binary.BigEndian.PutUint64(nonce[12:20], f.Header.PacketID.StreamID)
	binary.BigEndian.PutUint32(nonce[20:24], uint32(f.Header.PacketID.MessageID))
	// The random half of the nonce travels in clear ahead of the box; the
	// other half is derived from the packet id on both sides, which binds
	// the ciphertext to its stream position.
	sealed := identity.Seal(n.key, &nonce, f.Payload)
	f.Payload = append(append([]byte{}, nonce[:12]...), sealed...)
	return buf.Write(f)
}

func (n *NetInvoker) readResponse(conn net.Conn) ([]byte, error) {
	var acc []byte
	var pending []byte
	tmp := make([]byte, 64*1024)
	for {
		nr, err := conn.Read(tmp)
		if nr > 0 {
			pending = append(pending, tmp[:nr]...)
		}
		for {
			rem, frame, ok, perr := rpcwire.ParseFrame(pending)
			if perr != nil {
				return nil, Error.Wrap(perr)
			}
			if !ok {
				break
			}
			pending = rem

			payload, derr := n.open(frame)
			if derr != nil {
				return nil, derr
			}

			switch frame.Header.Info.Kind {
			case rpcwire.KindError:
				return nil, Error.New("peer error: %s", string(payload))
			case rpcwire.KindMessage:
				acc = append(acc, payload...)
				if frame.Header.Info.Final {
					return acc, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return acc, nil
			}
			return nil, Error.Wrap(err)
		}
	}
}

func (n *NetInvoker) open(frame rpcwire.Frame) ([]byte, error) {
	if len(frame.Payload) < 12 {
		return nil, Error.New("short sealed frame")
	}
	var nonce [24]byte
	copy(nonce[:12], frame.Payload[:12])
	binary.BigEndian.PutUint64(nonce[12:20], frame.Header.PacketID.StreamID)
	binary.BigEndian.PutUint32(nonce[20:24], uint32(frame.Header.PacketID.MessageID))
	return identity.Open(n.key, &nonce, frame.Payload[12:])
}

// Listener accepts authenticated connections and dispatches KindInvoke
// streams to registered EndpointHandlers (see dispatcher.go).
type Listener struct {
	key        identity.NetworkKey
	dispatcher *Dispatcher
}

// NewListener constructs a Listener dispatching to d, authenticating
// frames with key.
func NewListener(key identity.NetworkKey, d *Dispatcher) *Listener {
	return &Listener{key: key, dispatcher: d}
}

// Serve accepts connections from ln until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return Error.Wrap(err)
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	// A single connection carries one invocation in this simplified
	// transport: read the KindInvoke frame, then the KindMessage payload,
	// dispatch, write back the response, close.
	var pending []byte
	tmp := make([]byte, 64*1024)
	var endpoint string
	var streamID uint64
	var reqPayload []byte

	for {
		nr, err := conn.Read(tmp)
		if nr > 0 {
			pending = append(pending, tmp[:nr]...)
		}
		for {
			rem, frame, ok, perr := rpcwire.ParseFrame(pending)
			if perr != nil {
				return
			}
			if !ok {
				break
			}
			pending = rem

			if frame.Header.Info.Kind == rpcwire.KindInvoke {
				endpoint = frame.Header.Endpoint
				streamID = frame.Header.PacketID.StreamID
				continue
			}
			if frame.Header.Info.Kind == rpcwire.KindMessage {
				var nonce [24]byte
				if len(frame.Payload) < 12 {
					return
				}
				copy(nonce[:12], frame.Payload[:12])
				binary.BigEndian.PutUint64(nonce[12:20], frame.Header.PacketID.StreamID)
				binary.BigEndian.PutUint32(nonce[20:24], uint32(frame.Header.PacketID.MessageID))
				plain, derr := identity.Open(l.key, &nonce, frame.Payload[12:])
				if derr != nil {
					return
				}
				reqPayload = append(reqPayload, plain...)
				if frame.Header.Info.Final {
					l.handle(ctx, conn, streamID, endpoint, reqPayload)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn, streamID uint64, endpoint string, req []byte) {
	resp, err := l.dispatcher.Dispatch(ctx, endpoint, req)
	buf := rpcwire.NewBuffer(conn, 0)
	kind := rpcwire.KindMessage
	payload := resp
	if err != nil {
		kind = rpcwire.KindError
		payload = []byte(err.Error())
	}

	var nonce [24]byte
	_, _ = rand.Read(nonce[:12])
	binary.BigEndian.PutUint64(nonce[12:20], streamID)
	binary.BigEndian.PutUint32(nonce[20:24], 1)
	sealed := identity.Seal(l.key, &nonce, payload)

	_ = buf.Write(rpcwire.Frame{
		Header: rpcwire.Header{
			PacketID: rpcwire.PacketID{StreamID: streamID, MessageID: 1},
			Info:     rpcwire.FrameInfo{Kind: kind, Final: true},
		},
		Payload: append(append([]byte{}, nonce[:12]...), sealed...),
	})
	_ = buf.Flush()
}
