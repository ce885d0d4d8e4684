// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpcwire

import "github.com/zeebo/errs"

// Error is this package's error class.
var Error = errs.Class("rpcwire")

// MaxPacketSize bounds a single frame's payload, keeping any one RPC
// message from blocking the connection's framing buffer indefinitely.
const MaxPacketSize = 4 << 20 // 4 MiB

// PacketKind discriminates what a Packet carries.
type PacketKind uint8

const (
	// KindInvoke opens a call to an endpoint; Header.Endpoint is set.
	KindInvoke PacketKind = iota + 1
	// KindMessage carries one request or response payload chunk.
	KindMessage
	// KindError carries an error string instead of a payload.
	KindError
	// KindClose signals the sender is done writing to this stream.
	KindClose
)

// PacketID identifies which logical RPC stream and which message within
// it a frame belongs to. pkg/rpc derives half of each frame's sealing
// nonce from it, binding the ciphertext to that position.
type PacketID struct {
	StreamID  uint64
	MessageID uint64
}

// AppendPacketID appends a varint-encoded PacketID to buf.
func AppendPacketID(buf []byte, id PacketID) []byte {
	buf = AppendVarint(buf, id.StreamID)
	buf = AppendVarint(buf, id.MessageID)
	return buf
}

// ParsePacketID parses a PacketID from the front of buf.
func ParsePacketID(buf []byte) (rem []byte, id PacketID, ok bool, err error) {
	rem, id.StreamID, ok, err = ReadVarint(buf)
	if err != nil || !ok {
		return buf, PacketID{}, ok, err
	}
	rem, id.MessageID, ok, err = ReadVarint(rem)
	if err != nil || !ok {
		return buf, PacketID{}, ok, err
	}
	return rem, id, true, nil
}

// FrameInfo carries per-frame flags: currently only whether this is the
// terminal frame of the packet (a packet's payload may be split across
// several frames if it exceeds MaxPacketSize).
type FrameInfo struct {
	Kind  PacketKind
	Final bool
}

// AppendFrameInfo appends a FrameInfo as a single flag byte.
func AppendFrameInfo(buf []byte, fi FrameInfo) []byte {
	b := byte(fi.Kind) << 1
	if fi.Final {
		b |= 1
	}
	return append(buf, b)
}

// ParseFrameInfo parses a FrameInfo from the front of buf.
func ParseFrameInfo(buf []byte) (rem []byte, fi FrameInfo, ok bool, err error) {
	if len(buf) == 0 {
		return buf, FrameInfo{}, false, nil
	}
	b := buf[0]
	return buf[1:], FrameInfo{Kind: PacketKind(b >> 1), Final: b&1 == 1}, true, nil
}

// Header precedes every frame's payload on the wire.
type Header struct {
	PacketID PacketID
	Info     FrameInfo
	Endpoint string // only meaningful when Info.Kind == KindInvoke
}

// AppendHeader appends a Header to buf.
func AppendHeader(buf []byte, h Header) []byte {
	buf = AppendPacketID(buf, h.PacketID)
	buf = AppendFrameInfo(buf, h.Info)
	if h.Info.Kind == KindInvoke {
		buf = AppendVarint(buf, uint64(len(h.Endpoint)))
		buf = append(buf, h.Endpoint...)
	}
	return buf
}

// ParseHeader parses a Header from the front of buf.
func ParseHeader(buf []byte) (rem []byte, h Header, ok bool, err error) {
	rem, h.PacketID, ok, err = ParsePacketID(buf)
	if err != nil || !ok {
		return buf, Header{}, ok, err
	}
	rem, h.Info, ok, err = ParseFrameInfo(rem)
	if err != nil || !ok {
		return buf, Header{}, ok, err
	}
	if h.Info.Kind == KindInvoke {
		var n uint64
		rem, n, ok, err = ReadVarint(rem)
		if err != nil || !ok {
			return buf, Header{}, ok, err
		}
		if uint64(len(rem)) < n {
			return buf, Header{}, false, nil
		}
		h.Endpoint = string(rem[:n])
		rem = rem[n:]
	}
	return rem, h, true, nil
}

// Frame is one on-wire unit: a header plus its payload chunk.
type Frame struct {
	Header  Header
	Payload []byte
}

// AppendFrame appends a length-prefixed Frame (header length, header
// bytes, payload length, payload bytes) to buf.
func AppendFrame(buf []byte, f Frame) []byte {
	var hdr []byte
	hdr = AppendHeader(hdr, f.Header)
	buf = AppendVarint(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = AppendVarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf
}

// ParseFrame parses one Frame from the front of buf. ok is false if buf
// does not yet contain a complete frame (the caller should read more).
func ParseFrame(buf []byte) (rem []byte, f Frame, ok bool, err error) {
	var hdrLen uint64
	rem, hdrLen, ok, err = ReadVarint(buf)
	if err != nil || !ok {
		return buf, Frame{}, false, err
	}
	if uint64(len(rem)) < hdrLen {
		return buf, Frame{}, false, nil
	}
	hdrBuf, after := rem[:hdrLen], rem[hdrLen:]
	_, hdr, hok, herr := ParseHeader(hdrBuf)
	if herr != nil {
		return buf, Frame{}, false, herr
	}
	if !hok {
		return buf, Frame{}, false, Error.New("truncated header")
	}

	var payLen uint64
	after, payLen, ok, err = ReadVarint(after)
	if err != nil || !ok {
		return buf, Frame{}, false, err
	}
	if payLen > MaxPacketSize {
		return buf, Frame{}, false, Error.New("frame payload too large: %d", payLen)
	}
	if uint64(len(after)) < payLen {
		return buf, Frame{}, false, nil
	}
	payload, rest := after[:payLen], after[payLen:]

	return rest, Frame{Header: hdr, Payload: payload}, true, nil
}
