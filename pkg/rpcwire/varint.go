// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package rpcwire implements the binary-framed, length-prefixed wire
// format used for inter-node RPC: a PacketID/FrameInfo/Header triad,
// varint length prefixes, and a buffering writer.
package rpcwire

// AppendVarint appends x as a base-128 varint (LSB first, standard
// protobuf-style varint encoding) to buf.
func AppendVarint(buf []byte, x uint64) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

// ReadVarint reads a varint from the front of buf, returning the
// remaining bytes, the decoded value, whether a complete varint was
// present, and an error if the varint was malformed (too long).
func ReadVarint(buf []byte) (rem []byte, val uint64, ok bool, err error) {
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if shift >= 64 {
			return buf, 0, false, Error.New("varint too long")
		}
		val |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return buf[i+1:], val, true, nil
		}
		shift += 7
	}
	return buf, 0, false, nil
}
