// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpcwire_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"deuxfleurs.fr/garage/pkg/rpcwire"
)

func TestVarintRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		val := (uint64(1) << uint(i+1)) - 1
		buf := rpcwire.AppendVarint(nil, val)
		rem, got, ok, err := rpcwire.ReadVarint(buf)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, rem)
		require.Equal(t, val, got)
	}
}

func TestVarintRoundTripFuzz(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		val := r.Uint64()
		buf := rpcwire.AppendVarint(nil, val)
		rem, got, ok, err := rpcwire.ReadVarint(buf)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, rem)
		require.Equal(t, val, got)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := rpcwire.Header{
		PacketID: rpcwire.PacketID{StreamID: 7, MessageID: 42},
		Info:     rpcwire.FrameInfo{Kind: rpcwire.KindInvoke, Final: true},
		Endpoint: "block.Get",
	}
	buf := rpcwire.AppendHeader(nil, h)
	rem, got, ok, err := rpcwire.ParseHeader(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, rem)
	require.Equal(t, h, got)
}

func TestFrameRoundTrip(t *testing.T) {
	f := rpcwire.Frame{
		Header: rpcwire.Header{
			PacketID: rpcwire.PacketID{StreamID: 1, MessageID: 2},
			Info:     rpcwire.FrameInfo{Kind: rpcwire.KindMessage, Final: true},
		},
		Payload: []byte("hello world"),
	}
	buf := rpcwire.AppendFrame(nil, f)
	rem, got, ok, err := rpcwire.ParseFrame(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, rem)
	require.Equal(t, f, got)
}

func TestParseFrameIncomplete(t *testing.T) {
	f := rpcwire.Frame{
		Header:  rpcwire.Header{Info: rpcwire.FrameInfo{Kind: rpcwire.KindMessage}},
		Payload: []byte("abcdef"),
	}
	buf := rpcwire.AppendFrame(nil, f)
	_, _, ok, err := rpcwire.ParseFrame(buf[:len(buf)-2])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBufferFlushesCompleteBytes(t *testing.T) {
	var got bytes.Buffer
	buffer := rpcwire.NewBuffer(&got, 4096)

	var expected []byte
	for i := 0; i < 100; i++ {
		f := rpcwire.Frame{
			Header:  rpcwire.Header{Info: rpcwire.FrameInfo{Kind: rpcwire.KindMessage, Final: true}},
			Payload: []byte{byte(i)},
		}
		expected = rpcwire.AppendFrame(expected, f)
		require.NoError(t, buffer.Write(f))
	}
	require.NoError(t, buffer.Flush())
	require.Equal(t, expected, got.Bytes())
}
