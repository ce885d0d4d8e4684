// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package rpcmsg

import (
	"bytes"
	"encoding/gob"

	"github.com/zeebo/errs"
)

// Error is this package's error class.
var Error = errs.Class("rpcmsg")

// Marshal encodes a message for the wire. The struct tags in messages.go
// document the protobuf schema these messages are meant to carry once a
// codegen step is wired into the build; until then encoding/gob serves as
// the concrete wire codec. Both ends of every connection run this same
// code, so the codec only has to agree with itself.
func Marshal[T any](msg T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal into msg.
func Unmarshal[T any](data []byte, msg *T) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(msg); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
