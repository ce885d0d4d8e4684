// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package membership

import (
	"bytes"
	"encoding/gob"

	"deuxfleurs.fr/garage/pkg/ring"
)

// encodeLayout/decodeLayout serialize a ring.Layout for the
// PullClusterLayout reply. ring.Layout's CRDT maps have no hand-written
// protobuf descriptor (same reasoning as pkg/table's row Codec), so gob
// is used directly rather than inventing a bespoke schema for it.
func encodeLayout(layout ring.Layout) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(layout); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

func decodeLayout(data []byte, out *ring.Layout) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
