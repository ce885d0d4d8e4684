// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package garagenode

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/ring"
)

// clusterLayoutFile and peerListFile are the on-disk names under
// metadata_dir.
const (
	clusterLayoutFile = "cluster_layout"
	peerListFile      = "peer_list"
)

// loadLayout reads metadata_dir/cluster_layout, returning a fresh
// zero-version Layout (seeded with this node's configured replication
// factor) if the file doesn't exist yet, the state of a freshly
// bootstrapped node before any `garage layout apply`. A persisted layout
// whose replication factor differs from the configured one is a fatal
// error: continuing would place existing data's replicas inconsistently.
func loadLayout(dir string, replicationFactor int) (ring.Layout, error) {
	path := filepath.Join(dir, clusterLayoutFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ring.Layout{
			ReplicationFactor: replicationFactor,
			Roles:             make(crdt.LwwMap[ring.NodeID, *ring.NodeRole]),
			StagingRoles:      make(crdt.LwwMap[ring.NodeID, *ring.NodeRole]),
		}, nil
	}
	if err != nil {
		return ring.Layout{}, Error.Wrap(err)
	}
	var layout ring.Layout
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&layout); err != nil {
		return ring.Layout{}, Error.Wrap(err)
	}
	if layout.ReplicationFactor != replicationFactor {
		return ring.Layout{}, Error.New("persisted cluster layout uses replication factor %d but config says %d",
			layout.ReplicationFactor, replicationFactor)
	}
	return layout, nil
}

// saveLayout persists layout to metadata_dir/cluster_layout, crash-safely
// (write-then-rename, matching pkg/blockstore's own on-disk write idiom).
func saveLayout(dir string, layout ring.Layout) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(layout); err != nil {
		return Error.Wrap(err)
	}
	return writeFileCrashSafe(filepath.Join(dir, clusterLayoutFile), buf.Bytes())
}

// peerBook is the gob-serialisable form of peer_list: every peer address
// this node has learned, keyed by node id.
type peerBook map[ring.NodeID]string

func loadPeerList(dir string) (peerBook, error) {
	path := filepath.Join(dir, peerListFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return peerBook{}, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var book peerBook
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&book); err != nil {
		return nil, Error.Wrap(err)
	}
	return book, nil
}

func savePeerList(dir string, book peerBook) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(book); err != nil {
		return Error.Wrap(err)
	}
	return writeFileCrashSafe(filepath.Join(dir, peerListFile), buf.Bytes())
}

func writeFileCrashSafe(target string, payload []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, target))
}
