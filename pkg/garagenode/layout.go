// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package garagenode

import (
	"context"
	"encoding/hex"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/ring"
)

// StageRole stages id's placement (zone/capacity/tags) into the cluster
// layout's staging_roles, to be committed by a later ApplyLayout call
// (the `garage layout assign` / `garage layout apply` two-step).
func (n *Node) StageRole(id ring.NodeID, role *ring.NodeRole) error {
	layout := n.membership.CurrentLayout()
	// layout.StagingRoles is shared with membership's live layout; mutate a
	// copy.
	staging := make(crdt.LwwMap[ring.NodeID, *ring.NodeRole], len(layout.StagingRoles)+1)
	for k, v := range layout.StagingRoles {
		staging[k] = v
	}
	now := meta.SystemClock{}.NowMillis()
	staging[id] = crdt.NewLww(now, nodeIDString(id), role)
	layout.StagingRoles = staging
	layout.StagingHash = layout.ComputeStagingHash()
	return n.membership.MergeLayout(layout)
}

// ApplyLayout commits every staged role into the committed layout, bumps
// its version, clears staging, and re-derives the ring. The new layout
// then reaches peers the same way any layout update does: the next
// status broadcast advertises the bumped version and peers pull it, so
// no separate broadcast step is needed here.
func (n *Node) ApplyLayout(_ context.Context) (ring.Layout, error) {
	current := n.membership.CurrentLayout()

	merged := current
	// current.Roles is shared with membership's live layout; mutate a copy.
	merged.Roles = make(crdt.LwwMap[ring.NodeID, *ring.NodeRole], len(current.Roles)+len(current.StagingRoles))
	for id, lww := range current.Roles {
		merged.Roles[id] = lww
	}
	for id, lww := range current.StagingRoles {
		existing, ok := merged.Roles[id]
		if !ok || lww.Timestamp >= existing.Timestamp {
			merged.Roles[id] = lww
		}
	}
	merged.StagingRoles = make(crdt.LwwMap[ring.NodeID, *ring.NodeRole])
	merged.StagingHash = merged.ComputeStagingHash()
	merged.Version = current.Version + 1

	if _, err := ring.Build(merged); err != nil {
		return ring.Layout{}, Error.Wrap(err)
	}

	if err := n.membership.MergeLayout(merged); err != nil {
		return ring.Layout{}, err
	}
	return n.membership.CurrentLayout(), nil
}

// nodeIDString renders a ring.NodeID as the hex fingerprint used in
// bootstrap_peers strings and CLI output.
func nodeIDString(id ring.NodeID) string { return hex.EncodeToString(id[:]) }
