// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package adminapi

import (
	"encoding/hex"
	"net/http"

	"deuxfleurs.fr/garage/pkg/ring"
)

type nodeRoleInfo struct {
	NodeID   string   `json:"nodeId"`
	Zone     string   `json:"zone"`
	Capacity uint64   `json:"capacity"`
	Tags     []string `json:"tags"`
}

type layoutResponse struct {
	Version      uint64         `json:"version"`
	Roles        []nodeRoleInfo `json:"roles"`
	StagingRoles []nodeRoleInfo `json:"stagingRoles"`
}

func layoutToResponse(layout ring.Layout) layoutResponse {
	resp := layoutResponse{Version: layout.Version}
	for id, lww := range layout.Roles {
		if lww.Value == nil {
			continue
		}
		resp.Roles = append(resp.Roles, nodeRoleInfo{
			NodeID:   hex.EncodeToString(id[:]),
			Zone:     lww.Value.Zone,
			Capacity: lww.Value.Capacity,
			Tags:     lww.Value.Tags,
		})
	}
	for id, lww := range layout.StagingRoles {
		if lww.Value == nil {
			continue
		}
		resp.StagingRoles = append(resp.StagingRoles, nodeRoleInfo{
			NodeID:   hex.EncodeToString(id[:]),
			Zone:     lww.Value.Zone,
			Capacity: lww.Value.Capacity,
			Tags:     lww.Value.Tags,
		})
	}
	return resp
}

type stageRoleRequest struct {
	NodeID   string   `json:"nodeId"`
	Zone     string   `json:"zone"`
	Capacity uint64   `json:"capacity"`
	Tags     []string `json:"tags"`
}

// handleLayout implements GET (current+staged layout) and POST (stage one
// node's role) on /v1/layout, the HTTP face of `garage layout assign`.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, layoutToResponse(s.node.Membership().CurrentLayout()))
	case http.MethodPost:
		s.stageRole(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (s *Server) stageRole(w http.ResponseWriter, r *http.Request) {
	var req stageRoleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := hex.DecodeString(req.NodeID)
	if err != nil || len(raw) != 32 {
		s.writeError(w, http.StatusBadRequest, errInvalidNodeID)
		return
	}
	var id ring.NodeID
	copy(id[:], raw)

	if err := s.node.StageRole(id, &ring.NodeRole{Zone: req.Zone, Capacity: req.Capacity, Tags: req.Tags}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, layoutToResponse(s.node.Membership().CurrentLayout()))
}

// handleLayoutApply implements POST /v1/layout/apply, the HTTP face of
// `garage layout apply`.
func (s *Server) handleLayoutApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	layout, err := s.node.ApplyLayout(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, layoutToResponse(layout))
}

var errInvalidNodeID = httpError("node id must be 64 hex characters")

type httpError string

func (e httpError) Error() string { return string(e) }
