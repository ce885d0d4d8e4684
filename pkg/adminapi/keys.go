// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package adminapi

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

func nodeIDHex(id [32]byte) string { return hex.EncodeToString(id[:]) }

type keyInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Secret            string `json:"secret,omitempty"`
	AllowCreateBucket bool   `json:"allowCreateBucket"`
}

func keyToInfo(k meta.Key, includeSecret bool) keyInfo {
	state, _ := k.State.Value()
	info := keyInfo{
		ID:                k.ID,
		Name:              state.Name.Value,
		AllowCreateBucket: state.AllowCreateBucket.Value,
	}
	if includeSecret {
		info.Secret = state.Secret
	}
	return info
}

// handleKeyCollection implements GET (list) and POST (create) on /v1/key.
func (s *Server) handleKeyCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeys(w, r)
	case http.MethodPost:
		s.createKey(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	var out []keyInfo
	err := s.node.Keys().Range(r.Context(), nil, nil, func(k meta.Key) bool {
		if k.State.IsDeleted() {
			return true
		}
		out = append(out, keyToInfo(k, false))
		return true
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := meta.NewKeyID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	secret, err := meta.NewSecret()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UnixMilli()
	key := meta.Key{
		ID: id,
		State: crdt.Present(meta.KeyState{
			Secret:            secret,
			Name:              crdt.NewLww(now, id, req.Name),
			AllowCreateBucket: crdt.NewLww(now, id, false),
			AuthorizedBuckets: make(crdt.LwwMap[[16]byte, meta.Permission]),
			LocalAliases:      make(crdt.LwwMap[string, *[16]byte]),
		}),
	}
	if err := key.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	merged, err := table.InsertReplicated(r.Context(), s.node.Keys(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, keyToInfo(merged, true))
}

type importKeyRequest struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Name            string `json:"name"`
}

// handleKeyImport implements POST /v1/key/import: registering an
// operator-chosen key id/secret pair, rejecting one that already exists
// so an import can never silently clobber a live key.
func (s *Server) handleKeyImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req importKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !meta.KeyIDPattern.MatchString(req.AccessKeyID) {
		s.writeError(w, http.StatusBadRequest, errors.New("key id does not match the required shape"))
		return
	}
	if len(req.SecretAccessKey) != 64 {
		s.writeError(w, http.StatusBadRequest, errors.New("secret must be 64 hex characters"))
		return
	}
	if _, err := hex.DecodeString(req.SecretAccessKey); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("secret must be hex-encoded"))
		return
	}

	existing, found, err := s.node.Keys().GetLocal(r.Context(), nil, []byte(req.AccessKeyID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if found && !existing.State.IsDeleted() {
		s.writeError(w, http.StatusConflict, errors.New("key id already exists"))
		return
	}

	now := time.Now().UnixMilli()
	key := meta.Key{
		ID: req.AccessKeyID,
		State: crdt.Present(meta.KeyState{
			Secret:            req.SecretAccessKey,
			Name:              crdt.NewLww(now, req.AccessKeyID, req.Name),
			AllowCreateBucket: crdt.NewLww(now, req.AccessKeyID, false),
			AuthorizedBuckets: make(crdt.LwwMap[[16]byte, meta.Permission]),
			LocalAliases:      make(crdt.LwwMap[string, *[16]byte]),
		}),
	}
	if err := key.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	merged, err := table.InsertReplicated(r.Context(), s.node.Keys(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, keyToInfo(merged, true))
}

// handleKeyItem implements GET/PUT/DELETE on /v1/key/<id>.
func (s *Server) handleKeyItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/key/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, errors.New("missing key id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getKey(w, r, id)
	case http.MethodPut:
		s.updateKey(w, r, id)
	case http.MethodDelete:
		s.deleteKey(w, r, id)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request, id string) {
	k, found, err := s.node.Keys().GetLocal(r.Context(), nil, []byte(id))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || k.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such key"))
		return
	}
	s.writeJSON(w, http.StatusOK, keyToInfo(k, true))
}

type updateKeyRequest struct {
	Name              *string `json:"name,omitempty"`
	AllowCreateBucket *bool   `json:"allowCreateBucket,omitempty"`
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request, id string) {
	existing, found, err := s.node.Keys().GetLocal(r.Context(), nil, []byte(id))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || existing.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such key"))
		return
	}
	var req updateKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	state, _ := existing.State.Value()
	now := time.Now().UnixMilli()
	if req.Name != nil {
		state.Name = crdt.NewLww(now, id, *req.Name)
	}
	if req.AllowCreateBucket != nil {
		state.AllowCreateBucket = crdt.NewLww(now, id, *req.AllowCreateBucket)
	}
	existing.State = crdt.Present(state)

	merged, err := table.InsertReplicated(r.Context(), s.node.Keys(), existing)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyToInfo(merged, true))
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request, id string) {
	existing, found, err := s.node.Keys().GetLocal(r.Context(), nil, []byte(id))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || existing.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such key"))
		return
	}
	existing.State = crdt.Tombstone[meta.KeyState]()
	if _, err := table.InsertReplicated(r.Context(), s.node.Keys(), existing); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
