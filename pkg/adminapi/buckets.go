// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package adminapi

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"

	"deuxfleurs.fr/garage/pkg/crdt"
	"deuxfleurs.fr/garage/pkg/meta"
	"deuxfleurs.fr/garage/pkg/table"
)

type bucketInfo struct {
	ID          string   `json:"id"`
	Aliases     []string `json:"aliases"`
	ObjectCount int64    `json:"objectCount"`
	BytesUsed   int64    `json:"bytesUsed"`
}

func bucketToInfo(b meta.Bucket) bucketInfo {
	state, _ := b.State.Value()
	aliases := make([]string, 0, len(state.Aliases))
	for alias, lww := range state.Aliases {
		if lww.Value {
			aliases = append(aliases, alias)
		}
	}
	return bucketInfo{
		ID:          hex.EncodeToString(b.ID[:]),
		Aliases:     aliases,
		ObjectCount: state.ObjectCount.Value,
		BytesUsed:   state.BytesUsed.Value,
	}
}

// handleBucketCollection implements GET (list) and POST (create) on
// /v1/bucket.
func (s *Server) handleBucketCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBuckets(w, r)
	case http.MethodPost:
		s.createBucket(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	var out []bucketInfo
	err := s.node.Buckets().Range(r.Context(), nil, nil, func(b meta.Bucket) bool {
		if b.State.IsDeleted() {
			return true
		}
		out = append(out, bucketToInfo(b))
		return true
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createBucketRequest struct {
	GlobalAlias string `json:"globalAlias"`
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.GlobalAlias != "" {
		existing, found, err := s.node.BucketAliases().GetLocal(r.Context(), []byte(req.GlobalAlias), nil)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if found && existing.Value.Value != nil {
			s.writeError(w, http.StatusConflict, errors.New("alias already in use"))
			return
		}
	}

	var id [16]byte
	copy(id[:], uuid.NewV4().Bytes())

	now := time.Now().UnixMilli()
	bucket := meta.Bucket{
		ID: id,
		State: crdt.Present(meta.BucketState{
			Aliases:      make(crdt.LwwMap[string, bool]),
			LocalAliases: make(crdt.LwwMap[meta.LocalAliasKey, bool]),
			Keys:         make(crdt.LwwMap[string, meta.Permission]),
		}),
	}
	if req.GlobalAlias != "" {
		state, _ := bucket.State.Value()
		state.Aliases[req.GlobalAlias] = crdt.NewLww(now, req.GlobalAlias, true)
		bucket.State = crdt.Present(state)
	}

	merged, err := table.InsertReplicated(r.Context(), s.node.Buckets(), bucket)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if req.GlobalAlias != "" {
		idCopy := id
		alias := meta.BucketAlias{
			Alias: req.GlobalAlias,
			Value: crdt.NewLww(now, req.GlobalAlias, &idCopy),
		}
		if _, err := table.InsertReplicated(r.Context(), s.node.BucketAliases(), alias); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, bucketToInfo(merged))
}

// handleBucketItem implements GET/DELETE on /v1/bucket/<hex-id>.
func (s *Server) handleBucketItem(w http.ResponseWriter, r *http.Request) {
	idHex := strings.TrimPrefix(r.URL.Path, "/v1/bucket/")
	if idHex == "" {
		s.writeError(w, http.StatusNotFound, errors.New("missing bucket id"))
		return
	}
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != 16 {
		s.writeError(w, http.StatusBadRequest, errors.New("bucket id must be 32 hex characters"))
		return
	}
	var id [16]byte
	copy(id[:], raw)

	switch r.Method {
	case http.MethodGet:
		s.getBucket(w, r, id)
	case http.MethodDelete:
		s.deleteBucket(w, r, id)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (s *Server) getBucket(w http.ResponseWriter, r *http.Request, id [16]byte) {
	b, found, err := s.node.Buckets().GetLocal(r.Context(), id[:], nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || b.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such bucket"))
		return
	}
	s.writeJSON(w, http.StatusOK, bucketToInfo(b))
}

// deleteBucket refuses to remove a non-empty bucket.
func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request, id [16]byte) {
	b, found, err := s.node.Buckets().GetLocal(r.Context(), id[:], nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || b.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such bucket"))
		return
	}
	state, _ := b.State.Value()
	if state.ObjectCount.Value > 0 {
		s.writeError(w, http.StatusConflict, errors.New("bucket is not empty"))
		return
	}
	b.State = crdt.Tombstone[meta.BucketState]()
	if _, err := table.InsertReplicated(r.Context(), s.node.Buckets(), b); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type allowBucketRequest struct {
	BucketID string `json:"bucketId"`
	KeyID    string `json:"keyId"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	Owner    bool   `json:"owner"`
}

// handleBucketAllow implements POST /v1/bucket/allow: grants a key the
// given permission bits on a bucket. The grant is stored as a
// last-writer-wins register per key on both the bucket and the key row,
// so the bits sent replace any earlier grant for that key rather than
// being OR'd into it.
func (s *Server) handleBucketAllow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req allowBucketRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := hex.DecodeString(req.BucketID)
	if err != nil || len(raw) != 16 {
		s.writeError(w, http.StatusBadRequest, errors.New("bucketId must be 32 hex characters"))
		return
	}
	var bucketID [16]byte
	copy(bucketID[:], raw)

	bucket, found, err := s.node.Buckets().GetLocal(r.Context(), bucketID[:], nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || bucket.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such bucket"))
		return
	}
	key, found, err := s.node.Keys().GetLocal(r.Context(), nil, []byte(req.KeyID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || key.State.IsDeleted() {
		s.writeError(w, http.StatusNotFound, errors.New("no such key"))
		return
	}

	now := time.Now().UnixMilli()
	perm := meta.Permission{Read: req.Read, Write: req.Write, Owner: req.Owner}

	bucketState, _ := bucket.State.Value()
	if bucketState.Keys == nil {
		bucketState.Keys = make(crdt.LwwMap[string, meta.Permission])
	}
	bucketState.Keys[req.KeyID] = crdt.NewLww(now, req.KeyID, perm)
	bucket.State = crdt.Present(bucketState)

	keyState, _ := key.State.Value()
	if keyState.AuthorizedBuckets == nil {
		keyState.AuthorizedBuckets = make(crdt.LwwMap[[16]byte, meta.Permission])
	}
	keyState.AuthorizedBuckets[bucketID] = crdt.NewLww(now, req.KeyID, perm)
	key.State = crdt.Present(keyState)

	if _, err := table.InsertReplicated(r.Context(), s.node.Buckets(), bucket); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := table.InsertReplicated(r.Context(), s.node.Keys(), key); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
