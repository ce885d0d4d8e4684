// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package adminapi implements the node-local administration surface: a
// small JSON-over-HTTP API for key, bucket, layout and repair
// management, served on admin_bind_addr alongside the RPC listener.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"deuxfleurs.fr/garage/pkg/garagenode"
)

// Server serves the admin HTTP API for one Node.
type Server struct {
	log  *zap.Logger
	node *garagenode.Node

	httpServer *http.Server
}

// New builds a Server bound to node's tables. Call Run to serve.
func New(log *zap.Logger, node *garagenode.Node) *Server {
	s := &Server{log: log, node: node}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/key", s.handleKeyCollection)
	mux.HandleFunc("/v1/key/import", s.handleKeyImport)
	mux.HandleFunc("/v1/key/", s.handleKeyItem)
	mux.HandleFunc("/v1/bucket", s.handleBucketCollection)
	mux.HandleFunc("/v1/bucket/allow", s.handleBucketAllow)
	mux.HandleFunc("/v1/bucket/", s.handleBucketItem)
	mux.HandleFunc("/v1/layout", s.handleLayout)
	mux.HandleFunc("/v1/layout/apply", s.handleLayoutApply)
	mux.HandleFunc("/v1/repair/", s.handleRepair)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Run listens on addr and serves until ctx is cancelled, the same
// listen-then-block-on-ctx idiom pkg/garagenode.Node.Run uses for the RPC
// listener.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("admin API listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = s.httpServer.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode admin API response", zap.Error(err))
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, apiError{Error: err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	layout := s.node.Membership().CurrentLayout()
	s.writeJSON(w, http.StatusOK, statusResponse{
		NodeID:        nodeIDHex(s.node.SelfID()),
		LayoutVersion: layout.Version,
		KnownPeers:    len(s.node.Membership().KnownPeers()),
	})
}

type statusResponse struct {
	NodeID        string `json:"nodeId"`
	LayoutVersion uint64 `json:"layoutVersion"`
	KnownPeers    int    `json:"knownPeers"`
}

var errMethodNotAllowed = errors.New("method not allowed")
