// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package adminapi

import (
	"errors"
	"net/http"
	"strings"
)

// handleRepair implements POST /v1/repair/<target>, the HTTP face of
// `garage repair <target>`. The maintenance operations are surfaced
// individually rather than as one do-everything button so an operator can
// run the cheap ones often and the expensive scrub rarely.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	target := strings.TrimPrefix(r.URL.Path, "/v1/repair/")

	var err error
	switch target {
	case "versions":
		err = s.node.Pipeline().RepairVersions(r.Context())
	case "block-refs":
		err = s.node.Pipeline().RepairBlockRefs(r.Context())
	case "data-store":
		err = s.node.Blocks().RepairDataStore(r.Context())
	case "scrub":
		err = s.node.Blocks().ScrubDataStore(r.Context(), func() float64 { return 0 })
	default:
		s.writeError(w, http.StatusNotFound, errors.New("unknown repair target: "+target))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
