package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

// handleNode implements GET/PATCH/POST/DELETE on /api/node (spec.md §6).
// PATCH requests a reimage; POST sets or clears debug_keep_node; DELETE
// requests deletion.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getNode(w, r)
	case http.MethodPatch:
		s.reimageNode(w, r)
	case http.MethodPost:
		s.setDebugKeepNode(w, r)
	case http.MethodDelete:
		s.deleteNode(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID != "" {
		n, err := s.store.GetNode(r.Context(), machineID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such node")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, n)
		return
	}

	scalesetID := r.URL.Query().Get("scaleset_id")
	if scalesetID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "machine_id or scaleset_id is required")
		return
	}
	nodes, err := s.store.ListNodesByScaleset(r.Context(), scalesetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) reimageNode(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "machine_id is required")
		return
	}
	if err := s.store.RequestNodeReimage(r.Context(), machineID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such node")
			return
		}
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setDebugKeepNodeRequest struct {
	MachineID string `json:"machine_id"`
	Keep      bool   `json:"debug_keep_node"`
}

func (s *Server) setDebugKeepNode(w http.ResponseWriter, r *http.Request) {
	var req setDebugKeepNodeRequest
	if !decodeBody(r, &req) || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "machine_id is required")
		return
	}
	if err := s.store.SetDebugKeepNode(r.Context(), req.MachineID, req.Keep); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such node")
			return
		}
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "machine_id is required")
		return
	}
	if err := s.store.RequestNodeDelete(r.Context(), machineID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such node")
			return
		}
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
