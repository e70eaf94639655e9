package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createPoolRequest struct {
	Name    string `json:"name"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Managed bool   `json:"managed"`
}

// handlePool implements GET/POST/PATCH/DELETE on /api/pool (spec.md §6).
// PATCH transitions a pool toward shutdown; DELETE is only permitted once
// the pool has no live nodes or scalesets (enforced by the store layer's
// DeletePool).
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getPool(w, r)
	case http.MethodPost:
		s.createPool(w, r)
	case http.MethodPatch:
		s.shutdownPool(w, r)
	case http.MethodDelete:
		s.deletePool(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		pools, err := s.store.SearchPools(r.Context(), store.PoolFilter{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, pools)
		return
	}
	pool, err := s.store.GetPoolByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such pool")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if !decodeBody(r, &req) || req.Name == "" || req.OS == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name and os are required")
		return
	}
	pool := &store.Pool{Name: req.Name, OS: req.OS, Arch: req.Arch, Managed: req.Managed}
	if err := s.store.InsertPool(r.Context(), pool); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "pool already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) shutdownPool(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	pool, err := s.store.GetPoolByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such pool")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if err := s.store.ReplacePoolState(r.Context(), name, store.PoolStateShutdown, pool.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	pool.State = store.PoolStateShutdown
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) deletePool(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	if err := s.store.DeletePool(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
