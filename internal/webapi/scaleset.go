package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createScalesetRequest struct {
	PoolName    string            `json:"pool_name"`
	VMSku       string            `json:"vm_sku"`
	Image       string            `json:"image"`
	Region      string            `json:"region"`
	Size        int               `json:"size"`
	Spot        bool              `json:"spot,omitempty"`
	EphemeralOS bool              `json:"ephemeral_os,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type resizeScalesetRequest struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// handleScaleset implements GET/POST/PATCH/DELETE on /api/scaleset
// (spec.md §6). PATCH writes the requested size to the scaleset record;
// the autoscaler may resize it again on a later tick from pool demand.
func (s *Server) handleScaleset(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getScaleset(w, r)
	case http.MethodPost:
		s.createScaleset(w, r)
	case http.MethodPatch:
		s.resizeScaleset(w, r)
	case http.MethodDelete:
		s.deleteScaleset(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getScaleset(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("scaleset_id")
	if id != "" {
		sc, err := s.store.GetScaleset(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such scaleset")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sc)
		return
	}

	poolName := r.URL.Query().Get("pool_name")
	if poolName == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "scaleset_id or pool_name is required")
		return
	}
	scalesets, err := s.store.ListScalesetsByPool(r.Context(), poolName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scalesets)
}

func (s *Server) createScaleset(w http.ResponseWriter, r *http.Request) {
	var req createScalesetRequest
	if !decodeBody(r, &req) || req.PoolName == "" || req.VMSku == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "pool_name, vm_sku, and image are required")
		return
	}
	sc := &store.Scaleset{
		PoolName:    req.PoolName,
		VMSku:       req.VMSku,
		Image:       req.Image,
		Region:      req.Region,
		Size:        req.Size,
		Spot:        req.Spot,
		EphemeralOS: req.EphemeralOS,
		Tags:        req.Tags,
	}
	if err := s.store.InsertScaleset(r.Context(), sc); err != nil {
		if errors.Is(err, store.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) resizeScaleset(w http.ResponseWriter, r *http.Request) {
	var req resizeScalesetRequest
	if !decodeBody(r, &req) || req.ID == "" || req.Size < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "id and a non-negative size are required")
		return
	}
	sc, err := s.store.GetScaleset(r.Context(), req.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such scaleset")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if err := s.store.ReplaceScalesetSize(r.Context(), req.ID, req.Size, sc.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	sc.Size = req.Size
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) deleteScaleset(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("scaleset_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "scaleset_id is required")
		return
	}
	sc, err := s.store.GetScaleset(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if err := s.store.ReplaceScalesetState(r.Context(), id, store.ScalesetStateShutdown, sc.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
