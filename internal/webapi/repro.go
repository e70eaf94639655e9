package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createReproRequest struct {
	TaskID   string            `json:"task_id"`
	OS       string            `json:"os"`
	Config   store.ReproConfig `json:"config"`
	UserInfo map[string]any    `json:"user_info,omitempty"`
}

// handleReproVMs implements GET/POST/DELETE on /api/repro_vms (spec.md
// §6): launch, inspect, and tear down a debug VM that reproduces a
// recorded crash.
func (s *Server) handleReproVMs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getRepro(w, r)
	case http.MethodPost:
		s.createRepro(w, r)
	case http.MethodDelete:
		s.deleteRepro(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getRepro(w http.ResponseWriter, r *http.Request) {
	if vmID := r.URL.Query().Get("vm_id"); vmID != "" {
		repro, err := s.store.GetRepro(r.Context(), vmID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such repro vm")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, repro)
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "vm_id or task_id is required")
		return
	}
	repros, err := s.store.ListReprosByTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repros)
}

func (s *Server) createRepro(w http.ResponseWriter, r *http.Request) {
	var req createReproRequest
	if !decodeBody(r, &req) || req.TaskID == "" || req.Config.Container == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task_id and config.container are required")
		return
	}

	task, err := s.store.GetTask(r.Context(), req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "no such task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}

	os := req.OS
	if os == "" {
		os = task.OS
	}
	repro := &store.Repro{
		TaskID:   req.TaskID,
		OS:       os,
		Config:   req.Config,
		UserInfo: req.UserInfo,
	}
	if err := s.store.InsertRepro(r.Context(), repro); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, repro)
}

func (s *Server) deleteRepro(w http.ResponseWriter, r *http.Request) {
	vmID := r.URL.Query().Get("vm_id")
	if vmID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "vm_id is required")
		return
	}
	repro, err := s.store.GetRepro(r.Context(), vmID)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if repro.State == store.ReproStateStopping || repro.State == store.ReproStateStopped {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.store.ReplaceReproState(r.Context(), vmID, store.ReproStateStopping, repro.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
