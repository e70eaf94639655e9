package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createContainerRequest struct {
	Name           string         `json:"name"`
	StorageAccount string         `json:"storage_account"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// handleContainers implements GET (list)/POST (create)/DELETE
// (remove) on /api/containers (spec.md §6).
func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getContainers(w, r)
	case http.MethodPost:
		s.createContainer(w, r)
	case http.MethodDelete:
		s.deleteContainer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getContainers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name != "" {
		c, err := s.store.GetContainer(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, string(store.ErrCodeInvalidContainer), "no such container")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) createContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if !decodeBody(r, &req) || req.Name == "" || req.StorageAccount == "" {
		writeError(w, http.StatusBadRequest, string(store.ErrCodeInvalidRequest), "name and storage_account are required")
		return
	}
	c := &store.Container{Name: req.Name, StorageAccount: req.StorageAccount, Metadata: req.Metadata}
	if err := s.store.InsertContainer(r.Context(), c); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, string(store.ErrCodeInvalidRequest), "container already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, string(store.ErrCodeInvalidRequest), "name is required")
		return
	}
	if err := s.store.DeleteContainer(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
