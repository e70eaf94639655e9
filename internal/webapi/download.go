package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

// handleDownload implements GET /api/download?container=&filename=
// (spec.md §6): a 302 redirect to a signed blob URL. A missing container
// is the edge case spec.md names explicitly: 404 with title
// INVALID_CONTAINER.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	container := r.URL.Query().Get("container")
	filename := r.URL.Query().Get("filename")
	if container == "" || filename == "" {
		writeError(w, http.StatusBadRequest, string(store.ErrCodeInvalidRequest), "container and filename are required")
		return
	}

	if _, err := s.store.GetContainer(r.Context(), container); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, string(store.ErrCodeInvalidContainer), "no such container")
			return
		}
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
		return
	}

	if s.blobs == nil {
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), "blob storage is not configured")
		return
	}
	url, err := s.blobs.SignedURL(container, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(store.ErrCodeUnexpectedError), err.Error())
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
