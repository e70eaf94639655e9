package webapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createNotificationRequest struct {
	Container       string          `json:"container"`
	ConfigKind      string          `json:"config_kind"`
	Config          json.RawMessage `json:"config"`
	ReplaceExisting bool            `json:"replace_existing,omitempty"`
}

// handleNotifications implements GET/POST/DELETE on /api/notifications
// (spec.md §6 and §4.7). Config is kept opaque here; internal/notification
// decodes the tagged ADO/GitHub/Teams variant at dispatch time.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getNotifications(w, r)
	case http.MethodPost:
		s.createNotification(w, r)
	case http.MethodDelete:
		s.deleteNotification(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

var validConfigKinds = map[string]bool{"ado": true, "github": true, "teams": true}

func (s *Server) getNotifications(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("notification_id"); id != "" {
		n, err := s.store.GetNotification(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such notification")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, n)
		return
	}

	container := r.URL.Query().Get("container")
	if container == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "container or notification_id is required")
		return
	}
	notifications, err := s.store.ListNotificationsByContainer(r.Context(), container)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if !decodeBody(r, &req) || req.Container == "" || !validConfigKinds[req.ConfigKind] || len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "container, config_kind (ado|github|teams), and config are required")
		return
	}

	if _, err := s.store.GetContainer(r.Context(), req.Container); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, string(store.ErrCodeInvalidContainer), "no such container")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}

	n := &store.Notification{
		Container:       req.Container,
		ConfigKind:      req.ConfigKind,
		Config:          []byte(req.Config),
		ReplaceExisting: req.ReplaceExisting,
	}
	if err := s.store.InsertNotification(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("notification_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "notification_id is required")
		return
	}
	if err := s.store.DeleteNotification(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
