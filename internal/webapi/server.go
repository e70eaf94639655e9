// Package webapi exposes the operator-facing REST surface (spec.md §6):
// job/task submission, pool/scaleset/node administration, container
// registration, notification config CRUD, repro VM requests, and the blob
// download redirect. Handler shape and JSON error-body conventions mirror
// internal/agentproto; auth adds a user/admin credential split instead of
// the agent protocol's operator/machine split.
package webapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/queue"
	"github.com/microsoft/onefuzz/internal/store"
)

// BlobSigner produces a time-limited download URL for a stored blob, used
// by the /api/download redirect.
type BlobSigner interface {
	SignedURL(container, filename string) (string, error)
}

// Server holds the dependencies the REST handlers need.
type Server struct {
	store      *store.Store
	bus        *eventbus.Bus
	queue      *queue.Queue
	blobs      BlobSigner
	auth       *AuthMiddleware
	rateLimit  *RateLimitMiddleware
	taskSchema *TaskSchemaValidator
	logger     *slog.Logger
}

// New creates a webapi Server. taskSchema may be nil, in which case task
// config payloads are accepted unvalidated.
func New(st *store.Store, bus *eventbus.Bus, q *queue.Queue, blobs BlobSigner, auth *AuthMiddleware, rl *RateLimitMiddleware, taskSchema *TaskSchemaValidator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if taskSchema == nil {
		taskSchema = NewTaskSchemaValidator()
	}
	return &Server{store: st, bus: bus, queue: q, blobs: blobs, auth: auth, rateLimit: rl, taskSchema: taskSchema, logger: logger}
}

// Routes registers every REST endpoint on mux, wrapped in rate limiting
// and the appropriate auth tier.
func (s *Server) Routes(mux *http.ServeMux) {
	user := func(h http.HandlerFunc) http.Handler {
		return s.rateLimit.Wrap(s.auth.RequireUser(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.rateLimit.Wrap(s.auth.RequireAdmin(h))
	}

	mux.Handle("/api/jobs", user(s.handleJobs))
	mux.Handle("/api/tasks", user(s.handleTasks))
	mux.Handle("/api/pool", admin(s.handlePool))
	mux.Handle("/api/scaleset", admin(s.handleScaleset))
	mux.Handle("/api/node", admin(s.handleNode))
	mux.Handle("/api/download", user(s.handleDownload))
	mux.Handle("/api/containers", user(s.handleContainers))
	mux.Handle("/api/notifications", user(s.handleNotifications))
	mux.Handle("/api/repro_vms", user(s.handleReproVMs))
	mux.Handle("/api/events", s.rateLimit.Wrap(s.auth.RequireUser(http.HandlerFunc(s.HandleEvents))))
}

type apiError struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Title: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) bool {
	if r.Body == nil {
		return false
	}
	return json.NewDecoder(r.Body).Decode(v) == nil
}
