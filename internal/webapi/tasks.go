package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createTaskRequest struct {
	JobID    string          `json:"job_id"`
	OS       string          `json:"os"`
	Config   store.TaskConfig `json:"config"`
	UserInfo map[string]any  `json:"user_info,omitempty"`
}

// handleTasks implements GET (list-by-job or get-by-id)/POST
// (create)/DELETE (cancel) on /api/tasks (spec.md §6).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodDelete:
		s.cancelTask(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		task, err := s.store.GetTask(r.Context(), taskID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such task")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id or task_id is required")
		return
	}
	tasks, err := s.store.ListTasksByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(r, &req) || req.JobID == "" || req.Config.Pool.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id and config.pool.name are required")
		return
	}

	if _, err := s.store.GetJob(r.Context(), req.JobID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "no such job")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}

	if taskType, _ := req.Config.Task["type"].(string); taskType != "" {
		if err := s.taskSchema.Validate(taskType, req.Config.Task); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task config: "+err.Error())
			return
		}
	}

	task := &store.Task{
		JobID:    req.JobID,
		OS:       req.OS,
		Config:   req.Config,
		UserInfo: req.UserInfo,
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// cancelTask moves a task to stopping (spec.md §4.4). No message is sent
// to the node; the coordinator removes the NodeTask and frees the node when
// the worker reports done.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task_id is required")
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if task.State == store.TaskStateStopping || task.State == store.TaskStateStopped {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if err := s.store.ReplaceTaskState(r.Context(), taskID, store.TaskStateStopping, task.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	task.State = store.TaskStateStopping
	writeJSON(w, http.StatusOK, task)
}
