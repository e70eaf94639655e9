package webapi

import (
	"errors"
	"net/http"

	"github.com/microsoft/onefuzz/internal/store"
)

type createJobRequest struct {
	Config   store.JobConfig `json:"config"`
	UserInfo map[string]any  `json:"user_info,omitempty"`
}

// handleJobs implements GET (list or get-by-id)/POST (create)/DELETE
// (cancel) on /api/jobs (spec.md §6).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getJobs(w, r)
	case http.MethodPost:
		s.createJob(w, r)
	case http.MethodDelete:
		s.cancelJob(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		job, err := s.store.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	state := store.JobState(r.URL.Query().Get("state"))
	if state == "" {
		state = store.JobStateEnabled
	}
	jobs, err := s.store.ListJobsByState(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(r, &req) || req.Config.Project == "" || req.Config.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "config.project and config.name are required")
		return
	}

	job := &store.Job{Config: req.Config, UserInfo: req.UserInfo}
	if err := s.store.InsertJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// cancelJob moves a job and each of its unfinished tasks to stopping
// (spec.md §4.4); the scheduler moves the job to stopped once none of its
// tasks is left unstopped.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id is required")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	if job.State == store.JobStateStopping || job.State == store.JobStateStopped {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if err := s.store.ReplaceJobState(r.Context(), jobID, store.JobStateStopping, job.RowVer); err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	tasks, err := s.store.ListTasksByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNEXPECTED_ERROR", err.Error())
		return
	}
	for _, t := range tasks {
		if t.State != store.TaskStateStopping && t.State != store.TaskStateStopped {
			_ = s.store.ReplaceTaskState(r.Context(), t.TaskID, store.TaskStateStopping, t.RowVer)
		}
	}
	job.State = store.JobStateStopping
	writeJSON(w, http.StatusOK, job)
}
