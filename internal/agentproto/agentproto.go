// Package agentproto exposes the node agent protocol (C3) over net/http:
// register, heartbeat, pending-command peek-lock, worker-event reporting,
// and add-ssh-key. Handler shape mirrors internal/gateway's plain
// http.ServeMux routing and JSON body conventions; auth reuses the
// teacher's constant-time API key comparison idiom, generalized to accept
// either an operator bearer token or a per-machine registration secret.
package agentproto

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microsoft/onefuzz/internal/lifecycle"
	"github.com/microsoft/onefuzz/internal/store"
)

// Server holds the dependencies the agent protocol handlers need.
type Server struct {
	store       *store.Store
	coordinator *lifecycle.Coordinator
	auth        *AuthMiddleware
	logger      *slog.Logger
}

// New creates an agent protocol Server.
func New(st *store.Store, coord *lifecycle.Coordinator, auth *AuthMiddleware, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, coordinator: coord, auth: auth, logger: logger}
}

// Routes registers the agent protocol endpoints on mux, wrapped in auth.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.Handle("/api/agent_registration", s.auth.Wrap(http.HandlerFunc(s.handleRegister)))
	mux.Handle("/api/agent_heartbeat", s.auth.Wrap(http.HandlerFunc(s.handleHeartbeat)))
	mux.Handle("/api/agent_commands", s.auth.Wrap(http.HandlerFunc(s.handlePendingCommand)))
	mux.Handle("/api/agent_commands/ack", s.auth.Wrap(http.HandlerFunc(s.handleAckCommand)))
	mux.Handle("/api/agent_events", s.auth.Wrap(http.HandlerFunc(s.handleWorkerEvent)))
	mux.Handle("/api/node_add_ssh_key", s.auth.Wrap(http.HandlerFunc(s.handleAddSSHKey)))
}

type apiError struct {
	Code    store.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code store.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// registerRequest is the Register call body (spec.md §4.3).
type registerRequest struct {
	MachineID  string `json:"machine_id"`
	PoolName   string `json:"pool_name"`
	ScalesetID string `json:"scaleset_id,omitempty"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id,omitempty"`
}

type registerResponse struct {
	WorkQueueURL string `json:"work_queue_url"`
	CommandURL   string `json:"command_url"`
	EventURL     string `json:"event_url"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" || req.PoolName == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id and pool_name are required")
		return
	}

	pool, err := s.store.GetPoolByName(r.Context(), req.PoolName)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "pool does not exist")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}

	n := &store.Node{
		MachineID:  req.MachineID,
		PoolName:   req.PoolName,
		PoolID:     pool.ID,
		ScalesetID: req.ScalesetID,
		Version:    req.Version,
	}
	if err := s.store.RegisterNode(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}

	writeJSON(w, registerResponse{
		WorkQueueURL: "/api/agent_commands?machine_id=" + req.MachineID,
		CommandURL:   "/api/agent_commands?machine_id=" + req.MachineID,
		EventURL:     "/api/agent_events",
	})
}

type heartbeatRequest struct {
	MachineID string `json:"machine_id"`
	State     string `json:"state,omitempty"`
}

// handleHeartbeat updates liveness and, when the agent reports readiness,
// transitions an initializing node to ready. An unknown node is a silent
// no-op per spec.md §4.3.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id is required")
		return
	}

	if err := s.store.Heartbeat(r.Context(), req.MachineID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}

	if req.State == string(store.NodeStateReady) {
		n, err := s.store.GetNode(r.Context(), req.MachineID)
		if err == nil && n.State == store.NodeStateInit {
			_ = s.store.ReplaceNodeState(r.Context(), req.MachineID, store.NodeStateReady, n.RowVer)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type pendingCommandResponse struct {
	MessageID int64                     `json:"message_id"`
	Command   store.NodeMessageCommand  `json:"command"`
}

// handlePendingCommand implements the peek-lock fetch: returns at most one
// pending message without removing it. The agent acks via /api/agent_commands/ack.
func (s *Server) handlePendingCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id is required")
		return
	}
	msg, err := s.store.PeekNodeMessage(r.Context(), machineID)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}
	writeJSON(w, pendingCommandResponse{MessageID: msg.MessageID, Command: msg.Command})
}

type ackCommandRequest struct {
	MachineID string `json:"machine_id"`
	MessageID int64  `json:"message_id"`
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ackCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id is required")
		return
	}
	if err := s.store.AckNodeMessage(r.Context(), req.MachineID, req.MessageID); err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// workerEventRequest is a tagged variant: exactly one of Running/Done must
// be set (spec.md §4.3: "worker event with neither running nor done ->
// INVALID_REQUEST").
type workerEventRequest struct {
	MachineID string `json:"machine_id"`
	Running   *struct {
		TaskID string `json:"task_id"`
	} `json:"running,omitempty"`
	Done *struct {
		TaskID      string `json:"task_id"`
		ExitSuccess bool   `json:"exit_success"`
		Stdout      string `json:"stdout,omitempty"`
		Stderr      string `json:"stderr,omitempty"`
	} `json:"done,omitempty"`
}

func (s *Server) handleWorkerEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req workerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id is required")
		return
	}

	switch {
	case req.Running != nil && req.Done == nil:
		if req.Running.TaskID == "" {
			writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "running event requires task_id")
			return
		}
		if err := s.coordinator.WorkerEventRunning(r.Context(), req.MachineID, req.Running.TaskID); err != nil {
			s.writeWorkerEventErr(w, err)
			return
		}
	case req.Done != nil && req.Running == nil:
		if req.Done.TaskID == "" {
			writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "done event requires task_id")
			return
		}
		err := s.coordinator.WorkerEventDone(r.Context(), req.MachineID, req.Done.TaskID, lifecycle.WorkerDoneResult{
			ExitSuccess: req.Done.ExitSuccess,
			Stdout:      req.Done.Stdout,
			Stderr:      req.Done.Stderr,
		})
		if err != nil {
			s.writeWorkerEventErr(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "exactly one of running or done is required")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeWorkerEventErr(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrInvalidWorkerEvent) {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, err.Error())
		return
	}
	s.logger.Error("agentproto: worker event failed", "error", err)
	writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
}

type addSSHKeyRequest struct {
	MachineID string `json:"machine_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleAddSSHKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req addSSHKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" || strings.TrimSpace(req.PublicKey) == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeInvalidRequest, "machine_id and public_key are required")
		return
	}
	if _, err := s.store.EnqueueNodeMessage(r.Context(), req.MachineID, store.NodeMessageCommand{
		Kind:      "add_ssh_key",
		PublicKey: req.PublicKey,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeUnexpectedError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
