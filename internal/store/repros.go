package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// ReproState is the Repro lifecycle (spec.md §4.4): init ->
// extensions_launch -> {extensions_failed|vm_allocation_failed|running} ->
// stopping -> stopped.
type ReproState string

const (
	ReproStateInit                ReproState = "init"
	ReproStateExtensionsLaunch    ReproState = "extensions_launch"
	ReproStateExtensionsFailed    ReproState = "extensions_failed"
	ReproStateVMAllocationFailed  ReproState = "vm_allocation_failed"
	ReproStateRunning             ReproState = "running"
	ReproStateStopping            ReproState = "stopping"
	ReproStateStopped             ReproState = "stopped"
)

var reproTransitions = map[ReproState]map[ReproState]struct{}{
	ReproStateInit:               {ReproStateExtensionsLaunch: {}, ReproStateStopping: {}},
	ReproStateExtensionsLaunch:   {ReproStateExtensionsFailed: {}, ReproStateVMAllocationFailed: {}, ReproStateRunning: {}, ReproStateStopping: {}},
	ReproStateExtensionsFailed:   {ReproStateStopping: {}},
	ReproStateVMAllocationFailed: {ReproStateStopping: {}},
	ReproStateRunning:            {ReproStateStopping: {}},
	ReproStateStopping:           {ReproStateStopped: {}},
}

// ReproConfig names the crash to reproduce.
type ReproConfig struct {
	Container string `json:"container"`
	Path      string `json:"path"`
	Duration  int    `json:"duration"` // hours
}

// Repro is a debug VM launched to reproduce a recorded crash.
type Repro struct {
	VMID      string         `json:"vm_id"`
	TaskID    string         `json:"task_id"`
	State     ReproState     `json:"state"`
	OS        string         `json:"os"`
	Config    ReproConfig    `json:"config"`
	Auth      map[string]any `json:"auth,omitempty"`
	IP        string         `json:"ip,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	UserInfo  map[string]any `json:"user_info,omitempty"`
	RowVer    int64          `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

const reprosSchema = `
CREATE TABLE IF NOT EXISTS repros (
	vm_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	os TEXT NOT NULL,
	config TEXT NOT NULL,
	auth TEXT,
	ip TEXT,
	end_time DATETIME,
	user_info TEXT,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_repros_task ON repros(task_id);
`

const reproColumns = `vm_id, task_id, state, os, config, auth, ip, end_time, user_info, row_version, created_at`

// InsertRepro creates a new Repro in state init, assigning vm_id if unset.
func (s *Store) InsertRepro(ctx context.Context, r *Repro) error {
	if r.VMID == "" {
		r.VMID = uuid.NewString()
	}
	if r.State == "" {
		r.State = ReproStateInit
	}
	configJSON, err := marshalJSON(r.Config)
	if err != nil {
		return fmt.Errorf("marshal repro config: %w", err)
	}
	authJSON, err := marshalJSON(r.Auth)
	if err != nil {
		return fmt.Errorf("marshal repro auth: %w", err)
	}
	userInfoJSON, err := marshalJSON(r.UserInfo)
	if err != nil {
		return fmt.Errorf("marshal repro user_info: %w", err)
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO repros (vm_id, task_id, state, os, config, auth, ip, user_info, row_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1);
		`, r.VMID, r.TaskID, string(r.State), r.OS, configJSON, nullableString(authJSON), nullableString(r.IP), nullableString(userInfoJSON))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert repro: %w", err)
	}
	r.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicRepro+"created", r.VMID)
	}
	return nil
}

func scanRepro(row interface {
	Scan(dest ...any) error
}) (*Repro, error) {
	var r Repro
	var configJSON string
	var authJSON, userInfoJSON, ip sql.NullString
	var endTime sql.NullString
	if err := row.Scan(&r.VMID, &r.TaskID, &r.State, &r.OS, &configJSON, &authJSON, &ip, &endTime, &userInfoJSON, &r.RowVer, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan repro: %w", err)
	}
	if err := unmarshalJSON(configJSON, &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal repro config: %w", err)
	}
	if authJSON.Valid {
		if err := unmarshalJSON(authJSON.String, &r.Auth); err != nil {
			return nil, fmt.Errorf("unmarshal repro auth: %w", err)
		}
	}
	if userInfoJSON.Valid {
		if err := unmarshalJSON(userInfoJSON.String, &r.UserInfo); err != nil {
			return nil, fmt.Errorf("unmarshal repro user_info: %w", err)
		}
	}
	r.IP = ip.String
	if et, ok := parseNullTime(endTime); ok {
		r.EndTime = &et
	}
	return &r, nil
}

// GetRepro returns a Repro by vm_id.
func (s *Store) GetRepro(ctx context.Context, vmID string) (*Repro, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reproColumns+` FROM repros WHERE vm_id = ?;`, vmID)
	return scanRepro(row)
}

// ListReprosByTask returns repros launched against a task.
func (s *Store) ListReprosByTask(ctx context.Context, taskID string) ([]Repro, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reproColumns+` FROM repros WHERE task_id = ? ORDER BY created_at ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list repros by task: %w", err)
	}
	defer rows.Close()

	var out []Repro
	for rows.Next() {
		r, err := scanRepro(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ReplaceReproState performs a validated, optimistic-concurrency state transition.
func (s *Store) ReplaceReproState(ctx context.Context, vmID string, newState ReproState, version int64) error {
	return s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current ReproState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM repros WHERE vm_id = ?;`, vmID).Scan(&current, &rowVer)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rowVer != version {
			return ErrConflict
		}
		if current != newState {
			if _, ok := reproTransitions[current][newState]; !ok {
				return fmt.Errorf("repro %s: illegal transition %s -> %s", vmID, current, newState)
			}
		}
		var endTimeClause string
		if newState == ReproStateStopped {
			endTimeClause = `, end_time = CURRENT_TIMESTAMP`
		}
		res, err := tx.ExecContext(ctx, `UPDATE repros SET state = ?, row_version = row_version + 1`+endTimeClause+` WHERE vm_id = ? AND row_version = ?;`, string(newState), vmID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// DeleteRepro removes a repro record. Idempotent: deleting an absent or
// already-stopped repro with no VM present is never an error (spec.md §4.4).
func (s *Store) DeleteRepro(ctx context.Context, vmID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repros WHERE vm_id = ?;`, vmID)
	if err != nil {
		return fmt.Errorf("delete repro: %w", err)
	}
	return nil
}
