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

// TaskState is the Task lifecycle (spec.md §3/§4.4). The ordering below
// is the index used by the monotonicity property test: a task's state
// index must be non-decreasing over time.
type TaskState string

const (
	TaskStateInit      TaskState = "init"
	TaskStateWaiting   TaskState = "waiting"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateSettingUp TaskState = "setting_up"
	TaskStateRunning   TaskState = "running"
	TaskStateStopping  TaskState = "stopping"
	TaskStateStopped   TaskState = "stopped"
)

// TaskStateIndex returns the monotonic ordering index for a task state,
// used by property tests and by cascading-failure logic to reject
// regressions.
var TaskStateIndex = map[TaskState]int{
	TaskStateInit:      0,
	TaskStateWaiting:   1,
	TaskStateScheduled: 2,
	TaskStateSettingUp: 3,
	TaskStateRunning:   4,
	TaskStateStopping:  5,
	TaskStateStopped:   6,
}

var taskTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateInit:      {TaskStateWaiting: {}, TaskStateStopping: {}},
	TaskStateWaiting:   {TaskStateScheduled: {}, TaskStateStopping: {}},
	TaskStateScheduled: {TaskStateSettingUp: {}, TaskStateStopping: {}},
	TaskStateSettingUp: {TaskStateRunning: {}, TaskStateStopping: {}},
	TaskStateRunning:   {TaskStateStopping: {}},
	TaskStateStopping:  {TaskStateStopped: {}},
}

// ErrorCode classifies task/scaleset/notification failures (spec.md §7).
type ErrorCode string

const (
	ErrCodeTaskFailed             ErrorCode = "TASK_FAILED"
	ErrCodeTaskCancelled          ErrorCode = "TASK_CANCELLED"
	ErrCodePrerequisiteFailed     ErrorCode = "PREREQUISITE_FAILED"
	ErrCodeInvalidRequest         ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	ErrCodeVMCreateFailed         ErrorCode = "VM_CREATE_FAILED"
	ErrCodeUnableToFindStorage    ErrorCode = "UNABLE_TO_FIND_STORAGE"
	ErrCodeUnexpectedError        ErrorCode = "UNEXPECTED_ERROR"
	ErrCodeInvalidContainer       ErrorCode = "INVALID_CONTAINER"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
)

// TaskError is the user-visible failure record attached to a stopped task.
// Tails are truncated to 4 KiB per the backpressure policy (spec.md §5).
type TaskError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StdoutTail string    `json:"stdout_tail,omitempty"`
	StderrTail string    `json:"stderr_tail,omitempty"`
}

// TaskPool names the pool affinity and requested instance count.
type TaskPool struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

// TaskConfig is the task's typed configuration payload.
type TaskConfig struct {
	PrereqTasks []string       `json:"prereq_tasks,omitempty"`
	Containers  []string       `json:"containers,omitempty"`
	Pool        TaskPool       `json:"pool"`
	Task        map[string]any `json:"task"`
	Colocate    bool           `json:"colocate,omitempty"`
}

// Task is a single unit of fuzzing work belonging to a Job.
type Task struct {
	TaskID    string         `json:"task_id"`
	JobID     string         `json:"job_id"`
	State     TaskState      `json:"state"`
	OS        string         `json:"os"`
	Config    TaskConfig     `json:"config"`
	Error     *TaskError     `json:"error,omitempty"`
	Heartbeat *time.Time     `json:"heartbeat,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	UserInfo  map[string]any `json:"user_info,omitempty"`
	RowVer    int64          `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	state TEXT NOT NULL,
	os TEXT NOT NULL,
	config TEXT NOT NULL,
	error TEXT,
	heartbeat DATETIME,
	end_time DATETIME,
	user_info TEXT,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

const taskColumns = `task_id, job_id, state, os, config, error, heartbeat, end_time, user_info, row_version, created_at`

// InsertTask creates a new Task in state init, assigning task_id if unset.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.State == "" {
		t.State = TaskStateInit
	}
	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	userInfoJSON, err := marshalJSON(t.UserInfo)
	if err != nil {
		return fmt.Errorf("marshal task user_info: %w", err)
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var jobExists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE job_id = ?;`, t.JobID).Scan(&jobExists); err != nil {
			return err
		}
		if jobExists == 0 {
			return fmt.Errorf("%w: job %q does not exist", ErrInvalidRequest, t.JobID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, job_id, state, os, config, user_info, row_version)
			VALUES (?, ?, ?, ?, ?, ?, 1);
		`, t.TaskID, t.JobID, string(t.State), t.OS, configJSON, nullableString(userInfoJSON))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	t.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTask+"created", t.TaskID)
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	var t Task
	var configJSON string
	var errorJSON, userInfoJSON sql.NullString
	var heartbeat, endTime sql.NullString
	if err := row.Scan(&t.TaskID, &t.JobID, &t.State, &t.OS, &configJSON, &errorJSON, &heartbeat, &endTime, &userInfoJSON, &t.RowVer, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := unmarshalJSON(configJSON, &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshal task config: %w", err)
	}
	if errorJSON.Valid {
		var te TaskError
		if err := unmarshalJSON(errorJSON.String, &te); err != nil {
			return nil, fmt.Errorf("unmarshal task error: %w", err)
		}
		t.Error = &te
	}
	if userInfoJSON.Valid {
		if err := unmarshalJSON(userInfoJSON.String, &t.UserInfo); err != nil {
			return nil, fmt.Errorf("unmarshal task user_info: %w", err)
		}
	}
	if hb, ok := parseNullTime(heartbeat); ok {
		t.Heartbeat = &hb
	}
	if et, ok := parseNullTime(endTime); ok {
		t.EndTime = &et
	}
	return &t, nil
}

// GetTask returns a Task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	return scanTask(row)
}

// ListTasksByJob returns every task belonging to a job.
func (s *Store) ListTasksByJob(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at ASC, task_id ASC;`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by job: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListTasksByState returns tasks in a state, ordered by (created_at,
// task_id) for the scheduler's deterministic tie-breaking (spec.md §4.2).
func (s *Store) ListTasksByState(ctx context.Context, state TaskState) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY created_at ASC, task_id ASC;`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list tasks by state: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountNonStoppedTasks reports how many tasks in job are not yet stopped,
// used by the scheduler to detect job completion (invariant 4, §3).
func (s *Store) CountNonStoppedTasks(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE job_id = ? AND state != ?;`, jobID, string(TaskStateStopped)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count non-stopped tasks: %w", err)
	}
	return count, nil
}

// ReplaceTaskState performs a validated, optimistic-concurrency state
// transition, rejecting any move that would decrease TaskStateIndex.
func (s *Store) ReplaceTaskState(ctx context.Context, taskID string, newState TaskState, version int64) error {
	err := s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current TaskState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM tasks WHERE task_id = ?;`, taskID).Scan(&current, &rowVer)
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
			if _, ok := taskTransitions[current][newState]; !ok {
				return fmt.Errorf("task %s: illegal transition %s -> %s", taskID, current, newState)
			}
		}
		var endTimeClause string
		if newState == TaskStateStopped {
			endTimeClause = `, end_time = CURRENT_TIMESTAMP`
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ?, row_version = row_version + 1`+endTimeClause+` WHERE task_id = ? AND row_version = ?;`, string(newState), taskID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTask+"state_changed", taskID)
	}
	return nil
}

// FailTask transitions a task to stopping with an attached error, in one
// compare-and-set write. Used for prerequisite cascades, cancellation, and
// worker-event failures.
func (s *Store) FailTask(ctx context.Context, taskID string, version int64, taskErr TaskError) error {
	errJSON, err := marshalJSON(taskErr)
	if err != nil {
		return fmt.Errorf("marshal task error: %w", err)
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current TaskState
		var rowVer int64
		qerr := tx.QueryRowContext(ctx, `SELECT state, row_version FROM tasks WHERE task_id = ?;`, taskID).Scan(&current, &rowVer)
		if errors.Is(qerr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if qerr != nil {
			return qerr
		}
		if rowVer != version {
			return ErrConflict
		}
		if current == TaskStateStopping || current == TaskStateStopped {
			return nil
		}
		if _, ok := taskTransitions[current][TaskStateStopping]; !ok {
			return fmt.Errorf("task %s: illegal transition %s -> %s", taskID, current, TaskStateStopping)
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ?, error = ?, row_version = row_version + 1 WHERE task_id = ? AND row_version = ?;`, string(TaskStateStopping), errJSON, taskID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTask+"failed", taskID)
	}
	return nil
}

// RecordTaskHeartbeat updates a task's heartbeat timestamp. Nothing in
// this module calls it.
func (s *Store) RecordTaskHeartbeat(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET heartbeat = ? WHERE task_id = ?;`, at, taskID)
	if err != nil {
		return fmt.Errorf("record task heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverdueTasks returns scheduled or setting_up tasks with no heartbeat
// that were created before cutoff. Nothing in this module calls it, so such
// tasks are not cancelled automatically.
func (s *Store) ListOverdueTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state IN (?, ?) AND (heartbeat IS NULL) AND created_at < ?
		ORDER BY created_at ASC;
	`, string(TaskStateScheduled), string(TaskStateSettingUp), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// DeleteTask removes a task record. Idempotent.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
