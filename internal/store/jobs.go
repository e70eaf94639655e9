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

// JobState is the Job lifecycle (spec.md §3/§4.4): init -> enabled ->
// stopping -> stopped.
type JobState string

const (
	JobStateInit     JobState = "init"
	JobStateEnabled  JobState = "enabled"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
)

var jobTransitions = map[JobState]map[JobState]struct{}{
	JobStateInit:     {JobStateEnabled: {}, JobStateStopping: {}},
	JobStateEnabled:  {JobStateStopping: {}},
	JobStateStopping: {JobStateStopped: {}},
}

// JobConfig is the user-submitted engagement description.
type JobConfig struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Build    string `json:"build"`
	Duration int    `json:"duration"` // hours
	Logs     string `json:"logs,omitempty"`
}

// Job is a user-submitted fuzzing engagement comprising one or more tasks.
type Job struct {
	JobID     string         `json:"job_id"`
	State     JobState       `json:"state"`
	Config    JobConfig      `json:"config"`
	UserInfo  map[string]any `json:"user_info,omitempty"`
	RowVer    int64          `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	config TEXT NOT NULL,
	user_info TEXT,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

const jobColumns = `job_id, state, config, user_info, row_version, created_at`

// InsertJob creates a new Job in state init, assigning job_id if unset.
func (s *Store) InsertJob(ctx context.Context, j *Job) error {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.State == "" {
		j.State = JobStateInit
	}
	configJSON, err := marshalJSON(j.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	userInfoJSON, err := marshalJSON(j.UserInfo)
	if err != nil {
		return fmt.Errorf("marshal job user_info: %w", err)
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, state, config, user_info, row_version)
			VALUES (?, ?, ?, ?, 1);
		`, j.JobID, string(j.State), configJSON, nullableString(userInfoJSON))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	j.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicJob+"created", j.JobID)
	}
	return nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*Job, error) {
	var j Job
	var configJSON string
	var userInfoJSON sql.NullString
	if err := row.Scan(&j.JobID, &j.State, &configJSON, &userInfoJSON, &j.RowVer, &j.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := unmarshalJSON(configJSON, &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}
	if userInfoJSON.Valid {
		if err := unmarshalJSON(userInfoJSON.String, &j.UserInfo); err != nil {
			return nil, fmt.Errorf("unmarshal job user_info: %w", err)
		}
	}
	return &j, nil
}

// GetJob returns a Job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?;`, jobID)
	return scanJob(row)
}

// ListJobsByState returns jobs in the given state, ordered by created_at
// then job_id for deterministic iteration (scheduler tie-breaking, §4.2).
func (s *Store) ListJobsByState(ctx context.Context, state JobState) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC, job_id ASC;`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list jobs by state: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListStaleJobs returns jobs still in init older than cutoff. Nothing in
// this module calls it, so init jobs are not stopped automatically.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? AND created_at < ? ORDER BY created_at ASC;`, string(JobStateInit), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListJobsByStateOlderThan returns jobs in state older than cutoff,
// feeding the retention sweep's stopped-job cleanup (spec.md §5).
func (s *Store) ListJobsByStateOlderThan(ctx context.Context, state JobState, cutoff time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? AND created_at < ? ORDER BY created_at ASC;`, string(state), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list jobs by state older than: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ReplaceJobState performs a validated, optimistic-concurrency state transition.
func (s *Store) ReplaceJobState(ctx context.Context, jobID string, newState JobState, version int64) error {
	err := s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current JobState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM jobs WHERE job_id = ?;`, jobID).Scan(&current, &rowVer)
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
			if _, ok := jobTransitions[current][newState]; !ok {
				return fmt.Errorf("job %s: illegal transition %s -> %s", jobID, current, newState)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ?, row_version = row_version + 1 WHERE job_id = ? AND row_version = ?;`, string(newState), jobID, version)
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
		s.bus.Publish(eventbus.TopicJob+"state_changed", jobID)
	}
	return nil
}

// DeleteJob removes a job record. Idempotent.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?;`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
