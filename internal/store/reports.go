package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UniqueReport is the dedup record for a crash report fingerprint within a
// job's project/build scope (C6 step 4). Physically entity storage even
// though only the crash report pipeline writes it.
type UniqueReport struct {
	Project                        string    `json:"project"`
	Build                          string    `json:"build"`
	MinimizedStackSHA256           string    `json:"minimized_stack_sha256"`
	MinimizedStackFunctionLinesSHA256 string `json:"minimized_stack_function_lines_sha256"`
	TaskID                         string    `json:"task_id"`
	JobID                          string    `json:"job_id"`
	ReportBlob                     string    `json:"report_blob"`
	OccurrenceCount                int       `json:"occurrence_count"`
	FirstSeen                      time.Time `json:"first_seen"`
	LastSeen                       time.Time `json:"last_seen"`
	RowVer                         int64     `json:"-"`
}

const uniqueReportsSchema = `
CREATE TABLE IF NOT EXISTS unique_reports (
	project TEXT NOT NULL,
	build TEXT NOT NULL,
	minimized_stack_sha256 TEXT NOT NULL,
	minimized_stack_function_lines_sha256 TEXT NOT NULL,
	task_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	report_blob TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	row_version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (project, build, minimized_stack_sha256, minimized_stack_function_lines_sha256)
);
`

const uniqueReportColumns = `project, build, minimized_stack_sha256, minimized_stack_function_lines_sha256, task_id, job_id, report_blob, occurrence_count, first_seen, last_seen, row_version`

// FindUniqueReport looks up an existing report by fingerprint within a
// project/build scope, per C6 step 4.
func (s *Store) FindUniqueReport(ctx context.Context, project, build, stackSHA, funcLinesSHA string) (*UniqueReport, error) {
	var r UniqueReport
	err := s.db.QueryRowContext(ctx, `
		SELECT `+uniqueReportColumns+` FROM unique_reports
		WHERE project = ? AND build = ? AND minimized_stack_sha256 = ? AND minimized_stack_function_lines_sha256 = ?;
	`, project, build, stackSHA, funcLinesSHA).Scan(
		&r.Project, &r.Build, &r.MinimizedStackSHA256, &r.MinimizedStackFunctionLinesSHA256,
		&r.TaskID, &r.JobID, &r.ReportBlob, &r.OccurrenceCount, &r.FirstSeen, &r.LastSeen, &r.RowVer,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find unique report: %w", err)
	}
	return &r, nil
}

// InsertUniqueReport records a newly seen (non-duplicate) report fingerprint.
func (s *Store) InsertUniqueReport(ctx context.Context, r *UniqueReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unique_reports
			(project, build, minimized_stack_sha256, minimized_stack_function_lines_sha256, task_id, job_id, report_blob, occurrence_count, row_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1);
	`, r.Project, r.Build, r.MinimizedStackSHA256, r.MinimizedStackFunctionLinesSHA256, r.TaskID, r.JobID, r.ReportBlob)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert unique report: %w", err)
	}
	r.OccurrenceCount = 1
	r.RowVer = 1
	return nil
}

// BumpUniqueReportOccurrence increments the occurrence counter and updates
// last_seen for a duplicate report, subject to optimistic concurrency.
func (s *Store) BumpUniqueReportOccurrence(ctx context.Context, project, build, stackSHA, funcLinesSHA string, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE unique_reports SET occurrence_count = occurrence_count + 1, last_seen = CURRENT_TIMESTAMP, row_version = row_version + 1
		WHERE project = ? AND build = ? AND minimized_stack_sha256 = ? AND minimized_stack_function_lines_sha256 = ? AND row_version = ?;
	`, project, build, stackSHA, funcLinesSHA, version)
	if err != nil {
		return fmt.Errorf("bump unique report occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
