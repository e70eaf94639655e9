package store

import (
	"context"
	"fmt"
	"time"
)

// TaskEvent is an append-only log entry recording an agent-reported event
// against a task. Never updated or deleted in normal operation; retained
// for audit and for the E2E property tests in spec.md §8.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	MachineID string    `json:"machine_id"`
	EventData []byte    `json:"event_data"`
	CreatedAt time.Time `json:"created_at"`
}

const taskEventsSchema = `
CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	event_data TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
`

// AppendTaskEvent inserts a new log entry and returns its assigned id.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, machineID string, eventData any) (int64, error) {
	eventJSON, err := marshalJSON(eventData)
	if err != nil {
		return 0, fmt.Errorf("marshal task event data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_events (task_id, machine_id, event_data) VALUES (?, ?, ?);`, taskID, machineID, eventJSON)
	if err != nil {
		return 0, fmt.Errorf("append task event: %w", err)
	}
	return res.LastInsertId()
}

// ListTaskEvents returns every event recorded against a task, ordered by
// arrival (insertion order, since task_id/machine_id is the partition key
// the service uses to preserve send order — spec.md §4.3 Ordering).
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, machine_id, event_data, created_at FROM task_events WHERE task_id = ? ORDER BY id ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var eventJSON string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.MachineID, &eventJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.EventData = []byte(eventJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}
