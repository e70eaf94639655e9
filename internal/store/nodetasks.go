package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NodeTaskState mirrors the subset of task progress the node itself
// reports: init, setting_up, running.
type NodeTaskState string

const (
	NodeTaskStateInit      NodeTaskState = "init"
	NodeTaskStateSettingUp NodeTaskState = "setting_up"
	NodeTaskStateRunning   NodeTaskState = "running"
)

// NodeTask associates a node with a task it is (or was) executing. Deleted
// when the node is reimaged (spec.md §3).
type NodeTask struct {
	MachineID string        `json:"machine_id"`
	TaskID    string        `json:"task_id"`
	State     NodeTaskState `json:"state"`
}

const nodeTasksSchema = `
CREATE TABLE IF NOT EXISTS node_tasks (
	machine_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (machine_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_node_tasks_task ON node_tasks(task_id);
CREATE INDEX IF NOT EXISTS idx_node_tasks_state ON node_tasks(state);
`

// UpsertNodeTask creates or updates the association record for (machine_id, task_id).
func (s *Store) UpsertNodeTask(ctx context.Context, nt NodeTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_tasks (machine_id, task_id, state) VALUES (?, ?, ?)
		ON CONFLICT(machine_id, task_id) DO UPDATE SET state = excluded.state;
	`, nt.MachineID, nt.TaskID, string(nt.State))
	if err != nil {
		return fmt.Errorf("upsert node task: %w", err)
	}
	return nil
}

// GetNodeTask returns the association record for a running task, used to
// verify invariant 1 (every running task has exactly one running NodeTask).
func (s *Store) GetNodeTask(ctx context.Context, taskID string) (*NodeTask, error) {
	var nt NodeTask
	err := s.db.QueryRowContext(ctx, `SELECT machine_id, task_id, state FROM node_tasks WHERE task_id = ?;`, taskID).Scan(&nt.MachineID, &nt.TaskID, &nt.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node task: %w", err)
	}
	return &nt, nil
}

// ListNodeTasksByMachine returns a node's current task associations,
// consulted when computing whether a node should be considered busy.
func (s *Store) ListNodeTasksByMachine(ctx context.Context, machineID string) ([]NodeTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT machine_id, task_id, state FROM node_tasks WHERE machine_id = ?;`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list node tasks by machine: %w", err)
	}
	defer rows.Close()

	var out []NodeTask
	for rows.Next() {
		var nt NodeTask
		if err := rows.Scan(&nt.MachineID, &nt.TaskID, &nt.State); err != nil {
			return nil, fmt.Errorf("scan node task: %w", err)
		}
		out = append(out, nt)
	}
	return out, rows.Err()
}

// DeleteNodeTask removes a single association, called once a task's node
// is freed (spec.md invariant 1: a stopped task leaves no running NodeTask).
func (s *Store) DeleteNodeTask(ctx context.Context, machineID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_tasks WHERE machine_id = ? AND task_id = ?;`, machineID, taskID)
	if err != nil {
		return fmt.Errorf("delete node task: %w", err)
	}
	return nil
}

// DeleteNodeTasksForMachine clears all associations for a node, called on reimage.
func (s *Store) DeleteNodeTasksForMachine(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_tasks WHERE machine_id = ?;`, machineID)
	if err != nil {
		return fmt.Errorf("delete node tasks for machine: %w", err)
	}
	return nil
}
