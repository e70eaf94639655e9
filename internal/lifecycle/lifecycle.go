// Package lifecycle coordinates the multi-entity transitions that the
// node agent protocol (C3) triggers: a worker event touching NodeTask,
// Task, and Node together, or a node reimage clearing its NodeTasks and
// NodeMessages. Each store entity owns its own state machine (see
// internal/store's per-entity Replace* calls); lifecycle is the layer that
// sequences several of those calls into one coordinated, invariant-
// preserving operation, mirroring the way the teacher's coordinator package
// sits above persistence to enforce cross-record rules the store alone
// cannot.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/store"
)

// ErrInvalidWorkerEvent is returned when a worker event names neither
// running nor done, or targets a task that does not exist.
var ErrInvalidWorkerEvent = errors.New("lifecycle: invalid worker event")

// Coordinator wires the entity store and event bus together to implement
// the cross-entity rules spec.md's invariants describe.
type Coordinator struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New creates a Coordinator.
func New(st *store.Store, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, bus: bus, logger: logger}
}

// WorkerEventRunning reports that a node has started executing a task
// (spec.md §4.3): the NodeTask and Task both move to running, and the Node
// moves to busy. All three writes are independent CAS operations against
// the store; if the task or node has already moved on (e.g. a concurrent
// stop request), the later writes simply no-op against the new state
// rather than erroring, since the event is now stale.
func (c *Coordinator) WorkerEventRunning(ctx context.Context, machineID, taskID string) error {
	if _, err := c.store.AppendTaskEvent(ctx, taskID, machineID, map[string]any{"event": "running"}); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}

	if err := c.store.UpsertNodeTask(ctx, store.NodeTask{
		MachineID: machineID,
		TaskID:    taskID,
		State:     store.NodeTaskStateRunning,
	}); err != nil {
		return fmt.Errorf("upsert node task: %w", err)
	}

	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: get task %s: %v", ErrInvalidWorkerEvent, taskID, err)
	}
	if t.State == store.TaskStateScheduled || t.State == store.TaskStateSettingUp {
		if err := c.store.ReplaceTaskState(ctx, taskID, store.TaskStateRunning, t.RowVer); err != nil && !errors.Is(err, store.ErrConflict) {
			c.logger.Error("lifecycle: task running transition failed", "task_id", taskID, "error", err)
		}
	}

	n, err := c.store.GetNode(ctx, machineID)
	if err != nil {
		c.logger.Warn("lifecycle: worker event from unknown node", "machine_id", machineID)
		return nil
	}
	if n.State == store.NodeStateReady {
		if err := c.store.ReplaceNodeState(ctx, machineID, store.NodeStateBusy, n.RowVer); err != nil && !errors.Is(err, store.ErrConflict) {
			c.logger.Error("lifecycle: node busy transition failed", "machine_id", machineID, "error", err)
		}
	}
	return nil
}

// WorkerDoneResult carries the outcome of a finished task run.
type WorkerDoneResult struct {
	ExitSuccess bool
	Stdout      string
	Stderr      string
}

// WorkerEventDone reports that a node has finished executing a task
// (spec.md §4.3): the Task moves to stopping, carrying TASK_FAILED if the
// exit was not successful, or TASK_CANCELLED if the task had never reached
// running (a stop request raced the worker's setup). The NodeTask
// association is removed and the node is freed back toward ready.
func (c *Coordinator) WorkerEventDone(ctx context.Context, machineID, taskID string, result WorkerDoneResult) error {
	if _, err := c.store.AppendTaskEvent(ctx, taskID, machineID, map[string]any{
		"event":        "done",
		"exit_success": result.ExitSuccess,
	}); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}

	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: get task %s: %v", ErrInvalidWorkerEvent, taskID, err)
	}

	if t.State != store.TaskStateStopping && t.State != store.TaskStateStopped {
		taskErr := store.TaskError{
			StdoutTail: truncateTail(result.Stdout),
			StderrTail: truncateTail(result.Stderr),
		}
		switch {
		case t.State != store.TaskStateRunning:
			taskErr.Code = store.ErrCodeTaskCancelled
			taskErr.Message = "task stopped before worker reported running"
		case !result.ExitSuccess:
			taskErr.Code = store.ErrCodeTaskFailed
			taskErr.Message = "worker process exited with non-zero status"
		}
		if taskErr.Code != "" {
			if err := c.store.FailTask(ctx, taskID, t.RowVer, taskErr); err != nil && !errors.Is(err, store.ErrConflict) {
				c.logger.Error("lifecycle: fail task failed", "task_id", taskID, "error", err)
			}
		} else if err := c.store.ReplaceTaskState(ctx, taskID, store.TaskStateStopping, t.RowVer); err != nil && !errors.Is(err, store.ErrConflict) {
			c.logger.Error("lifecycle: task stopping transition failed", "task_id", taskID, "error", err)
		}
	}

	if err := c.store.DeleteNodeTask(ctx, machineID, taskID); err != nil {
		c.logger.Error("lifecycle: delete node task failed", "machine_id", machineID, "task_id", taskID, "error", err)
	}

	return c.freeNodeIfIdle(ctx, machineID)
}

// freeNodeIfIdle moves a busy node back to ready once it has no running
// NodeTasks left (invariant 3: every busy node has at least one running
// NodeTask).
func (c *Coordinator) freeNodeIfIdle(ctx context.Context, machineID string) error {
	n, err := c.store.GetNode(ctx, machineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get node: %w", err)
	}
	if n.State != store.NodeStateBusy {
		return nil
	}
	remaining, err := c.store.ListNodeTasksByMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("list node tasks: %w", err)
	}
	for _, nt := range remaining {
		if nt.State == store.NodeTaskStateRunning {
			return nil
		}
	}
	next := store.NodeStateReady
	if n.ReimageRequested || n.DeleteRequested {
		next = store.NodeStateDone
	}
	if err := c.store.ReplaceNodeState(ctx, machineID, next, n.RowVer); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("replace node state: %w", err)
	}
	return nil
}

// Reimage tears down a node's task associations and pending commands ahead
// of a VM reimage, per spec.md §3's "NodeTask deleted when node is
// reimaged".
func (c *Coordinator) Reimage(ctx context.Context, machineID string) error {
	if err := c.store.DeleteNodeTasksForMachine(ctx, machineID); err != nil {
		return fmt.Errorf("delete node tasks: %w", err)
	}
	if err := c.store.DeleteNodeMessagesForMachine(ctx, machineID); err != nil {
		return fmt.Errorf("delete node messages: %w", err)
	}
	return nil
}

// ReapDeadNodes requests a reimage of each node in nodes and halts it,
// failing every task it was running (other than stopping or stopped ones)
// with TASK_CANCELLED; the task is not rescheduled. The caller chooses
// which nodes count as dead, and nothing in this module calls it on a
// timer.
func (c *Coordinator) ReapDeadNodes(ctx context.Context, nodes []store.Node) {
	for _, n := range nodes {
		tasks, err := c.store.ListNodeTasksByMachine(ctx, n.MachineID)
		if err != nil {
			c.logger.Error("lifecycle: list node tasks for reap failed", "machine_id", n.MachineID, "error", err)
			continue
		}
		for _, nt := range tasks {
			t, err := c.store.GetTask(ctx, nt.TaskID)
			if err != nil {
				continue
			}
			if t.State == store.TaskStateStopping || t.State == store.TaskStateStopped {
				continue
			}
			_ = c.store.FailTask(ctx, t.TaskID, t.RowVer, store.TaskError{
				Code:    store.ErrCodeTaskCancelled,
				Message: fmt.Sprintf("node %s went unresponsive", n.MachineID),
			})
		}
		if err := c.Reimage(ctx, n.MachineID); err != nil {
			c.logger.Error("lifecycle: reimage during reap failed", "machine_id", n.MachineID, "error", err)
		}
		if n.State != store.NodeStateHalt {
			if err := c.store.ReplaceNodeState(ctx, n.MachineID, store.NodeStateHalt, n.RowVer); err != nil && !errors.Is(err, store.ErrConflict) {
				c.logger.Error("lifecycle: halt transition during reap failed", "machine_id", n.MachineID, "error", err)
			}
		}
	}
}

const maxTailBytes = 4096

// truncateTail keeps the final 4 KiB of a stdout/stderr capture, matching
// the teacher's streaming backpressure truncation convention.
func truncateTail(s string) string {
	if len(s) <= maxTailBytes {
		return s
	}
	return s[len(s)-maxTailBytes:]
}
