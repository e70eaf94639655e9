package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoft/onefuzz/internal/lifecycle"
	"github.com/microsoft/onefuzz/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedJobTaskNode creates a pool, job, and task in the given initial task
// state, plus a node registered against the pool. It returns the task and
// node records as currently persisted (with accurate row versions).
func seedJobTaskNode(t *testing.T, st *store.Store, taskState store.TaskState) (*store.Task, *store.Node) {
	t.Helper()
	ctx := context.Background()

	pool := &store.Pool{Name: "pool1", OS: "linux", Arch: "x64", Managed: true}
	if err := st.InsertPool(ctx, pool); err != nil {
		t.Fatalf("insert pool: %v", err)
	}

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	task := &store.Task{JobID: job.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: pool.Name, Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if taskState != store.TaskStateInit {
		path := []store.TaskState{store.TaskStateWaiting, store.TaskStateScheduled, store.TaskStateSettingUp, store.TaskStateRunning}
		version := task.RowVer
		for _, s := range path {
			if err := st.ReplaceTaskState(ctx, task.TaskID, s, version); err != nil {
				t.Fatalf("advance task to %s: %v", s, err)
			}
			version++
			if s == taskState {
				break
			}
		}
	}

	node := &store.Node{MachineID: "m1", PoolName: pool.Name, PoolID: pool.ID, Version: "1.0.0"}
	if err := st.RegisterNode(ctx, node); err != nil {
		t.Fatalf("register node: %v", err)
	}
	registeredNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if err := st.ReplaceNodeState(ctx, node.MachineID, store.NodeStateReady, registeredNode.RowVer); err != nil {
		t.Fatalf("node -> ready: %v", err)
	}

	freshTask, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	freshNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	return freshTask, freshNode
}

// Scenario 1: cancel before start. A task still in scheduled that the
// worker reports done on (even with success) moves to stopping carrying
// TASK_CANCELLED, since it never reached running.
func TestWorkerEventDone_CancelsTaskThatNeverStartedRunning(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateScheduled)

	coord := lifecycle.New(st, nil, nil)
	if err := coord.WorkerEventDone(ctx, node.MachineID, task.TaskID, lifecycle.WorkerDoneResult{ExitSuccess: true}); err != nil {
		t.Fatalf("worker event done: %v", err)
	}

	got, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.TaskStateStopping {
		t.Fatalf("expected task to move to stopping, got %s", got.State)
	}
	if got.Error == nil || got.Error.Code != store.ErrCodeTaskCancelled {
		t.Fatalf("expected TASK_CANCELLED, got %+v", got.Error)
	}
}

// Scenario 2: a task already running that finishes successfully moves to
// stopping with no error attached.
func TestWorkerEventDone_SuccessfulRunMovesToStoppingWithoutError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateRunning)

	coord := lifecycle.New(st, nil, nil)
	if err := coord.WorkerEventDone(ctx, node.MachineID, task.TaskID, lifecycle.WorkerDoneResult{ExitSuccess: true}); err != nil {
		t.Fatalf("worker event done: %v", err)
	}

	got, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.TaskStateStopping {
		t.Fatalf("expected task to move to stopping, got %s", got.State)
	}
	if got.Error != nil {
		t.Fatalf("expected no error on a successful run, got %+v", got.Error)
	}
}

// Scenario 3: a task that fails with output moves to stopping carrying
// TASK_FAILED and the captured stderr.
func TestWorkerEventDone_FailedRunCarriesStderr(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateRunning)

	coord := lifecycle.New(st, nil, nil)
	err := coord.WorkerEventDone(ctx, node.MachineID, task.TaskID, lifecycle.WorkerDoneResult{
		ExitSuccess: false,
		Stdout:      "",
		Stderr:      "boom",
	})
	if err != nil {
		t.Fatalf("worker event done: %v", err)
	}

	got, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.TaskStateStopping {
		t.Fatalf("expected task to move to stopping, got %s", got.State)
	}
	if got.Error == nil || got.Error.Code != store.ErrCodeTaskFailed {
		t.Fatalf("expected TASK_FAILED, got %+v", got.Error)
	}
	if got.Error.StderrTail != "boom" {
		t.Fatalf("expected stderr tail %q, got %q", "boom", got.Error.StderrTail)
	}
}

// Scenario 4: a worker reporting a task running moves the node to busy,
// the task to running, creates exactly one running NodeTask, and appends
// exactly one TaskEvent (invariant 6).
func TestWorkerEventRunning_PropagatesNodeTaskAndEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateScheduled)

	coord := lifecycle.New(st, nil, nil)
	if err := coord.WorkerEventRunning(ctx, node.MachineID, task.TaskID); err != nil {
		t.Fatalf("worker event running: %v", err)
	}

	gotTask, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != store.TaskStateRunning {
		t.Fatalf("expected task to move to running, got %s", gotTask.State)
	}

	gotNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if gotNode.State != store.NodeStateBusy {
		t.Fatalf("expected node to move to busy, got %s", gotNode.State)
	}

	nt, err := st.GetNodeTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get node task: %v", err)
	}
	if nt.MachineID != node.MachineID || nt.State != store.NodeTaskStateRunning {
		t.Fatalf("expected a running NodeTask for %s, got %+v", node.MachineID, nt)
	}

	events, err := st.ListTaskEvents(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one TaskEvent appended for the running event, got %d", len(events))
	}
}

// TestWorkerEventDone_FreesNodeBackToReady covers the other half of
// invariant 3: once a busy node's only running NodeTask is removed, it
// returns to ready rather than staying stuck busy.
func TestWorkerEventDone_FreesNodeBackToReady(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateScheduled)

	coord := lifecycle.New(st, nil, nil)
	if err := coord.WorkerEventRunning(ctx, node.MachineID, task.TaskID); err != nil {
		t.Fatalf("worker event running: %v", err)
	}
	if err := coord.WorkerEventDone(ctx, node.MachineID, task.TaskID, lifecycle.WorkerDoneResult{ExitSuccess: true}); err != nil {
		t.Fatalf("worker event done: %v", err)
	}

	gotNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if gotNode.State != store.NodeStateReady {
		t.Fatalf("expected node to free back to ready, got %s", gotNode.State)
	}

	if _, err := st.GetNodeTask(ctx, task.TaskID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the node task association to be gone, got %v", err)
	}
}

func TestWorkerEventRunning_UnknownTaskIsInvalidWorkerEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	coord := lifecycle.New(st, nil, nil)
	err := coord.WorkerEventRunning(ctx, "m1", "ghost-task")
	if !errors.Is(err, lifecycle.ErrInvalidWorkerEvent) {
		t.Fatalf("expected ErrInvalidWorkerEvent for an unknown task, got %v", err)
	}
}

func TestReapDeadNodes_CancelsRunningTaskAndHaltsNode(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	task, node := seedJobTaskNode(t, st, store.TaskStateScheduled)

	coord := lifecycle.New(st, nil, nil)
	if err := coord.WorkerEventRunning(ctx, node.MachineID, task.TaskID); err != nil {
		t.Fatalf("worker event running: %v", err)
	}

	gotNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	coord.ReapDeadNodes(ctx, []store.Node{*gotNode})

	haltedNode, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if haltedNode.State != store.NodeStateHalt {
		t.Fatalf("expected node to be halted, got %s", haltedNode.State)
	}

	cancelledTask, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if cancelledTask.State != store.TaskStateStopping {
		t.Fatalf("expected task to move to stopping, got %s", cancelledTask.State)
	}
	if cancelledTask.Error == nil || cancelledTask.Error.Code != store.ErrCodeTaskCancelled {
		t.Fatalf("expected TASK_CANCELLED on reap, got %+v", cancelledTask.Error)
	}

	nodeTasks, err := st.ListNodeTasksByMachine(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("list node tasks: %v", err)
	}
	if len(nodeTasks) != 0 {
		t.Fatalf("expected reimage to clear node task associations, got %+v", nodeTasks)
	}
}
