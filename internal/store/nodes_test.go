package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoft/onefuzz/internal/store"
)

func insertTestPool(t *testing.T, st *store.Store, name string) *store.Pool {
	t.Helper()
	p := &store.Pool{Name: name, OS: "linux", Arch: "x64", Managed: true}
	if err := st.InsertPool(context.Background(), p); err != nil {
		t.Fatalf("insert pool: %v", err)
	}
	return p
}

// TestNodeTaskRunning_SatisfiesBusyNodeInvariant exercises invariants 1 and
// 3 directly against the store: a task's running NodeTask is found by the
// task's id, and a busy node has that same running NodeTask.
func TestNodeTaskRunning_SatisfiesBusyNodeInvariant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	pool := insertTestPool(t, st, "pool1")
	j := insertTestJob(t, st)

	task := &store.Task{JobID: j.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: pool.Name, Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	node := &store.Node{MachineID: "m1", PoolName: pool.Name, PoolID: pool.ID, Version: "1.0.0"}
	if err := st.RegisterNode(ctx, node); err != nil {
		t.Fatalf("register node: %v", err)
	}
	registered, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}

	if err := st.UpsertNodeTask(ctx, store.NodeTask{MachineID: node.MachineID, TaskID: task.TaskID, State: store.NodeTaskStateRunning}); err != nil {
		t.Fatalf("upsert node task: %v", err)
	}
	if err := st.ReplaceNodeState(ctx, node.MachineID, store.NodeStateReady, registered.RowVer); err != nil {
		t.Fatalf("node -> ready: %v", err)
	}
	if err := st.ReplaceNodeState(ctx, node.MachineID, store.NodeStateBusy, registered.RowVer+1); err != nil {
		t.Fatalf("node -> busy: %v", err)
	}

	nt, err := st.GetNodeTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get node task: %v", err)
	}
	if nt.MachineID != node.MachineID || nt.State != store.NodeTaskStateRunning {
		t.Fatalf("expected a running NodeTask for %s, got %+v", node.MachineID, nt)
	}

	busyNodeTasks, err := st.ListNodeTasksByMachine(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("list node tasks by machine: %v", err)
	}
	if len(busyNodeTasks) != 1 || busyNodeTasks[0].State != store.NodeTaskStateRunning {
		t.Fatalf("expected exactly one running node task for the busy node, got %+v", busyNodeTasks)
	}
}

// TestDeleteNodeTask_SatisfiesStoppedTaskInvariant covers invariant 2: once
// a task's NodeTask is removed (the lifecycle layer does this once a task
// stops), no running/setting_up association remains for it.
func TestDeleteNodeTask_SatisfiesStoppedTaskInvariant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	nt := store.NodeTask{MachineID: "m1", TaskID: "t1", State: store.NodeTaskStateRunning}
	if err := st.UpsertNodeTask(ctx, nt); err != nil {
		t.Fatalf("upsert node task: %v", err)
	}
	if err := st.DeleteNodeTask(ctx, "m1", "t1"); err != nil {
		t.Fatalf("delete node task: %v", err)
	}

	if _, err := st.GetNodeTask(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound once the node task is deleted, got %v", err)
	}

	// Idempotence: deleting it again (or one that never existed) still succeeds.
	if err := st.DeleteNodeTask(ctx, "m1", "t1"); err != nil {
		t.Fatalf("second delete should be idempotent, got %v", err)
	}
}

func TestDeleteNode_IsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.DeleteNode(ctx, "no-such-node"); err != nil {
		t.Fatalf("deleting an absent node should succeed, got %v", err)
	}
}

func TestReplaceNodeState_RejectsIllegalTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	pool := insertTestPool(t, st, "pool1")

	node := &store.Node{MachineID: "m1", PoolName: pool.Name, PoolID: pool.ID, Version: "1.0.0"}
	if err := st.RegisterNode(ctx, node); err != nil {
		t.Fatalf("register node: %v", err)
	}
	registered, err := st.GetNode(ctx, node.MachineID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}

	// init -> busy is not a legal direct transition; must pass through ready.
	if err := st.ReplaceNodeState(ctx, node.MachineID, store.NodeStateBusy, registered.RowVer); err == nil {
		t.Fatalf("expected init -> busy to be rejected")
	}
}
