package store_test

import (
	"context"
	"testing"

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

func insertTestJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	j := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1", Duration: 1}}
	if err := st.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return j
}

func TestReplaceJobState_FollowsLifecycleOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	j := insertTestJob(t, st)

	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateEnabled, j.RowVer); err != nil {
		t.Fatalf("init -> enabled: %v", err)
	}
	j.RowVer++

	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateStopped, j.RowVer); err == nil {
		t.Fatalf("expected enabled -> stopped to be rejected as an illegal transition")
	}

	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateStopping, j.RowVer); err != nil {
		t.Fatalf("enabled -> stopping: %v", err)
	}
	j.RowVer++

	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateStopped, j.RowVer); err != nil {
		t.Fatalf("stopping -> stopped: %v", err)
	}
}

func TestReplaceJobState_StaleVersionConflicts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	j := insertTestJob(t, st)

	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateEnabled, 99); err != store.ErrConflict {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}
}

// TestCountNonStoppedTasks_ReachesZeroWhenAllTasksStop exercises the data
// underlying invariant 4: once every task in a job has stopped, the count
// the scheduler's sweep relies on reaches zero.
func TestCountNonStoppedTasks_ReachesZeroWhenAllTasksStop(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	j := insertTestJob(t, st)
	if err := st.ReplaceJobState(ctx, j.JobID, store.JobStateEnabled, j.RowVer); err != nil {
		t.Fatalf("enable job: %v", err)
	}

	task := &store.Task{JobID: j.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "p1", Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	count, err := st.CountNonStoppedTasks(ctx, j.JobID)
	if err != nil {
		t.Fatalf("count non-stopped tasks: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 non-stopped task, got %d", count)
	}

	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateWaiting, task.RowVer); err != nil {
		t.Fatalf("task -> waiting: %v", err)
	}
	waiting, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if err := st.FailTask(ctx, task.TaskID, waiting.RowVer, store.TaskError{Code: store.ErrCodeTaskCancelled, Message: "test"}); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	stopping, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateStopped, stopping.RowVer); err != nil {
		t.Fatalf("stopping -> stopped: %v", err)
	}

	count, err = st.CountNonStoppedTasks(ctx, j.JobID)
	if err != nil {
		t.Fatalf("count non-stopped tasks after stop: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 non-stopped tasks once the only task has stopped, got %d", count)
	}
}

// TestDeleteJob_IsIdempotent covers the idempotence law: deleting a job
// that does not exist (or was already deleted) still succeeds.
func TestDeleteJob_IsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.DeleteJob(ctx, "no-such-job"); err != nil {
		t.Fatalf("deleting an absent job should succeed, got %v", err)
	}

	j := insertTestJob(t, st)
	if err := st.DeleteJob(ctx, j.JobID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := st.DeleteJob(ctx, j.JobID); err != nil {
		t.Fatalf("second delete of the same job should still succeed, got %v", err)
	}
}
