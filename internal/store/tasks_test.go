package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoft/onefuzz/internal/store"
)

func TestInsertTask_RejectsUnknownJob(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task := &store.Task{JobID: "does-not-exist", OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "p1", Count: 1}}}
	err := st.InsertTask(ctx, task)
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a task referencing a missing job, got %v", err)
	}
}

// TestReplaceTaskState_RejectsRegressions covers the monotonicity law: a
// task's state index must never decrease.
func TestReplaceTaskState_RejectsRegressions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	j := insertTestJob(t, st)

	task := &store.Task{JobID: j.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "p1", Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	transitions := []store.TaskState{
		store.TaskStateWaiting,
		store.TaskStateScheduled,
		store.TaskStateSettingUp,
		store.TaskStateRunning,
		store.TaskStateStopping,
		store.TaskStateStopped,
	}
	last := store.TaskStateInit
	version := task.RowVer
	for _, next := range transitions {
		if store.TaskStateIndex[next] <= store.TaskStateIndex[last] {
			t.Fatalf("test data error: %s does not advance past %s", next, last)
		}
		if err := st.ReplaceTaskState(ctx, task.TaskID, next, version); err != nil {
			t.Fatalf("%s -> %s: %v", last, next, err)
		}
		version++
		last = next
	}

	// Attempting to move backwards from stopped to running must be rejected.
	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateRunning, version); err == nil {
		t.Fatalf("expected a regression from stopped to running to be rejected")
	}
}

func TestReplaceTaskState_UnknownTaskIsNotFound(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.ReplaceTaskState(ctx, "ghost-task", store.TaskStateWaiting, 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTask_IsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.DeleteTask(ctx, "no-such-task"); err != nil {
		t.Fatalf("deleting an absent task should succeed, got %v", err)
	}
}
