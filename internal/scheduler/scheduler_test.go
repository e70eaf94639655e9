package scheduler

import (
	"context"
	"testing"

	"github.com/microsoft/onefuzz/internal/queue"
	"github.com/microsoft/onefuzz/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := queue.Open(context.Background(), st)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	return New(Config{Store: st, Queue: q}), st
}

func insertRunningPool(t *testing.T, st *store.Store, name string) *store.Pool {
	t.Helper()
	ctx := context.Background()
	pool := &store.Pool{Name: name, OS: "linux", Arch: "x64", Managed: true}
	if err := st.InsertPool(ctx, pool); err != nil {
		t.Fatalf("insert pool: %v", err)
	}
	if err := st.ReplacePoolState(ctx, pool.Name, store.PoolStateRunning, pool.RowVer); err != nil {
		t.Fatalf("pool -> running: %v", err)
	}
	got, err := st.GetPoolByName(ctx, pool.Name)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	return got
}

// TestTick_SchedulesWaitingTaskAgainstEligiblePool covers the basic
// matching path: a waiting task whose os/pool line up with a running pool
// is moved to scheduled and a WorkSet lands on that pool's queue.
func TestTick_SchedulesWaitingTaskAgainstEligiblePool(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	pool := insertRunningPool(t, st, "pool1")

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	task := &store.Task{JobID: job.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: pool.Name, Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateWaiting, task.RowVer); err != nil {
		t.Fatalf("task -> waiting: %v", err)
	}

	s.tick(ctx)

	got, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.TaskStateScheduled {
		t.Fatalf("expected task to be scheduled, got %s", got.State)
	}

	msg, err := s.queue.Claim(ctx, pool.Name, "worker1")
	if err != nil {
		t.Fatalf("expected a claimable work set, got %v", err)
	}
	if len(msg.Payload.TaskIDs) != 1 || msg.Payload.TaskIDs[0] != task.TaskID {
		t.Fatalf("unexpected work set payload: %+v", msg.Payload)
	}
}

// TestTick_LeavesTaskWaitingWithoutEligiblePool covers the negative case:
// no running pool of the right OS means the task stays waiting.
func TestTick_LeavesTaskWaitingWithoutEligiblePool(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	task := &store.Task{JobID: job.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "no-such-pool", Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateWaiting, task.RowVer); err != nil {
		t.Fatalf("task -> waiting: %v", err)
	}

	s.tick(ctx)

	got, err := st.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.TaskStateWaiting {
		t.Fatalf("expected task to remain waiting without an eligible pool, got %s", got.State)
	}
}

// TestSweepCompletedJobs_StopsJobWithNoNonStoppedTasks covers invariant 4:
// a job whose only task has stopped must itself reach stopped within one
// sweep, routed through stopping since enabled -> stopped isn't legal.
func TestSweepCompletedJobs_StopsJobWithNoNonStoppedTasks(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := st.ReplaceJobState(ctx, job.JobID, store.JobStateEnabled, job.RowVer); err != nil {
		t.Fatalf("job -> enabled: %v", err)
	}

	task := &store.Task{JobID: job.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "pool1", Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	path := []store.TaskState{store.TaskStateWaiting, store.TaskStateScheduled, store.TaskStateSettingUp, store.TaskStateRunning, store.TaskStateStopping, store.TaskStateStopped}
	version := task.RowVer
	for _, next := range path {
		if err := st.ReplaceTaskState(ctx, task.TaskID, next, version); err != nil {
			t.Fatalf("task -> %s: %v", next, err)
		}
		version++
	}

	s.sweepCompletedJobs(ctx)

	got, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != store.JobStateStopped {
		t.Fatalf("expected job to reach stopped within one sweep, got %s", got.State)
	}
}

// TestSweepCompletedJobs_LeavesJobAloneWhileATaskIsStillActive ensures the
// sweep does not stop a job prematurely while work remains outstanding.
func TestSweepCompletedJobs_LeavesJobAloneWhileATaskIsStillActive(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := st.ReplaceJobState(ctx, job.JobID, store.JobStateEnabled, job.RowVer); err != nil {
		t.Fatalf("job -> enabled: %v", err)
	}

	task := &store.Task{JobID: job.JobID, OS: "linux", Config: store.TaskConfig{Pool: store.TaskPool{Name: "pool1", Count: 1}}}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateWaiting, task.RowVer); err != nil {
		t.Fatalf("task -> waiting: %v", err)
	}

	s.sweepCompletedJobs(ctx)

	got, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != store.JobStateEnabled {
		t.Fatalf("expected job to remain enabled while a task is still active, got %s", got.State)
	}
}

// TestScheduleTask_BundlesColocatedSiblingsUpToTargetCount covers the
// colocation step: waiting siblings sharing {job, os, pool, colocate} are
// bundled into the same WorkSet, up to the requested pool count.
func TestScheduleTask_BundlesColocatedSiblingsUpToTargetCount(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	pool := insertRunningPool(t, st, "pool1")

	job := &store.Job{Config: store.JobConfig{Project: "proj", Name: "job", Build: "b1"}}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	var tasks []*store.Task
	for i := 0; i < 2; i++ {
		task := &store.Task{
			JobID: job.JobID, OS: "linux",
			Config: store.TaskConfig{Pool: store.TaskPool{Name: pool.Name, Count: 2}, Colocate: true},
		}
		if err := st.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
		if err := st.ReplaceTaskState(ctx, task.TaskID, store.TaskStateWaiting, task.RowVer); err != nil {
			t.Fatalf("task -> waiting: %v", err)
		}
		tasks = append(tasks, task)
	}

	s.tick(ctx)

	for _, task := range tasks {
		got, err := st.GetTask(ctx, task.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.State != store.TaskStateScheduled {
			t.Fatalf("expected colocated sibling %s to be scheduled, got %s", task.TaskID, got.State)
		}
	}

	msg, err := s.queue.Claim(ctx, pool.Name, "worker1")
	if err != nil {
		t.Fatalf("expected a claimable work set, got %v", err)
	}
	if len(msg.Payload.TaskIDs) != 2 {
		t.Fatalf("expected both colocated siblings bundled into one work set, got %+v", msg.Payload.TaskIDs)
	}
}
