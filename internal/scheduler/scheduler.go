// Package scheduler implements the task-to-node matching control loop
// (C2): for every task in waiting whose prerequisites have all stopped
// successfully, find an eligible pool, optionally bundle colocated
// sibling tasks, enqueue a WorkSet, and advance the task to scheduled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/queue"
	"github.com/microsoft/onefuzz/internal/store"
)

const defaultInterval = 30 * time.Second // spec.md §4.2: invoked periodically (<= 30s jitter)

const maxEnqueueRetries = 3

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Bus      *eventbus.Bus
	Logger   *slog.Logger
	Interval time.Duration
}

// Scheduler periodically matches waiting tasks to eligible pools.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	bus      *eventbus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// wake lets handlers (e.g. a job being enabled) trigger an immediate
	// tick instead of waiting for the next timer, matching spec.md §4.2's
	// "invoked periodically ... and on demand".
	wake chan struct{}
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger requests an out-of-band tick at the next opportunity. Non-blocking.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: job completion sweep, then task matching.
func (s *Scheduler) tick(ctx context.Context) {
	s.sweepCompletedJobs(ctx)

	waiting, err := s.store.ListTasksByState(ctx, store.TaskStateWaiting)
	if err != nil {
		s.logger.Error("scheduler: list waiting tasks failed", "error", err)
		return
	}

	// Tasks are already ordered (created_at asc, task_id asc) by
	// ListTasksByState, giving the deterministic tie-breaking spec.md
	// §4.2 requires.
	scheduledThisTick := make(map[string]bool)
	for _, t := range waiting {
		if scheduledThisTick[t.TaskID] {
			continue
		}
		s.scheduleTask(ctx, t, scheduledThisTick)
	}
}

// scheduleTask attempts to move a single waiting task to scheduled.
func (s *Scheduler) scheduleTask(ctx context.Context, t store.Task, scheduledThisTick map[string]bool) {
	ready, err := s.prerequisitesSatisfied(ctx, t)
	if err != nil {
		s.logger.Error("scheduler: prerequisite check failed", "task_id", t.TaskID, "error", err)
		return
	}
	if !ready {
		return
	}

	pool, err := s.eligiblePool(ctx, t)
	if err != nil || pool == nil {
		if err != nil {
			s.logger.Error("scheduler: pool lookup failed", "task_id", t.TaskID, "error", err)
		}
		return
	}

	group := []store.Task{t}
	if t.Config.Colocate {
		siblings, err := s.colocatedSiblings(ctx, t, *pool, scheduledThisTick)
		if err != nil {
			s.logger.Error("scheduler: colocation lookup failed", "task_id", t.TaskID, "error", err)
		} else {
			group = append(group, siblings...)
		}
	}

	taskIDs := make([]string, 0, len(group))
	for _, g := range group {
		taskIDs = append(taskIDs, g.TaskID)
	}

	if err := s.enqueueWithRetry(ctx, pool.Name, taskIDs); err != nil {
		s.logger.Error("scheduler: enqueue failed after retries, failing task", "task_id", t.TaskID, "error", err)
		_ = s.store.FailTask(ctx, t.TaskID, t.RowVer, store.TaskError{
			Code:    store.ErrCodeTaskFailed,
			Message: fmt.Sprintf("failed to enqueue work set: %v", err),
		})
		return
	}

	for _, g := range group {
		if err := s.store.ReplaceTaskState(ctx, g.TaskID, store.TaskStateScheduled, g.RowVer); err != nil {
			s.logger.Error("scheduler: failed to transition task to scheduled", "task_id", g.TaskID, "error", err)
			continue
		}
		scheduledThisTick[g.TaskID] = true
		if s.bus != nil {
			s.bus.Publish(eventbus.TopicTask+"scheduled", g.TaskID)
		}
		s.logger.Info("scheduler: task scheduled", "task_id", g.TaskID, "pool", pool.Name)
	}
}

// enqueueWithRetry enqueues a WorkSet, retrying up to maxEnqueueRetries
// times in a row on failure. The payload is resent unchanged; it is not
// truncated between attempts. When every attempt fails, scheduleTask
// fails the task with TASK_FAILED.
func (s *Scheduler) enqueueWithRetry(ctx context.Context, poolName string, taskIDs []string) error {
	var lastErr error
	for attempt := 0; attempt < maxEnqueueRetries; attempt++ {
		_, err := s.queue.Enqueue(ctx, poolName, queue.WorkSet{TaskIDs: taskIDs, PoolName: poolName})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// prerequisitesSatisfied reports whether every prereq task has stopped
// without error. A failed prerequisite cascades: the dependent task is
// failed with PREREQUISITE_FAILED instead of being left waiting forever.
func (s *Scheduler) prerequisitesSatisfied(ctx context.Context, t store.Task) (bool, error) {
	for _, prereqID := range t.Config.PrereqTasks {
		prereq, err := s.store.GetTask(ctx, prereqID)
		if err != nil {
			return false, fmt.Errorf("get prereq task %s: %w", prereqID, err)
		}
		if prereq.State != store.TaskStateStopped {
			return false, nil
		}
		if prereq.Error != nil {
			_ = s.store.FailTask(ctx, t.TaskID, t.RowVer, store.TaskError{
				Code:    store.ErrCodePrerequisiteFailed,
				Message: fmt.Sprintf("prerequisite task %s failed", prereqID),
			})
			return false, nil
		}
	}
	return true, nil
}

// eligiblePool returns the pool named by the task's pool.name when that
// pool is running and its os matches the task's os. The pool's arch and
// managed flag are not checked.
func (s *Scheduler) eligiblePool(ctx context.Context, t store.Task) (*store.Pool, error) {
	pool, err := s.store.GetPoolByName(ctx, t.Config.Pool.Name)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if pool.OS != t.OS || pool.State != store.PoolStateRunning {
		return nil, nil
	}
	return pool, nil
}

// colocatedSiblings finds other waiting tasks in the same job sharing
// {os, pool} and the colocate flag, up to target_count (spec.md §4.2 step 2).
func (s *Scheduler) colocatedSiblings(ctx context.Context, t store.Task, pool store.Pool, alreadyScheduled map[string]bool) ([]store.Task, error) {
	jobTasks, err := s.store.ListTasksByJob(ctx, t.JobID)
	if err != nil {
		return nil, err
	}
	targetCount := t.Config.Pool.Count
	var siblings []store.Task
	for _, candidate := range jobTasks {
		if len(siblings)+1 >= targetCount {
			break
		}
		if candidate.TaskID == t.TaskID || alreadyScheduled[candidate.TaskID] {
			continue
		}
		if candidate.State != store.TaskStateWaiting {
			continue
		}
		if !candidate.Config.Colocate || candidate.OS != t.OS || candidate.Config.Pool.Name != pool.Name {
			continue
		}
		ready, err := s.prerequisitesSatisfied(ctx, candidate)
		if err != nil || !ready {
			continue
		}
		siblings = append(siblings, candidate)
	}
	return siblings, nil
}

// sweepCompletedJobs transitions enabled and stopping jobs with zero
// non-stopped tasks to stopped (spec.md invariant 4). This includes
// enabled jobs that have no tasks at all, whose non-stopped count is zero.
func (s *Scheduler) sweepCompletedJobs(ctx context.Context) {
	enabled, err := s.store.ListJobsByState(ctx, store.JobStateEnabled)
	if err != nil {
		s.logger.Error("scheduler: list enabled jobs failed", "error", err)
		return
	}
	stopping, err := s.store.ListJobsByState(ctx, store.JobStateStopping)
	if err != nil {
		s.logger.Error("scheduler: list stopping jobs failed", "error", err)
		return
	}
	for _, j := range append(enabled, stopping...) {
		count, err := s.store.CountNonStoppedTasks(ctx, j.JobID)
		if err != nil {
			s.logger.Error("scheduler: count non-stopped tasks failed", "job_id", j.JobID, "error", err)
			continue
		}
		if count > 0 {
			continue
		}
		target := store.JobStateStopped
		if j.State == store.JobStateEnabled {
			// enabled -> stopped directly is not a legal transition; route
			// through stopping first so the state machine stays honest.
			if err := s.store.ReplaceJobState(ctx, j.JobID, store.JobStateStopping, j.RowVer); err != nil {
				s.logger.Error("scheduler: job stopping transition failed", "job_id", j.JobID, "error", err)
				continue
			}
			j.RowVer++
		}
		if err := s.store.ReplaceJobState(ctx, j.JobID, target, j.RowVer); err != nil {
			s.logger.Error("scheduler: job stopped transition failed", "job_id", j.JobID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.TopicJob+"stopped", j.JobID)
		}
	}
}
