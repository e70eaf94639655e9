// Package autoscaler implements the once-per-minute control loop (C5) that
// sizes each managed scaleset from its pool's queue depth and running task
// count, batching resize calls at <=500 instances and tripping a
// per-region circuit breaker on repeated quota errors. Loop shape follows
// internal/scheduler's ticker pattern; the circuit breaker is adapted from
// the teacher's FailoverBrain breaker (per-provider failure counting with
// a cooldown reset) retargeted from per-LLM-provider to per-region.
package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/microsoft/onefuzz/internal/queue"
	"github.com/microsoft/onefuzz/internal/store"
)

const (
	defaultInterval  = time.Minute
	maxBatchResize   = 500
	breakerThreshold = 3
	breakerCooldown  = 5 * time.Minute
)

// Config holds the autoscaler's dependencies.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Logger   *slog.Logger
	Interval time.Duration
}

// Autoscaler periodically reconciles each running scaleset's size against
// demand.
type Autoscaler struct {
	store    *store.Store
	queue    *queue.Queue
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	breakers   map[string]*regionBreaker
	breakersMu sync.Mutex
}

// New creates an Autoscaler.
func New(cfg Config) *Autoscaler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Autoscaler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		logger:   logger,
		interval: interval,
		breakers: make(map[string]*regionBreaker),
	}
}

// Start begins the control loop in a background goroutine.
func (a *Autoscaler) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("autoscaler started", "interval", a.interval)
}

// Stop cancels the loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("autoscaler stopped")
}

func (a *Autoscaler) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	pools, err := a.store.SearchPools(ctx, store.PoolFilter{Managed: boolPtr(true), State: store.PoolStateRunning})
	if err != nil {
		a.logger.Error("autoscaler: search pools failed", "error", err)
		return
	}
	for _, pool := range pools {
		a.reconcilePool(ctx, pool)
	}
}

// reconcilePool sizes every running scaleset attached to pool from the
// pool's queue depth plus its current running-task count, splitting any
// needed delta across scalesets and capping each individual resize call at
// maxBatchResize instances.
func (a *Autoscaler) reconcilePool(ctx context.Context, pool store.Pool) {
	depth, err := a.queue.Depth(ctx, pool.Name)
	if err != nil {
		a.logger.Error("autoscaler: queue depth failed", "pool", pool.Name, "error", err)
		return
	}

	running, err := a.store.ListTasksByState(ctx, store.TaskStateRunning)
	if err != nil {
		a.logger.Error("autoscaler: list running tasks failed", "pool", pool.Name, "error", err)
		return
	}
	runningCount := 0
	for _, t := range running {
		if t.Config.Pool.Name == pool.Name {
			runningCount++
		}
	}

	scalesets, err := a.store.ListScalesetsByPool(ctx, pool.Name)
	if err != nil {
		a.logger.Error("autoscaler: list scalesets failed", "pool", pool.Name, "error", err)
		return
	}

	demand := depth + runningCount
	for _, sc := range scalesets {
		if sc.State != store.ScalesetStateRunning {
			continue
		}
		if a.regionBreakerFor(sc.Region).isTripped() {
			a.logger.Warn("autoscaler: region circuit open, skipping resize", "region", sc.Region, "scaleset_id", sc.ID)
			continue
		}

		target := sc.Size
		switch {
		case demand > sc.Size:
			target = sc.Size + clamp(demand-sc.Size, maxBatchResize)
			demand -= target - sc.Size
		case demand == 0 && sc.Size > 0:
			target = sc.Size - clamp(sc.Size, maxBatchResize)
		default:
			demand = 0
		}

		if target == sc.Size {
			continue
		}
		if err := a.store.ReplaceScalesetSize(ctx, sc.ID, target, sc.RowVer); err != nil {
			a.regionBreakerFor(sc.Region).recordFailure()
			a.logger.Error("autoscaler: resize failed", "scaleset_id", sc.ID, "error", err)
			continue
		}
		a.regionBreakerFor(sc.Region).recordSuccess()
		a.logger.Info("autoscaler: resized scaleset", "scaleset_id", sc.ID, "from", sc.Size, "to", target)
	}
}

func clamp(n, max int) int {
	if n > max {
		return max
	}
	if n < 0 {
		return 0
	}
	return n
}

func boolPtr(b bool) *bool { return &b }

// regionBreaker trips after breakerThreshold consecutive resize failures in
// a region (quota exhaustion) and resets after breakerCooldown elapses,
// same failure-counting shape as the teacher's per-provider CircuitBreaker.
type regionBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	tripped     bool
}

func (a *Autoscaler) regionBreakerFor(region string) *regionBreaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	b, ok := a.breakers[region]
	if !ok {
		b = &regionBreaker{}
		a.breakers[region] = b
	}
	return b
}

func (b *regionBreaker) isTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= breakerCooldown {
		b.tripped = false
		b.failures = 0
		return false
	}
	return true
}

func (b *regionBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= breakerThreshold {
		b.tripped = true
	}
}

func (b *regionBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
}
