// Package retention periodically sweeps stopped jobs and delivered
// webhook events past their retention window, following the same
// ticker-loop shape as the teacher's internal/cron.Scheduler (immediate
// first tick, context-cancellable background goroutine, WaitGroup-backed
// Stop) generalized from "fire due cron schedules" to "delete expired
// records".
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/microsoft/onefuzz/internal/store"
)

const defaultInterval = 24 * time.Hour

// Config holds the sweeper's dependencies.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // defaults to 24h if zero
	Days     int           // retention window in days; defaults to 30 if zero
}

// Sweeper deletes stopped jobs and delivered webhook events older than the
// configured retention window.
type Sweeper struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	days     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper with cfg's dependencies.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	days := cfg.Days
	if days <= 0 {
		days = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: cfg.Store, logger: logger, interval: interval, days: days}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "interval", s.interval, "days", s.days)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.days) * 24 * time.Hour)

	jobs, err := s.store.ListJobsByStateOlderThan(ctx, store.JobStateStopped, cutoff)
	if err != nil {
		s.logger.Error("retention: list stopped jobs failed", "error", err)
	} else {
		for _, j := range jobs {
			if err := s.store.DeleteJob(ctx, j.JobID); err != nil {
				s.logger.Error("retention: delete job failed", "job_id", j.JobID, "error", err)
				continue
			}
			s.logger.Info("retention: deleted stopped job", "job_id", j.JobID)
		}
	}

	n, err := s.store.DeleteDeliveredWebhookEventsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: delete delivered webhook events failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: deleted delivered webhook events", "count", n)
	}
}
