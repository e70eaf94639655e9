// Package notification implements the notification dispatcher (C7): for
// each unique or regressed crash report, look up every notification config
// attached to the task's containers and deliver a rendered message through
// the matching tagged-variant Dispatcher (ADO, GitHub, Teams), retrying
// transient failures and publishing notification_failed on exhaustion
// without failing the originating task (spec.md §4.7).
package notification

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/notification/delivery"
	"github.com/microsoft/onefuzz/internal/secrets"
	"github.com/microsoft/onefuzz/internal/store"
)

// Registry dispatches notifications for crash_reported/regression_reported
// events, looking up configs by the reporting task's containers.
type Registry struct {
	store    *store.Store
	bus      *eventbus.Bus
	logger   *slog.Logger
	policy   delivery.Policy
	dispatch map[string]Dispatcher
}

// NewRegistry creates a Registry wired with the standard ADO/GitHub/Teams
// dispatchers, backed by resolver for secret indirection.
func NewRegistry(st *store.Store, bus *eventbus.Bus, logger *slog.Logger, resolver secrets.Resolver) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		bus:    bus,
		logger: logger,
		dispatch: map[string]Dispatcher{
			"ado":    NewADODispatcher(resolver, nil),
			"github": NewGitHubDispatcher(resolver, nil),
			"teams":  NewTeamsDispatcher(resolver, nil),
		},
	}
}

// Run subscribes to crash_reported and regression_reported events until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context) {
	sub := r.bus.Subscribe("crash_reported")
	regressionSub := r.bus.Subscribe("regression_reported")
	defer r.bus.Unsubscribe(sub)
	defer r.bus.Unsubscribe(regressionSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		case ev, ok := <-regressionSub.Ch():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Registry) handle(ctx context.Context, ev eventbus.Event) {
	fields, ok := ev.Payload.(map[string]string)
	if !ok {
		r.logger.Warn("notification: unexpected crash_reported payload type")
		return
	}
	taskID := fields["task_id"]
	jobID := fields["job_id"]
	if taskID == "" {
		return
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Error("notification: lookup task failed", "task_id", taskID, "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, container := range task.Config.Containers {
		configs, err := r.store.ListNotificationsByContainer(ctx, container)
		if err != nil {
			r.logger.Error("notification: list by container failed", "container", container, "error", err)
			continue
		}
		for _, cfg := range configs {
			if seen[cfg.NotificationID] {
				continue
			}
			seen[cfg.NotificationID] = true
			r.deliver(ctx, cfg, taskID, jobID)
		}
	}
}

func (r *Registry) deliver(ctx context.Context, cfg store.Notification, taskID, jobID string) {
	d, ok := r.dispatch[cfg.ConfigKind]
	if !ok {
		r.logger.Warn("notification: unknown config_kind", "config_kind", cfg.ConfigKind, "notification_id", cfg.NotificationID)
		return
	}

	notifCtx := Context{
		Task: map[string]any{"task_id": taskID},
		Job:  map[string]any{"job_id": jobID},
	}

	outcome, err := delivery.Deliver(ctx, r.policy, r.logger, func(ctx context.Context) (Outcome, error) {
		return d.Dispatch(ctx, cfg.Config, notifCtx)
	})
	if err != nil {
		r.logger.Error("notification: delivery exhausted", "notification_id", cfg.NotificationID, "kind", cfg.ConfigKind, "error", err)
		if r.bus != nil {
			payload, _ := json.Marshal(map[string]string{
				"notification_id": cfg.NotificationID,
				"task_id":         taskID,
				"error":           err.Error(),
			})
			r.bus.Publish(eventbus.TopicNotification+"failed", string(payload))
		}
		return
	}

	r.logger.Info("notification: delivered", "notification_id", cfg.NotificationID, "kind", cfg.ConfigKind, "outcome", outcome)
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicNotification+"delivered", cfg.NotificationID)
	}
}
