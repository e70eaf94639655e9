package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the scheduling service's metric instruments, replacing
// the teacher's LLM-call/loop-step instruments with the scheduler,
// autoscaler, and notification-dispatch equivalents.
type Metrics struct {
	SchedulerTickDuration   metric.Float64Histogram
	TasksScheduled          metric.Int64Counter
	AutoscalerTickDuration  metric.Float64Histogram
	ScalesetResizes         metric.Int64Counter
	NotificationDispatches  metric.Int64Counter
	NotificationFailures    metric.Int64Counter
	CrashReportsIngested    metric.Int64Counter
	CrashReportsDeduped     metric.Int64Counter
	WebhookDeliveryDuration metric.Float64Histogram
	ActiveNodes             metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SchedulerTickDuration, err = meter.Float64Histogram("onefuzz.scheduler.tick_duration",
		metric.WithDescription("Scheduling loop tick duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.TasksScheduled, err = meter.Int64Counter("onefuzz.scheduler.tasks_scheduled",
		metric.WithDescription("Tasks assigned to a node per tick"),
	); err != nil {
		return nil, err
	}

	if m.AutoscalerTickDuration, err = meter.Float64Histogram("onefuzz.autoscaler.tick_duration",
		metric.WithDescription("Autoscaler reconcile loop duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ScalesetResizes, err = meter.Int64Counter("onefuzz.autoscaler.scaleset_resizes",
		metric.WithDescription("Scaleset resize operations issued"),
	); err != nil {
		return nil, err
	}

	if m.NotificationDispatches, err = meter.Int64Counter("onefuzz.notification.dispatches",
		metric.WithDescription("Notification deliveries attempted"),
	); err != nil {
		return nil, err
	}

	if m.NotificationFailures, err = meter.Int64Counter("onefuzz.notification.failures",
		metric.WithDescription("Notification deliveries exhausted without success"),
	); err != nil {
		return nil, err
	}

	if m.CrashReportsIngested, err = meter.Int64Counter("onefuzz.crashreport.ingested",
		metric.WithDescription("Crash reports ingested by the pipeline"),
	); err != nil {
		return nil, err
	}

	if m.CrashReportsDeduped, err = meter.Int64Counter("onefuzz.crashreport.deduped",
		metric.WithDescription("Crash reports matching an existing fingerprint"),
	); err != nil {
		return nil, err
	}

	if m.WebhookDeliveryDuration, err = meter.Float64Histogram("onefuzz.webhook.delivery_duration",
		metric.WithDescription("Webhook POST delivery duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ActiveNodes, err = meter.Int64UpDownCounter("onefuzz.nodes.active",
		metric.WithDescription("Nodes currently in a non-terminal state"),
	); err != nil {
		return nil, err
	}

	return m, nil
}
