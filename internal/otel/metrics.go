package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the queue's metric instruments.
type Metrics struct {
	TasksEnqueued   metric.Int64Counter
	TasksDeduped    metric.Int64Counter
	TasksClaimed    metric.Int64Counter
	TasksSucceeded  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	LeaseReclaims   metric.Int64Counter
	TasksRetried    metric.Int64Counter
	AdminActions    metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	ClaimLatency    metric.Float64Histogram
	ActiveTasks     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("agentd.tasks.enqueued",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeduped, err = meter.Int64Counter("agentd.tasks.deduped",
		metric.WithDescription("Enqueues collapsed into an open task by dedupe key"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("agentd.tasks.claimed",
		metric.WithDescription("Tasks claimed under a lease"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSucceeded, err = meter.Int64Counter("agentd.tasks.succeeded",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentd.tasks.failed",
		metric.WithDescription("Tasks that reached failed"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("agentd.lease.reclaims",
		metric.WithDescription("Running tasks requeued after lease expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("agentd.tasks.retried",
		metric.WithDescription("Task retries scheduled after a failed attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.AdminActions, err = meter.Int64Counter("agentd.admin.actions",
		metric.WithDescription("Safe admin actions executed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentd.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimLatency, err = meter.Float64Histogram("agentd.claim.latency",
		metric.WithDescription("Time from enqueue to claim in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("agentd.tasks.active",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
