package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's OpenTelemetry instruments.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	RoutingScore       metric.Float64Histogram
	RoutingFailures    metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	ActiveTasks        metric.Int64UpDownCounter
	ConnectedAgents    metric.Int64UpDownCounter
	HeartbeatsMissed   metric.Int64Counter
	BusEventsDropped   metric.Int64Counter
	ContextUpdates     metric.Int64Counter
	RebalanceActions   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("goclaw.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("goclaw.task.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("goclaw.task.failed",
		metric.WithDescription("Tasks completed with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingScore, err = meter.Float64Histogram("goclaw.routing.score",
		metric.WithDescription("Winning candidate score for each routing decision"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingFailures, err = meter.Int64Counter("goclaw.routing.no_eligible_agent",
		metric.WithDescription("Routing attempts that failed with no eligible agent"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("goclaw.queue.depth",
		metric.WithDescription("Tasks waiting to be assigned"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("goclaw.task.active",
		metric.WithDescription("Tasks currently assigned or running"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectedAgents, err = meter.Int64UpDownCounter("goclaw.agents.connected",
		metric.WithDescription("Currently connected agents"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatsMissed, err = meter.Int64Counter("goclaw.agents.unresponsive",
		metric.WithDescription("Agents flagged unresponsive by the heartbeat monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.BusEventsDropped, err = meter.Int64Counter("goclaw.bus.dropped",
		metric.WithDescription("Events dropped because a subscriber's channel was full"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextUpdates, err = meter.Int64Counter("goclaw.sharedcontext.updates",
		metric.WithDescription("Shared-context key updates accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.RebalanceActions, err = meter.Int64Counter("goclaw.rebalance.actions",
		metric.WithDescription("Load-reduction actions proposed by the rebalance pass"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTaskDuration records one task's processing time and outcome.
// Satisfies lifecycle.Metrics.
func (m *Metrics) RecordTaskDuration(ctx context.Context, seconds float64, success bool) {
	m.TaskDuration.Record(ctx, seconds)
	if success {
		m.TasksCompleted.Add(ctx, 1)
	} else {
		m.TasksFailed.Add(ctx, 1)
	}
}

// RecordRoutingScore records the winning candidate's score for one routing
// decision. Satisfies lifecycle.Metrics.
func (m *Metrics) RecordRoutingScore(ctx context.Context, score float64) {
	m.RoutingScore.Record(ctx, score)
}

// RecordRoutingFailure counts one NoEligibleAgent routing outcome.
// Satisfies lifecycle.Metrics.
func (m *Metrics) RecordRoutingFailure(ctx context.Context) {
	m.RoutingFailures.Add(ctx, 1)
}

// SetQueueDepth adjusts the queued-task gauge by delta. Satisfies
// lifecycle.Metrics.
func (m *Metrics) SetQueueDepth(ctx context.Context, delta int64) {
	m.QueueDepth.Add(ctx, delta)
}

// SetActiveTasks adjusts the in-flight-task gauge by delta. Satisfies
// lifecycle.Metrics.
func (m *Metrics) SetActiveTasks(ctx context.Context, delta int64) {
	m.ActiveTasks.Add(ctx, delta)
}

// RecordContextUpdate counts one accepted shared-context key update.
// Satisfies sharedcontext.Metrics.
func (m *Metrics) RecordContextUpdate(ctx context.Context) {
	m.ContextUpdates.Add(ctx, 1)
}

// RecordHeartbeatMissed counts one agent flagged unresponsive by the
// heartbeat monitor. Satisfies gateway.Metrics.
func (m *Metrics) RecordHeartbeatMissed(ctx context.Context) {
	m.HeartbeatsMissed.Add(ctx, 1)
}

// RecordRebalanceAction counts one load-reduction hint proposed by a
// rebalance pass. Satisfies gateway.Metrics.
func (m *Metrics) RecordRebalanceAction(ctx context.Context) {
	m.RebalanceActions.Add(ctx, 1)
}
