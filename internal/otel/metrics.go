package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrTaskType = attribute.Key("task_type")
	attrPriority = attribute.Key("priority")
	attrCode     = attribute.Key("code")
	attrState    = attribute.Key("state")
	attrOutcome  = attribute.Key("outcome")
	attrReason   = attribute.Key("reason")
	attrAgent    = attribute.Key("agent")
	attrRoute    = attribute.Key("route")
)

// Metrics holds the coordination core's instruments. A nil *Metrics is
// valid; every recording method is then a no-op.
type Metrics struct {
	EnvelopesPublished metric.Int64Counter
	EnvelopesDelivered metric.Int64Counter
	EnvelopesRetried   metric.Int64Counter
	DeadLetters        metric.Int64Counter
	DeliveryLatency    metric.Float64Histogram
	TaskTransitions    metric.Int64Counter
	RiskDecisions      metric.Int64Counter
	RiskEvalDuration   metric.Float64Histogram
	EmergencyStops     metric.Int64Counter
	RequestDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EnvelopesPublished, err = meter.Int64Counter("missionctl.bus.published",
		metric.WithDescription("Envelopes accepted by the message bus"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesDelivered, err = meter.Int64Counter("missionctl.bus.delivered",
		metric.WithDescription("Envelopes handed to a consumer"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesRetried, err = meter.Int64Counter("missionctl.bus.retried",
		metric.WithDescription("Envelopes re-enqueued after nack or ack timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("missionctl.bus.dead_letters",
		metric.WithDescription("Envelopes moved to the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryLatency, err = meter.Float64Histogram("missionctl.bus.delivery_latency",
		metric.WithDescription("Time from enqueue to delivery in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("missionctl.tasks.transitions",
		metric.WithDescription("Task state transitions recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.RiskDecisions, err = meter.Int64Counter("missionctl.risk.decisions",
		metric.WithDescription("Risk gate evaluations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RiskEvalDuration, err = meter.Float64Histogram("missionctl.risk.evaluate_duration",
		metric.WithDescription("Risk gate evaluate critical section in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EmergencyStops, err = meter.Int64Counter("missionctl.risk.emergency_stops",
		metric.WithDescription("Emergency stops raised"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("missionctl.gateway.request_duration",
		metric.WithDescription("Admin gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveQueueDepths registers an asynchronous gauge reporting the pending
// depth of every agent queue at collection time.
func ObserveQueueDepths(meter metric.Meter, depths func() map[string]int64) error {
	_, err := meter.Int64ObservableGauge("missionctl.bus.queue_depth",
		metric.WithDescription("Pending envelopes per agent queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for agent, n := range depths() {
				o.Observe(n, metric.WithAttributes(attrAgent.String(agent)))
			}
			return nil
		}),
	)
	return err
}

func (m *Metrics) Published(ctx context.Context, taskType, priority string) {
	if m == nil {
		return
	}
	m.EnvelopesPublished.Add(ctx, 1, metric.WithAttributes(attrTaskType.String(taskType), attrPriority.String(priority)))
}

func (m *Metrics) Delivered(ctx context.Context, taskType string, waited time.Duration) {
	if m == nil {
		return
	}
	m.EnvelopesDelivered.Add(ctx, 1, metric.WithAttributes(attrTaskType.String(taskType)))
	m.DeliveryLatency.Record(ctx, waited.Seconds(), metric.WithAttributes(attrTaskType.String(taskType)))
}

func (m *Metrics) Retried(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.EnvelopesRetried.Add(ctx, 1, metric.WithAttributes(attrTaskType.String(taskType)))
}

func (m *Metrics) DeadLettered(ctx context.Context, taskType, code string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(attrTaskType.String(taskType), attrCode.String(code)))
}

func (m *Metrics) Transitioned(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.TaskTransitions.Add(ctx, 1, metric.WithAttributes(attrState.String(state)))
}

func (m *Metrics) RiskDecided(ctx context.Context, outcome, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.RiskDecisions.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome), attrReason.String(reason)))
	m.RiskEvalDuration.Record(ctx, took.Seconds())
}

func (m *Metrics) EmergencyStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.EmergencyStops.Add(ctx, 1)
}

func (m *Metrics) Request(ctx context.Context, route string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attrRoute.String(route)))
}
