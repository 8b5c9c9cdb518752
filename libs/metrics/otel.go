package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "devicecloud/consistency"

// OTel records onto instruments created from an explicitly supplied meter
// provider.
type OTel struct {
	eventsAppended   metric.Int64Counter
	appendConflicts  metric.Int64Counter
	snapshots        metric.Int64Counter
	snapshotFailures metric.Int64Counter
	snapshotFolded   metric.Int64Histogram

	outboxDelivered     metric.Int64Counter
	outboxFailed        metric.Int64Counter
	outboxDeliveryDelay metric.Float64Histogram
	outboxBacklog       metric.Int64Gauge
	outboxOldestAge     metric.Float64Gauge

	sagaTotal         metric.Int64Counter
	sagaDuration      metric.Float64Histogram
	sagaStepDuration  metric.Float64Histogram
	sagaCompensations metric.Int64Counter
	sagasInFlight     metric.Int64Gauge
}

var _ Recorder = (*OTel)(nil)

func NewOTel(provider metric.MeterProvider) (*OTel, error) {
	if provider == nil {
		return nil, fmt.Errorf("metrics: meter provider is required")
	}
	meter := provider.Meter(meterName)

	var (
		r   OTel
		err error
	)
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("create %s counter: %w", name, err)
		}
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			err = fmt.Errorf("create %s histogram: %w", name, err)
		}
	}

	counter(&r.eventsAppended, "eventstore.events.appended", "Events appended per aggregate type", "{event}")
	counter(&r.appendConflicts, "eventstore.append.conflicts", "Appends rejected by the version check", "{append}")
	counter(&r.snapshots, "eventstore.snapshots.created", "Snapshots written by the compactor", "{snapshot}")
	counter(&r.snapshotFailures, "eventstore.snapshots.failed", "Snapshot attempts that failed", "{snapshot}")
	counter(&r.outboxDelivered, "outbox.messages.delivered", "Outbox messages acknowledged by the broker", "{message}")
	counter(&r.outboxFailed, "outbox.messages.publish_failed", "Outbox publish attempts that failed", "{message}")
	counter(&r.sagaTotal, "saga.total", "Sagas started and finished by type and status", "{saga}")
	counter(&r.sagaCompensations, "saga.compensations", "Compensation outcomes by step", "{compensation}")
	histogram(&r.outboxDeliveryDelay, "outbox.delivery.delay", "Time from stage to broker acknowledgment")
	histogram(&r.sagaDuration, "saga.duration", "Time from saga start to terminal status")
	histogram(&r.sagaStepDuration, "saga.step.duration", "Time from step command to step result")
	if err != nil {
		return nil, err
	}

	if r.snapshotFolded, err = meter.Int64Histogram("eventstore.snapshot.events_folded",
		metric.WithDescription("Events folded to build a snapshot"), metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create eventstore.snapshot.events_folded histogram: %w", err)
	}
	if r.outboxBacklog, err = meter.Int64Gauge("outbox.backlog.pending",
		metric.WithDescription("Pending outbox messages"), metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create outbox.backlog.pending gauge: %w", err)
	}
	if r.outboxOldestAge, err = meter.Float64Gauge("outbox.backlog.oldest_age",
		metric.WithDescription("Age of the oldest pending outbox message"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create outbox.backlog.oldest_age gauge: %w", err)
	}
	if r.sagasInFlight, err = meter.Int64Gauge("saga.in_flight",
		metric.WithDescription("Sagas by type and status"), metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("create saga.in_flight gauge: %w", err)
	}

	return &r, nil
}

func (r *OTel) EventsAppended(ctx context.Context, aggregateType string, n int) {
	r.eventsAppended.Add(ctx, int64(n), metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

func (r *OTel) AppendConflict(ctx context.Context, aggregateType string) {
	r.appendConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

func (r *OTel) SnapshotCreated(ctx context.Context, aggregateType string, eventsFolded int) {
	attrs := metric.WithAttributes(attribute.String("aggregate_type", aggregateType))
	r.snapshots.Add(ctx, 1, attrs)
	r.snapshotFolded.Record(ctx, int64(eventsFolded), attrs)
}

func (r *OTel) SnapshotFailed(ctx context.Context, aggregateType string) {
	r.snapshotFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

func (r *OTel) OutboxDelivered(ctx context.Context, eventType string, delay time.Duration) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	r.outboxDelivered.Add(ctx, 1, attrs)
	r.outboxDeliveryDelay.Record(ctx, delay.Seconds(), attrs)
}

func (r *OTel) OutboxPublishFailed(ctx context.Context, eventType string, terminal bool) {
	r.outboxFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("terminal", terminal),
	))
}

func (r *OTel) OutboxBacklog(ctx context.Context, pending int64, oldestAge time.Duration) {
	r.outboxBacklog.Record(ctx, pending)
	r.outboxOldestAge.Record(ctx, oldestAge.Seconds())
}

func (r *OTel) SagaStarted(ctx context.Context, sagaType string) {
	r.sagaTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", "started"),
	))
}

func (r *OTel) SagaFinished(ctx context.Context, sagaType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", status),
	)
	r.sagaTotal.Add(ctx, 1, attrs)
	r.sagaDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *OTel) SagaStep(ctx context.Context, sagaType, step, outcome string, duration time.Duration) {
	r.sagaStepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (r *OTel) SagaCompensation(ctx context.Context, sagaType, step, outcome string) {
	r.sagaCompensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (r *OTel) SagasInFlight(ctx context.Context, sagaType, status string, n int64) {
	r.sagasInFlight.Record(ctx, n, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", status),
	))
}
