// Package metrics defines the operational signals of the consistency core as
// a capability injected into each component. A process builds one Recorder
// from its meter provider at startup; tests pass Nop or a recorder backed by
// a manual reader.
package metrics

import (
	"context"
	"time"
)

type Recorder interface {
	// Event store.
	EventsAppended(ctx context.Context, aggregateType string, n int)
	AppendConflict(ctx context.Context, aggregateType string)
	SnapshotCreated(ctx context.Context, aggregateType string, eventsFolded int)
	SnapshotFailed(ctx context.Context, aggregateType string)

	// Outbox relay.
	OutboxDelivered(ctx context.Context, eventType string, delay time.Duration)
	OutboxPublishFailed(ctx context.Context, eventType string, terminal bool)
	OutboxBacklog(ctx context.Context, pending int64, oldestAge time.Duration)

	// Saga coordinator.
	SagaStarted(ctx context.Context, sagaType string)
	SagaFinished(ctx context.Context, sagaType, status string, duration time.Duration)
	SagaStep(ctx context.Context, sagaType, step, outcome string, duration time.Duration)
	SagaCompensation(ctx context.Context, sagaType, step, outcome string)
	SagasInFlight(ctx context.Context, sagaType, status string, n int64)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) EventsAppended(context.Context, string, int) {}
func (Nop) AppendConflict(context.Context, string) {}
func (Nop) SnapshotCreated(context.Context, string, int) {}
func (Nop) SnapshotFailed(context.Context, string) {}
func (Nop) OutboxDelivered(context.Context, string, time.Duration) {}
func (Nop) OutboxPublishFailed(context.Context, string, bool) {}
func (Nop) OutboxBacklog(context.Context, int64, time.Duration) {}
func (Nop) SagaStarted(context.Context, string) {}
func (Nop) SagaFinished(context.Context, string, string, time.Duration) {}
func (Nop) SagaStep(context.Context, string, string, string, time.Duration) {}
func (Nop) SagaCompensation(context.Context, string, string, string) {}
func (Nop) SagasInFlight(context.Context, string, string, int64) {}
