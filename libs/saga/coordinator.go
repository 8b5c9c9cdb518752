// Package saga drives multi-step business transactions across services. The
// coordinator never calls collaborators directly: step and compensation
// commands are staged through the outbox and collaborators answer with step
// result events, so every transition happens inside a local transaction.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	aggregateType = "saga"

	sweepBatchSize = 100

	reasonSagaTimeout = "saga timeout exceeded"
)

type Coordinator struct {
	beginner db.Beginner
	repo     Repository
	outbox   *outbox.Outbox
	recorder metrics.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu   sync.RWMutex
	defs map[string]Definition
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(beginner db.Beginner, repo Repository, ob *outbox.Outbox, recorder metrics.Recorder, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	switch {
	case beginner == nil:
		return nil, errors.New("saga: transaction beginner is required")
	case repo == nil:
		return nil, ErrRepositoryRequired
	case ob == nil:
		return nil, errors.New("saga: outbox is required")
	case recorder == nil:
		return nil, errors.New("saga: metrics recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		beginner: beginner,
		repo:     repo,
		outbox:   ob,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("devicecloud/saga"),
		now:      func() time.Time { return time.Now().UTC() },
		defs:     map[string]Definition{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Coordinator) Register(def Definition) error {
	def, err := def.normalized()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.Type]; ok {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, def.Type)
	}
	c.defs[def.Type] = def
	return nil
}

func (c *Coordinator) definition(sagaType string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[sagaType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

// Types lists the registered saga types in name order.
func (c *Coordinator) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for t := range c.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Start creates a saga within tx and stages the first step's command. An
// empty sagaID gets a generated one.
func (c *Coordinator) Start(ctx context.Context, tx db.Tx, sagaType, sagaID string, input json.RawMessage) (Instance, error) {
	def, err := c.definition(sagaType)
	if err != nil {
		return Instance{}, err
	}
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		sagaID = uuid.NewString()
	}
	if len(input) > 0 && !json.Valid(input) {
		return Instance{}, fmt.Errorf("saga: input for %s is not valid JSON", sagaID)
	}

	ctx, span := c.tracer.Start(ctx, "saga.start", trace.WithAttributes(
		attribute.String("saga.type", sagaType),
		attribute.String("saga.id", sagaID),
	))
	defer span.End()

	now := c.now()
	inst := Instance{
		ID:        sagaID,
		Type:      def.Type,
		Status:    StatusRunning,
		Data:      Data{Input: input},
		StartedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(def.Timeout),
		Steps:     make([]Step, len(def.Steps)),
	}
	for i, s := range def.Steps {
		inst.Steps[i] = Step{
			Index:              i,
			Name:               s.Name,
			Status:             StepPending,
			CompensationAction: s.Compensation,
			UpdatedAt:          now,
		}
	}
	c.beginStep(&inst, def, 0, now)

	if err := c.repo.Create(ctx, tx, inst); err != nil {
		return Instance{}, err
	}
	if err := c.stage(ctx, tx, def, inst, 0, false); err != nil {
		return Instance{}, err
	}
	c.recorder.SagaStarted(ctx, def.Type)
	c.logger.InfoContext(ctx, "saga started", "saga_id", inst.ID, "saga_type", inst.Type)
	return inst, nil
}

// HandleResult applies a collaborator's answer within tx. Results that do
// not match the saga's current position (duplicates, late answers, answers
// for finished sagas) are ignored.
func (c *Coordinator) HandleResult(ctx context.Context, tx db.Tx, res StepResult) error {
	inst, err := c.repo.GetForUpdate(ctx, tx, res.SagaID)
	if errors.Is(err, ErrSagaNotFound) {
		c.logger.WarnContext(ctx, "step result for unknown saga", "saga_id", res.SagaID, "step_index", res.StepIndex)
		return nil
	}
	if err != nil {
		return err
	}
	def, err := c.definition(inst.Type)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "saga.step_result", trace.WithAttributes(
		attribute.String("saga.type", inst.Type),
		attribute.String("saga.id", inst.ID),
		attribute.Int("saga.step_index", res.StepIndex),
		attribute.Bool("saga.compensation", res.Compensation),
		attribute.Bool("saga.success", res.Success),
	))
	defer span.End()

	now := c.now()
	var applied bool
	if res.Compensation {
		applied, err = c.applyCompensationResult(ctx, tx, def, &inst, res, now)
	} else {
		applied, err = c.applyStepResult(ctx, tx, def, &inst, res, now)
	}
	if err != nil {
		return err
	}
	if !applied {
		c.logger.DebugContext(ctx, "ignoring stale step result",
			"saga_id", inst.ID, "status", inst.Status, "current_step", inst.CurrentStep,
			"step_index", res.StepIndex, "compensation", res.Compensation)
		return nil
	}
	return c.save(ctx, tx, inst, now)
}

func (c *Coordinator) applyStepResult(ctx context.Context, tx db.Tx, def Definition, inst *Instance, res StepResult, now time.Time) (bool, error) {
	if inst.Status != StatusRunning || res.StepIndex != inst.CurrentStep {
		return false, nil
	}
	step := inst.step(res.StepIndex)
	if step == nil || step.Status != StepRunning {
		return false, nil
	}

	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "step failed"
		}
		c.finishStep(ctx, inst, step, StepFailed, reason, now)
		return true, c.compensate(ctx, tx, def, inst, step.Index-1, fmt.Sprintf("%s: %s", step.Name, reason), now)
	}

	c.finishStep(ctx, inst, step, StepSucceeded, "", now)
	if len(res.Output) > 0 && json.Valid(res.Output) {
		if inst.Data.Outputs == nil {
			inst.Data.Outputs = map[string]json.RawMessage{}
		}
		inst.Data.Outputs[step.Name] = res.Output
	}

	next := step.Index + 1
	if next == len(inst.Steps) {
		c.finish(ctx, inst, StatusCompleted, now)
		return true, nil
	}
	c.beginStep(inst, def, next, now)
	return true, c.stage(ctx, tx, def, *inst, next, false)
}

func (c *Coordinator) applyCompensationResult(ctx context.Context, tx db.Tx, def Definition, inst *Instance, res StepResult, now time.Time) (bool, error) {
	if inst.Status != StatusCompensating || res.StepIndex != inst.CurrentStep {
		return false, nil
	}
	step := inst.step(res.StepIndex)
	if step == nil || step.Status != StepCompensating {
		return false, nil
	}
	if res.Success {
		c.compensated(ctx, inst, step, now)
		return true, c.compensate(ctx, tx, def, inst, step.Index-1, "", now)
	}
	// A failure answering an attempt that was already superseded says
	// nothing about the attempt in flight.
	if res.Attempt > 0 && res.Attempt != step.Attempts {
		return false, nil
	}
	reason := res.Error
	if reason == "" {
		reason = "compensation failed"
	}
	return true, c.retryCompensation(ctx, tx, def, inst, step, reason, now)
}

// compensate walks the steps from index from down to 0 and starts the first
// compensation that has work to do. With nothing left the saga is
// compensated.
func (c *Coordinator) compensate(ctx context.Context, tx db.Tx, def Definition, inst *Instance, from int, reason string, now time.Time) error {
	if inst.Status != StatusCompensating {
		inst.Status = StatusCompensating
		inst.LastError = reason
		c.logger.WarnContext(ctx, "saga compensating", "saga_id", inst.ID, "saga_type", inst.Type, "reason", reason)
	}
	for i := from; i >= 0; i-- {
		step := &inst.Steps[i]
		if step.Status != StepSucceeded && step.Status != StepTimedOut {
			continue
		}
		inst.CurrentStep = i
		if step.CompensationAction == "" {
			c.compensated(ctx, inst, step, now)
			continue
		}
		timeout := now.Add(def.Steps[i].Timeout)
		step.Status = StepCompensating
		step.Attempts = 1
		step.StartedAt = &now
		step.TimeoutAt = &timeout
		step.UpdatedAt = now
		return c.stage(ctx, tx, def, *inst, i, true)
	}
	c.finish(ctx, inst, StatusCompensated, now)
	return nil
}

func (c *Coordinator) retryCompensation(ctx context.Context, tx db.Tx, def Definition, inst *Instance, step *Step, reason string, now time.Time) error {
	step.LastError = reason
	step.UpdatedAt = now
	if step.Attempts >= def.MaxCompensationAttempts {
		step.Status = StepCompensationFailed
		step.TimeoutAt = nil
		inst.LastError = fmt.Sprintf("compensation %s exhausted after %d attempts: %s", step.CompensationAction, step.Attempts, reason)
		c.recorder.SagaCompensation(ctx, inst.Type, step.Name, "exhausted")
		c.finish(ctx, inst, StatusFailed, now)
		return nil
	}
	timeout := now.Add(def.Steps[step.Index].Timeout)
	step.Attempts++
	step.TimeoutAt = &timeout
	c.recorder.SagaCompensation(ctx, inst.Type, step.Name, "retried")
	c.logger.WarnContext(ctx, "retrying compensation",
		"saga_id", inst.ID, "step", step.Name, "attempt", step.Attempts, "reason", reason)
	return c.stage(ctx, tx, def, *inst, step.Index, true)
}

func (c *Coordinator) beginStep(inst *Instance, def Definition, idx int, now time.Time) {
	timeout := now.Add(def.Steps[idx].Timeout)
	step := &inst.Steps[idx]
	step.Status = StepRunning
	step.StartedAt = &now
	step.TimeoutAt = &timeout
	step.UpdatedAt = now
	inst.CurrentStep = idx
}

func (c *Coordinator) finishStep(ctx context.Context, inst *Instance, step *Step, status StepStatus, reason string, now time.Time) {
	var took time.Duration
	if step.StartedAt != nil {
		took = now.Sub(*step.StartedAt)
	}
	step.Status = status
	step.LastError = reason
	step.TimeoutAt = nil
	step.UpdatedAt = now
	c.recorder.SagaStep(ctx, inst.Type, step.Name, string(status), took)
}

func (c *Coordinator) compensated(ctx context.Context, inst *Instance, step *Step, now time.Time) {
	step.Status = StepCompensated
	step.TimeoutAt = nil
	step.UpdatedAt = now
	c.recorder.SagaCompensation(ctx, inst.Type, step.Name, string(StepCompensated))
}

func (c *Coordinator) finish(ctx context.Context, inst *Instance, status Status, now time.Time) {
	inst.Status = status
	inst.CompletedAt = &now
	c.recorder.SagaFinished(ctx, inst.Type, string(status), now.Sub(inst.StartedAt))
	if status == StatusFailed {
		c.logger.ErrorContext(ctx, "saga failed, operator action required",
			"saga_id", inst.ID, "saga_type", inst.Type, "err", inst.LastError)
		return
	}
	c.logger.InfoContext(ctx, "saga finished", "saga_id", inst.ID, "saga_type", inst.Type, "status", status)
}

func (c *Coordinator) save(ctx context.Context, tx db.Tx, inst Instance, now time.Time) error {
	inst.UpdatedAt = now
	if err := c.repo.Save(ctx, tx, inst); err != nil {
		return fmt.Errorf("saving saga %s: %w", inst.ID, err)
	}
	return nil
}

// stage writes the command for step idx to the outbox. The saga id is the
// outbox aggregate, so a saga's commands are delivered in order.
func (c *Coordinator) stage(ctx context.Context, tx db.Tx, def Definition, inst Instance, idx int, compensation bool) error {
	sd := def.Steps[idx]
	eventType := sd.Command
	attempt := 0
	if compensation {
		eventType = sd.Compensation
		attempt = inst.Steps[idx].Attempts
	}
	payload, err := json.Marshal(Command{
		SagaID:       inst.ID,
		SagaType:     inst.Type,
		StepIndex:    idx,
		Step:         sd.Name,
		Compensation: compensation,
		Attempt:      attempt,
		Input:        inst.Data.Input,
		Outputs:      inst.Data.Outputs,
	})
	if err != nil {
		return err
	}
	_, err = c.outbox.Stage(ctx, tx, outbox.Message{
		AggregateID:   inst.ID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
	})
	return err
}

// Sweep fails running steps and sagas whose timeout passed and retries
// compensations that never answered. It returns the number of sagas it moved.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := c.repo.DueForSweep(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing timed out sagas: %w", err)
	}
	moved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		err := db.WithTx(ctx, c.beginner, func(ctx context.Context, tx db.Tx) error {
			ok, err := c.expire(ctx, tx, id, now)
			if ok {
				moved++
			}
			return err
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "saga sweep failed", "saga_id", id, "err", err)
		}
	}
	return moved, nil
}

func (c *Coordinator) expire(ctx context.Context, tx db.Tx, id string, now time.Time) (bool, error) {
	inst, err := c.repo.GetForUpdate(ctx, tx, id)
	if errors.Is(err, ErrSagaNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	def, err := c.definition(inst.Type)
	if err != nil {
		return false, err
	}
	step := inst.step(inst.CurrentStep)
	stepDue := step != nil && step.TimeoutAt != nil && step.TimeoutAt.Before(now)

	switch {
	case inst.Status == StatusRunning && (stepDue || inst.TimeoutAt.Before(now)):
		reason := reasonSagaTimeout
		if !inst.TimeoutAt.Before(now) {
			reason = fmt.Sprintf("step %s timed out", step.Name)
		}
		// The step's effect may be partly visible, so it is compensated
		// along with the steps before it.
		if step != nil && step.Status == StepRunning {
			c.finishStep(ctx, &inst, step, StepTimedOut, reason, now)
		}
		if err := c.compensate(ctx, tx, def, &inst, inst.CurrentStep, reason, now); err != nil {
			return false, err
		}
	case inst.Status == StatusCompensating && stepDue && step.Status == StepCompensating:
		if err := c.retryCompensation(ctx, tx, def, &inst, step, "compensation timed out", now); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	return true, c.save(ctx, tx, inst, now)
}

func (c *Coordinator) Get(ctx context.Context, id string) (Instance, error) {
	return c.repo.Get(ctx, id)
}

// List returns sagas in status, newest first. An empty status lists all.
func (c *Coordinator) List(ctx context.Context, status Status, limit int) ([]Instance, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return c.repo.List(ctx, status, limit)
}

// Cleanup deletes completed and compensated sagas that finished before
// olderThan. Failed sagas are kept for operators.
func (c *Coordinator) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := c.repo.DeleteFinishedBefore(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("deleting finished sagas: %w", err)
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "finished sagas deleted", "count", n, "before", olderThan)
	}
	return n, nil
}

// RecordInFlight publishes the open saga counts to the metrics recorder.
func (c *Coordinator) RecordInFlight(ctx context.Context) error {
	counts, err := c.repo.CountOpen(ctx)
	if err != nil {
		return err
	}
	seen := map[[2]string]bool{}
	for _, n := range counts {
		seen[[2]string{n.Type, string(n.Status)}] = true
		c.recorder.SagasInFlight(ctx, n.Type, string(n.Status), n.Count)
	}
	// Report zero for registered types with nothing open so gauges drop.
	for _, t := range c.Types() {
		for _, st := range []Status{StatusRunning, StatusCompensating} {
			if !seen[[2]string{t, string(st)}] {
				c.recorder.SagasInFlight(ctx, t, string(st), 0)
			}
		}
	}
	return nil
}
