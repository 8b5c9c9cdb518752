package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/backoff"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeadLetterSink receives messages that ran out of attempts. The message is
// already marked failed in the outbox; the sink is an extra operator path.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, m Message, reason string) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Backoff      backoff.Policy
	// Retention is how long delivered rows are kept. Zero keeps them forever.
	Retention time.Duration
}

// Relay publishes staged messages. Any number of relays may run against the
// same table; claiming keeps them from publishing the same row concurrently.
// A message is marked delivered only after the broker acknowledged it, so a
// crash between publish and commit causes a redelivery, never a loss.
type Relay struct {
	beginner   db.Beginner
	repo       Repository
	publisher  messaging.Publisher
	deadLetter DeadLetterSink
	recorder   metrics.Recorder
	logger     *slog.Logger
	cfg        RelayConfig
	now        func() time.Time
}

type RelayOption func(*Relay)

func WithDeadLetterSink(s DeadLetterSink) RelayOption {
	return func(r *Relay) { r.deadLetter = s }
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRelay(beginner db.Beginner, repo Repository, publisher messaging.Publisher, recorder metrics.Recorder, logger *slog.Logger, cfg RelayConfig, opts ...RelayOption) (*Relay, error) {
	switch {
	case beginner == nil:
		return nil, errors.New("outbox: transaction beginner is required")
	case repo == nil:
		return nil, ErrRepositoryRequired
	case publisher == nil:
		return nil, ErrPublisherRequired
	case recorder == nil:
		return nil, errors.New("outbox: metrics recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 5 * time.Minute
	}
	r := &Relay{
		beginner:  beginner,
		repo:      repo,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Result summarizes one relay pass.
type Result struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
	// Deferred counts claimed rows left untouched, either queued behind a
	// failed row of the same aggregate or cut off by an open breaker.
	Deferred int
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				res, err := r.RunOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("outbox relay pass failed", "err", err)
					}
					break
				}
				// drain while full batches keep flowing
				if res.Delivered < r.cfg.BatchSize {
					break
				}
			}
			if _, err := r.Backlog(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox backlog check failed", "err", err)
			}
		}
	}
}

// RunOnce claims and publishes one batch.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var terminal []terminalFailure
	err := db.WithTx(ctx, r.beginner, func(ctx context.Context, tx db.Tx) error {
		res, terminal = Result{}, nil
		msgs, err := r.repo.Claim(ctx, tx, r.now(), r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claiming outbox batch: %w", err)
		}
		res.Claimed = len(msgs)

		stalled := map[string]bool{}
		for i, m := range msgs {
			if stalled[m.AggregateID] {
				res.Deferred++
				continue
			}
			pubErr := r.publish(ctx, m)
			if pubErr == nil {
				now := r.now()
				if err := r.repo.MarkDelivered(ctx, tx, m.ID, now); err != nil {
					return fmt.Errorf("marking %s delivered: %w", m.ID, err)
				}
				res.Delivered++
				r.recorder.OutboxDelivered(ctx, m.EventType, now.Sub(m.CreatedAt))
				continue
			}

			if errors.Is(pubErr, ErrBrokerUnavailable) {
				res.Deferred += len(msgs) - i
				r.logger.Warn("broker unavailable, ending relay pass", "err", pubErr, "remaining", len(msgs)-i)
				break
			}

			stalled[m.AggregateID] = true
			attempts := m.Attempts + 1
			if attempts >= r.cfg.MaxAttempts {
				if err := r.repo.MarkFailed(ctx, tx, m.ID, attempts, pubErr.Error()); err != nil {
					return fmt.Errorf("marking %s failed: %w", m.ID, err)
				}
				m.Attempts = attempts
				m.Status = StatusFailed
				m.LastError = pubErr.Error()
				terminal = append(terminal, terminalFailure{msg: m, err: pubErr})
				res.Failed++
				continue
			}
			next := r.now().Add(r.cfg.Backoff.Delay(attempts))
			if err := r.repo.MarkRetry(ctx, tx, m.ID, attempts, next, pubErr.Error()); err != nil {
				return fmt.Errorf("scheduling retry of %s: %w", m.ID, err)
			}
			res.Retried++
			r.recorder.OutboxPublishFailed(ctx, m.EventType, false)
			r.logger.Warn("outbox publish failed, will retry",
				"message_id", m.ID,
				"event_type", m.EventType,
				"aggregate_id", m.AggregateID,
				"attempts", attempts,
				"next_attempt_at", next,
				"err", pubErr,
			)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, f := range terminal {
		r.exhausted(ctx, f.msg, f.err)
	}
	return res, nil
}

type terminalFailure struct {
	msg Message
	err error
}

// exhausted runs after the failed status committed.
func (r *Relay) exhausted(ctx context.Context, m Message, cause error) {
	r.recorder.OutboxPublishFailed(ctx, m.EventType, true)
	r.logger.Error("outbox message failed permanently",
		"message_id", m.ID,
		"event_type", m.EventType,
		"aggregate_id", m.AggregateID,
		"attempts", m.Attempts,
		"err", cause,
	)
	if r.deadLetter == nil {
		return
	}
	if err := r.deadLetter.DeadLetter(ctx, m, cause.Error()); err != nil {
		r.logger.Error("dead-letter hand-off failed", "message_id", m.ID, "err", err)
	}
}

// publish sends m under a producer span parented on the trace context
// captured when m was staged.
func (r *Relay) publish(ctx context.Context, m Message) error {
	pubCtx := otelx.Restore(ctx, m.TraceContext)
	if len(m.TraceContext) == 0 {
		pubCtx = trace.ContextWithSpanContext(ctx, trace.SpanContext{})
	}
	pubCtx, span := otel.Tracer("devicecloud/outbox").Start(pubCtx, m.RoutingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", m.RoutingKey),
			attribute.String("messaging.message.id", m.ID),
			attribute.Int("outbox.attempt", m.Attempts+1),
		),
	)
	defer span.End()

	traceparent, tracestate := otelx.TraceContextStrings(pubCtx)
	env := messaging.Envelope{
		ID:          m.ID,
		EventType:   m.EventType,
		RoutingKey:  m.RoutingKey,
		AggregateID: m.AggregateID,
		Payload:     m.Payload,
		Traceparent: traceparent,
		Tracestate:  tracestate,
		OccurredAt:  m.CreatedAt,
	}
	if err := r.publisher.Publish(pubCtx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Backlog reports pending and failed counts and records them as metrics.
func (r *Relay) Backlog(ctx context.Context) (Backlog, error) {
	b, err := r.repo.Backlog(ctx, r.now())
	if err != nil {
		return Backlog{}, err
	}
	r.recorder.OutboxBacklog(ctx, b.Pending, b.OldestAge)
	return b, nil
}

func (r *Relay) Failed(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.repo.ListFailed(ctx, limit)
}

func (r *Relay) Get(ctx context.Context, id string) (Message, error) {
	return r.repo.Get(ctx, id)
}

// Requeue gives a failed message a fresh set of attempts.
func (r *Relay) Requeue(ctx context.Context, id string) error {
	if err := r.repo.Requeue(ctx, id, r.now()); err != nil {
		return err
	}
	r.logger.Info("outbox message requeued", "message_id", id)
	return nil
}

// Purge deletes delivered messages older than the retention window.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.repo.PurgeDelivered(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purging delivered outbox messages: %w", err)
	}
	if n > 0 {
		r.logger.Info("purged delivered outbox messages", "count", n)
	}
	return n, nil
}

// RunPurge purges on every tick of interval.
func (r *Relay) RunPurge(ctx context.Context, interval time.Duration) {
	if r.cfg.Retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox purge failed", "err", err)
			}
		}
	}
}
