package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatcher is the idempotent consumer: each envelope runs its handler and
// its inbox mark in one transaction, under a consumer span parented on the
// envelope's trace context.
type Dispatcher struct {
	consumer string
	beginner db.Beginner
	inbox    Inbox
	router   *Router
	logger   *slog.Logger
}

func NewDispatcher(consumer string, beginner db.Beginner, inbox Inbox, router *Router, logger *slog.Logger) (*Dispatcher, error) {
	switch {
	case consumer == "":
		return nil, errors.New("messaging: consumer name is required")
	case beginner == nil:
		return nil, errors.New("messaging: transaction beginner is required")
	case inbox == nil:
		return nil, errors.New("messaging: inbox is required")
	case router == nil:
		return nil, errors.New("messaging: router is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{consumer: consumer, beginner: beginner, inbox: inbox, router: router, logger: logger}, nil
}

func (d *Dispatcher) Router() *Router {
	return d.router
}

// Dispatch applies env once. Envelopes without a handler and duplicates are
// acknowledged without effect.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	ctx, span := otelx.StartConsumeSpan(ctx, env.Carrier(), env.EventType+" process",
		attribute.String("messaging.operation", "process"),
		attribute.String("messaging.destination.name", env.RoutingKey),
		attribute.String("messaging.message.id", env.ID),
		attribute.String("messaging.consumer.group.name", d.consumer),
	)
	defer span.End()

	h, ok := d.router.Route(env.EventType)
	if !ok {
		d.logger.DebugContext(ctx, "no handler for event", "event_type", env.EventType, "event_id", env.ID)
		return nil
	}

	duplicate := false
	err := db.WithTx(ctx, d.beginner, func(ctx context.Context, tx db.Tx) error {
		fresh, err := d.inbox.Record(ctx, tx, d.consumer, env.ID, env.EventType)
		if err != nil {
			return fmt.Errorf("recording inbox entry: %w", err)
		}
		if !fresh {
			duplicate = true
			return nil
		}
		return h(ctx, tx, env)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("handling %s %s: %w", env.EventType, env.ID, err)
	}
	if duplicate {
		span.SetAttributes(attribute.Bool("messaging.duplicate", true))
		d.logger.InfoContext(ctx, "duplicate event ignored", "event_id", env.ID, "event_type", env.EventType)
	}
	return nil
}
