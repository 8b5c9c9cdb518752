package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
)

// Mapper turns an initiating event into a saga id and input. An empty id
// falls back to the event id, so a redelivered initiating event maps to the
// saga it already started.
type Mapper func(env messaging.Envelope) (sagaID string, input json.RawMessage, err error)

// Trigger returns a handler that starts a sagaType saga for each eventType
// envelope.
func (c *Coordinator) Trigger(eventType, sagaType string, mapper Mapper) messaging.Handler {
	return func(ctx context.Context, tx db.Tx, env messaging.Envelope) error {
		if env.EventType != eventType {
			return fmt.Errorf("saga: %s trigger got %s", eventType, env.EventType)
		}
		id, input := "", env.Payload
		if mapper != nil {
			var err error
			if id, input, err = mapper(env); err != nil {
				return fmt.Errorf("mapping %s to %s: %w", env.ID, sagaType, err)
			}
		}
		if id == "" {
			id = env.ID
		}
		_, err := c.Start(ctx, tx, sagaType, id, input)
		if errors.Is(err, ErrSagaExists) {
			c.logger.DebugContext(ctx, "saga already started", "saga_id", id, "event_id", env.ID)
			return nil
		}
		return err
	}
}

// ResultHandler consumes StepResultEvent envelopes.
func (c *Coordinator) ResultHandler() messaging.Handler {
	return func(ctx context.Context, tx db.Tx, env messaging.Envelope) error {
		var res StepResult
		if err := env.Decode(&res); err != nil {
			return fmt.Errorf("decoding step result %s: %w", env.ID, err)
		}
		if res.SagaID == "" {
			return fmt.Errorf("step result %s has no saga id", env.ID)
		}
		return c.HandleResult(ctx, tx, res)
	}
}

// Routes registers the result handler on r.
func (c *Coordinator) Routes(r *messaging.Router) error {
	return r.Handle(StepResultEvent, c.ResultHandler())
}

// StepFunc performs one command inside the consumer's transaction. It returns
// the step output, a StepFailure for a definitive business failure, or any
// other error to have the command redelivered. A StepFunc must not have
// written anything when it returns a StepFailure.
type StepFunc func(ctx context.Context, tx db.Tx, cmd Command) (json.RawMessage, error)

// CommandHandler adapts fn for a collaborator: the command is decoded, fn
// runs, and the outcome is staged through ob as a step result in the same
// transaction.
func CommandHandler(ob *outbox.Outbox, fn StepFunc) messaging.Handler {
	return func(ctx context.Context, tx db.Tx, env messaging.Envelope) error {
		var cmd Command
		if err := env.Decode(&cmd); err != nil {
			return fmt.Errorf("decoding saga command %s: %w", env.ID, err)
		}
		if cmd.SagaID == "" {
			return fmt.Errorf("saga command %s has no saga id", env.ID)
		}
		res := StepResult{
			SagaID:       cmd.SagaID,
			StepIndex:    cmd.StepIndex,
			Compensation: cmd.Compensation,
			Attempt:      cmd.Attempt,
		}
		out, err := fn(ctx, tx, cmd)
		var failure *StepFailure
		switch {
		case errors.As(err, &failure):
			res.Error = failure.Reason
		case err != nil:
			return err
		default:
			res.Success = true
			res.Output = out
		}
		return Reply(ctx, tx, ob, res)
	}
}

// Reply stages res for the coordinator.
func Reply(ctx context.Context, tx db.Tx, ob *outbox.Outbox, res StepResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = ob.Stage(ctx, tx, outbox.Message{
		AggregateID:   res.SagaID,
		AggregateType: aggregateType,
		EventType:     StepResultEvent,
		Payload:       payload,
	})
	return err
}
