package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
	"github.com/md-rashed-zaman/devicecloud/libs/httpx"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
)

const (
	CommandReserve  = "device.reserve.v1"
	CommandRelease  = "device.release.v1"
	CommandActivate = "device.activate.v1"
)

type Service struct {
	store    *eventstore.Store
	outbox   *outbox.Outbox
	beginner db.Beginner
}

func NewService(store *eventstore.Store, ob *outbox.Outbox, beginner db.Beginner) (*Service, error) {
	if store == nil || ob == nil || beginner == nil {
		return nil, errors.New("device: store, outbox and beginner are required")
	}
	if err := store.Register(AggregateType, Folder); err != nil {
		return nil, err
	}
	return &Service{store: store, outbox: ob, beginner: beginner}, nil
}

// Routes registers the saga command handlers on r.
func (s *Service) Routes(r *messaging.Router) error {
	for command, fn := range map[string]saga.StepFunc{
		CommandReserve:  s.Reserve,
		CommandRelease:  s.Release,
		CommandActivate: s.Activate,
	} {
		if err := r.Handle(command, saga.CommandHandler(s.outbox, fn)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Device, int64, error) {
	st, err := s.store.Replay(ctx, id)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return Device{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Device{}, 0, fmt.Errorf("loading device %s: %w", id, err)
	}
	if st.AggregateType != AggregateType {
		return Device{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d, err := eventstore.Decode[Device](st)
	return d, st.Version, err
}

func (s *Service) Register(ctx context.Context, id, model string) (Device, error) {
	id, model = strings.TrimSpace(id), strings.TrimSpace(model)
	if id == "" || model == "" {
		return Device{}, ErrInvalidDevice
	}
	err := db.WithTx(ctx, s.beginner, func(ctx context.Context, tx db.Tx) error {
		return s.record(ctx, tx, id, 0, EventRegistered, Registered{Model: model}, httpx.RequestIDFromContext(ctx))
	})
	if errors.Is(err, eventstore.ErrConflict) {
		return Device{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if err != nil {
		return Device{}, err
	}
	return Device{Model: model, Status: StatusAvailable}, nil
}

// ReportFault marks the device faulty. A faulty device can still be
// reserved but will not activate.
func (s *Service) ReportFault(ctx context.Context, id, reason string) (Device, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	var out Device
	err := eventstore.Retry(ctx, 0, func(ctx context.Context) error {
		return db.WithTx(ctx, s.beginner, func(ctx context.Context, tx db.Tx) error {
			d, version, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			if err := s.record(ctx, tx, id, version, EventFaultReported, FaultReported{Reason: reason}, httpx.RequestIDFromContext(ctx)); err != nil {
				return err
			}
			d.Faulty, d.FaultReason = true, reason
			out = d
			return nil
		})
	})
	return out, err
}

type purchaseInput struct {
	DeviceID string `json:"deviceId"`
}

func decodeInput(cmd saga.Command) (string, bool) {
	var in purchaseInput
	if err := json.Unmarshal(cmd.Input, &in); err != nil || strings.TrimSpace(in.DeviceID) == "" {
		return "", false
	}
	return in.DeviceID, true
}

func (s *Service) Reserve(ctx context.Context, tx db.Tx, cmd saga.Command) (json.RawMessage, error) {
	id, ok := decodeInput(cmd)
	if !ok {
		return nil, saga.Fail("purchase input needs a device id")
	}
	d, version, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, saga.Fail("unknown device " + id)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case d.ReservedBy == cmd.SagaID:
		return reservation(id, d.Model), nil
	case d.Released[cmd.SagaID]:
		return nil, saga.Fail("reservation was already released")
	case d.Status != StatusAvailable:
		return nil, saga.Fail(fmt.Sprintf("device %s is %s", id, d.Status))
	}
	if err := s.record(ctx, tx, id, version, EventReserved, SagaRef{SagaID: cmd.SagaID}, cmd.SagaID); err != nil {
		return nil, err
	}
	return reservation(id, d.Model), nil
}

func reservation(id, model string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"deviceId": id, "model": model})
	return b
}

// Release frees the saga's reservation. Releasing before the reservation
// landed records the release so the late reservation is refused.
func (s *Service) Release(ctx context.Context, tx db.Tx, cmd saga.Command) (json.RawMessage, error) {
	id, ok := decodeInput(cmd)
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	d, version, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, err
	}
	if d.Released[cmd.SagaID] {
		return json.RawMessage(`{}`), nil
	}
	if d.Status == StatusActive && d.ReservedBy == cmd.SagaID {
		return nil, saga.Fail("device is already active")
	}
	if err := s.record(ctx, tx, id, version, EventReleased, SagaRef{SagaID: cmd.SagaID}, cmd.SagaID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

func (s *Service) Activate(ctx context.Context, tx db.Tx, cmd saga.Command) (json.RawMessage, error) {
	id, ok := decodeInput(cmd)
	if !ok {
		return nil, saga.Fail("purchase input needs a device id")
	}
	d, version, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, saga.Fail("unknown device " + id)
	}
	if err != nil {
		return nil, err
	}
	if d.ReservedBy != cmd.SagaID {
		return nil, saga.Fail("device is not reserved for this purchase")
	}
	if d.Status == StatusActive {
		return json.RawMessage(`{"activated":true}`), nil
	}
	if d.Faulty {
		return nil, saga.Fail("device is faulty: " + d.FaultReason)
	}
	if err := s.record(ctx, tx, id, version, EventActivated, SagaRef{SagaID: cmd.SagaID}, cmd.SagaID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"activated":true}`), nil
}

// record appends one event and stages it for other services in tx.
func (s *Service) record(ctx context.Context, tx db.Tx, id string, version int64, eventType string, payload any, correlationID string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.store.Append(ctx, tx, eventstore.AppendRequest{
		AggregateID:     id,
		AggregateType:   AggregateType,
		ExpectedVersion: version,
		Events: []eventstore.Event{{
			EventType:     eventType,
			Payload:       b,
			CorrelationID: correlationID,
		}},
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Stage(ctx, tx, outbox.Message{
		AggregateID:   id,
		AggregateType: AggregateType,
		EventType:     eventType,
		Payload:       b,
	})
	return err
}
