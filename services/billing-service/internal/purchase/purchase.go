// Package purchase defines the device purchase saga: reserve the device,
// charge the buyer's balance, then activate the device.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/balance"
)

const (
	SagaType = "device-purchase"

	// EventOrderPlaced starts a purchase from another service.
	EventOrderPlaced = "order.placed.v1"

	CommandReserveDevice  = "device.reserve.v1"
	CommandReleaseDevice  = "device.release.v1"
	CommandActivateDevice = "device.activate.v1"
)

var ErrInvalidRequest = errors.New("purchase: account, device and a positive amount are required")

type Request struct {
	// OrderID, when set, becomes the saga id so retries of the same order
	// do not buy twice.
	OrderID   string `json:"orderId,omitempty"`
	AccountID string `json:"accountId"`
	DeviceID  string `json:"deviceId"`
	Amount    int64  `json:"amount"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" || strings.TrimSpace(r.DeviceID) == "" || r.Amount <= 0 {
		return ErrInvalidRequest
	}
	return nil
}

func Definition(stepTimeout, sagaTimeout time.Duration) saga.Definition {
	return saga.Definition{
		Type: SagaType,
		Steps: []saga.StepDefinition{
			{Name: "reserve-device", Command: CommandReserveDevice, Compensation: CommandReleaseDevice, Timeout: stepTimeout},
			{Name: "charge-balance", Command: balance.CommandCharge, Compensation: balance.CommandRefund, Timeout: stepTimeout},
			{Name: "activate-device", Command: CommandActivateDevice, Timeout: stepTimeout},
		},
		Timeout: sagaTimeout,
	}
}

// FromOrder maps an order.placed.v1 event to a purchase saga keyed by the
// order id.
func FromOrder(env messaging.Envelope) (string, json.RawMessage, error) {
	var req Request
	if err := env.Decode(&req); err != nil {
		return "", nil, err
	}
	if err := req.Validate(); err != nil {
		return "", nil, err
	}
	input, err := json.Marshal(req)
	return req.OrderID, input, err
}

type Service struct {
	coord    *saga.Coordinator
	beginner db.Beginner
}

func NewService(coord *saga.Coordinator, beginner db.Beginner) *Service {
	return &Service{coord: coord, beginner: beginner}
}

// Routes registers the order trigger on r.
func (s *Service) Routes(r *messaging.Router) error {
	return r.Handle(EventOrderPlaced, s.coord.Trigger(EventOrderPlaced, SagaType, FromOrder))
}

// Place starts a purchase. Placing the same order id again returns the
// saga it already started.
func (s *Service) Place(ctx context.Context, req Request) (saga.Instance, error) {
	if err := req.Validate(); err != nil {
		return saga.Instance{}, err
	}
	id := req.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	input, err := json.Marshal(req)
	if err != nil {
		return saga.Instance{}, err
	}
	var inst saga.Instance
	err = db.WithTx(ctx, s.beginner, func(ctx context.Context, tx db.Tx) error {
		started, err := s.coord.Start(ctx, tx, SagaType, id, input)
		inst = started
		return err
	})
	if errors.Is(err, saga.ErrSagaExists) {
		return s.coord.Get(ctx, id)
	}
	return inst, err
}

func (s *Service) Get(ctx context.Context, id string) (saga.Instance, error) {
	inst, err := s.coord.Get(ctx, id)
	if err != nil {
		return saga.Instance{}, err
	}
	if inst.Type != SagaType {
		return saga.Instance{}, saga.ErrSagaNotFound
	}
	return inst, nil
}
