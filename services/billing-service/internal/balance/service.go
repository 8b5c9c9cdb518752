package balance

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
	CommandCharge = "balance.charge.v1"
	CommandRefund = "balance.refund.v1"
)

type Service struct {
	store    *eventstore.Store
	outbox   *outbox.Outbox
	beginner db.Beginner
}

func NewService(store *eventstore.Store, ob *outbox.Outbox, beginner db.Beginner) (*Service, error) {
	if store == nil || ob == nil || beginner == nil {
		return nil, errors.New("balance: store, outbox and beginner are required")
	}
	if err := store.Register(AggregateType, Folder); err != nil {
		return nil, err
	}
	return &Service{store: store, outbox: ob, beginner: beginner}, nil
}

// Routes registers the saga command handlers on r.
func (s *Service) Routes(r *messaging.Router) error {
	if err := r.Handle(CommandCharge, saga.CommandHandler(s.outbox, s.Charge)); err != nil {
		return err
	}
	return r.Handle(CommandRefund, saga.CommandHandler(s.outbox, s.Refund))
}

// Get returns the account and its version. Unknown accounts are empty at
// version 0.
func (s *Service) Get(ctx context.Context, accountID string) (Account, int64, error) {
	st, err := s.store.Replay(ctx, accountID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return Account{}, 0, nil
	}
	if err != nil {
		return Account{}, 0, fmt.Errorf("loading account %s: %w", accountID, err)
	}
	if st.AggregateType != AggregateType {
		return Account{}, 0, fmt.Errorf("%s is a %s, not an account", accountID, st.AggregateType)
	}
	acct, err := eventstore.Decode[Account](st)
	return acct, st.Version, err
}

// Credit tops the account up, retrying when a concurrent write won, and
// returns the account with the version the credit landed at. The request id
// of ctx becomes the event's correlation id.
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, reference string) (Account, int64, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Account{}, 0, ErrAccountID
	}
	if amount <= 0 {
		return Account{}, 0, ErrInvalidAmount
	}
	var (
		out     Account
		version int64
	)
	err := eventstore.Retry(ctx, 0, func(ctx context.Context) error {
		return db.WithTx(ctx, s.beginner, func(ctx context.Context, tx db.Tx) error {
			acct, current, err := s.Get(ctx, accountID)
			if err != nil {
				return err
			}
			next, err := s.record(ctx, tx, accountID, current, EventCredited, Credited{Amount: amount, Reference: reference}, httpx.RequestIDFromContext(ctx))
			if err != nil {
				return err
			}
			acct.Balance += amount
			out, version = acct, next
			return nil
		})
	})
	if err != nil {
		return Account{}, 0, err
	}
	return out, version, nil
}

type purchaseInput struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
}

type ChargeResult struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

// Charge takes the purchase amount once per saga.
func (s *Service) Charge(ctx context.Context, tx db.Tx, cmd saga.Command) (json.RawMessage, error) {
	var in purchaseInput
	if err := json.Unmarshal(cmd.Input, &in); err != nil || in.AccountID == "" || in.Amount <= 0 {
		return nil, saga.Fail("purchase input needs an account and a positive amount")
	}
	acct, version, err := s.Get(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if amount, ok := acct.Charges[cmd.SagaID]; ok {
		return json.Marshal(ChargeResult{AccountID: in.AccountID, Amount: amount, Balance: acct.Balance})
	}
	if acct.Refunded[cmd.SagaID] {
		return nil, saga.Fail("purchase was already refunded")
	}
	if acct.Balance < in.Amount {
		return nil, saga.Fail(fmt.Sprintf("insufficient balance: have %d, need %d", acct.Balance, in.Amount))
	}
	if _, err := s.record(ctx, tx, in.AccountID, version, EventCharged, Charged{SagaID: cmd.SagaID, Amount: in.Amount}, cmd.SagaID); err != nil {
		return nil, err
	}
	return json.Marshal(ChargeResult{AccountID: in.AccountID, Amount: in.Amount, Balance: acct.Balance - in.Amount})
}

// Refund returns what the saga charged. Refunding a saga that never charged
// records the refund anyway so a late charge is refused.
func (s *Service) Refund(ctx context.Context, tx db.Tx, cmd saga.Command) (json.RawMessage, error) {
	var in purchaseInput
	if err := json.Unmarshal(cmd.Input, &in); err != nil || in.AccountID == "" {
		return json.RawMessage(`{"refunded":0}`), nil
	}
	acct, version, err := s.Get(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if acct.Refunded[cmd.SagaID] {
		return json.RawMessage(`{"refunded":0}`), nil
	}
	amount := acct.Charges[cmd.SagaID]
	if _, err := s.record(ctx, tx, in.AccountID, version, EventRefunded, Refunded{SagaID: cmd.SagaID, Amount: amount}, cmd.SagaID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{"refunded": amount})
}

// record appends one event, stages it for other services in tx and returns
// the account's new version.
func (s *Service) record(ctx context.Context, tx db.Tx, accountID string, version int64, eventType string, payload any, correlationID string) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	next, err := s.store.Append(ctx, tx, eventstore.AppendRequest{
		AggregateID:     accountID,
		AggregateType:   AggregateType,
		ExpectedVersion: version,
		Events: []eventstore.Event{{
			EventType:     eventType,
			Payload:       b,
			CorrelationID: correlationID,
		}},
	})
	if err != nil {
		return 0, err
	}
	_, err = s.outbox.Stage(ctx, tx, outbox.Message{
		AggregateID:   accountID,
		AggregateType: AggregateType,
		EventType:     eventType,
		Payload:       b,
	})
	return next, err
}
