// Package balance owns the prepaid balance aggregate: credits from top-ups,
// charges taken by device purchases and the refunds that undo them.
package balance

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
)

const AggregateType = "balance"

const (
	EventCredited = "balance.credited.v1"
	EventCharged  = "balance.charged.v1"
	EventRefunded = "balance.refunded.v1"
)

var (
	ErrInvalidAmount = errors.New("balance: amount must be positive")
	ErrAccountID     = errors.New("balance: account id is required")
)

// Account is the folded state. Amounts are in minor currency units.
type Account struct {
	Balance int64 `json:"balance"`
	// Charges maps a saga id to the amount it charged and has not refunded.
	Charges map[string]int64 `json:"charges,omitempty"`
	// Refunded remembers sagas whose refund ran, including refunds that
	// arrived before any charge. A later charge for such a saga is refused.
	Refunded map[string]bool `json:"refunded,omitempty"`
}

type Credited struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type Charged struct {
	SagaID string `json:"sagaId"`
	Amount int64  `json:"amount"`
}

type Refunded struct {
	SagaID string `json:"sagaId"`
	Amount int64  `json:"amount"`
}

// Folder rebuilds Account from its events.
var Folder = eventstore.JSONFolder[Account]{Apply: apply}

func apply(a *Account, ev eventstore.Event) error {
	switch ev.EventType {
	case EventCredited:
		var p Credited
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		a.Balance += p.Amount
	case EventCharged:
		var p Charged
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		a.Balance -= p.Amount
		if a.Charges == nil {
			a.Charges = map[string]int64{}
		}
		a.Charges[p.SagaID] = p.Amount
	case EventRefunded:
		var p Refunded
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		a.Balance += p.Amount
		delete(a.Charges, p.SagaID)
		if a.Refunded == nil {
			a.Refunded = map[string]bool{}
		}
		a.Refunded[p.SagaID] = true
	default:
		return fmt.Errorf("unknown balance event %s", ev.EventType)
	}
	return nil
}
