// Package device owns the device inventory aggregate and the purchase saga
// steps that reserve, release and activate devices.
package device

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
)

const AggregateType = "device"

const (
	EventRegistered    = "device.registered.v1"
	EventReserved      = "device.reserved.v1"
	EventReleased      = "device.released.v1"
	EventActivated     = "device.activated.v1"
	EventFaultReported = "device.fault_reported.v1"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusActive    Status = "active"
)

var (
	ErrNotFound      = errors.New("device: not found")
	ErrExists        = errors.New("device: already registered")
	ErrInvalidDevice = errors.New("device: id and model are required")
)

type Device struct {
	Model  string `json:"model"`
	Status Status `json:"status"`
	// ReservedBy is the saga holding the reservation or, once active, the
	// saga that bought the device.
	ReservedBy  string `json:"reservedBy,omitempty"`
	Faulty      bool   `json:"faulty,omitempty"`
	FaultReason string `json:"faultReason,omitempty"`
	// Released remembers sagas whose release ran, including releases that
	// arrived before the reservation. Such a saga cannot reserve later.
	Released map[string]bool `json:"released,omitempty"`
}

type Registered struct {
	Model string `json:"model"`
}

type SagaRef struct {
	SagaID string `json:"sagaId"`
}

type FaultReported struct {
	Reason string `json:"reason"`
}

// Folder rebuilds Device from its events.
var Folder = eventstore.JSONFolder[Device]{Apply: apply}

func apply(d *Device, ev eventstore.Event) error {
	switch ev.EventType {
	case EventRegistered:
		var p Registered
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d.Model = p.Model
		d.Status = StatusAvailable
	case EventReserved:
		var p SagaRef
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d.Status = StatusReserved
		d.ReservedBy = p.SagaID
	case EventReleased:
		var p SagaRef
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if d.ReservedBy == p.SagaID {
			d.Status = StatusAvailable
			d.ReservedBy = ""
		}
		if d.Released == nil {
			d.Released = map[string]bool{}
		}
		d.Released[p.SagaID] = true
	case EventActivated:
		d.Status = StatusActive
	case EventFaultReported:
		var p FaultReported
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d.Faulty = true
		d.FaultReason = p.Reason
	default:
		return fmt.Errorf("unknown device event %s", ev.EventType)
	}
	return nil
}
