package saga

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	// StatusFailed means a compensation ran out of attempts. Only an
	// operator can move the saga on from here.
	StatusFailed Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusRunning, StatusCompensating, StatusCompleted, StatusCompensated, StatusFailed:
		return st, true
	}
	return "", false
}

type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepSucceeded          StepStatus = "succeeded"
	StepFailed             StepStatus = "failed"
	StepTimedOut           StepStatus = "timed_out"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Instance is the persisted state of one saga run.
type Instance struct {
	ID          string
	Type        string
	Status      Status
	CurrentStep int
	Data        Data
	LastError   string
	StartedAt   time.Time
	UpdatedAt   time.Time
	TimeoutAt   time.Time
	CompletedAt *time.Time
	Steps       []Step
}

// Data travels with the saga: the initiating input plus each completed
// step's output, keyed by step name.
type Data struct {
	Input   json.RawMessage            `json:"input,omitempty"`
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
}

type Step struct {
	Index              int
	Name               string
	Status             StepStatus
	CompensationAction string
	// Attempts counts compensation attempts.
	Attempts  int
	StartedAt *time.Time
	TimeoutAt *time.Time
	LastError string
	UpdatedAt time.Time
}

func (i *Instance) step(idx int) *Step {
	if idx < 0 || idx >= len(i.Steps) {
		return nil
	}
	return &i.Steps[idx]
}

func (i Instance) clone() Instance {
	c := i
	c.Steps = append([]Step(nil), i.Steps...)
	c.Data.Input = append(json.RawMessage(nil), i.Data.Input...)
	if i.Data.Outputs != nil {
		c.Data.Outputs = make(map[string]json.RawMessage, len(i.Data.Outputs))
		for k, v := range i.Data.Outputs {
			c.Data.Outputs[k] = v
		}
	}
	return c
}

// StepResultEvent is the event type collaborators reply with.
const StepResultEvent = "saga.step.result.v1"

// Command is the payload of a step or compensation command.
type Command struct {
	SagaID       string                     `json:"sagaId"`
	SagaType     string                     `json:"sagaType"`
	StepIndex    int                        `json:"stepIndex"`
	Step         string                     `json:"step"`
	Compensation bool                       `json:"compensation"`
	Attempt      int                        `json:"attempt,omitempty"`
	Input        json.RawMessage            `json:"input,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
}

// StepResult is a collaborator's answer to a Command.
type StepResult struct {
	SagaID       string          `json:"sagaId"`
	StepIndex    int             `json:"stepIndex"`
	Compensation bool            `json:"compensation"`
	Attempt      int             `json:"attempt,omitempty"`
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}
