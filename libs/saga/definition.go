package saga

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultSagaTimeout             = 24 * time.Hour
	defaultStepTimeout             = 5 * time.Minute
	defaultMaxCompensationAttempts = 3
)

// StepDefinition names the command that performs a step and the one that
// undoes it. Compensation may be empty for steps with nothing to undo.
// Compensation handlers must be idempotent and must cope with a step whose
// effect never fully happened.
type StepDefinition struct {
	Name         string
	Command      string
	Compensation string
	Timeout      time.Duration
}

type Definition struct {
	Type  string
	Steps []StepDefinition
	// Timeout bounds the whole saga, independent of step timeouts.
	Timeout                 time.Duration
	MaxCompensationAttempts int
}

func (d Definition) normalized() (Definition, error) {
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return d, fmt.Errorf("%w: type is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return d, fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Type)
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultSagaTimeout
	}
	if d.MaxCompensationAttempts <= 0 {
		d.MaxCompensationAttempts = defaultMaxCompensationAttempts
	}
	steps := make([]StepDefinition, len(d.Steps))
	seen := map[string]bool{}
	for i, s := range d.Steps {
		if s.Name == "" || s.Command == "" {
			return d, fmt.Errorf("%w: %s step %d needs a name and a command", ErrInvalidDefinition, d.Type, i)
		}
		if seen[s.Name] {
			return d, fmt.Errorf("%w: %s has two steps named %s", ErrInvalidDefinition, d.Type, s.Name)
		}
		seen[s.Name] = true
		if s.Timeout <= 0 {
			s.Timeout = defaultStepTimeout
		}
		steps[i] = s
	}
	d.Steps = steps
	return d, nil
}

// Commands lists every command and compensation event type d can emit.
func (d Definition) Commands() []string {
	var out []string
	for _, s := range d.Steps {
		out = append(out, s.Command)
		if s.Compensation != "" {
			out = append(out, s.Compensation)
		}
	}
	return out
}
