package saga

import "errors"

var (
	ErrSagaNotFound       = errors.New("saga: not found")
	ErrSagaExists         = errors.New("saga: already exists")
	ErrUnknownSagaType    = errors.New("saga: unknown saga type")
	ErrInvalidDefinition  = errors.New("saga: invalid definition")
	ErrTypeRegistered     = errors.New("saga: type already registered")
	ErrRepositoryRequired = errors.New("saga: repository is required")
)

// StepFailure is a definitive business failure returned by a command
// handler. It is answered with a failed step result instead of being retried.
type StepFailure struct {
	Reason string
}

func (e *StepFailure) Error() string {
	return "step failed: " + e.Reason
}

func Fail(reason string) error {
	return &StepFailure{Reason: reason}
}
