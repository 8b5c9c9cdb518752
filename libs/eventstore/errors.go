package eventstore

import (
	"errors"
	"fmt"
)

var (
	ErrConflict                = errors.New("eventstore: version conflict")
	ErrAggregateNotFound       = errors.New("eventstore: aggregate not found")
	ErrUnknownAggregateType    = errors.New("eventstore: no folder registered for aggregate type")
	ErrInvalidAppend           = errors.New("eventstore: invalid append request")
	ErrRepositoryRequired      = errors.New("eventstore: repository is required")
	ErrRecorderRequired        = errors.New("eventstore: metrics recorder is required")
	ErrFolderAlreadyRegistered = errors.New("eventstore: folder already registered")
)

// ConflictError reports that the aggregate moved past the version the caller
// read. Callers re-read state, recompute their events and append again.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Current     int64 // -1 when the backend could not read it back
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: version conflict on %s: expected %d, current %d", e.AggregateID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
