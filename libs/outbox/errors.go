package outbox

import "errors"

var (
	ErrInvalidMessage     = errors.New("outbox: invalid message")
	ErrMessageNotFound    = errors.New("outbox: message not found")
	ErrNotFailed          = errors.New("outbox: only failed messages can be requeued")
	ErrRepositoryRequired = errors.New("outbox: repository is required")
	ErrPublisherRequired  = errors.New("outbox: publisher is required")
	ErrBrokerUnavailable  = errors.New("outbox: broker unavailable")
)
