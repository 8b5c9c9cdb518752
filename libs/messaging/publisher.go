package messaging

import (
	"context"
	"sync"
)

// Publisher hands an envelope to the broker. A nil error means the broker
// acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// MemoryPublisher acknowledges every envelope and keeps it for inspection.
// It serves STORAGE=memory runs and tests. Fail, when set, is consulted first
// and its error is returned without recording the envelope.
type MemoryPublisher struct {
	Fail func(env Envelope) error

	mu        sync.Mutex
	published []Envelope
}

func (p *MemoryPublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(env); err != nil {
			return err
		}
	}
	p.published = append(p.published, env)
	return nil
}

// Published returns a copy of everything acknowledged so far.
func (p *MemoryPublisher) Published() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.published...)
}

// Take returns and forgets everything acknowledged so far.
func (p *MemoryPublisher) Take() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.published
	p.published = nil
	return out
}
