package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

// Handler applies one consumed envelope inside tx. Returning an error rolls
// the transaction back and leaves the message for redelivery.
type Handler func(ctx context.Context, tx db.Tx, env Envelope) error

type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: map[string]Handler{}}
}

func (r *Router) Handle(eventType string, h Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || h == nil {
		return fmt.Errorf("messaging: event type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("messaging: handler for %s already registered", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Router) Route(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes lists the routed event types, which double as topic names.
func (r *Router) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
