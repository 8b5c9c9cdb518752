package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/sony/gobreaker"
)

// BreakerPublisher stops hammering a broker that keeps failing. While the
// breaker is open, Publish fails fast with ErrBrokerUnavailable and the relay
// ends its pass without spending the messages' attempts.
type BreakerPublisher struct {
	next messaging.Publisher
	cb   *gobreaker.CircuitBreaker
}

type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
}

func NewBreakerPublisher(next messaging.Publisher, logger *slog.Logger, cfg BreakerConfig) (*BreakerPublisher, error) {
	if next == nil {
		return nil, ErrPublisherRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "broker"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerPublisher{next: next, cb: cb}, nil
}

func (p *BreakerPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.cb.State()
}

// ReadyCheck reports an open breaker as not ready.
func (p *BreakerPublisher) ReadyCheck() func(context.Context) error {
	return func(context.Context) error {
		if p.cb.State() == gobreaker.StateOpen {
			return ErrBrokerUnavailable
		}
		return nil
	}
}
