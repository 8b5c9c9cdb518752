package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/backoff"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	letters []Message
	reasons []string
}

func (s *recordingSink) DeadLetter(_ context.Context, m Message, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, m)
	s.reasons = append(s.reasons, reason)
	return nil
}

type fixture struct {
	mdb    *memdb.DB
	repo   *MemoryRepository
	outbox *Outbox
	pub    *messaging.MemoryPublisher
	clock  *clock
	relay  *Relay
	sink   *recordingSink
}

func newFixture(t *testing.T, cfg RelayConfig, pub messaging.Publisher) *fixture {
	t.Helper()
	f := &fixture{
		mdb:   memdb.New(),
		pub:   &messaging.MemoryPublisher{},
		clock: newClock(),
		sink:  &recordingSink{},
	}
	f.repo = NewMemoryRepository(f.mdb)
	var err error
	f.outbox, err = New(f.repo)
	require.NoError(t, err)
	f.outbox.now = f.clock.Now

	if pub == nil {
		pub = f.pub
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = backoff.Policy{Base: time.Second, Max: 10 * time.Second}
	}
	f.relay, err = NewRelay(f.mdb, f.repo, pub, metrics.Nop{}, discardLogger(), cfg,
		WithDeadLetterSink(f.sink), WithRelayClock(f.clock.Now))
	require.NoError(t, err)
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) stage(t *testing.T, aggregateID, eventType string) Message {
	t.Helper()
	var staged Message
	err := db.WithTx(context.Background(), f.mdb, func(ctx context.Context, tx db.Tx) error {
		var err error
		staged, err = f.outbox.Stage(ctx, tx, Message{
			AggregateID:   aggregateID,
			AggregateType: "balance",
			EventType:     eventType,
			Payload:       json.RawMessage(`{"amount":100}`),
		})
		return err
	})
	require.NoError(t, err)
	return staged
}

func (f *fixture) status(t *testing.T, id string) Message {
	t.Helper()
	m, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestStageValidatesAndDefaults(t *testing.T) {
	f := newFixture(t, RelayConfig{}, nil)
	ctx := context.Background()

	err := db.WithTx(ctx, f.mdb, func(ctx context.Context, tx db.Tx) error {
		_, err := f.outbox.Stage(ctx, tx, Message{EventType: "balance.charged.v1"})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = db.WithTx(ctx, f.mdb, func(ctx context.Context, tx db.Tx) error {
		_, err := f.outbox.Stage(ctx, tx, Message{AggregateID: "b-1", EventType: "x", Payload: json.RawMessage(`nope`)})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.outbox.Stage(ctx, nil, Message{AggregateID: "b-1", EventType: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	m := f.stage(t, "b-1", "balance.charged.v1")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "balance.charged.v1", m.RoutingKey)
	assert.Equal(t, StatusPending, m.Status)
	assert.Nil(t, m.TraceContext, "no active span")
}

func TestRolledBackStageLeavesNothing(t *testing.T) {
	f := newFixture(t, RelayConfig{}, nil)
	ctx := context.Background()
	boom := errors.New("handler failed after staging")

	err := db.WithTx(ctx, f.mdb, func(ctx context.Context, tx db.Tx) error {
		if _, err := f.outbox.Stage(ctx, tx, Message{AggregateID: "b-1", EventType: "balance.charged.v1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := f.relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Pending)

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Empty(t, f.pub.Published())
}

func TestCommittedMessageSurvivesUntilRelayRuns(t *testing.T) {
	f := newFixture(t, RelayConfig{}, nil)
	ctx := context.Background()

	m := f.stage(t, "b-1", "balance.charged.v1")
	f.clock.Advance(3 * time.Second)

	// no relay ran yet: the row simply waits
	b, err := f.relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Pending)
	assert.Equal(t, 3*time.Second, b.OldestAge)

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Delivered: 1}, res)

	got := f.pub.Published()
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.Equal(t, "b-1", got[0].AggregateID)
	assert.JSONEq(t, `{"amount":100}`, string(got[0].Payload))

	stored := f.status(t, m.ID)
	assert.Equal(t, StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)

	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestPublishFailureBacksOff(t *testing.T) {
	f := newFixture(t, RelayConfig{MaxAttempts: 5}, nil)
	ctx := context.Background()

	failures := 1
	f.pub.Fail = func(messaging.Envelope) error {
		if failures > 0 {
			failures--
			return errors.New("broker timeout")
		}
		return nil
	}
	m := f.stage(t, "b-1", "balance.charged.v1")

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	stored := f.status(t, m.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "broker timeout", stored.LastError)
	delay := stored.NextAttemptAt.Sub(f.clock.Now())
	assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
	assert.LessOrEqual(t, delay, time.Second)

	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "not due yet")

	f.clock.Advance(time.Second)
	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestPerAggregateOrderSurvivesFailures(t *testing.T) {
	f := newFixture(t, RelayConfig{MaxAttempts: 5}, nil)
	ctx := context.Background()

	first := f.stage(t, "b-1", "balance.credited.v1")
	second := f.stage(t, "b-1", "balance.charged.v1")
	other := f.stage(t, "b-2", "balance.credited.v1")

	failFirst := true
	f.pub.Fail = func(env messaging.Envelope) error {
		if env.ID == first.ID && failFirst {
			failFirst = false
			return errors.New("broker timeout")
		}
		return nil
	}

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 3, Delivered: 1, Retried: 1, Deferred: 1}, res)
	assert.Equal(t, StatusPending, f.status(t, second.ID).Status)
	assert.Zero(t, f.status(t, second.ID).Attempts)
	assert.Equal(t, StatusDelivered, f.status(t, other.ID).Status)

	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "b-1 is blocked behind its backing-off head")

	f.clock.Advance(2 * time.Second)
	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	var order []string
	for _, env := range f.pub.Published() {
		if env.AggregateID == "b-1" {
			order = append(order, env.ID)
		}
	}
	assert.Equal(t, []string{first.ID, second.ID}, order)
}

func TestExhaustedMessageFailsAndDeadLetters(t *testing.T) {
	f := newFixture(t, RelayConfig{MaxAttempts: 2}, nil)
	ctx := context.Background()

	poison := f.stage(t, "b-1", "balance.charged.v1")
	behind := f.stage(t, "b-1", "balance.refunded.v1")
	f.pub.Fail = func(env messaging.Envelope) error {
		if env.ID == poison.ID {
			return errors.New("message too large")
		}
		return nil
	}

	_, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored := f.status(t, poison.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "message too large", stored.LastError)

	require.Len(t, f.sink.letters, 1)
	assert.Equal(t, poison.ID, f.sink.letters[0].ID)
	assert.Equal(t, "message too large", f.sink.reasons[0])

	failed, err := f.relay.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, poison.ID, failed[0].ID)

	// a failed head no longer holds back the rest of the aggregate
	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, StatusDelivered, f.status(t, behind.ID).Status)

	b, err := f.relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Pending)
	assert.Equal(t, int64(1), b.Failed)
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, RelayConfig{MaxAttempts: 1}, nil)
	ctx := context.Background()

	broken := true
	f.pub.Fail = func(messaging.Envelope) error {
		if broken {
			return errors.New("unroutable")
		}
		return nil
	}
	m := f.stage(t, "b-1", "balance.charged.v1")

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	assert.ErrorIs(t, f.relay.Requeue(ctx, "6f1c2f0e-0000-4000-8000-000000000000"), ErrMessageNotFound)

	broken = false
	require.NoError(t, f.relay.Requeue(ctx, m.ID))
	stored := f.status(t, m.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)

	assert.ErrorIs(t, f.relay.Requeue(ctx, m.ID), ErrNotFailed)

	res, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestPurgeKeepsFailedAndRecentMessages(t *testing.T) {
	f := newFixture(t, RelayConfig{MaxAttempts: 1, Retention: time.Hour}, nil)
	ctx := context.Background()

	old := f.stage(t, "b-1", "balance.credited.v1")
	poison := f.stage(t, "b-2", "balance.charged.v1")
	f.pub.Fail = func(env messaging.Envelope) error {
		if env.ID == poison.ID {
			return errors.New("unroutable")
		}
		return nil
	}
	_, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	recent := f.stage(t, "b-3", "balance.credited.v1")
	_, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(45 * time.Minute)
	n, err := f.relay.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.repo.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, StatusFailed, f.status(t, poison.ID).Status)
	assert.Equal(t, StatusDelivered, f.status(t, recent.ID).Status)
}

func TestOpenBreakerDefersWithoutSpendingAttempts(t *testing.T) {
	pub := &messaging.MemoryPublisher{Fail: func(messaging.Envelope) error {
		return errors.New("connection refused")
	}}
	breaker, err := NewBreakerPublisher(pub, discardLogger(), BreakerConfig{ConsecutiveFailures: 1, OpenFor: time.Hour})
	require.NoError(t, err)

	f := newFixture(t, RelayConfig{MaxAttempts: 3}, breaker)
	ctx := context.Background()

	first := f.stage(t, "b-1", "balance.charged.v1")
	second := f.stage(t, "b-2", "balance.charged.v1")

	res, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Retried: 1, Deferred: 1}, res)
	assert.Equal(t, 1, f.status(t, first.ID).Attempts)
	assert.Zero(t, f.status(t, second.ID).Attempts)

	require.Error(t, breaker.ReadyCheck()(ctx))
}

func TestBreakerPassesThroughWhileClosed(t *testing.T) {
	pub := &messaging.MemoryPublisher{}
	breaker, err := NewBreakerPublisher(pub, discardLogger(), BreakerConfig{})
	require.NoError(t, err)

	require.NoError(t, breaker.Publish(context.Background(), messaging.Envelope{ID: "1", EventType: "x"}))
	assert.Len(t, pub.Published(), 1)
	assert.NoError(t, breaker.ReadyCheck()(context.Background()))

	_, err = NewBreakerPublisher(nil, nil, BreakerConfig{})
	assert.ErrorIs(t, err, ErrPublisherRequired)
}
