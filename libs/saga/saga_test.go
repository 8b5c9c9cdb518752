package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/lock"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
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

type sagaRecorder struct {
	metrics.Nop
	mu            sync.Mutex
	finished      []string
	compensations []string
	inFlight      map[string]int64
}

func (r *sagaRecorder) SagaFinished(_ context.Context, _, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func (r *sagaRecorder) SagaCompensation(_ context.Context, _, step, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations = append(r.compensations, step+":"+outcome)
}

func (r *sagaRecorder) SagasInFlight(_ context.Context, sagaType, status string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = map[string]int64{}
	}
	r.inFlight[sagaType+"/"+status] = n
}

// world wires a coordinator to simulated collaborators through a real outbox
// relay and idempotent consumer, all on one memdb.
type world struct {
	t          *testing.T
	mdb        *memdb.DB
	repo       *MemoryRepository
	outbox     *outbox.Outbox
	relay      *outbox.Relay
	pub        *messaging.MemoryPublisher
	router     *messaging.Router
	dispatcher *messaging.Dispatcher
	coord      *Coordinator
	clock      *clock
	rec        *sagaRecorder

	mu       sync.Mutex
	calls    []string
	behavior map[string]StepFunc
	// silent drops the next n deliveries of a command without an answer.
	silent map[string]int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorld(t *testing.T, defs ...Definition) *world {
	t.Helper()
	w := &world{
		t:        t,
		mdb:      memdb.New(),
		pub:      &messaging.MemoryPublisher{},
		router:   messaging.NewRouter(),
		clock:    &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		rec:      &sagaRecorder{},
		behavior: map[string]StepFunc{},
		silent:   map[string]int{},
	}
	obRepo := outbox.NewMemoryRepository(w.mdb)
	w.repo = NewMemoryRepository(w.mdb)

	var err error
	w.outbox, err = outbox.New(obRepo)
	require.NoError(t, err)
	w.relay, err = outbox.NewRelay(w.mdb, obRepo, w.pub, metrics.Nop{}, discardLogger(), outbox.RelayConfig{})
	require.NoError(t, err)
	w.coord, err = NewCoordinator(w.mdb, w.repo, w.outbox, w.rec, discardLogger(), WithClock(w.clock.Now))
	require.NoError(t, err)
	require.NoError(t, w.coord.Routes(w.router))

	for _, def := range defs {
		require.NoError(t, w.coord.Register(def))
		for _, command := range def.Commands() {
			require.NoError(t, w.router.Handle(command, CommandHandler(w.outbox, w.collaborator(command))))
		}
	}
	w.dispatcher, err = messaging.NewDispatcher("test-collaborators", w.mdb, messaging.NewMemoryInbox(w.mdb), w.router, discardLogger())
	require.NoError(t, err)
	return w
}

func (w *world) collaborator(command string) StepFunc {
	return func(ctx context.Context, tx db.Tx, cmd Command) (json.RawMessage, error) {
		w.mu.Lock()
		w.calls = append(w.calls, command)
		fn := w.behavior[command]
		w.mu.Unlock()
		if fn != nil {
			return fn(ctx, tx, cmd)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func (w *world) on(command string, fn StepFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.behavior[command] = fn
}

func (w *world) drop(command string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.silent[command] = n
}

func (w *world) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// pump relays and consumes until the outbox is quiet.
func (w *world) pump() {
	w.t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := w.relay.RunOnce(ctx)
		require.NoError(w.t, err)
		envs := w.pub.Take()
		if len(envs) == 0 {
			return
		}
		for _, env := range envs {
			w.mu.Lock()
			dropped := w.silent[env.EventType] > 0
			if dropped {
				w.silent[env.EventType]--
				w.calls = append(w.calls, env.EventType+" (lost)")
			}
			w.mu.Unlock()
			if dropped {
				continue
			}
			require.NoError(w.t, w.dispatcher.Dispatch(ctx, env))
		}
	}
	w.t.Fatal("outbox never went quiet")
}

func (w *world) start(sagaType string, input string) Instance {
	w.t.Helper()
	var inst Instance
	err := db.WithTx(context.Background(), w.mdb, func(ctx context.Context, tx db.Tx) error {
		var err error
		inst, err = w.coord.Start(ctx, tx, sagaType, "", json.RawMessage(input))
		return err
	})
	require.NoError(w.t, err)
	return inst
}

func (w *world) get(id string) Instance {
	w.t.Helper()
	inst, err := w.coord.Get(context.Background(), id)
	require.NoError(w.t, err)
	return inst
}

func abc() Definition {
	return Definition{
		Type: "abc",
		Steps: []StepDefinition{
			{Name: "a", Command: "do-a", Compensation: "undo-a"},
			{Name: "b", Command: "do-b", Compensation: "undo-b"},
			{Name: "c", Command: "do-c", Compensation: "undo-c"},
		},
	}
}

func devicePurchase() Definition {
	return Definition{
		Type: "device-purchase",
		Steps: []StepDefinition{
			{Name: "reserve-device", Command: "device.reserve.v1", Compensation: "device.release.v1", Timeout: time.Minute},
			{Name: "charge-balance", Command: "balance.charge.v1", Compensation: "balance.refund.v1", Timeout: time.Minute},
			{Name: "activate-device", Command: "device.activate.v1", Timeout: time.Minute},
		},
		Timeout: time.Hour,
	}
}

func stepStatuses(inst Instance) []StepStatus {
	out := make([]StepStatus, len(inst.Steps))
	for i, s := range inst.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRegisterValidatesDefinitions(t *testing.T) {
	w := newWorld(t, abc())

	err := w.coord.Register(abc())
	assert.ErrorIs(t, err, ErrTypeRegistered)

	for name, def := range map[string]Definition{
		"no type":        {Steps: []StepDefinition{{Name: "a", Command: "do-a"}}},
		"no steps":       {Type: "empty"},
		"no command":     {Type: "x", Steps: []StepDefinition{{Name: "a"}}},
		"duplicate step": {Type: "y", Steps: []StepDefinition{{Name: "a", Command: "1"}, {Name: "a", Command: "2"}}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, w.coord.Register(def), ErrInvalidDefinition)
		})
	}
}

func TestStartRequiresKnownType(t *testing.T) {
	w := newWorld(t)
	err := db.WithTx(context.Background(), w.mdb, func(ctx context.Context, tx db.Tx) error {
		_, err := w.coord.Start(ctx, tx, "nope", "", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrUnknownSagaType)
}

func TestSagaCompletesAndAccumulatesOutputs(t *testing.T) {
	w := newWorld(t, abc())
	w.on("do-b", func(_ context.Context, _ db.Tx, cmd Command) (json.RawMessage, error) {
		if _, ok := cmd.Outputs["a"]; !ok {
			return nil, Fail("a's output missing")
		}
		return json.RawMessage(`{"b":2}`), nil
	})

	inst := w.start("abc", `{"order":"o-1"}`)
	assert.Equal(t, StatusRunning, inst.Status)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"do-a", "do-b", "do-c"}, w.callLog())
	assert.Equal(t, []StepStatus{StepSucceeded, StepSucceeded, StepSucceeded}, stepStatuses(got))
	assert.JSONEq(t, `{"b":2}`, string(got.Data.Outputs["b"]))
	assert.JSONEq(t, `{"order":"o-1"}`, string(got.Data.Input))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"completed"}, w.rec.finished)
}

func TestFailureCompensatesInReverseOrderExactlyOnce(t *testing.T) {
	w := newWorld(t, abc())
	w.on("do-c", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("out of stock")
	})

	inst := w.start("abc", `{}`)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, []string{"do-a", "do-b", "do-c", "undo-b", "undo-a"}, w.callLog())
	assert.Equal(t, []StepStatus{StepCompensated, StepCompensated, StepFailed}, stepStatuses(got))
	assert.Equal(t, "out of stock", got.Steps[2].LastError)
	assert.Contains(t, got.LastError, "out of stock")
	assert.Equal(t, []string{"b:compensated", "a:compensated"}, w.rec.compensations)
	assert.Equal(t, []string{"compensated"}, w.rec.finished)
}

func TestFailureOnFirstStepCompensatesNothing(t *testing.T) {
	w := newWorld(t, abc())
	w.on("do-a", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("rejected")
	})

	inst := w.start("abc", `{}`)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, []string{"do-a"}, w.callLog())
}

func TestDevicePurchaseActivationFailureRefundsAndReleases(t *testing.T) {
	w := newWorld(t, devicePurchase())
	w.on("device.activate.v1", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("device offline")
	})

	inst := w.start("device-purchase", `{"deviceId":"dev-7","accountId":"acct-1","amount":500}`)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, []string{
		"device.reserve.v1",
		"balance.charge.v1",
		"device.activate.v1",
		"balance.refund.v1",
		"device.release.v1",
	}, w.callLog())
	assert.Equal(t, StepCompensated, got.Steps[0].Status)
	assert.Equal(t, StepCompensated, got.Steps[1].Status)
	assert.Equal(t, StepFailed, got.Steps[2].Status)
}

func TestStaleAndDuplicateResultsAreIgnored(t *testing.T) {
	w := newWorld(t, abc())
	inst := w.start("abc", `{}`)
	w.pump()
	done := w.get(inst.ID)
	require.Equal(t, StatusCompleted, done.Status)

	ctx := context.Background()
	for _, res := range []StepResult{
		{SagaID: inst.ID, StepIndex: 0, Success: true},
		{SagaID: inst.ID, StepIndex: 2, Success: false, Error: "late"},
		{SagaID: inst.ID, StepIndex: 1, Compensation: true, Success: true},
		{SagaID: "no-such-saga", StepIndex: 0, Success: true},
	} {
		err := db.WithTx(ctx, w.mdb, func(ctx context.Context, tx db.Tx) error {
			return w.coord.HandleResult(ctx, tx, res)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, done, w.get(inst.ID))
	w.pump()
	assert.Equal(t, []string{"do-a", "do-b", "do-c"}, w.callLog())
}

func TestOutOfOrderResultDoesNotAdvance(t *testing.T) {
	w := newWorld(t, abc())
	w.drop("do-a", 1)
	inst := w.start("abc", `{}`)
	w.pump()

	err := db.WithTx(context.Background(), w.mdb, func(ctx context.Context, tx db.Tx) error {
		return w.coord.HandleResult(ctx, tx, StepResult{SagaID: inst.ID, StepIndex: 1, Success: true})
	})
	require.NoError(t, err)

	got := w.get(inst.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, StepRunning, got.Steps[0].Status)
}

func TestStepTimeoutCompensatesTheTimedOutStep(t *testing.T) {
	w := newWorld(t, devicePurchase())
	w.drop("balance.charge.v1", 1)

	inst := w.start("device-purchase", `{}`)
	w.pump()
	require.Equal(t, StatusRunning, w.get(inst.ID).Status)

	n, err := w.coord.Sweep(context.Background(), w.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	w.clock.Advance(2 * time.Minute)
	n, err = w.coord.Sweep(context.Background(), w.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mid := w.get(inst.ID)
	assert.Equal(t, StatusCompensating, mid.Status)
	assert.Equal(t, "step charge-balance timed out", mid.LastError)

	w.pump()
	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, []string{
		"device.reserve.v1",
		"balance.charge.v1 (lost)",
		"balance.refund.v1",
		"device.release.v1",
	}, w.callLog())
	assert.Equal(t, []StepStatus{StepCompensated, StepCompensated, StepPending}, stepStatuses(got))
}

func TestSagaTimeoutIsIndependentOfStepTimeouts(t *testing.T) {
	def := abc()
	def.Timeout = time.Minute
	for i := range def.Steps {
		def.Steps[i].Timeout = time.Hour
	}
	w := newWorld(t, def)
	w.drop("do-b", 1)

	inst := w.start("abc", `{}`)
	w.pump()

	w.clock.Advance(2 * time.Minute)
	n, err := w.coord.Sweep(context.Background(), w.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, reasonSagaTimeout, got.LastError)
	assert.Equal(t, StepCompensated, got.Steps[1].Status)
	assert.Equal(t, []string{"do-a", "do-b (lost)", "undo-b", "undo-a"}, w.callLog())
}

func TestCompensationExhaustionFailsTheSaga(t *testing.T) {
	def := abc()
	def.MaxCompensationAttempts = 2
	w := newWorld(t, def)
	w.on("do-b", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("card declined")
	})
	w.on("undo-a", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("release rejected")
	})

	inst := w.start("abc", `{}`)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StepCompensationFailed, got.Steps[0].Status)
	assert.Equal(t, 2, got.Steps[0].Attempts)
	assert.Contains(t, got.LastError, "release rejected")
	assert.Equal(t, []string{"do-a", "do-b", "undo-a", "undo-a"}, w.callLog())
	assert.Equal(t, []string{"a:retried", "a:exhausted"}, w.rec.compensations)
	assert.Equal(t, []string{"failed"}, w.rec.finished)

	failed, err := w.coord.List(context.Background(), StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, inst.ID, failed[0].ID)
}

func TestUnansweredCompensationIsRetriedBySweep(t *testing.T) {
	w := newWorld(t, abc())
	w.on("do-b", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("nope")
	})
	w.drop("undo-a", 1)

	inst := w.start("abc", `{}`)
	w.pump()
	require.Equal(t, StatusCompensating, w.get(inst.ID).Status)

	w.clock.Advance(10 * time.Minute)
	n, err := w.coord.Sweep(context.Background(), w.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, 2, got.Steps[0].Attempts)
	assert.Equal(t, []string{"do-a", "do-b", "undo-a (lost)", "undo-a"}, w.callLog())
}

func TestStepWithoutCompensationIsSkipped(t *testing.T) {
	def := abc()
	def.Steps[0].Compensation = ""
	w := newWorld(t, def)
	w.on("do-c", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("nope")
	})

	inst := w.start("abc", `{}`)
	w.pump()

	got := w.get(inst.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, []string{"do-a", "do-b", "do-c", "undo-b"}, w.callLog())
	assert.Equal(t, StepCompensated, got.Steps[0].Status)
}

func TestTriggerStartsOneSagaPerInitiatingEvent(t *testing.T) {
	w := newWorld(t, devicePurchase())
	mapper := func(env messaging.Envelope) (string, json.RawMessage, error) {
		var order struct {
			OrderID string `json:"orderId"`
		}
		if err := env.Decode(&order); err != nil {
			return "", nil, err
		}
		return "purchase-" + order.OrderID, env.Payload, nil
	}
	require.NoError(t, w.router.Handle("order.placed.v1", w.coord.Trigger("order.placed.v1", "device-purchase", mapper)))

	ctx := context.Background()
	for _, id := range []string{"evt-1", "evt-2"} {
		require.NoError(t, w.dispatcher.Dispatch(ctx, messaging.Envelope{
			ID:        id,
			EventType: "order.placed.v1",
			Payload:   json.RawMessage(`{"orderId":"o-9"}`),
		}))
	}
	w.pump()

	all, err := w.coord.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "purchase-o-9", all[0].ID)
	assert.Equal(t, StatusCompleted, all[0].Status)
}

func TestCommandHandlerRetriesOnUnexpectedError(t *testing.T) {
	w := newWorld(t, abc())
	calls := 0
	w.on("do-a", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("database hiccup")
		}
		return nil, nil
	})

	inst := w.start("abc", `{}`)
	_, err := w.relay.RunOnce(context.Background())
	require.NoError(t, err)
	envs := w.pub.Take()
	require.Len(t, envs, 1)

	assert.Error(t, w.dispatcher.Dispatch(context.Background(), envs[0]))
	require.NoError(t, w.dispatcher.Dispatch(context.Background(), envs[0]))
	w.pump()

	assert.Equal(t, StatusCompleted, w.get(inst.ID).Status)
	assert.Equal(t, 2, calls)
}

func TestCleanupKeepsFailedSagas(t *testing.T) {
	def := abc()
	def.MaxCompensationAttempts = 1
	w := newWorld(t, def)

	completed := w.start("abc", `{}`)
	w.pump()

	w.on("do-b", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("nope")
	})
	w.on("undo-a", func(context.Context, db.Tx, Command) (json.RawMessage, error) {
		return nil, Fail("stuck")
	})
	failed := w.start("abc", `{}`)
	w.pump()
	require.Equal(t, StatusFailed, w.get(failed.ID).Status)

	ctx := context.Background()
	n, err := w.coord.Cleanup(ctx, w.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing finished before the cutoff")

	w.clock.Advance(time.Hour)
	n, err = w.coord.Cleanup(ctx, w.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = w.coord.Get(ctx, completed.ID)
	assert.ErrorIs(t, err, ErrSagaNotFound)
	assert.Equal(t, StatusFailed, w.get(failed.ID).Status)
}

func TestSweeperReportsInFlightAndHonoursLock(t *testing.T) {
	w := newWorld(t, abc())
	w.drop("do-a", 1)
	w.start("abc", `{}`)
	w.pump()

	locker := lock.NewLocal()
	lease, ok, err := locker.TryAcquire(context.Background(), sweeperLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := NewSweeper(w.coord, locker, discardLogger(), SweeperConfig{})
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Nil(t, w.rec.inFlight)

	require.NoError(t, lease.Release(context.Background()))
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.rec.inFlight["abc/running"])
	assert.Equal(t, int64(0), w.rec.inFlight["abc/compensating"])

	_, ok, err = locker.TryAcquire(context.Background(), sweeperLockKey)
	require.NoError(t, err)
	assert.True(t, ok, "sweeper released its lock")
}
