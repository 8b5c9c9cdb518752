package balance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
	"github.com/md-rashed-zaman/devicecloud/libs/httpx"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
)

func newService(t *testing.T) *Service {
	t.Helper()
	mdb := memdb.New()
	store, err := eventstore.NewStore(eventstore.NewMemoryRepository(mdb), metrics.Nop{})
	require.NoError(t, err)
	ob, err := outbox.New(outbox.NewMemoryRepository(mdb))
	require.NoError(t, err)
	svc, err := NewService(store, ob, mdb)
	require.NoError(t, err)
	return svc
}

func command(sagaID, accountID string, amount int64) saga.Command {
	input, _ := json.Marshal(map[string]any{"accountId": accountID, "amount": amount})
	return saga.Command{SagaID: sagaID, SagaType: "device-purchase", Input: input}
}

func run(t *testing.T, svc *Service, fn saga.StepFunc, cmd saga.Command) (json.RawMessage, error) {
	t.Helper()
	var out json.RawMessage
	err := db.WithTx(context.Background(), svc.beginner, func(ctx context.Context, tx db.Tx) error {
		var err error
		out, err = fn(ctx, tx, cmd)
		return err
	})
	return out, err
}

func balanceOf(t *testing.T, svc *Service, accountID string) Account {
	t.Helper()
	acct, _, err := svc.Get(context.Background(), accountID)
	require.NoError(t, err)
	return acct
}

func TestCreditValidates(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Credit(context.Background(), " ", 10, "")
	assert.ErrorIs(t, err, ErrAccountID)
	_, _, err = svc.Credit(context.Background(), "acct-1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreditReturnsVersionAndCorrelatesRequest(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	var version int64
	h := httpx.WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		acct, v, err := svc.Credit(r.Context(), "acct-1", 100, "top-up")
		require.NoError(t, err)
		assert.Equal(t, int64(100), acct.Balance)
		version = v
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(httpx.RequestIDHeader, "req-77")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, int64(1), version)

	_, version, err := svc.Credit(ctx, "acct-1", 50, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	var correlations []string
	for ev, err := range svc.store.LoadEvents(ctx, "acct-1", 1) {
		require.NoError(t, err)
		correlations = append(correlations, ev.CorrelationID)
	}
	assert.Equal(t, []string{"req-77", ""}, correlations)
}

func TestConcurrentCreditsAllLand(t *testing.T) {
	svc := newService(t)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Credit(context.Background(), "acct-1", 100, "top-up")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, version, err := svc.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(5), version)
}

func TestChargeOncePerSaga(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Credit(context.Background(), "acct-1", 1000, "")
	require.NoError(t, err)

	out, err := run(t, svc, svc.Charge, command("saga-1", "acct-1", 300))
	require.NoError(t, err)
	var res ChargeResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, int64(700), res.Balance)

	_, err = run(t, svc, svc.Charge, command("saga-1", "acct-1", 300))
	require.NoError(t, err)
	assert.Equal(t, int64(700), balanceOf(t, svc, "acct-1").Balance)
}

func TestChargeRejectsInsufficientBalance(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Credit(context.Background(), "acct-1", 100, "")
	require.NoError(t, err)

	_, err = run(t, svc, svc.Charge, command("saga-1", "acct-1", 300))
	var failure *saga.StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Contains(t, failure.Reason, "insufficient balance")
	assert.Equal(t, int64(100), balanceOf(t, svc, "acct-1").Balance)
}

func TestRefundRestoresCharge(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Credit(context.Background(), "acct-1", 1000, "")
	require.NoError(t, err)
	_, err = run(t, svc, svc.Charge, command("saga-1", "acct-1", 300))
	require.NoError(t, err)

	_, err = run(t, svc, svc.Refund, command("saga-1", "acct-1", 300))
	require.NoError(t, err)
	_, err = run(t, svc, svc.Refund, command("saga-1", "acct-1", 300))
	require.NoError(t, err)

	acct := balanceOf(t, svc, "acct-1")
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Empty(t, acct.Charges)
	assert.True(t, acct.Refunded["saga-1"])
}

func TestRefundBeforeChargeBlocksLateCharge(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Credit(context.Background(), "acct-1", 1000, "")
	require.NoError(t, err)

	_, err = run(t, svc, svc.Refund, command("saga-1", "acct-1", 300))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balanceOf(t, svc, "acct-1").Balance)

	_, err = run(t, svc, svc.Charge, command("saga-1", "acct-1", 300))
	var failure *saga.StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, int64(1000), balanceOf(t, svc, "acct-1").Balance)
}
