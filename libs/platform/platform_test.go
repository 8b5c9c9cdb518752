package platform

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE", "memory")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")
	t.Setenv("LOCK_BACKEND", "")
	t.Setenv("DEAD_LETTER", "")
}

func TestConfigFromEnvCollectsErrors(t *testing.T) {
	t.Setenv("STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "600")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OUTBOX_POLL_INTERVAL", "often")

	_, err := ConfigFromEnv("test-service", "8080")
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "KAFKA_BROKERS", "REDIS_URL", "OUTBOX_POLL_INTERVAL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigFromEnvMemoryDefaults(t *testing.T) {
	memoryEnv(t)

	cfg, err := ConfigFromEnv("test-service", "8080")
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, LockLocal, cfg.LockBackend)
	assert.Equal(t, "test-service", cfg.KafkaGroupID)
	assert.Equal(t, DeadLetterNone, cfg.DeadLetter)
}

func TestConfigRejectsPostgresLockOnMemory(t *testing.T) {
	memoryEnv(t)
	t.Setenv("LOCK_BACKEND", "postgres")

	_, err := ConfigFromEnv("test-service", "8080")
	assert.ErrorContains(t, err, "LOCK_BACKEND=postgres")
}

type fixture struct {
	p     *Platform
	pub   *messaging.MemoryPublisher
	coord *saga.Coordinator
	srv   *httptest.Server
}

func open(t *testing.T, api http.Handler) *fixture {
	t.Helper()
	cfg, err := ConfigFromEnv("test-service", "8080")
	require.NoError(t, err)

	f := &fixture{pub: &messaging.MemoryPublisher{}}
	f.p, err = Open(context.Background(), cfg, metrics.Nop{}, discardLogger(), WithPublisher(f.pub))
	require.NoError(t, err)
	t.Cleanup(f.p.Close)

	f.coord, err = f.p.NewCoordinator()
	require.NoError(t, err)
	handler, err := f.p.Handler(api, f.coord)
	require.NoError(t, err)
	f.srv = httptest.NewServer(handler)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) stage(t *testing.T) outbox.Message {
	t.Helper()
	var m outbox.Message
	err := db.WithTx(context.Background(), f.p.Beginner, func(ctx context.Context, tx db.Tx) error {
		var err error
		m, err = f.p.Outbox.Stage(ctx, tx, outbox.Message{AggregateID: "agg-1", AggregateType: "test", EventType: "test.happened.v1"})
		return err
	})
	require.NoError(t, err)
	return m
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestOpsOutboxEndpoints(t *testing.T) {
	memoryEnv(t)
	f := open(t, nil)
	m := f.stage(t)

	var backlog backlogResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/outbox/backlog", &backlog))
	assert.Equal(t, int64(1), backlog.Pending)

	var view messageView
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/outbox/"+m.ID, &view))
	assert.Equal(t, "pending", view.Status)

	resp, err := http.Post(f.srv.URL+"/ops/outbox/"+m.ID+"/requeue", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(f.srv.URL+"/ops/outbox/00000000-0000-0000-0000-000000000000/requeue", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = f.p.Relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.pub.Take(), 1)

	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/outbox/backlog", &backlog))
	assert.Zero(t, backlog.Pending)
	var failed []messageView
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/outbox/failed", &failed))
	assert.Empty(t, failed)
}

func TestOpsSagaEndpoints(t *testing.T) {
	memoryEnv(t)
	f := open(t, nil)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/ops/sagas?status=sleeping", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/ops/sagas/missing", nil))

	require.NoError(t, f.coord.Register(saga.Definition{
		Type:  "demo",
		Steps: []saga.StepDefinition{{Name: "only", Command: "demo.do.v1"}},
	}))
	var inst saga.Instance
	err := db.WithTx(context.Background(), f.p.Beginner, func(ctx context.Context, tx db.Tx) error {
		var err error
		inst, err = f.coord.Start(ctx, tx, "demo", "saga-1", json.RawMessage(`{"n":1}`))
		return err
	})
	require.NoError(t, err)

	var list []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/sagas?status=running", &list))
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0]["id"])

	var one map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/ops/sagas/saga-1", &one))
	assert.Equal(t, "running", one["status"])
}

func readyz(t *testing.T, f *fixture) (int, readiness) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rep readiness
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	return resp.StatusCode, rep
}

func TestReadyAndRouterWiring(t *testing.T) {
	memoryEnv(t)
	f := open(t, nil)

	code, rep := readyz(t, f)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, rep.Ready)
	var names []string
	for _, c := range rep.Checks {
		names = append(names, c.Name)
		assert.True(t, c.OK, c.Name)
	}
	assert.ElementsMatch(t, []string{"broker-breaker", "outbox"}, names)
	assert.Contains(t, f.p.Router.EventTypes(), saga.StepResultEvent)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
}

func TestReadinessFailsOnStalledOutbox(t *testing.T) {
	memoryEnv(t)
	t.Setenv("OUTBOX_STALL_AFTER", "20ms")
	f := open(t, nil)
	f.stage(t)

	require.Eventually(t, func() bool {
		code, _ := readyz(t, f)
		return code == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)

	_, rep := readyz(t, f)
	assert.False(t, rep.Ready)
	for _, c := range rep.Checks {
		if c.Name == "outbox" {
			assert.False(t, c.OK)
			assert.Contains(t, c.Error, "1 pending")
		}
	}

	_, err := f.p.Relay.RunOnce(context.Background())
	require.NoError(t, err)
	code, rep := readyz(t, f)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, rep.Ready)
}

func TestAPIPanicIsRecovered(t *testing.T) {
	memoryEnv(t)
	api := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	f := open(t, api)

	resp, err := http.Get(f.srv.URL + "/api/v1/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestAPIIsRateLimited(t *testing.T) {
	memoryEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("RATE_LIMIT_PER_MINUTE", "2")
	t.Setenv("REDIS_URL", "redis://"+mr.Addr()+"/0")

	api := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	f := open(t, api)

	var codes []int
	for range 3 {
		resp, err := http.Get(f.srv.URL + "/api/v1/anything")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/healthz", nil))
}

type nopSink struct{}

func (nopSink) DeadLetter(context.Context, outbox.Message, string) error { return nil }

func TestConsumerSharesDeadLetterSink(t *testing.T) {
	memoryEnv(t)
	f := open(t, nil)

	cfg := f.p.consumerConfig()
	assert.Equal(t, "localhost:9092", cfg.Brokers)
	assert.Equal(t, "test-service", cfg.GroupID)
	assert.Nil(t, cfg.DeadLetter)

	f.p.deadLetter = nopSink{}
	assert.Equal(t, nopSink{}, f.p.consumerConfig().DeadLetter)
}
