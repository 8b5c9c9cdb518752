package eventstore

import (
	"context"
	"errors"
	"testing"

	"github.com/md-rashed-zaman/devicecloud/libs/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository(t *testing.T) {
	pool := dbtest.Start(t)
	ctx := context.Background()

	rec := &countingRecorder{}
	store, err := NewStore(NewPostgresRepository(pool), rec, WithPageSize(2))
	require.NoError(t, err)
	require.NoError(t, store.Register("counter", counterFolder()))

	t.Run("append and load with empty metadata", func(t *testing.T) {
		v, err := appendTx(ctx, store, pool, "pg-1", 0, added(1), added(2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		marked := added(3)
		marked.CorrelationID = "req-7"
		v, err = appendTx(ctx, store, pool, "pg-1", 2, marked, Event{EventType: "counter.noted"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), v)

		var loaded []Event
		for ev, err := range store.LoadEvents(ctx, "pg-1", 1) {
			require.NoError(t, err)
			loaded = append(loaded, ev)
		}
		require.Len(t, loaded, 4)
		for i, ev := range loaded {
			assert.Equal(t, int64(i+1), ev.Version)
			assert.Equal(t, "counter", ev.AggregateType)
			assert.Empty(t, ev.TenantID)
			assert.Empty(t, ev.CausationID)
			assert.False(t, ev.OccurredAt.IsZero())
		}
		assert.JSONEq(t, `{"n":1}`, string(loaded[0].Payload))
		assert.Equal(t, "req-7", loaded[2].CorrelationID)
		assert.Empty(t, loaded[1].CorrelationID)
		assert.JSONEq(t, `null`, string(loaded[3].Payload))

		cur, err := store.CurrentVersion(ctx, "pg-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), cur)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := appendTx(ctx, store, pool, "pg-2", 0, added(1))
		require.NoError(t, err)

		_, err = appendTx(ctx, store, pool, "pg-2", 0, added(5))
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.Expected)
		assert.Equal(t, int64(1), conflict.Current)

		_, err = appendTx(ctx, store, pool, "pg-2", 3, added(5))
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(3), conflict.Expected)
		assert.Equal(t, int64(1), conflict.Current)
	})

	t.Run("duplicate event version inside the batch is a conflict", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO aggregate_events (aggregate_id, aggregate_type, version, event_type, payload, occurred_at)
			VALUES ('pg-3', 'counter', 1, 'counter.added', '{"n":9}', now())
		`)
		require.NoError(t, err)

		_, err = appendTx(ctx, store, pool, "pg-3", 0, added(1))
		require.ErrorIs(t, err, ErrConflict)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(-1), conflict.Current)

		cur, err := store.CurrentVersion(ctx, "pg-3")
		require.NoError(t, err)
		assert.Zero(t, cur, "stream row rolled back with the failed batch")
	})

	t.Run("concurrent first appends have one winner", func(t *testing.T) {
		errs := raceFirstAppend(ctx, store, pool, "pg-4", 6)
		assertSingleWinner(t, errs)

		cur, err := store.CurrentVersion(ctx, "pg-4")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cur)
	})

	t.Run("snapshot round trip", func(t *testing.T) {
		for i := int64(0); i < 5; i++ {
			_, err := appendTx(ctx, store, pool, "pg-5", i, added(1))
			require.NoError(t, err)
		}
		candidates, err := NewPostgresRepository(pool).SnapshotCandidates(ctx, 5, 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.AggregateID)
		}
		assert.Contains(t, ids, "pg-5")

		snap, err := store.CreateSnapshot(ctx, "pg-5")
		require.NoError(t, err)
		assert.Equal(t, int64(5), snap.Version)

		_, err = appendTx(ctx, store, pool, "pg-5", 5, added(1))
		require.NoError(t, err)

		st, err := store.Replay(ctx, "pg-5")
		require.NoError(t, err)
		assert.Equal(t, int64(5), st.SnapshotVersion)
		assert.Equal(t, 1, st.Folded)
		c, err := Decode[counter](st)
		require.NoError(t, err)
		assert.Equal(t, 6, c.Total)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := store.Replay(ctx, "pg-missing")
		assert.True(t, errors.Is(err, ErrAggregateNotFound))
	})
}
