package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

type PostgresRepository struct {
	pool *db.Pool
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const messageColumns = `
	seq, id::text, aggregate_id, aggregate_type, event_type, routing_key,
	payload, trace_context, status, attempts,
	next_attempt_at, last_error, created_at, delivered_at`

func (r *PostgresRepository) Insert(ctx context.Context, tx db.Tx, m Message) error {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return err
	}
	var traceContext []byte
	if len(m.TraceContext) > 0 {
		if traceContext, err = json.Marshal(m.TraceContext); err != nil {
			return err
		}
	}
	_, err = ptx.Exec(ctx, `
		INSERT INTO outbox_messages (id, aggregate_id, aggregate_type, event_type, routing_key, payload, trace_context, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb), $8, $9, $10)
	`, m.ID, m.AggregateID, m.AggregateType, m.EventType, m.RoutingKey, []byte(m.Payload), traceContext, string(m.Status), m.NextAttemptAt, m.CreatedAt)
	return err
}

// Claim picks a bounded candidate set under row locks (SKIP LOCKED keeps
// relays off each other's rows), then takes a transaction-scoped advisory
// lock per aggregate over that set only, so that one relay at a time
// publishes a given aggregate's messages.
func (r *PostgresRepository) Claim(ctx context.Context, tx db.Tx, now time.Time, limit int) ([]Message, error) {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := ptx.Query(ctx, `
		WITH candidates AS MATERIALIZED (
		    SELECT o.seq, o.aggregate_id
		    FROM outbox_messages o
		    WHERE o.status = 'pending'
		      AND o.next_attempt_at <= $1
		      AND NOT EXISTS (
		          SELECT 1 FROM outbox_messages e
		          WHERE e.aggregate_id = o.aggregate_id
		            AND e.status = 'pending'
		            AND e.seq < o.seq
		            AND e.next_attempt_at > $1
		      )
		    ORDER BY o.seq
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		), locked AS MATERIALIZED (
		    SELECT seq
		    FROM candidates
		    WHERE pg_try_advisory_xact_lock(hashtextextended(aggregate_id, 0))
		)
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE seq IN (SELECT seq FROM locked)
		ORDER BY seq
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, tx db.Tx, id string, at time.Time) error {
	return r.exec(ctx, tx, `
		UPDATE outbox_messages
		SET status = 'delivered', delivered_at = $2, last_error = ''
		WHERE id = $1
	`, id, at)
}

func (r *PostgresRepository) MarkRetry(ctx context.Context, tx db.Tx, id string, attempts int, next time.Time, lastErr string) error {
	return r.exec(ctx, tx, `
		UPDATE outbox_messages
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1
	`, id, attempts, next, lastErr)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, tx db.Tx, id string, attempts int, lastErr string) error {
	return r.exec(ctx, tx, `
		UPDATE outbox_messages
		SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1
	`, id, attempts, lastErr)
}

func (r *PostgresRepository) exec(ctx context.Context, tx db.Tx, sql string, args ...any) error {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return err
	}
	tag, err := ptx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Message, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1`, id)
	if err != nil {
		return Message{}, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msgs[0], nil
}

func (r *PostgresRepository) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	var b Backlog
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'failed'),
		       min(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages
		WHERE status IN ('pending', 'failed')
	`).Scan(&b.Pending, &b.Failed, &b.OldestPending)
	if err != nil {
		return Backlog{}, err
	}
	if b.OldestPending != nil {
		b.OldestAge = now.Sub(*b.OldestPending)
	}
	return b, nil
}

func (r *PostgresRepository) ListFailed(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE status = 'failed'
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresRepository) Requeue(ctx context.Context, id string, now time.Time) error {
	var status string
	err := r.pool.QueryRow(ctx, `
		WITH target AS (
		    SELECT id, status FROM outbox_messages WHERE id = $1
		), updated AS (
		    UPDATE outbox_messages o
		    SET status = 'pending', attempts = 0, next_attempt_at = $2
		    FROM target
		    WHERE o.id = target.id AND target.status = 'failed'
		    RETURNING o.id
		)
		SELECT target.status FROM target
	`, id, now).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, status)
	}
	return nil
}

func (r *PostgresRepository) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_messages
		WHERE status = 'delivered' AND delivered_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m            Message
			payload      []byte
			traceContext []byte
			status       string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.AggregateID, &m.AggregateType, &m.EventType, &m.RoutingKey,
			&payload, &traceContext, &status, &m.Attempts,
			&m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		m.Status = Status(status)
		if len(traceContext) > 0 {
			if err := json.Unmarshal(traceContext, &m.TraceContext); err != nil {
				return nil, fmt.Errorf("decoding trace context of %s: %w", m.ID, err)
			}
			if len(m.TraceContext) == 0 {
				m.TraceContext = nil
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
