package eventstore

import (
	"context"
	"errors"
	"fmt"

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

func (r *PostgresRepository) AppendEvents(ctx context.Context, tx db.Tx, aggregateID, aggregateType string, expected int64, events []Event) error {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return err
	}
	next := expected + int64(len(events))

	var claimed int64
	if expected == 0 {
		err = ptx.QueryRow(ctx, `
			INSERT INTO aggregate_streams (aggregate_id, aggregate_type, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (aggregate_id) DO NOTHING
			RETURNING version
		`, aggregateID, aggregateType, next).Scan(&claimed)
	} else {
		err = ptx.QueryRow(ctx, `
			UPDATE aggregate_streams
			SET version = $3, updated_at = now()
			WHERE aggregate_id = $1 AND version = $2
			RETURNING version
		`, aggregateID, expected, next).Scan(&claimed)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return r.conflict(ctx, ptx, aggregateID, expected)
	}
	if err != nil {
		return fmt.Errorf("advancing stream %s: %w", aggregateID, err)
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		payload := []byte(ev.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		batch.Queue(`
			INSERT INTO aggregate_events (aggregate_id, aggregate_type, version, event_type, payload, tenant_id, causation_id, correlation_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, aggregateID, aggregateType, ev.Version, ev.EventType, payload,
			ev.TenantID, ev.CausationID, ev.CorrelationID, ev.OccurredAt)
	}
	br := ptx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			// The transaction is aborted here, so the current version cannot
			// be read back.
			if db.IsUniqueViolation(err) {
				return &ConflictError{AggregateID: aggregateID, Expected: expected, Current: -1}
			}
			return fmt.Errorf("inserting events of %s: %w", aggregateID, err)
		}
	}
	return br.Close()
}

func (r *PostgresRepository) conflict(ctx context.Context, tx pgx.Tx, aggregateID string, expected int64) error {
	var current int64
	err := tx.QueryRow(ctx, `SELECT version FROM aggregate_streams WHERE aggregate_id = $1`, aggregateID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("reading version of %s after conflict: %w", aggregateID, err)
	}
	return &ConflictError{AggregateID: aggregateID, Expected: expected, Current: current}
}

func (r *PostgresRepository) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT aggregate_id, aggregate_type, version, event_type, payload,
		       tenant_id, causation_id, correlation_id, occurred_at
		FROM aggregate_events
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version
		LIMIT $3
	`, aggregateID, fromVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.AggregateID, &ev.AggregateType, &ev.Version, &ev.EventType, &payload,
			&ev.TenantID, &ev.CausationID, &ev.CorrelationID, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) StreamVersion(ctx context.Context, aggregateID string) (string, int64, error) {
	var aggregateType string
	var version int64
	err := r.pool.QueryRow(ctx, `
		SELECT aggregate_type, version FROM aggregate_streams WHERE aggregate_id = $1
	`, aggregateID).Scan(&aggregateType, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, fmt.Errorf("%w: %s", ErrAggregateNotFound, aggregateID)
	}
	return aggregateType, version, err
}

func (r *PostgresRepository) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	var s Snapshot
	err := r.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, created_at
		FROM aggregate_snapshots
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&s.AggregateID, &s.AggregateType, &s.Version, &s.State, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO aggregate_snapshots (aggregate_id, aggregate_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id)
		DO UPDATE SET aggregate_type = EXCLUDED.aggregate_type,
		              version = EXCLUDED.version,
		              state = EXCLUDED.state,
		              created_at = EXCLUDED.created_at
		WHERE aggregate_snapshots.version < EXCLUDED.version
	`, snap.AggregateID, snap.AggregateType, snap.Version, snap.State, snap.CreatedAt)
	return err
}

func (r *PostgresRepository) SnapshotCandidates(ctx context.Context, threshold int64, limit int) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.aggregate_id, s.aggregate_type, s.version, COALESCE(sn.version, 0)
		FROM aggregate_streams s
		LEFT JOIN aggregate_snapshots sn ON sn.aggregate_id = s.aggregate_id
		WHERE s.version - COALESCE(sn.version, 0) >= $1
		ORDER BY s.version - COALESCE(sn.version, 0) DESC
		LIMIT $2
	`, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.AggregateID, &c.AggregateType, &c.Version, &c.SnapshotVersion); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
