package saga

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

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const instanceColumns = `
	saga_id, saga_type, status, current_step, context, last_error,
	started_at, updated_at, timeout_at, completed_at`

const stepColumns = `
	saga_id, step_index, name, status, compensation_action, attempts,
	started_at, timeout_at, last_error, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, tx db.Tx, inst Instance) error {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return err
	}
	tag, err := ptx.Exec(ctx, `
		INSERT INTO saga_instances (saga_id, saga_type, status, current_step, context, last_error, started_at, updated_at, timeout_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id) DO NOTHING
	`, inst.ID, inst.Type, string(inst.Status), inst.CurrentStep, data, inst.LastError,
		inst.StartedAt, inst.UpdatedAt, inst.TimeoutAt, inst.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting saga %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSagaExists, inst.ID)
	}
	return r.saveSteps(ctx, ptx, inst)
}

func (r *PostgresRepository) Save(ctx context.Context, tx db.Tx, inst Instance) error {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return err
	}
	tag, err := ptx.Exec(ctx, `
		UPDATE saga_instances
		SET status = $2, current_step = $3, context = $4, last_error = $5,
		    updated_at = $6, timeout_at = $7, completed_at = $8
		WHERE saga_id = $1
	`, inst.ID, string(inst.Status), inst.CurrentStep, data, inst.LastError,
		inst.UpdatedAt, inst.TimeoutAt, inst.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating saga %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, inst.ID)
	}
	return r.saveSteps(ctx, ptx, inst)
}

func (r *PostgresRepository) saveSteps(ctx context.Context, ptx pgx.Tx, inst Instance) error {
	batch := &pgx.Batch{}
	for _, s := range inst.Steps {
		batch.Queue(`
			INSERT INTO saga_steps (saga_id, step_index, name, status, compensation_action, attempts, started_at, timeout_at, last_error, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (saga_id, step_index) DO UPDATE
			SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, started_at = EXCLUDED.started_at,
			    timeout_at = EXCLUDED.timeout_at, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
		`, inst.ID, s.Index, s.Name, string(s.Status), s.CompensationAction, s.Attempts,
			s.StartedAt, s.TimeoutAt, s.LastError, s.UpdatedAt)
	}
	br := ptx.SendBatch(ctx, batch)
	for range inst.Steps {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("writing steps of saga %s: %w", inst.ID, err)
		}
	}
	return br.Close()
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, tx db.Tx, id string) (Instance, error) {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return Instance{}, err
	}
	return r.load(ctx, ptx, `SELECT `+instanceColumns+` FROM saga_instances WHERE saga_id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Instance, error) {
	return r.load(ctx, r.pool, `SELECT `+instanceColumns+` FROM saga_instances WHERE saga_id = $1`, id)
}

func (r *PostgresRepository) load(ctx context.Context, q querier, sql, id string) (Instance, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return Instance{}, err
	}
	insts, err := collectInstances(rows)
	if err != nil {
		return Instance{}, err
	}
	if len(insts) == 0 {
		return Instance{}, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	if err := attachSteps(ctx, q, insts); err != nil {
		return Instance{}, err
	}
	return insts[0], nil
}

func (r *PostgresRepository) List(ctx context.Context, status Status, limit int) ([]Instance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE $1::text = '' OR status = $1::text
		ORDER BY started_at DESC, saga_id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	insts, err := collectInstances(rows)
	if err != nil {
		return nil, err
	}
	if err := attachSteps(ctx, r.pool, insts); err != nil {
		return nil, err
	}
	return insts, nil
}

func (r *PostgresRepository) DueForSweep(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.saga_id
		FROM saga_instances s
		WHERE (s.status = 'running' AND s.timeout_at < $1)
		   OR (s.status IN ('running', 'compensating') AND EXISTS (
		          SELECT 1 FROM saga_steps st
		          WHERE st.saga_id = s.saga_id
		            AND st.status IN ('running', 'compensating')
		            AND st.timeout_at < $1))
		ORDER BY s.timeout_at, s.saga_id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *PostgresRepository) CountOpen(ctx context.Context) ([]InFlight, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT saga_type, status, count(*)
		FROM saga_instances
		WHERE status IN ('running', 'compensating')
		GROUP BY saga_type, status
		ORDER BY saga_type, status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InFlight
	for rows.Next() {
		var (
			n      InFlight
			status string
		)
		if err := rows.Scan(&n.Type, &status, &n.Count); err != nil {
			return nil, err
		}
		n.Status = Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM saga_instances
		WHERE status IN ('completed', 'compensated') AND completed_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		var (
			inst   Instance
			status string
			data   []byte
		)
		if err := rows.Scan(&inst.ID, &inst.Type, &status, &inst.CurrentStep, &data, &inst.LastError,
			&inst.StartedAt, &inst.UpdatedAt, &inst.TimeoutAt, &inst.CompletedAt); err != nil {
			return nil, err
		}
		inst.Status = Status(status)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &inst.Data); err != nil {
				return nil, fmt.Errorf("decoding context of saga %s: %w", inst.ID, err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func attachSteps(ctx context.Context, q querier, insts []Instance) error {
	if len(insts) == 0 {
		return nil
	}
	ids := make([]string, len(insts))
	pos := make(map[string]int, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
		pos[inst.ID] = i
	}
	rows, err := q.Query(ctx, `
		SELECT `+stepColumns+`
		FROM saga_steps
		WHERE saga_id = ANY($1)
		ORDER BY saga_id, step_index
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sagaID string
			s      Step
			status string
		)
		if err := rows.Scan(&sagaID, &s.Index, &s.Name, &status, &s.CompensationAction, &s.Attempts,
			&s.StartedAt, &s.TimeoutAt, &s.LastError, &s.UpdatedAt); err != nil {
			return err
		}
		s.Status = StepStatus(status)
		i, ok := pos[sagaID]
		if !ok {
			return errors.New("saga: step row for unrequested saga " + sagaID)
		}
		insts[i].Steps = append(insts[i].Steps, s)
	}
	return rows.Err()
}
