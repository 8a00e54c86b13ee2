package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// PostgresLedger persists tasks in PostgreSQL. Claims use SKIP LOCKED so
// concurrent workers never receive the same row.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

const createTasksSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    dedupe_key TEXT NOT NULL,
    payload JSONB NOT NULL,
    status TEXT NOT NULL,
    retry_count INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL,
    result JSONB,
    error TEXT NOT NULL DEFAULT '',
    failure_code TEXT NOT NULL DEFAULT '',
    failure_message TEXT NOT NULL DEFAULT '',
    claimed_by TEXT NOT NULL DEFAULT '',
    available_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_live_dedupe ON tasks (type, dedupe_key) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS tasks_ready ON tasks (status, available_at);
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS failure_code TEXT NOT NULL DEFAULT '';
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS failure_message TEXT NOT NULL DEFAULT '';
`

const taskColumns = `id, type, dedupe_key, payload, status, retry_count, max_retries, result, error, failure_code, failure_message, claimed_by, available_at, created_at, updated_at`

// NewPostgresLedger ensures the schema exists on the given pool.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTasksSQL); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func (p *PostgresLedger) Enqueue(ctx context.Context, nt NewTask) (domain.Task, error) {
	if err := validate(nt); err != nil {
		return domain.Task{}, err
	}
	payload, err := json.Marshal(nt.Payload)
	if err != nil {
		return domain.Task{}, err
	}
	now := time.Now().UTC()
	avail := nt.AvailableAt
	if avail.IsZero() {
		avail = now
	}

	// the conflicting row can fail between the insert and the lookup; one
	// more insert settles it
	for attempt := 0; ; attempt++ {
		row := p.pool.QueryRow(ctx, `
INSERT INTO tasks (id, type, dedupe_key, payload, status, retry_count, max_retries, available_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $7)
ON CONFLICT (type, dedupe_key) WHERE status <> 'failed' DO NOTHING
RETURNING `+taskColumns,
			uuid.NewString(), string(nt.Type), nt.DedupeKey, string(payload), maxRetries(nt.MaxRetries), avail, now)
		task, err := scanTask(row)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("enqueue task: %w", err)
		}

		existing, err := scanTask(p.pool.QueryRow(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE type = $1 AND dedupe_key = $2 AND status <> 'failed'`, string(nt.Type), nt.DedupeKey))
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, pgx.ErrNoRows) || attempt > 0 {
			return domain.Task{}, fmt.Errorf("load duplicate task: %w", err)
		}
	}
}

func (p *PostgresLedger) ClaimNext(ctx context.Context, worker string, types []domain.TaskType) (domain.Task, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
UPDATE tasks SET status = 'running', claimed_by = $1, updated_at = $2
WHERE id = (
    SELECT id FROM tasks
    WHERE status = 'pending' AND available_at <= $2
      AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
    ORDER BY available_at, created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING `+taskColumns, worker, now, names)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, ErrNoTask
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

func (p *PostgresLedger) Complete(ctx context.Context, id, worker string, result []byte) (domain.Task, error) {
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	row := p.pool.QueryRow(ctx, `
UPDATE tasks SET status = 'completed', result = $3, error = '', failure_code = '', failure_message = '', updated_at = $4
WHERE id = $1 AND status = 'running' AND claimed_by = $2
RETURNING `+taskColumns, id, worker, res, time.Now().UTC())
	return p.transitioned(ctx, id, worker, row)
}

func (p *PostgresLedger) Fail(ctx context.Context, id, worker string, opts FailOptions) (domain.Task, error) {
	now := time.Now().UTC()
	retryAt := opts.RetryAt
	if retryAt.IsZero() {
		retryAt = now
	}
	row := p.pool.QueryRow(ctx, `
UPDATE tasks SET
    retry_count = retry_count + 1,
    status = CASE WHEN NOT $2 OR retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    available_at = CASE WHEN NOT $2 OR retry_count + 1 >= max_retries THEN available_at ELSE $3 END,
    error = $4,
    failure_code = $5,
    failure_message = $6,
    claimed_by = '',
    updated_at = $7
WHERE id = $1 AND status = 'running' AND claimed_by = $8
RETURNING `+taskColumns, id, opts.Retryable, retryAt, opts.Detail, opts.Code, opts.Message, now, worker)
	return p.transitioned(ctx, id, worker, row)
}

func (p *PostgresLedger) Get(ctx context.Context, id string) (domain.Task, error) {
	task, err := scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return task, err
}

func (p *PostgresLedger) Find(ctx context.Context, typ domain.TaskType, dedupeKey string) (domain.Task, error) {
	task, err := scanTask(p.pool.QueryRow(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE type = $1 AND dedupe_key = $2
ORDER BY created_at DESC LIMIT 1`, string(typ), dedupeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s/%s: %w", typ, dedupeKey, domain.ErrNotFound)
	}
	return task, err
}

func (p *PostgresLedger) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'pending', claimed_by = '', available_at = $2, updated_at = $2
WHERE status = 'running' AND updated_at < $1`, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresLedger) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := Stats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// transitioned resolves a conditional update: no row means the task is
// missing, not running, or claimed by someone else.
func (p *PostgresLedger) transitioned(ctx context.Context, id, worker string, row pgx.Row) (domain.Task, error) {
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, err
	}
	current, err := p.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if current.Status == domain.TaskRunning && current.ClaimedBy != worker {
		return domain.Task{}, fmt.Errorf("task %s is claimed by %q: %w", id, current.ClaimedBy, ErrClaimLost)
	}
	return domain.Task{}, fmt.Errorf("task %s is %s: %w", id, current.Status, domain.ErrInvalidTransition)
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t               domain.Task
		typ, status     string
		payload, result []byte
	)
	if err := row.Scan(&t.ID, &typ, &t.DedupeKey, &payload, &status, &t.RetryCount, &t.MaxRetries,
		&result, &t.Error, &t.FailureCode, &t.FailureMessage, &t.ClaimedBy, &t.AvailableAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode task payload: %w", err)
	}
	if len(result) > 0 {
		t.Result = result
	}
	return t, nil
}
