package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists reservations in a PostgreSQL table so duplicate
// checkouts are caught across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore ensures the table exists on the shared pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Reserve inserts the key, replacing an expired row. When a live row exists
// the conflict update matches nothing and the live row is read back.
func (p *PostgresStore) Reserve(ctx context.Context, key, fingerprint, reference string, ttl time.Duration) (Record, bool, error) {
	if key == "" {
		return Record{}, false, errEmptyKey
	}
	now := time.Now().UTC()
	rec := Record{Key: key, Fingerprint: fingerprint, Reference: reference, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	tag, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, fingerprint, reference, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    reference = EXCLUDED.reference,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at
`, key, fingerprint, reference, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return Record{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := p.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		// expired between the insert and the read; the next caller will win it
		return Record{}, false, errors.New("idempotency record vanished during reserve")
	}
	return *existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT key, fingerprint, reference, created_at, expires_at
FROM idempotency_records
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &rec.Reference, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Release(ctx context.Context, key, reference string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND reference = $2`, key, reference)
	return err
}

// Purge removes expired rows.
func (p *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
