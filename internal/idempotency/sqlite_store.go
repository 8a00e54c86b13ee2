package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists reservations in a local SQLite file. Suitable for a
// single node that must survive restarts without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

const createSQLiteTable = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	// single connection: sqlite serialises writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createSQLiteTable); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Reserve(ctx context.Context, key, fingerprint, reference string, ttl time.Duration) (Record, bool, error) {
	if key == "" {
		return Record{}, false, errEmptyKey
	}
	now := time.Now().UTC()
	rec := Record{Key: key, Fingerprint: fingerprint, Reference: reference, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, fingerprint, reference, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET fingerprint = excluded.fingerprint,
    reference = excluded.reference,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
WHERE idempotency_records.expires_at <= excluded.created_at
`, key, fingerprint, reference, rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	if err != nil {
		return Record{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		return Record{}, false, errors.New("idempotency record vanished during reserve")
	}
	return *existing, false, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec                Record
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, fingerprint, reference, created_at, expires_at
FROM idempotency_records WHERE key = ?`, key).Scan(&rec.Key, &rec.Fingerprint, &rec.Reference, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key, reference string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ? AND reference = ?`, key, reference)
	return err
}
