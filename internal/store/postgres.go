package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    principal TEXT NOT NULL,
    locale TEXT NOT NULL DEFAULT '',
    items JSONB NOT NULL,
    total BIGINT NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    rail TEXT NOT NULL,
    recipient TEXT NOT NULL,
    failure_code TEXT NOT NULL DEFAULT '',
    failure_message TEXT NOT NULL DEFAULT '',
    failure_detail TEXT NOT NULL DEFAULT '',
    unresolved_assets INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL REFERENCES orders(id),
    rail TEXT NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '',
    unit TEXT NOT NULL DEFAULT '',
    rate TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    reason_code TEXT NOT NULL DEFAULT '',
    client_secret TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS settlements_one_success ON settlements (order_id) WHERE status = 'succeeded';
CREATE INDEX IF NOT EXISTS settlements_external_ref ON settlements (external_ref);
CREATE TABLE IF NOT EXISTS stakes (
    id TEXT PRIMARY KEY,
    principal TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    amount BIGINT NOT NULL,
    lock_seconds BIGINT NOT NULL,
    maturity_at TIMESTAMPTZ NOT NULL,
    recipient TEXT NOT NULL,
    status TEXT NOT NULL,
    reward_task_id TEXT NOT NULL DEFAULT '',
    reward_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stakes_due ON stakes (status, maturity_at);
CREATE TABLE IF NOT EXISTS minted_assets (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL UNIQUE,
    owner TEXT NOT NULL,
    recipient TEXT NOT NULL,
    product_id TEXT NOT NULL DEFAULT '',
    object_ref TEXT NOT NULL DEFAULT '',
    tx_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    unit_price BIGINT NOT NULL,
    currency TEXT NOT NULL,
    mints_asset BOOLEAN NOT NULL DEFAULT FALSE,
    metadata_uri TEXT NOT NULL DEFAULT '',
    restriction JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS principal_assets (
    principal TEXT NOT NULL,
    asset TEXT NOT NULL,
    PRIMARY KEY (principal, asset)
);
`

// NewPostgres creates the schema and returns pgx-backed repositories.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Repositories, error) {
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return Repositories{}, fmt.Errorf("create schema: %w", err)
	}
	return Repositories{
		Orders:      &PostgresOrders{pool: pool},
		Settlements: &PostgresSettlements{pool: pool},
		Stakes:      &PostgresStakes{pool: pool},
		Assets:      &PostgresAssets{pool: pool},
		Catalog:     &PostgresCatalog{pool: pool},
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type PostgresOrders struct {
	pool *pgxpool.Pool
}

const orderColumns = `id, principal, locale, items, total, currency, status, rail, recipient, failure_code, failure_message, failure_detail, unresolved_assets, created_at, updated_at`

func (p *PostgresOrders) Create(ctx context.Context, o domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO orders (`+orderColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.Principal, o.Locale, string(items), o.Total, o.Currency, string(o.Status), string(o.Rail), o.Recipient,
		o.FailureCode, o.FailureMessage, o.FailureDetail, o.UnresolvedAssets, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrConflict)
	}
	return err
}

func (p *PostgresOrders) Get(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), id)
}

func (p *PostgresOrders) Update(ctx context.Context, id string, fn func(*domain.Order) error) (domain.Order, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return domain.Order{}, err
	}
	if err := fn(&o); err != nil {
		return domain.Order{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
UPDATE orders SET status = $2, recipient = $3, failure_code = $4, failure_message = $5,
    failure_detail = $6, unresolved_assets = $7, updated_at = $8
WHERE id = $1`, o.ID, string(o.Status), o.Recipient, o.FailureCode, o.FailureMessage,
		o.FailureDetail, o.UnresolvedAssets, o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func scanOrder(row pgx.Row, id string) (domain.Order, error) {
	var (
		o            domain.Order
		items        []byte
		status, rail string
	)
	err := row.Scan(&o.ID, &o.Principal, &o.Locale, &items, &o.Total, &o.Currency, &status, &rail, &o.Recipient,
		&o.FailureCode, &o.FailureMessage, &o.FailureDetail, &o.UnresolvedAssets, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.Rail = domain.Rail(rail)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	return o, nil
}

type PostgresSettlements struct {
	pool *pgxpool.Pool
}

const settlementColumns = `id, order_id, rail, external_ref, amount, unit, rate, status, reason_code, client_secret, created_at, updated_at`

// Save upserts the record. The conflict clause refuses to overwrite a
// terminal row and the partial index refuses a second success.
func (p *PostgresSettlements) Save(ctx context.Context, rec domain.SettlementRecord) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO settlements (`+settlementColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    external_ref = EXCLUDED.external_ref,
    amount = EXCLUDED.amount,
    unit = EXCLUDED.unit,
    rate = EXCLUDED.rate,
    status = EXCLUDED.status,
    reason_code = EXCLUDED.reason_code,
    updated_at = EXCLUDED.updated_at
WHERE settlements.status NOT IN ('succeeded', 'failed', 'cancelled')`,
		rec.ID, rec.OrderID, string(rec.Rail), rec.ExternalRef, rec.Amount, rec.Unit, rec.Rate,
		string(rec.Status), rec.ReasonCode, rec.ClientSecret, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s already settled: %w", rec.OrderID, domain.ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s is terminal: %w", rec.ID, domain.ErrInvalidTransition)
	}
	return nil
}

func (p *PostgresSettlements) Get(ctx context.Context, id string) (domain.SettlementRecord, error) {
	return scanSettlement(p.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id), id)
}

func (p *PostgresSettlements) LatestForOrder(ctx context.Context, orderID string) (domain.SettlementRecord, error) {
	return scanSettlement(p.pool.QueryRow(ctx, `
SELECT `+settlementColumns+` FROM settlements WHERE order_id = $1
ORDER BY created_at DESC LIMIT 1`, orderID), "order "+orderID)
}

func (p *PostgresSettlements) ByExternalRef(ctx context.Context, ref string) (domain.SettlementRecord, error) {
	return scanSettlement(p.pool.QueryRow(ctx, `
SELECT `+settlementColumns+` FROM settlements WHERE external_ref = $1 AND external_ref <> ''
ORDER BY created_at DESC LIMIT 1`, ref), "ref "+ref)
}

func (p *PostgresSettlements) Unsettled(ctx context.Context, rail domain.Rail) ([]domain.SettlementRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+settlementColumns+` FROM settlements
WHERE rail = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')
ORDER BY created_at`, string(rail))
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}
	defer rows.Close()
	var out []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows, "unsettled")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSettlement(row pgx.Row, label string) (domain.SettlementRecord, error) {
	var (
		rec          domain.SettlementRecord
		rail, status string
	)
	err := row.Scan(&rec.ID, &rec.OrderID, &rail, &rec.ExternalRef, &rec.Amount, &rec.Unit, &rec.Rate,
		&status, &rec.ReasonCode, &rec.ClientSecret, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementRecord{}, fmt.Errorf("settlement %s: %w", label, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	rec.Rail = domain.Rail(rail)
	rec.Status = domain.SettlementStatus(status)
	return rec, nil
}

type PostgresStakes struct {
	pool *pgxpool.Pool
}

const stakeColumns = `id, principal, campaign_id, amount, lock_seconds, maturity_at, recipient, status, reward_task_id, reward_error, created_at, updated_at`

func (p *PostgresStakes) Create(ctx context.Context, s domain.StakeCommitment) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO stakes (`+stakeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.Principal, s.CampaignID, s.Amount, int64(s.LockDuration/time.Second), s.MaturityAt, s.Recipient,
		string(s.Status), s.RewardTaskID, s.RewardError, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("stake %s: %w", s.ID, domain.ErrConflict)
	}
	return err
}

func (p *PostgresStakes) Get(ctx context.Context, id string) (domain.StakeCommitment, error) {
	return scanStake(p.pool.QueryRow(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE id = $1`, id), id)
}

func (p *PostgresStakes) Update(ctx context.Context, id string, fn func(*domain.StakeCommitment) error) (domain.StakeCommitment, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.StakeCommitment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanStake(tx.QueryRow(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return domain.StakeCommitment{}, err
	}
	if err := fn(&s); err != nil {
		return domain.StakeCommitment{}, err
	}
	s.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
UPDATE stakes SET status = $2, reward_task_id = $3, reward_error = $4, updated_at = $5
WHERE id = $1`, s.ID, string(s.Status), s.RewardTaskID, s.RewardError, s.UpdatedAt); err != nil {
		return domain.StakeCommitment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.StakeCommitment{}, err
	}
	return s, nil
}

func (p *PostgresStakes) Due(ctx context.Context, now time.Time, limit int) ([]domain.StakeCommitment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+stakeColumns+` FROM stakes
WHERE status = 'active' AND maturity_at <= $1 AND reward_task_id = '' AND reward_error = ''
ORDER BY maturity_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StakeCommitment
	for rows.Next() {
		s, err := scanStake(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStake(row pgx.Row, id string) (domain.StakeCommitment, error) {
	var (
		s           domain.StakeCommitment
		lockSeconds int64
		status      string
	)
	err := row.Scan(&s.ID, &s.Principal, &s.CampaignID, &s.Amount, &lockSeconds, &s.MaturityAt, &s.Recipient,
		&status, &s.RewardTaskID, &s.RewardError, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StakeCommitment{}, fmt.Errorf("stake %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StakeCommitment{}, err
	}
	s.LockDuration = time.Duration(lockSeconds) * time.Second
	s.Status = domain.StakeStatus(status)
	return s, nil
}

type PostgresAssets struct {
	pool *pgxpool.Pool
}

const assetColumns = `id, task_id, owner, recipient, product_id, object_ref, tx_ref, status, metadata, error, created_at, updated_at`

func (p *PostgresAssets) Save(ctx context.Context, a domain.MintedAsset) (domain.MintedAsset, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return domain.MintedAsset{}, err
	}
	now := time.Now().UTC()
	return scanAsset(p.pool.QueryRow(ctx, `
INSERT INTO minted_assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
ON CONFLICT (task_id) DO UPDATE SET
    object_ref = EXCLUDED.object_ref,
    tx_ref = EXCLUDED.tx_ref,
    status = EXCLUDED.status,
    metadata = EXCLUDED.metadata,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
RETURNING `+assetColumns,
		a.ID, a.TaskID, a.Owner, a.Recipient, a.ProductID, a.ObjectRef, a.TxRef, string(a.Status),
		string(meta), a.Error, now), a.TaskID)
}

func (p *PostgresAssets) ByTask(ctx context.Context, taskID string) (domain.MintedAsset, error) {
	return scanAsset(p.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM minted_assets WHERE task_id = $1`, taskID), taskID)
}

func (p *PostgresAssets) ByOwner(ctx context.Context, owner string) ([]domain.MintedAsset, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+assetColumns+` FROM minted_assets WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MintedAsset
	for rows.Next() {
		a, err := scanAsset(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAsset(row pgx.Row, taskID string) (domain.MintedAsset, error) {
	var (
		a      domain.MintedAsset
		status string
		meta   []byte
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.Owner, &a.Recipient, &a.ProductID, &a.ObjectRef, &a.TxRef,
		&status, &meta, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MintedAsset{}, fmt.Errorf("asset for task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.MintedAsset{}, err
	}
	a.Status = domain.AssetStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return domain.MintedAsset{}, fmt.Errorf("decode asset metadata: %w", err)
		}
	}
	return a, nil
}

type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func (p *PostgresCatalog) Product(ctx context.Context, id string) (domain.Product, error) {
	var (
		prod        domain.Product
		restriction []byte
	)
	err := p.pool.QueryRow(ctx, `
SELECT id, name, unit_price, currency, mints_asset, metadata_uri, restriction
FROM products WHERE id = $1`, id).Scan(&prod.ID, &prod.Name, &prod.UnitPrice, &prod.Currency,
		&prod.MintsAsset, &prod.MetadataURI, &restriction)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Product{}, err
	}
	if err := json.Unmarshal(restriction, &prod.Restriction); err != nil {
		return domain.Product{}, fmt.Errorf("decode restriction: %w", err)
	}
	return prod, nil
}

func (p *PostgresCatalog) Holdings(ctx context.Context, principal string) (domain.Holdings, error) {
	rows, err := p.pool.Query(ctx, `SELECT asset FROM principal_assets WHERE principal = $1`, principal)
	if err != nil {
		return domain.Holdings{}, err
	}
	assets, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.Holdings{}, err
	}
	h := domain.Holdings{Assets: make(map[string]bool, len(assets))}
	for _, a := range assets {
		h.Assets[a] = true
	}
	return h, nil
}
