package store

import (
	"context"
	"time"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Orders persists orders. Update runs fn against the current row under a
// lock and writes the result back; an error from fn aborts the write.
type Orders interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	Update(ctx context.Context, id string, fn func(*domain.Order) error) (domain.Order, error)
}

// Settlements persists settlement records. Terminal records are immutable
// and at most one record per order may be succeeded.
type Settlements interface {
	Save(ctx context.Context, rec domain.SettlementRecord) error
	Get(ctx context.Context, id string) (domain.SettlementRecord, error)
	LatestForOrder(ctx context.Context, orderID string) (domain.SettlementRecord, error)
	ByExternalRef(ctx context.Context, ref string) (domain.SettlementRecord, error)
	// Unsettled lists non-terminal records on rail, oldest first.
	Unsettled(ctx context.Context, rail domain.Rail) ([]domain.SettlementRecord, error)
}

type Stakes interface {
	Create(ctx context.Context, s domain.StakeCommitment) error
	Get(ctx context.Context, id string) (domain.StakeCommitment, error)
	Update(ctx context.Context, id string, fn func(*domain.StakeCommitment) error) (domain.StakeCommitment, error)
	// Due lists active, matured stakes with no reward task and no recorded
	// reward error.
	Due(ctx context.Context, now time.Time, limit int) ([]domain.StakeCommitment, error)
}

type Assets interface {
	// Save upserts by task id.
	Save(ctx context.Context, a domain.MintedAsset) (domain.MintedAsset, error)
	ByTask(ctx context.Context, taskID string) (domain.MintedAsset, error)
	ByOwner(ctx context.Context, owner string) ([]domain.MintedAsset, error)
}

// Catalog answers product and holdings lookups for eligibility checks.
type Catalog interface {
	Product(ctx context.Context, id string) (domain.Product, error)
	Holdings(ctx context.Context, principal string) (domain.Holdings, error)
}

// Repositories bundles every store the coordinator needs.
type Repositories struct {
	Orders      Orders
	Settlements Settlements
	Stakes      Stakes
	Assets      Assets
	Catalog     Catalog
}
