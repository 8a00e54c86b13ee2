package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Adapter moves value for one order over one rail. Adapters never retry;
// failures come back as records in the failed state carrying a reason code.
type Adapter interface {
	Rail() domain.Rail
	Begin(ctx context.Context, order domain.Order) (domain.SettlementRecord, error)
	Confirm(ctx context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error)
	Cancel(ctx context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error)
}

// Registry resolves an adapter by rail.
type Registry map[domain.Rail]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Rail()] = a
	}
	return r
}

func (r Registry) For(rail domain.Rail) (Adapter, bool) {
	a, ok := r[rail]
	return a, ok
}

func newRecord(order domain.Order, rail domain.Rail) domain.SettlementRecord {
	now := time.Now().UTC()
	return domain.SettlementRecord{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Rail:      rail,
		Status:    domain.SettlementPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func touch(rec *domain.SettlementRecord) {
	rec.UpdatedAt = time.Now().UTC()
}
