package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// NewMemory returns in-process repositories sharing one lock per kind.
func NewMemory() Repositories {
	return Repositories{
		Orders:      &MemoryOrders{data: make(map[string]domain.Order)},
		Settlements: &MemorySettlements{data: make(map[string]domain.SettlementRecord)},
		Stakes:      &MemoryStakes{data: make(map[string]domain.StakeCommitment)},
		Assets:      &MemoryAssets{data: make(map[string]domain.MintedAsset)},
		Catalog:     NewMemoryCatalog(),
	}
}

type MemoryOrders struct {
	mu   sync.Mutex
	data map[string]domain.Order
}

func (m *MemoryOrders) Create(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrConflict)
	}
	m.data[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryOrders) Get(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (m *MemoryOrders) Update(_ context.Context, id string, fn func(*domain.Order) error) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	o = cloneOrder(o)
	if err := fn(&o); err != nil {
		return domain.Order{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	m.data[id] = cloneOrder(o)
	return o, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.LineItem(nil), o.Items...)
	return o
}

type MemorySettlements struct {
	mu   sync.Mutex
	data map[string]domain.SettlementRecord
}

func (m *MemorySettlements) Save(_ context.Context, rec domain.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[rec.ID]; ok && cur.Status.Terminal() {
		return fmt.Errorf("settlement %s is %s: %w", rec.ID, cur.Status, domain.ErrInvalidTransition)
	}
	if rec.Status == domain.SettlementSucceeded {
		for _, other := range m.data {
			if other.OrderID == rec.OrderID && other.ID != rec.ID && other.Status == domain.SettlementSucceeded {
				return fmt.Errorf("order %s already settled: %w", rec.OrderID, domain.ErrConflict)
			}
		}
	}
	m.data[rec.ID] = rec
	return nil
}

func (m *MemorySettlements) Get(_ context.Context, id string) (domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("settlement %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (m *MemorySettlements) LatestForOrder(_ context.Context, orderID string) (domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  domain.SettlementRecord
		found bool
	)
	for _, rec := range m.data {
		if rec.OrderID != orderID {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best, found = rec, true
		}
	}
	if !found {
		return domain.SettlementRecord{}, fmt.Errorf("settlement for order %s: %w", orderID, domain.ErrNotFound)
	}
	return best, nil
}

func (m *MemorySettlements) ByExternalRef(_ context.Context, ref string) (domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.data {
		if rec.ExternalRef == ref && ref != "" {
			return rec, nil
		}
	}
	return domain.SettlementRecord{}, fmt.Errorf("settlement ref %s: %w", ref, domain.ErrNotFound)
}

func (m *MemorySettlements) Unsettled(_ context.Context, rail domain.Rail) ([]domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SettlementRecord
	for _, rec := range m.data {
		if rec.Rail == rail && !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type MemoryStakes struct {
	mu   sync.Mutex
	data map[string]domain.StakeCommitment
}

func (m *MemoryStakes) Create(_ context.Context, s domain.StakeCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[s.ID]; ok {
		return fmt.Errorf("stake %s: %w", s.ID, domain.ErrConflict)
	}
	m.data[s.ID] = s
	return nil
}

func (m *MemoryStakes) Get(_ context.Context, id string) (domain.StakeCommitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return domain.StakeCommitment{}, fmt.Errorf("stake %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStakes) Update(_ context.Context, id string, fn func(*domain.StakeCommitment) error) (domain.StakeCommitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return domain.StakeCommitment{}, fmt.Errorf("stake %s: %w", id, domain.ErrNotFound)
	}
	if err := fn(&s); err != nil {
		return domain.StakeCommitment{}, err
	}
	s.UpdatedAt = time.Now().UTC()
	m.data[id] = s
	return s, nil
}

func (m *MemoryStakes) Due(_ context.Context, now time.Time, limit int) ([]domain.StakeCommitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StakeCommitment
	for _, s := range m.data {
		if s.Status == domain.StakeActive && s.Matured(now) && s.RewardTaskID == "" && s.RewardError == "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaturityAt.Before(out[j].MaturityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type MemoryAssets struct {
	mu   sync.Mutex
	data map[string]domain.MintedAsset // by task id
}

func (m *MemoryAssets) Save(_ context.Context, a domain.MintedAsset) (domain.MintedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := m.data[a.TaskID]; ok {
		a.ID = cur.ID
		a.CreatedAt = cur.CreatedAt
	} else {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.data[a.TaskID] = a
	return a, nil
}

func (m *MemoryAssets) ByTask(_ context.Context, taskID string) (domain.MintedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.data[taskID]
	if !ok {
		return domain.MintedAsset{}, fmt.Errorf("asset for task %s: %w", taskID, domain.ErrNotFound)
	}
	return a, nil
}

func (m *MemoryAssets) ByOwner(_ context.Context, owner string) ([]domain.MintedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MintedAsset
	for _, a := range m.data {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryCatalog is seeded in tests or from a JSON file in dev.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	holdings map[string]map[string]bool
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[string]domain.Product), holdings: make(map[string]map[string]bool)}
}

func (c *MemoryCatalog) PutProduct(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// Grant records that principal holds asset.
func (c *MemoryCatalog) Grant(principal, asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdings[principal] == nil {
		c.holdings[principal] = make(map[string]bool)
	}
	c.holdings[principal][asset] = true
}

// Revoke drops a holding.
func (c *MemoryCatalog) Revoke(principal, asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.holdings[principal], asset)
}

func (c *MemoryCatalog) Product(_ context.Context, id string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (c *MemoryCatalog) Holdings(_ context.Context, principal string) (domain.Holdings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	assets := make(map[string]bool, len(c.holdings[principal]))
	for k, v := range c.holdings[principal] {
		assets[k] = v
	}
	return domain.Holdings{Assets: assets}, nil
}
