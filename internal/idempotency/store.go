package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Record is a reservation of one dedupe key. Reference points at whatever
// the first caller created under the key (an order id, a webhook event id).
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ErrFingerprintMismatch means the key was reused for a different request.
var ErrFingerprintMismatch = fmt.Errorf("%w: idempotency key reused with a different request", domain.ErrConflict)

// Store abstracts idempotency persistence.
type Store interface {
	// Reserve claims key for ttl. When an unexpired reservation already
	// exists it is returned with created=false.
	Reserve(ctx context.Context, key, fingerprint, reference string, ttl time.Duration) (rec Record, created bool, err error)
	Get(ctx context.Context, key string) (*Record, error)
	// Release drops a reservation whose owner gave up before creating anything.
	Release(ctx context.Context, key, reference string) error
}

// Check applies the fingerprint rule to a reservation result.
func Check(rec Record, created bool, fingerprint string) error {
	if created || rec.Fingerprint == "" || fingerprint == "" {
		return nil
	}
	if rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	return nil
}

var errEmptyKey = errors.New("idempotency key is empty")

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key, fingerprint, reference string, ttl time.Duration) (Record, bool, error) {
	if key == "" {
		return Record{}, false, errEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if rec, ok := m.data[key]; ok && now.Before(rec.ExpiresAt) {
		return rec, false, nil
	}
	rec := Record{Key: key, Fingerprint: fingerprint, Reference: reference, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	m.data[key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Release(_ context.Context, key, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Reference == reference {
		delete(m.data, key)
	}
	return nil
}
