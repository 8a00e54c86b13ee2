package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// MemoryLedger keeps tasks in process. Used for tests and single-node dev.
type MemoryLedger struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	order []string
	now   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tasks: make(map[string]*domain.Task), now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (m *MemoryLedger) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryLedger) Enqueue(_ context.Context, nt NewTask) (domain.Task, error) {
	if err := validate(nt); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		t := m.tasks[id]
		if t.Type == nt.Type && t.DedupeKey == nt.DedupeKey && t.Status != domain.TaskFailed {
			return *t, ErrDuplicate
		}
	}

	now := m.now()
	avail := nt.AvailableAt
	if avail.IsZero() {
		avail = now
	}
	t := &domain.Task{
		ID:          uuid.NewString(),
		Type:        nt.Type,
		DedupeKey:   nt.DedupeKey,
		Payload:     nt.Payload,
		Status:      domain.TaskPending,
		MaxRetries:  maxRetries(nt.MaxRetries),
		AvailableAt: avail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return *t, nil
}

func (m *MemoryLedger) ClaimNext(_ context.Context, worker string, types []domain.TaskType) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*domain.Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status != domain.TaskPending || t.AvailableAt.After(now) || !wants(types, t.Type) {
			continue
		}
		ready = append(ready, t)
	}
	if len(ready) == 0 {
		return domain.Task{}, ErrNoTask
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].AvailableAt.Before(ready[j].AvailableAt) })

	t := ready[0]
	t.Status = domain.TaskRunning
	t.ClaimedBy = worker
	t.UpdatedAt = now
	return *t, nil
}

func (m *MemoryLedger) Complete(_ context.Context, id, worker string, result []byte) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.running(id, worker)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskCompleted
	t.Result = append([]byte(nil), result...)
	t.Error = ""
	t.FailureCode = ""
	t.FailureMessage = ""
	t.UpdatedAt = m.now()
	return *t, nil
}

func (m *MemoryLedger) Fail(_ context.Context, id, worker string, opts FailOptions) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.running(id, worker)
	if err != nil {
		return domain.Task{}, err
	}
	t.RetryCount++
	t.Error = opts.Detail
	t.FailureCode = opts.Code
	t.FailureMessage = opts.Message
	t.ClaimedBy = ""
	t.UpdatedAt = m.now()
	if exhausted(t.RetryCount, t.MaxRetries, opts.Retryable) {
		t.Status = domain.TaskFailed
	} else {
		t.Status = domain.TaskPending
		t.AvailableAt = opts.RetryAt
		if t.AvailableAt.IsZero() {
			t.AvailableAt = t.UpdatedAt
		}
	}
	return *t, nil
}

func (m *MemoryLedger) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

func (m *MemoryLedger) Find(_ context.Context, typ domain.TaskType, dedupeKey string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.tasks[m.order[i]]
		if t.Type == typ && t.DedupeKey == dedupeKey {
			return *t, nil
		}
	}
	return domain.Task{}, fmt.Errorf("task %s/%s: %w", typ, dedupeKey, domain.ErrNotFound)
}

func (m *MemoryLedger) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, t := range m.tasks {
		if t.Status == domain.TaskRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = domain.TaskPending
			t.ClaimedBy = ""
			t.AvailableAt = now
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{}
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (m *MemoryLedger) running(id, worker string) (*domain.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.TaskRunning {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	if t.ClaimedBy != worker {
		return nil, fmt.Errorf("task %s is claimed by %q: %w", id, t.ClaimedBy, ErrClaimLost)
	}
	return t, nil
}

func wants(types []domain.TaskType, typ domain.TaskType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}
