package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

var (
	// ErrDuplicate is returned with the existing task when a live task already
	// holds the same (type, dedupe key).
	ErrDuplicate = fmt.Errorf("%w: live task with same dedupe key", domain.ErrConflict)
	// ErrNoTask means nothing is ready to claim.
	ErrNoTask = errors.New("no task ready")
	// ErrClaimLost means the task was requeued and claimed by another worker.
	ErrClaimLost = fmt.Errorf("%w: task claimed by another worker", domain.ErrInvalidTransition)
)

const DefaultMaxRetries = 5

type NewTask struct {
	Type        domain.TaskType
	DedupeKey   string
	Payload     domain.TaskPayload
	MaxRetries  int
	AvailableAt time.Time
}

// FailOptions describe one failed attempt. A retryable failure returns the
// task to pending at RetryAt unless the retry budget is spent.
type FailOptions struct {
	Code      string
	Message   string
	Detail    string
	Retryable bool
	RetryAt   time.Time
}

type Stats map[domain.TaskStatus]int

// Ledger is the durable task queue. Every mutation is conditional on the
// current status and claim so concurrent workers cannot both act on one task.
type Ledger interface {
	Enqueue(ctx context.Context, t NewTask) (domain.Task, error)
	ClaimNext(ctx context.Context, worker string, types []domain.TaskType) (domain.Task, error)
	// Complete and Fail only apply to a task still claimed by worker.
	Complete(ctx context.Context, id, worker string, result []byte) (domain.Task, error)
	Fail(ctx context.Context, id, worker string, opts FailOptions) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	// Find returns the most recent task for (type, dedupe key).
	Find(ctx context.Context, typ domain.TaskType, dedupeKey string) (domain.Task, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

func validate(t NewTask) error {
	if t.Type != domain.TaskMintNFT && t.Type != domain.TaskStakeMaturity {
		return domain.Validationf("unknown task type %q", t.Type)
	}
	if t.DedupeKey == "" {
		return domain.Validationf("dedupe key is required")
	}
	return nil
}

func maxRetries(n int) int {
	if n <= 0 {
		return DefaultMaxRetries
	}
	return n
}

// exhausted reports whether an attempt that just failed leaves no budget.
func exhausted(retryCount, max int, retryable bool) bool {
	return !retryable || retryCount >= max
}
