package tasks

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

func mintTask(key string) NewTask {
	return NewTask{
		Type:      domain.TaskMintNFT,
		DedupeKey: key,
		Payload:   domain.TaskPayload{SourceKind: domain.SourceOrder, SourceID: "ord-1"},
	}
}

// ledgerContract runs the behaviour every Ledger implementation must share.
func ledgerContract(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()

	t.Run("duplicate live task", func(t *testing.T) {
		l := newLedger(t)
		key := "order:" + uuid.NewString() + ":item:0"
		first, err := l.Enqueue(ctx, mintTask(key))
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRetries, first.MaxRetries)

		dup, err := l.Enqueue(ctx, mintTask(key))
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, first.ID, dup.ID)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		l := newLedger(t)
		task, err := l.Enqueue(ctx, mintTask("order:"+uuid.NewString()+":item:0"))
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimed, err := l.ClaimNext(ctx, "w", []domain.TaskType{domain.TaskMintNFT})
				if errors.Is(err, ErrNoTask) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				if claimed.ID == task.ID {
					mu.Lock()
					winners = append(winners, claimed.ID)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Len(t, winners, 1)
	})

	t.Run("completed never re-runs", func(t *testing.T) {
		l := newLedger(t)
		key := "order:" + uuid.NewString() + ":item:0"
		task, err := l.Enqueue(ctx, mintTask(key))
		require.NoError(t, err)
		claimed := claimID(t, l, task.ID)

		done, err := l.Complete(ctx, claimed.ID, "worker-1", []byte(`{"assetId":"a1"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.TaskCompleted, done.Status)

		_, err = l.Fail(ctx, task.ID, "worker-1", FailOptions{Detail: "late", Retryable: true})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = l.Complete(ctx, task.ID, "worker-1", nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := l.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskCompleted, got.Status)
		assert.JSONEq(t, `{"assetId":"a1"}`, string(got.Result))

		_, err = l.Enqueue(ctx, mintTask(key))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("retry budget", func(t *testing.T) {
		l := newLedger(t)
		nt := mintTask("order:" + uuid.NewString() + ":item:0")
		nt.MaxRetries = 2
		task, err := l.Enqueue(ctx, nt)
		require.NoError(t, err)

		claimID(t, l, task.ID)
		after, err := l.Fail(ctx, task.ID, "worker-1", FailOptions{Detail: "rpc timeout", Retryable: true, RetryAt: time.Now().Add(-time.Second)})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskPending, after.Status)
		assert.Equal(t, 1, after.RetryCount)

		claimID(t, l, task.ID)
		after, err = l.Fail(ctx, task.ID, "worker-1", FailOptions{Detail: "rpc timeout", Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, after.Status)
		assert.Equal(t, 2, after.RetryCount)
		assert.Equal(t, "rpc timeout", after.Error)

		again, err := l.Enqueue(ctx, nt)
		require.NoError(t, err, "failed tasks free their dedupe key")
		assert.NotEqual(t, task.ID, again.ID)
	})

	t.Run("non retryable fails immediately", func(t *testing.T) {
		l := newLedger(t)
		task, err := l.Enqueue(ctx, mintTask("order:"+uuid.NewString()+":item:0"))
		require.NoError(t, err)
		claimID(t, l, task.ID)
		after, err := l.Fail(ctx, task.ID, "worker-1", FailOptions{Detail: "precondition", Retryable: false})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, after.Status)
	})

	t.Run("retry waits for available_at", func(t *testing.T) {
		l := newLedger(t)
		task, err := l.Enqueue(ctx, mintTask("order:"+uuid.NewString()+":item:0"))
		require.NoError(t, err)
		claimID(t, l, task.ID)
		_, err = l.Fail(ctx, task.ID, "worker-1", FailOptions{Retryable: true, RetryAt: time.Now().Add(time.Hour)})
		require.NoError(t, err)

		for {
			claimed, err := l.ClaimNext(ctx, "w", []domain.TaskType{domain.TaskMintNFT})
			if errors.Is(err, ErrNoTask) {
				break
			}
			require.NoError(t, err)
			require.NotEqual(t, task.ID, claimed.ID)
		}
	})

	t.Run("requeued claim cannot be settled by its old worker", func(t *testing.T) {
		l := newLedger(t)
		task, err := l.Enqueue(ctx, mintTask("order:"+uuid.NewString()+":item:0"))
		require.NoError(t, err)
		claimID(t, l, task.ID)

		n, err := l.RequeueStale(ctx, -time.Second)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		claimAs(t, l, "worker-2", task.ID)

		_, err = l.Complete(ctx, task.ID, "worker-1", nil)
		assert.ErrorIs(t, err, ErrClaimLost)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = l.Fail(ctx, task.ID, "worker-1", FailOptions{Detail: "late", Retryable: false})
		assert.ErrorIs(t, err, ErrClaimLost)

		after, err := l.Fail(ctx, task.ID, "worker-2", FailOptions{
			Code:    "ledger_unavailable",
			Message: "The ledger is temporarily unavailable",
			Detail:  "dial tcp 10.0.0.1:8545: connection refused",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, after.Status)
		assert.Equal(t, 1, after.RetryCount)
		assert.Equal(t, "ledger_unavailable", after.FailureCode)
		assert.Equal(t, "The ledger is temporarily unavailable", after.FailureMessage)
		assert.Contains(t, after.Error, "connection refused")

		got, err := l.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, after.FailureCode, got.FailureCode)
		assert.Equal(t, after.Error, got.Error)
	})

	t.Run("not found", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

// claimID claims until the wanted task comes up, failing the test otherwise.
func claimID(t *testing.T, l Ledger, id string) domain.Task {
	t.Helper()
	return claimAs(t, l, "worker-1", id)
}

func claimAs(t *testing.T, l Ledger, worker, id string) domain.Task {
	t.Helper()
	for {
		claimed, err := l.ClaimNext(context.Background(), worker, []domain.TaskType{domain.TaskMintNFT})
		require.NoError(t, err)
		if claimed.ID == id {
			assert.Equal(t, domain.TaskRunning, claimed.Status)
			return claimed
		}
	}
}

func TestMemoryLedger(t *testing.T) {
	ledgerContract(t, func(t *testing.T) Ledger { return NewMemoryLedger() })
}

func TestMemoryLedgerRequeueStale(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	task, err := l.Enqueue(context.Background(), mintTask("order:1:item:0"))
	require.NoError(t, err)
	_, err = l.ClaimNext(context.Background(), "crashed", nil)
	require.NoError(t, err)

	n, err := l.RequeueStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Minute)
	n, err = l.RequeueStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.TaskPending])
}

func TestMemoryLedgerFind(t *testing.T) {
	l := NewMemoryLedger()
	task, err := l.Enqueue(context.Background(), mintTask("stake:s1"))
	require.NoError(t, err)
	got, err := l.Find(context.Background(), domain.TaskMintNFT, "stake:s1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = l.Find(context.Background(), domain.TaskStakeMaturity, "stake:s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ledgerContract(t, func(t *testing.T) Ledger {
		l, err := NewPostgresLedger(ctx, pool)
		require.NoError(t, err)
		return l
	})
}
