package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	rec, created, err := store.Reserve(ctx, "checkout:token:abc", "fp-1", "order-1", time.Minute)
	if err != nil || !created {
		t.Fatalf("first reserve: created=%v err=%v", created, err)
	}
	if rec.Reference != "order-1" {
		t.Fatalf("unexpected reference %q", rec.Reference)
	}

	again, created, err := store.Reserve(ctx, "checkout:token:abc", "fp-1", "order-2", time.Minute)
	if err != nil || created {
		t.Fatalf("second reserve should return existing: created=%v err=%v", created, err)
	}
	if again.Reference != "order-1" {
		t.Fatalf("expected first reference, got %q", again.Reference)
	}
	if err := Check(again, created, "fp-other"); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	if err := store.Release(ctx, "checkout:token:abc", "order-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "checkout:token:abc"); got == nil {
		t.Fatalf("release with a foreign reference must not drop the key")
	}
	if err := store.Release(ctx, "checkout:token:abc", "order-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "checkout:token:abc"); got != nil {
		t.Fatalf("expected key released, got %+v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if _, created, _ := store.Reserve(ctx, "k", "", "a", time.Second); !created {
		t.Fatalf("expected first reserve to win")
	}
	now = now.Add(2 * time.Second)
	rec, created, _ := store.Reserve(ctx, "k", "", "b", time.Second)
	if !created || rec.Reference != "b" {
		t.Fatalf("expired key should be reusable: %+v created=%v", rec, created)
	}
}

func TestMemoryStoreConcurrentReserve(t *testing.T) {
	store := NewMemoryStore()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.Reserve(context.Background(), "k", "", "ref", time.Minute)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if created {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	exerciseStore(t, store)

	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "stripe:evt_1", "", "evt_1", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	defer store2.Close()

	got, _ := store2.Get(ctx, "stripe:evt_1")
	if got == nil || got.Reference != "evt_1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
