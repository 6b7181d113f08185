package saga

import (
	"context"
	"testing"
	"time"
)

func TestAcquireIsAllOrNothing(t *testing.T) {
	locks := NewInMemoryLockManager()
	ctx := context.Background()

	if _, err := locks.Acquire(ctx, []string{"b"}, "holder-1", time.Minute); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	// requesting a free key plus a held key must grant nothing
	_, err := locks.Acquire(ctx, []string{"a", "b"}, "holder-2", time.Minute)
	if !IsContention(err) {
		t.Fatalf("expected contention, got %v", err)
	}
	if locks.Held("a") {
		t.Fatalf("partial grant leaked key a")
	}
}

func TestAcquireNormalizesKeys(t *testing.T) {
	locks := NewInMemoryLockManager()
	leases, err := locks.Acquire(context.Background(), []string{" b ", "a", "b", ""}, "holder", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(leases) != 2 || leases[0].Key != "a" || leases[1].Key != "b" {
		t.Fatalf("expected sorted deduped keys, got %+v", leases)
	}
}

func TestAcquireIsReentrantForSameHolder(t *testing.T) {
	locks := NewInMemoryLockManager()
	ctx := context.Background()
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder", time.Minute); err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	now := time.Now().UTC()
	locks := NewInMemoryLockManager()
	locks.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder-1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder-2", time.Minute); err != nil {
		t.Fatalf("expected expired lease to be reacquirable, got %v", err)
	}
}

func TestRenewFailsWhenLeaseWasLost(t *testing.T) {
	now := time.Now().UTC()
	locks := NewInMemoryLockManager()
	locks.now = func() time.Time { return now }

	ctx := context.Background()
	leases, err := locks.Acquire(ctx, []string{"a"}, "holder-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder-2", time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	if err := locks.Renew(ctx, leases, time.Minute); err == nil {
		t.Fatalf("expected renewal to fail for a lost lease")
	}
}

func TestReleaseSkipsForeignLeases(t *testing.T) {
	now := time.Now().UTC()
	locks := NewInMemoryLockManager()
	locks.now = func() time.Time { return now }

	ctx := context.Background()
	stale, err := locks.Acquire(ctx, []string{"a"}, "holder-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := locks.Acquire(ctx, []string{"a"}, "holder-2", time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	// releasing with a stale token must not drop the new owner's lease
	if err := locks.Release(ctx, stale); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !locks.Held("a") {
		t.Fatalf("foreign lease was released")
	}
}
