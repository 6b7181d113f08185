package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedContext(t *testing.T, store *InMemoryContextStore, id string, status Status) {
	t.Helper()
	if err := store.Create(context.Background(), &ExecutionContext{
		ID:       id,
		TaskKind: "provision",
		Status:   status,
	}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestCreateRejectsDuplicateRunID(t *testing.T) {
	store := NewInMemoryContextStore()
	seedContext(t, store, "run-1", StatusInitialized)
	err := store.Create(context.Background(), &ExecutionContext{ID: "run-1", TaskKind: "provision"})
	if ErrorCode(err) != ErrCodeRunExists {
		t.Fatalf("expected %s, got %v", ErrCodeRunExists, err)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := NewInMemoryContextStore()
	ec, err := store.Load(context.Background(), "nope")
	if err != nil || ec != nil {
		t.Fatalf("expected nil,nil for missing context, got %v %v", ec, err)
	}
}

func TestAppendStepRejectsTerminalContext(t *testing.T) {
	store := NewInMemoryContextStore()
	seedContext(t, store, "run-1", StatusCompleted)
	err := store.AppendStep(context.Background(), "run-1", StepRecord{StepName: "late", Outcome: OutcomeSuccess})
	if ErrorCode(err) != ErrCodeRunConflict {
		t.Fatalf("expected %s, got %v", ErrCodeRunConflict, err)
	}
}

func TestSetStatusRejectsTerminalTransition(t *testing.T) {
	store := NewInMemoryContextStore()
	seedContext(t, store, "run-1", StatusRolledBack)
	err := store.SetStatus(context.Background(), "run-1", StatusRunning, StatusChange{})
	if ErrorCode(err) != ErrCodeRunConflict {
		t.Fatalf("expected %s, got %v", ErrCodeRunConflict, err)
	}
}

func TestLoadByCorrelation(t *testing.T) {
	store := NewInMemoryContextStore()
	ctx := context.Background()
	seedContext(t, store, "run-1", StatusRunning)
	if err := store.SetStatus(ctx, "run-1", StatusPendingExternal, StatusChange{CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	ec, err := store.LoadByCorrelation(ctx, "corr-1")
	if err != nil || ec == nil || ec.ID != "run-1" {
		t.Fatalf("expected run-1, got %v %v", ec, err)
	}
	if missing, err := store.LoadByCorrelation(ctx, "corr-none"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown correlation, got %v %v", missing, err)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	store := NewInMemoryContextStore()
	ctx := context.Background()
	seedContext(t, store, "run-1", StatusRunning)

	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx TxStore) error {
		if err := tx.AppendStep(ctx, "run-1", StepRecord{StepName: "one", Outcome: OutcomeSuccess}); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, OutboxEntry{Topic: TopicRunUpdated, RunID: "run-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ec, _ := store.Load(ctx, "run-1")
	if len(ec.Steps) != 0 {
		t.Fatalf("expected rolled-back steps, got %d", len(ec.Steps))
	}
	if entries := store.OutboxEntries(); len(entries) != 0 {
		t.Fatalf("expected rolled-back outbox, got %d", len(entries))
	}
}

func TestRunInTransactionCommitsTogether(t *testing.T) {
	store := NewInMemoryContextStore()
	ctx := context.Background()
	seedContext(t, store, "run-1", StatusRunning)

	err := store.RunInTransaction(ctx, func(tx TxStore) error {
		if err := tx.AppendStep(ctx, "run-1", StepRecord{StepName: "one", Outcome: OutcomeSuccess}); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, OutboxEntry{Topic: TopicRunUpdated, RunID: "run-1"})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	ec, _ := store.Load(ctx, "run-1")
	if len(ec.Steps) != 1 {
		t.Fatalf("expected committed step, got %d", len(ec.Steps))
	}
	if entries := store.OutboxEntries(); len(entries) != 1 {
		t.Fatalf("expected committed outbox entry, got %d", len(entries))
	}
}

func TestClaimPendingLeasesAndReclaims(t *testing.T) {
	store := NewInMemoryContextStore()
	ctx := context.Background()
	seedContext(t, store, "run-1", StatusRunning)
	if err := store.RunInTransaction(ctx, func(tx TxStore) error {
		return tx.AppendOutbox(ctx, OutboxEntry{Topic: TopicRunUpdated, RunID: "run-1"})
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	claimed, err := store.ClaimPending(ctx, "worker-1", 10, time.Now().UTC().Add(time.Minute))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claim, got %v %v", claimed, err)
	}
	if claimed[0].Attempts != 1 || claimed[0].LeaseOwner != "worker-1" {
		t.Fatalf("unexpected claim %+v", claimed[0])
	}

	// the live lease hides the entry from other workers
	again, err := store.ClaimPending(ctx, "worker-2", 10, time.Now().UTC().Add(time.Minute))
	if err != nil || len(again) != 0 {
		t.Fatalf("expected no claims under live lease, got %v %v", again, err)
	}

	// an expired lease is reclaimable
	expired, err := store.ClaimPending(ctx, "worker-2", 10, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = expired
	reclaimed, err := store.ClaimPending(ctx, "worker-3", 10, time.Now().UTC().Add(time.Minute))
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("expected reclaim after lease expiry, got %v %v", reclaimed, err)
	}
}

func TestOutboxLifecycleMarks(t *testing.T) {
	store := NewInMemoryContextStore()
	ctx := context.Background()
	seedContext(t, store, "run-1", StatusRunning)
	if err := store.RunInTransaction(ctx, func(tx TxStore) error {
		return tx.AppendOutbox(ctx, OutboxEntry{Topic: TopicRunConfirmed, RunID: "run-1"})
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	claimed, err := store.ClaimPending(ctx, "worker-1", 1, time.Now().UTC().Add(time.Minute))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	id := claimed[0].ID

	if err := store.MarkFailed(ctx, id, time.Now().UTC().Add(-time.Second), "broker down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	reclaimed, err := store.ClaimPending(ctx, "worker-1", 1, time.Now().UTC().Add(time.Minute))
	if err != nil || len(reclaimed) != 1 || reclaimed[0].Attempts != 2 {
		t.Fatalf("expected retryable entry with attempts=2, got %v %v", reclaimed, err)
	}

	if err := store.MarkDeadLetter(ctx, id, "gave up"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := store.ListDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].LastError != "gave up" {
		t.Fatalf("expected dead letter, got %v %v", dead, err)
	}

	if err := store.MarkCompleted(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if entries := store.OutboxEntries(); entries[0].Status != outboxStatusCompleted {
		t.Fatalf("expected completed, got %s", entries[0].Status)
	}
}
