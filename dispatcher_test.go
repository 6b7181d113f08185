package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func outboxWithEntries(t *testing.T, topics ...string) *InMemoryContextStore {
	t.Helper()
	store := NewInMemoryContextStore()
	ctx := context.Background()
	if err := store.Create(ctx, &ExecutionContext{ID: "run-1", TaskKind: "checkout", Status: StatusRunning}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, topic := range topics {
		if err := store.RunInTransaction(ctx, func(tx TxStore) error {
			return tx.AppendOutbox(ctx, OutboxEntry{Topic: topic, RunID: "run-1"})
		}); err != nil {
			t.Fatalf("append %s: %v", topic, err)
		}
	}
	return store
}

func TestDispatcherDeliversAndCompletes(t *testing.T) {
	store := outboxWithEntries(t, TopicRunUpdated, TopicRunConfirmed)
	collector := NewCollectingNotifier()
	dispatcher, err := NewNotificationDispatcher(store, collector, WithWorkerID("worker-1"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	report, err := dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Claimed != 2 || report.Delivered != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, entry := range store.OutboxEntries() {
		if entry.Status != outboxStatusCompleted {
			t.Fatalf("expected completed entry, got %+v", entry)
		}
	}
	if len(collector.Notifications()) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(collector.Notifications()))
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	store := outboxWithEntries(t, TopicRunUpdated)
	attempts := 0
	notifier := NotifierFunc(func(context.Context, Notification) error {
		attempts++
		if attempts == 1 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	dispatcher, err := NewNotificationDispatcher(store, notifier,
		WithDispatchBackoff(NoDelayStrategy{}),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	ctx := context.Background()
	report, err := dispatcher.RunOnce(ctx)
	if err != nil || report.Retried != 1 {
		t.Fatalf("expected one retry-scheduled entry, got %+v %v", report, err)
	}

	report, err = dispatcher.RunOnce(ctx)
	if err != nil || report.Delivered != 1 {
		t.Fatalf("expected redelivery, got %+v %v", report, err)
	}
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	store := outboxWithEntries(t, TopicRunUpdated)
	notifier := NotifierFunc(func(context.Context, Notification) error {
		return errors.New("consumer gone")
	})
	dispatcher, err := NewNotificationDispatcher(store, notifier,
		WithMaxDeliveryAttempts(2),
		WithDispatchBackoff(NoDelayStrategy{}),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := dispatcher.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	dead, err := store.ListDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %v %v", dead, err)
	}
	if dead[0].LastError != "consumer gone" {
		t.Fatalf("expected failure reason recorded, got %q", dead[0].LastError)
	}

	// dead letters never come back
	report, err := dispatcher.RunOnce(ctx)
	if err != nil || report.Claimed != 0 {
		t.Fatalf("expected nothing claimable, got %+v %v", report, err)
	}
}

func TestDispatcherScheduleRunsCycles(t *testing.T) {
	store := outboxWithEntries(t, TopicRunUpdated)
	collector := NewCollectingNotifier()
	dispatcher, err := NewNotificationDispatcher(store, collector)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	ctx := context.Background()
	if err := dispatcher.Schedule(ctx, "* * * * * *"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	defer func() {
		if err := dispatcher.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for len(collector.Notifications()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("scheduled dispatch never delivered")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := dispatcher.Schedule(ctx, "* * * * * *"); err == nil {
		t.Fatalf("expected double schedule to fail")
	}
}
