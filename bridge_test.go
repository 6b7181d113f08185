package saga

import (
	"context"
	"sync/atomic"
	"testing"
)

func asyncTask(t *testing.T, collectAttempts *atomic.Int64, finalizeAttempts *atomic.Int64, compensations *atomic.Int64) *TaskRegistry {
	t.Helper()
	return registryWith(t, TaskDefinition{
		Kind: "checkout",
		ResolveEntities: func(context.Context, map[string]any) ([]string, error) {
			return []string{"order:1"}, nil
		},
		Steps: []Step{
			{
				Name: "reserve",
				Execute: func(context.Context, StepInput) (*StepResult, error) {
					return &StepResult{Output: map[string]any{"reservation": "res-1"}}, nil
				},
				Compensate: func(context.Context, CompensationInput) error {
					if compensations != nil {
						compensations.Add(1)
					}
					return nil
				},
			},
			{
				Name:  "collect-payment",
				Async: true,
				Execute: func(context.Context, StepInput) (*StepResult, error) {
					if collectAttempts != nil {
						collectAttempts.Add(1)
					}
					return &StepResult{Pending: true, CorrelationID: "corr-1"}, nil
				},
			},
			{
				Name: "finalize",
				Execute: func(_ context.Context, in StepInput) (*StepResult, error) {
					if finalizeAttempts != nil {
						finalizeAttempts.Add(1)
					}
					return &StepResult{Output: map[string]any{
						"provider_ref": in.Outputs["collect-payment"]["provider_ref"],
					}}, nil
				},
			},
		},
	})
}

func TestAsyncRunPausesAndResumesOnSuccess(t *testing.T) {
	var collect, finalize atomic.Int64
	notifier := NewCollectingNotifier()
	tasks := asyncTask(t, &collect, &finalize, nil)
	orchestrator, store, locks := newTestOrchestrator(t, tasks, WithNotifier(notifier))

	ctx := context.Background()
	started, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != StatusPendingExternal || started.CorrelationID != "corr-1" {
		t.Fatalf("expected paused run, got %+v", started)
	}
	// entity leases are released while waiting on the external event
	if locks.Held("order:1") || locks.Held("run-1") {
		t.Fatalf("expected leases released at the async boundary")
	}
	ec, _ := store.Load(ctx, "run-1")
	if ec.Status != StatusPendingExternal || ec.CorrelationID != "corr-1" {
		t.Fatalf("unexpected stored context %+v", ec)
	}

	resumed, err := orchestrator.HandleExternalEvent(ctx, ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalSuccess,
		Payload:       map[string]any{"provider_ref": "pay-99"},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", resumed.Status)
	}
	if resumed.Response["provider_ref"] != "pay-99" {
		t.Fatalf("expected event payload in response, got %v", resumed.Response)
	}
	if collect.Load() != 1 || finalize.Load() != 1 {
		t.Fatalf("expected each step once, got collect=%d finalize=%d", collect.Load(), finalize.Load())
	}
	if confirmed := notifier.ByTopic(TopicRunConfirmed); len(confirmed) != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", len(confirmed))
	}
	if updated := notifier.ByTopic(TopicRunUpdated); len(updated) == 0 {
		t.Fatalf("expected run.updated before confirmation")
	}
}

func TestDuplicateExternalSuccessIsNoOp(t *testing.T) {
	var finalize atomic.Int64
	notifier := NewCollectingNotifier()
	tasks := asyncTask(t, nil, &finalize, nil)
	orchestrator, _, _ := newTestOrchestrator(t, tasks, WithNotifier(notifier))

	ctx := context.Background()
	if _, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	event := ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalSuccess,
		Payload:       map[string]any{"provider_ref": "pay-99"},
	}
	first, err := orchestrator.HandleExternalEvent(ctx, event)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := orchestrator.HandleExternalEvent(ctx, event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Status != StatusCompleted || second.Response["provider_ref"] != first.Response["provider_ref"] {
		t.Fatalf("expected idempotent replay, got %+v", second)
	}
	if finalize.Load() != 1 {
		t.Fatalf("finalization must run once, got %d", finalize.Load())
	}
	if confirmed := notifier.ByTopic(TopicRunConfirmed); len(confirmed) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(confirmed))
	}
}

func TestExternalFailureRollsBack(t *testing.T) {
	var compensations atomic.Int64
	tasks := asyncTask(t, nil, nil, &compensations)
	orchestrator, store, _ := newTestOrchestrator(t, tasks)

	ctx := context.Background()
	if _, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := orchestrator.HandleExternalEvent(ctx, ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalFailure,
		Reason:        "card declined",
	})
	if err != nil {
		t.Fatalf("failure delivery: %v", err)
	}
	if result.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Status)
	}
	if compensations.Load() != 1 {
		t.Fatalf("expected earlier step compensated, got %d", compensations.Load())
	}

	ec, _ := store.Load(ctx, "run-1")
	if ec.Status != StatusRolledBack {
		t.Fatalf("expected stored rolled_back, got %s", ec.Status)
	}
	terminal := false
	for _, rec := range ec.Steps {
		if rec.StepName == "collect-payment" && rec.Outcome == OutcomeFailedTerminal {
			terminal = true
		}
	}
	if !terminal {
		t.Fatalf("expected terminal record for async step, got %+v", ec.Steps)
	}
}

func TestFailureAfterSuccessIsNoOp(t *testing.T) {
	var compensations atomic.Int64
	tasks := asyncTask(t, nil, nil, &compensations)
	orchestrator, _, _ := newTestOrchestrator(t, tasks)

	ctx := context.Background()
	if _, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orchestrator.HandleExternalEvent(ctx, ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalSuccess,
		Payload:       map[string]any{"provider_ref": "pay-99"},
	}); err != nil {
		t.Fatalf("success delivery: %v", err)
	}

	// out-of-order failure for an already-settled run is acknowledged
	result, err := orchestrator.HandleExternalEvent(ctx, ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalFailure,
		Reason:        "late timeout",
	})
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected settled run untouched, got %s", result.Status)
	}
	if compensations.Load() != 0 {
		t.Fatalf("expected no compensation, got %d", compensations.Load())
	}
}

func TestUnknownCorrelationIsRejected(t *testing.T) {
	tasks := asyncTask(t, nil, nil, nil)
	orchestrator, _, _ := newTestOrchestrator(t, tasks)

	_, err := orchestrator.HandleExternalEvent(context.Background(), ExternalEvent{
		CorrelationID: "corr-unknown",
		Kind:          ExternalSuccess,
	})
	if ErrorCode(err) != ErrCodeUnknownCorrelation {
		t.Fatalf("expected %s, got %v", ErrCodeUnknownCorrelation, err)
	}
}

func TestStartOnPausedRunReportsPending(t *testing.T) {
	tasks := asyncTask(t, nil, nil, nil)
	orchestrator, _, _ := newTestOrchestrator(t, tasks)

	ctx := context.Background()
	if _, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"})
	if err != nil {
		t.Fatalf("repeat start: %v", err)
	}
	if again.Status != StatusPendingExternal || again.CorrelationID != "corr-1" {
		t.Fatalf("expected pending indicator, got %+v", again)
	}
}

func TestOutboxModeDefersNotificationsToDispatcher(t *testing.T) {
	tasks := asyncTask(t, nil, nil, nil)
	notifier := NewCollectingNotifier()
	orchestrator, store, _ := newTestOrchestrator(t, tasks, WithOutboxNotifications())

	ctx := context.Background()
	if _, err := orchestrator.Start(ctx, StartRequest{RunID: "run-1", TaskKind: "checkout"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orchestrator.HandleExternalEvent(ctx, ExternalEvent{
		CorrelationID: "corr-1",
		Kind:          ExternalSuccess,
		Payload:       map[string]any{"provider_ref": "pay-99"},
	}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	entries := store.OutboxEntries()
	topics := map[string]int{}
	for _, entry := range entries {
		topics[entry.Topic]++
	}
	if topics[TopicRunUpdated] == 0 || topics[TopicRunConfirmed] != 1 {
		t.Fatalf("unexpected outbox topics %v", topics)
	}

	dispatcher, err := NewNotificationDispatcher(store, notifier)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	report, err := dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Delivered != len(entries) {
		t.Fatalf("expected %d deliveries, got %+v", len(entries), report)
	}
	if confirmed := notifier.ByTopic(TopicRunConfirmed); len(confirmed) != 1 {
		t.Fatalf("expected one confirmation delivered, got %d", len(confirmed))
	}
}
