package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestFanoutDeliversToEverySubscriber(t *testing.T) {
	var delivered atomic.Int64
	fanout := NewFanoutNotifier(
		NotifierFunc(func(context.Context, Notification) error {
			delivered.Add(1)
			return nil
		}),
		NotifierFunc(func(context.Context, Notification) error {
			delivered.Add(1)
			return nil
		}),
	)
	if err := fanout.Publish(context.Background(), Notification{Topic: TopicRunUpdated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered.Load())
	}
}

func TestFanoutReportsSubscriberFailure(t *testing.T) {
	boom := errors.New("boom")
	fanout := NewFanoutNotifier(
		NotifierFunc(func(context.Context, Notification) error { return nil }),
		NotifierFunc(func(context.Context, Notification) error { return boom }),
	)
	if err := fanout.Publish(context.Background(), Notification{Topic: TopicRunConfirmed}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestFanoutSubscribeAfterConstruction(t *testing.T) {
	fanout := NewFanoutNotifier()
	collector := NewCollectingNotifier()
	fanout.Subscribe(collector)

	if err := fanout.Publish(context.Background(), Notification{Topic: TopicRunUpdated, RunID: "run-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := collector.ByTopic(TopicRunUpdated); len(got) != 1 || got[0].RunID != "run-1" {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestCollectingNotifierClonesPayloads(t *testing.T) {
	collector := NewCollectingNotifier()
	payload := map[string]any{"k": "v"}
	if err := collector.Publish(context.Background(), Notification{Topic: TopicRunUpdated, Payload: payload}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload["k"] = "mutated"
	if got := collector.Notifications(); got[0].Payload["k"] != "v" {
		t.Fatalf("expected cloned payload, got %v", got[0].Payload)
	}
}
