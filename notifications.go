package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// TopicRunUpdated is published after the synchronous phase commits,
	// including when a run pauses at the async boundary.
	TopicRunUpdated = "run.updated"
	// TopicRunConfirmed is published exactly once when a run completes,
	// on either the synchronous or the event-driven path.
	TopicRunConfirmed = "run.confirmed"
)

// Notification is one produced event, delivered at-least-once.
type Notification struct {
	Topic         string         `json:"topic"`
	RunID         string         `json:"runId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	EntityIDs     []string       `json:"entityIds,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// ExternalEventKind discriminates consumed completion events.
type ExternalEventKind string

const (
	ExternalSuccess ExternalEventKind = "external.success"
	ExternalFailure ExternalEventKind = "external.failure"
)

// ExternalEvent is an inbound completion event matched to a paused run by
// correlation id.
type ExternalEvent struct {
	CorrelationID string            `json:"correlationId"`
	Kind          ExternalEventKind `json:"kind"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Notifier delivers produced notifications to interested consumers.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, Notification) error { return nil }

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// FanoutNotifier delivers each notification to every subscriber
// concurrently and reports the first delivery failure.
type FanoutNotifier struct {
	mu          sync.RWMutex
	subscribers []Notifier
}

// NewFanoutNotifier constructs a fan-out over the given subscribers.
func NewFanoutNotifier(subscribers ...Notifier) *FanoutNotifier {
	f := &FanoutNotifier{}
	for _, sub := range subscribers {
		if sub != nil {
			f.subscribers = append(f.subscribers, sub)
		}
	}
	return f
}

// Subscribe adds a subscriber for future notifications.
func (f *FanoutNotifier) Subscribe(sub Notifier) {
	if f == nil || sub == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, sub)
}

func (f *FanoutNotifier) Publish(ctx context.Context, n Notification) error {
	if f == nil {
		return errors.New("fanout notifier not configured")
	}
	f.mu.RLock()
	subscribers := append([]Notifier(nil), f.subscribers...)
	f.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			return sub.Publish(gctx, cloneNotification(n))
		})
	}
	return g.Wait()
}

// CollectingNotifier records published notifications (testing helper).
type CollectingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

// NewCollectingNotifier constructs an empty collector.
func NewCollectingNotifier() *CollectingNotifier {
	return &CollectingNotifier{}
}

func (c *CollectingNotifier) Publish(_ context.Context, n Notification) error {
	if c == nil {
		return errors.New("collecting notifier not configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, cloneNotification(n))
	return nil
}

// Notifications returns a copy of everything published so far.
func (c *CollectingNotifier) Notifications() []Notification {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.notifications))
	for i := range c.notifications {
		out[i] = cloneNotification(c.notifications[i])
	}
	return out
}

// ByTopic filters collected notifications by topic.
func (c *CollectingNotifier) ByTopic(topic string) []Notification {
	topic = strings.TrimSpace(topic)
	out := make([]Notification, 0)
	for _, n := range c.Notifications() {
		if n.Topic == topic {
			out = append(out, n)
		}
	}
	return out
}

func cloneNotification(n Notification) Notification {
	n.Payload = copyMap(n.Payload)
	if len(n.EntityIDs) > 0 {
		n.EntityIDs = append([]string(nil), n.EntityIDs...)
	}
	return n
}
