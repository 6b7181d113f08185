package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// DispatchReport summarizes one dispatcher cycle.
type DispatchReport struct {
	WorkerID     string
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// NotificationDispatcher drains the transactional outbox: it claims
// pending entries under a worker lease, publishes them, and retries or
// dead-letters failures. Consumers must tolerate redelivery; a crash
// between publish and MarkCompleted replays the entry.
type NotificationDispatcher struct {
	store    OutboxStore
	notifier Notifier
	workerID string
	batch    int
	leaseTTL time.Duration
	maxTries int
	backoff  RetryStrategy
	logger   Logger
	metrics  Metrics
	now      func() time.Time

	mu   sync.Mutex
	cron *rcron.Cron
}

// DispatcherOption customizes dispatcher behavior.
type DispatcherOption func(*NotificationDispatcher)

// WithDispatcherLogger configures dispatch logs.
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *NotificationDispatcher) { d.logger = normalizeLogger(logger) }
}

// WithDispatcherMetrics configures dispatch observability.
func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *NotificationDispatcher) { d.metrics = normalizeMetrics(m) }
}

// WithWorkerID overrides the generated worker identity.
func WithWorkerID(id string) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if id = strings.TrimSpace(id); id != "" {
			d.workerID = id
		}
	}
}

// WithBatchSize caps the entries claimed per cycle.
func WithBatchSize(n int) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithLeaseTTL sets how long a claimed entry stays invisible to other
// workers.
func WithLeaseTTL(ttl time.Duration) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

// WithMaxDeliveryAttempts sets the dead-letter threshold.
func WithMaxDeliveryAttempts(n int) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if n > 0 {
			d.maxTries = n
		}
	}
}

// WithDispatchBackoff sets the redelivery backoff between failed attempts.
func WithDispatchBackoff(strategy RetryStrategy) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if strategy != nil {
			d.backoff = strategy
		}
	}
}

// NewNotificationDispatcher builds a dispatcher over the given outbox
// store and notifier.
func NewNotificationDispatcher(store OutboxStore, notifier Notifier, opts ...DispatcherOption) (*NotificationDispatcher, error) {
	if store == nil {
		return nil, errors.New("outbox store required")
	}
	if notifier == nil {
		return nil, errors.New("notifier required")
	}
	d := &NotificationDispatcher{
		store:    store,
		notifier: notifier,
		workerID: "dispatcher-" + uuid.NewString(),
		batch:    50,
		leaseTTL: 30 * time.Second,
		maxTries: 5,
		backoff:  ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute},
		logger:   normalizeLogger(nil),
		metrics:  normalizeMetrics(nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// RunOnce claims and dispatches one batch of outbox entries.
func (d *NotificationDispatcher) RunOnce(ctx context.Context) (DispatchReport, error) {
	if d == nil {
		return DispatchReport{}, errors.New("dispatcher not configured")
	}
	report := DispatchReport{WorkerID: d.workerID, StartedAt: d.now()}

	entries, err := d.store.ClaimPending(ctx, d.workerID, d.batch, d.now().Add(d.leaseTTL))
	if err != nil {
		report.FinishedAt = d.now()
		return report, err
	}
	report.Claimed = len(entries)

	for _, entry := range entries {
		switch d.dispatchEntry(ctx, entry) {
		case outboxStatusCompleted:
			report.Delivered++
		case outboxStatusDeadLetter:
			report.DeadLettered++
		default:
			report.Retried++
		}
		if ctx.Err() != nil {
			break
		}
	}
	report.FinishedAt = d.now()
	return report, ctx.Err()
}

// dispatchEntry publishes one entry and returns the resulting outbox status.
func (d *NotificationDispatcher) dispatchEntry(ctx context.Context, entry OutboxEntry) string {
	logger := withLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"outbox_id": entry.ID,
		"topic":     entry.Topic,
		"run_id":    entry.RunID,
	})

	err := d.notifier.Publish(ctx, Notification{
		Topic:         entry.Topic,
		RunID:         entry.RunID,
		CorrelationID: entry.CorrelationID,
		EntityIDs:     entry.EntityIDs,
		Payload:       entry.Payload,
		OccurredAt:    entry.CreatedAt,
	})
	if err == nil {
		d.metrics.RecordDispatchOutcome(entry.Topic, true)
		if markErr := d.store.MarkCompleted(ctx, entry.ID); markErr != nil {
			logger.Warn("outbox completion mark failed: %v", markErr)
		}
		return outboxStatusCompleted
	}

	d.metrics.RecordDispatchOutcome(entry.Topic, false)
	if entry.Attempts >= d.maxTries {
		logger.Error("notification dead-lettered after %d attempts: %v", entry.Attempts, err)
		if markErr := d.store.MarkDeadLetter(ctx, entry.ID, err.Error()); markErr != nil {
			logger.Warn("dead-letter mark failed: %v", markErr)
		}
		return outboxStatusDeadLetter
	}

	retryAt := d.now().Add(d.backoff.SleepDuration(entry.Attempts-1, err))
	logger.Debug("notification delivery failed attempt=%d, retrying at %s: %v", entry.Attempts, retryAt, err)
	if markErr := d.store.MarkFailed(ctx, entry.ID, retryAt, err.Error()); markErr != nil {
		logger.Warn("retry mark failed: %v", markErr)
	}
	return outboxStatusPending
}

// Schedule runs RunOnce on the given cron expression until Stop is
// called. Seconds-precision expressions are accepted.
func (d *NotificationDispatcher) Schedule(ctx context.Context, expression string) error {
	if d == nil {
		return errors.New("dispatcher not configured")
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return errors.New("cron expression required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("dispatcher already scheduled")
	}

	scheduler := rcron.New(rcron.WithParser(rcron.NewParser(
		rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow,
	)))
	_, err := scheduler.AddFunc(expression, func() {
		report, runErr := d.RunOnce(ctx)
		if runErr != nil {
			d.logger.WithContext(ctx).Error("dispatch cycle failed: %v", runErr)
			return
		}
		if report.Claimed > 0 {
			d.logger.WithContext(ctx).Debug("dispatch cycle claimed=%d delivered=%d retried=%d dead=%d",
				report.Claimed, report.Delivered, report.Retried, report.DeadLettered)
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	d.cron = scheduler
	return nil
}

// Stop halts the scheduled dispatch loop and waits for the running cycle.
func (d *NotificationDispatcher) Stop(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	scheduler := d.cron
	d.cron = nil
	d.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	done := scheduler.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
