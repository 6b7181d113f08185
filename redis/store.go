package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-saga"
)

// ContextStore persists execution contexts as JSON values with a
// correlation-id index key. Transactions stage writes and commit them
// under a process-local mutex; the outbox stays in-process, so pair this
// store with a dispatcher in the same process.
type ContextStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	mu     sync.Mutex
	outbox []saga.OutboxEntry
}

// NewContextStore builds a store over the given client. A zero ttl keeps
// contexts forever.
func NewContextStore(client *redis.Client, ttl time.Duration) *ContextStore {
	return &ContextStore{
		client:    client,
		keyPrefix: "saga:",
		ttl:       ttl,
	}
}

func (s *ContextStore) contextKey(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return s.keyPrefix + "ctx:" + id
}

func (s *ContextStore) correlationKey(correlationID string) string {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ""
	}
	return s.keyPrefix + "corr:" + correlationID
}

func (s *ContextStore) Create(ctx context.Context, ec *saga.ExecutionContext) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	if ec == nil || strings.TrimSpace(ec.ID) == "" {
		return errors.New("execution context id required")
	}
	now := time.Now().UTC()
	clone := *ec
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	payload, err := json.Marshal(&clone)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.contextKey(clone.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return saga.ErrRunExists.Clone().WithMetadata(map[string]any{"run_id": clone.ID})
	}
	return nil
}

func (s *ContextStore) Load(ctx context.Context, id string) (*saga.ExecutionContext, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	return s.loadByKey(ctx, s.contextKey(id))
}

func (s *ContextStore) LoadByCorrelation(ctx context.Context, correlationID string) (*saga.ExecutionContext, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	key := s.correlationKey(correlationID)
	if key == "" {
		return nil, nil
	}
	runID, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.loadByKey(ctx, s.contextKey(runID))
}

func (s *ContextStore) AppendStep(ctx context.Context, id string, rec saga.StepRecord) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendStepUnlocked(ctx, id, rec)
}

func (s *ContextStore) SetStatus(ctx context.Context, id string, status saga.Status, change saga.StatusChange) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusUnlocked(ctx, id, status, change)
}

func (s *ContextStore) RecordRetry(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, err := s.loadByKey(ctx, s.contextKey(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return saga.ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	ec.RetryTimestamps = append(ec.RetryTimestamps, at.UTC())
	ec.UpdatedAt = time.Now().UTC()
	return s.writeContext(ctx, ec)
}

// RunInTransaction stages changes and commits them atomically for the
// current process.
func (s *ContextStore) RunInTransaction(ctx context.Context, fn func(saga.TxStore) error) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &redisTxStore{parent: s, ctxs: make(map[string]*saga.ExecutionContext)}
	if err := fn(tx); err != nil {
		return err
	}
	for _, ec := range tx.ctxs {
		if err := s.writeContext(ctx, ec); err != nil {
			return err
		}
	}
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

// ClaimPending claims dispatchable outbox entries with a worker lease.
func (s *ContextStore) ClaimPending(_ context.Context, workerID string, limit int, leaseUntil time.Time) ([]saga.OutboxEntry, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseUntil.IsZero() {
		leaseUntil = time.Now().UTC().Add(30 * time.Second)
	} else {
		leaseUntil = leaseUntil.UTC()
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := make([]saga.OutboxEntry, 0, limit)
	for idx := range s.outbox {
		entry := s.outbox[idx]
		if !claimable(entry, now) {
			continue
		}
		entry.Status = "leased"
		entry.LeaseOwner = workerID
		entry.LeaseUntil = leaseUntil
		entry.Attempts++
		s.outbox[idx] = entry
		claimed = append(claimed, entry)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *ContextStore) MarkCompleted(_ context.Context, id string) error {
	return s.updateOutbox(id, func(entry *saga.OutboxEntry) {
		processedAt := time.Now().UTC()
		entry.Status = "completed"
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = time.Time{}
		entry.LastError = ""
		entry.ProcessedAt = &processedAt
	})
}

func (s *ContextStore) MarkFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	return s.updateOutbox(id, func(entry *saga.OutboxEntry) {
		entry.Status = "pending"
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = retryAt.UTC()
		entry.LastError = strings.TrimSpace(reason)
		entry.ProcessedAt = nil
	})
}

func (s *ContextStore) MarkDeadLetter(_ context.Context, id string, reason string) error {
	return s.updateOutbox(id, func(entry *saga.OutboxEntry) {
		entry.Status = "dead_letter"
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.LastError = strings.TrimSpace(reason)
	})
}

func (s *ContextStore) ListDeadLetters(_ context.Context, limit int) ([]saga.OutboxEntry, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]saga.OutboxEntry, 0)
	for _, entry := range s.outbox {
		if entry.Status != "dead_letter" {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *ContextStore) updateOutbox(id string, apply func(*saga.OutboxEntry)) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("outbox id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.outbox {
		if s.outbox[idx].ID != id {
			continue
		}
		apply(&s.outbox[idx])
		return nil
	}
	return fmt.Errorf("outbox %s not found", id)
}

type redisTxStore struct {
	parent *ContextStore
	ctxs   map[string]*saga.ExecutionContext
	outbox []saga.OutboxEntry
}

func (tx *redisTxStore) Load(ctx context.Context, id string) (*saga.ExecutionContext, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if ec, ok := tx.ctxs[id]; ok {
		clone := *ec
		return &clone, nil
	}
	return tx.parent.loadByKey(ctx, tx.parent.contextKey(id))
}

func (tx *redisTxStore) AppendStep(ctx context.Context, id string, rec saga.StepRecord) error {
	ec, err := tx.stagedContext(ctx, id)
	if err != nil {
		return err
	}
	if ec.Status.IsTerminal() {
		return saga.ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	rec.StepName = strings.TrimSpace(rec.StepName)
	if rec.StepName == "" {
		return errors.New("step name required")
	}
	ec.Steps = append(ec.Steps, rec)
	ec.UpdatedAt = time.Now().UTC()
	return nil
}

func (tx *redisTxStore) SetStatus(ctx context.Context, id string, status saga.Status, change saga.StatusChange) error {
	ec, err := tx.stagedContext(ctx, id)
	if err != nil {
		return err
	}
	if ec.Status.IsTerminal() && status != ec.Status {
		return saga.ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	ec.Status = status
	if change.Response != nil {
		ec.Response = change.Response
	}
	if corr := strings.TrimSpace(change.CorrelationID); corr != "" {
		ec.CorrelationID = corr
	}
	if code := strings.TrimSpace(change.ErrorCode); code != "" {
		ec.ErrorCode = code
	}
	if msg := strings.TrimSpace(change.ErrorMessage); msg != "" {
		ec.ErrorMessage = msg
	}
	ec.UpdatedAt = time.Now().UTC()
	return nil
}

func (tx *redisTxStore) AppendOutbox(_ context.Context, entry saga.OutboxEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	if strings.TrimSpace(entry.Status) == "" {
		entry.Status = "pending"
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tx.outbox = append(tx.outbox, entry)
	return nil
}

func (tx *redisTxStore) stagedContext(ctx context.Context, id string) (*saga.ExecutionContext, error) {
	id = strings.TrimSpace(id)
	if ec, ok := tx.ctxs[id]; ok {
		return ec, nil
	}
	ec, err := tx.parent.loadByKey(ctx, tx.parent.contextKey(id))
	if err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, saga.ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	tx.ctxs[id] = ec
	return ec, nil
}

func (s *ContextStore) loadByKey(ctx context.Context, key string) (*saga.ExecutionContext, error) {
	if key == "" {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ec saga.ExecutionContext
	if err := json.Unmarshal(payload, &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

func (s *ContextStore) writeContext(ctx context.Context, ec *saga.ExecutionContext) error {
	payload, err := json.Marshal(ec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.contextKey(ec.ID), payload, s.ttl).Err(); err != nil {
		return err
	}
	if corrKey := s.correlationKey(ec.CorrelationID); corrKey != "" {
		return s.client.Set(ctx, corrKey, ec.ID, s.ttl).Err()
	}
	return nil
}

func (s *ContextStore) appendStepUnlocked(ctx context.Context, id string, rec saga.StepRecord) error {
	ec, err := s.loadByKey(ctx, s.contextKey(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return saga.ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	if ec.Status.IsTerminal() {
		return saga.ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	rec.StepName = strings.TrimSpace(rec.StepName)
	if rec.StepName == "" {
		return errors.New("step name required")
	}
	ec.Steps = append(ec.Steps, rec)
	ec.UpdatedAt = time.Now().UTC()
	return s.writeContext(ctx, ec)
}

func (s *ContextStore) setStatusUnlocked(ctx context.Context, id string, status saga.Status, change saga.StatusChange) error {
	ec, err := s.loadByKey(ctx, s.contextKey(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return saga.ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	if ec.Status.IsTerminal() && status != ec.Status {
		return saga.ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	ec.Status = status
	if change.Response != nil {
		ec.Response = change.Response
	}
	if corr := strings.TrimSpace(change.CorrelationID); corr != "" {
		ec.CorrelationID = corr
	}
	if code := strings.TrimSpace(change.ErrorCode); code != "" {
		ec.ErrorCode = code
	}
	if msg := strings.TrimSpace(change.ErrorMessage); msg != "" {
		ec.ErrorMessage = msg
	}
	ec.UpdatedAt = time.Now().UTC()
	return s.writeContext(ctx, ec)
}

func claimable(entry saga.OutboxEntry, now time.Time) bool {
	switch entry.Status {
	case "pending":
		return entry.RetryAt.IsZero() || !entry.RetryAt.After(now)
	case "leased":
		return !entry.LeaseUntil.After(now)
	default:
		return false
	}
}
