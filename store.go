package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusChange carries the optional fields set alongside a status update.
type StatusChange struct {
	Response      map[string]any
	CorrelationID string
	ErrorCode     string
	ErrorMessage  string
}

// OutboxEntry stores one durable notification emitted with a context commit.
type OutboxEntry struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	RunID         string         `json:"runId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	EntityIDs     []string       `json:"entityIds,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	LeaseOwner    string         `json:"leaseOwner,omitempty"`
	LeaseUntil    time.Time      `json:"leaseUntil,omitempty"`
	RetryAt       time.Time      `json:"retryAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ProcessedAt   *time.Time     `json:"processedAt,omitempty"`
}

const (
	outboxStatusPending    = "pending"
	outboxStatusLeased     = "leased"
	outboxStatusCompleted  = "completed"
	outboxStatusDeadLetter = "dead_letter"
)

// ContextStore persists execution contexts and their append-only step logs.
// Load and LoadByCorrelation return nil for missing records; the
// orchestrator maps that to coded not-found errors.
type ContextStore interface {
	Create(ctx context.Context, ec *ExecutionContext) error
	Load(ctx context.Context, id string) (*ExecutionContext, error)
	LoadByCorrelation(ctx context.Context, correlationID string) (*ExecutionContext, error)
	AppendStep(ctx context.Context, id string, rec StepRecord) error
	SetStatus(ctx context.Context, id string, status Status, change StatusChange) error
	RecordRetry(ctx context.Context, id string, at time.Time) error
	RunInTransaction(ctx context.Context, fn func(TxStore) error) error
}

// TxStore is the transactional store boundary. Steps receive it so their
// own entity writes commit together with the step-result append.
type TxStore interface {
	Load(ctx context.Context, id string) (*ExecutionContext, error)
	AppendStep(ctx context.Context, id string, rec StepRecord) error
	SetStatus(ctx context.Context, id string, status Status, change StatusChange) error
	AppendOutbox(ctx context.Context, entry OutboxEntry) error
}

// OutboxStore exposes lease/claim/retry operations for the notification
// dispatcher.
type OutboxStore interface {
	ClaimPending(ctx context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error
	MarkDeadLetter(ctx context.Context, id string, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]OutboxEntry, error)
}

// InMemoryContextStore is a thread-safe in-memory context and outbox store.
type InMemoryContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
	outbox   []OutboxEntry
}

// NewInMemoryContextStore constructs an empty store.
func NewInMemoryContextStore() *InMemoryContextStore {
	return &InMemoryContextStore{
		contexts: make(map[string]*ExecutionContext),
	}
}

func (s *InMemoryContextStore) Create(_ context.Context, ec *ExecutionContext) error {
	if s == nil {
		return errors.New("context store not configured")
	}
	ec = cloneExecutionContext(ec)
	if ec == nil {
		return errors.New("execution context required")
	}
	if strings.TrimSpace(ec.ID) == "" {
		return errors.New("execution context id required")
	}
	now := time.Now().UTC()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[ec.ID]; exists {
		return ErrRunExists.Clone().WithMetadata(map[string]any{"run_id": ec.ID})
	}
	s.contexts[ec.ID] = ec
	return nil
}

func (s *InMemoryContextStore) Load(_ context.Context, id string) (*ExecutionContext, error) {
	if s == nil {
		return nil, errors.New("context store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneExecutionContext(s.contexts[id]), nil
}

func (s *InMemoryContextStore) LoadByCorrelation(_ context.Context, correlationID string) (*ExecutionContext, error) {
	if s == nil {
		return nil, errors.New("context store not configured")
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneExecutionContext(findByCorrelation(s.contexts, correlationID)), nil
}

func (s *InMemoryContextStore) AppendStep(_ context.Context, id string, rec StepRecord) error {
	if s == nil {
		return errors.New("context store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendStepLocked(s.contexts, id, rec)
}

func (s *InMemoryContextStore) SetStatus(_ context.Context, id string, status Status, change StatusChange) error {
	if s == nil {
		return errors.New("context store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setStatusLocked(s.contexts, id, status, change)
}

func (s *InMemoryContextStore) RecordRetry(_ context.Context, id string, at time.Time) error {
	if s == nil {
		return errors.New("context store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.contexts[strings.TrimSpace(id)]
	if !ok || ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	ec.RetryTimestamps = append(ec.RetryTimestamps, at.UTC())
	ec.UpdatedAt = time.Now().UTC()
	return nil
}

// RunInTransaction applies mutations atomically with rollback on error.
func (s *InMemoryContextStore) RunInTransaction(ctx context.Context, fn func(TxStore) error) error {
	if s == nil {
		return errors.New("context store not configured")
	}
	if fn == nil {
		return nil
	}
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &inMemoryTxStore{
		contexts: cloneContextMap(s.contexts),
		outbox:   cloneOutboxEntries(s.outbox),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.contexts = tx.contexts
	s.outbox = tx.outbox
	return nil
}

// OutboxEntries returns a cloned outbox slice for assertions and debugging.
func (s *InMemoryContextStore) OutboxEntries() []OutboxEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOutboxEntries(s.outbox)
}

// ClaimPending claims dispatchable entries with a lease for the given worker.
func (s *InMemoryContextStore) ClaimPending(_ context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error) {
	if s == nil {
		return nil, errors.New("context store not configured")
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

	claimed := make([]OutboxEntry, 0, limit)
	for idx := range s.outbox {
		entry := s.outbox[idx]
		if !isClaimableOutboxEntry(entry, now) {
			continue
		}
		entry.Status = outboxStatusLeased
		entry.LeaseOwner = workerID
		entry.LeaseUntil = leaseUntil
		entry.Attempts++
		s.outbox[idx] = entry
		claimed = append(claimed, cloneOutboxEntry(entry))
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *InMemoryContextStore) MarkCompleted(_ context.Context, id string) error {
	return s.updateOutbox(id, func(entry *OutboxEntry) {
		processedAt := time.Now().UTC()
		entry.Status = outboxStatusCompleted
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = time.Time{}
		entry.LastError = ""
		entry.ProcessedAt = &processedAt
	})
}

func (s *InMemoryContextStore) MarkFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	return s.updateOutbox(id, func(entry *OutboxEntry) {
		entry.Status = outboxStatusPending
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = retryAt.UTC()
		entry.LastError = strings.TrimSpace(reason)
		entry.ProcessedAt = nil
	})
}

func (s *InMemoryContextStore) MarkDeadLetter(_ context.Context, id string, reason string) error {
	return s.updateOutbox(id, func(entry *OutboxEntry) {
		entry.Status = outboxStatusDeadLetter
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.LastError = strings.TrimSpace(reason)
	})
}

func (s *InMemoryContextStore) ListDeadLetters(_ context.Context, limit int) ([]OutboxEntry, error) {
	if s == nil {
		return nil, errors.New("context store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxEntry, 0)
	for _, entry := range s.outbox {
		if entry.Status != outboxStatusDeadLetter {
			continue
		}
		out = append(out, cloneOutboxEntry(entry))
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryContextStore) updateOutbox(id string, apply func(*OutboxEntry)) error {
	if s == nil {
		return errors.New("context store not configured")
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

type inMemoryTxStore struct {
	contexts map[string]*ExecutionContext
	outbox   []OutboxEntry
}

func (tx *inMemoryTxStore) Load(_ context.Context, id string) (*ExecutionContext, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	return cloneExecutionContext(tx.contexts[id]), nil
}

func (tx *inMemoryTxStore) AppendStep(_ context.Context, id string, rec StepRecord) error {
	return appendStepLocked(tx.contexts, id, rec)
}

func (tx *inMemoryTxStore) SetStatus(_ context.Context, id string, status Status, change StatusChange) error {
	return setStatusLocked(tx.contexts, id, status, change)
}

func (tx *inMemoryTxStore) AppendOutbox(_ context.Context, entry OutboxEntry) error {
	tx.outbox = append(tx.outbox, normalizeOutboxEntry(entry))
	return nil
}

func appendStepLocked(contexts map[string]*ExecutionContext, id string, rec StepRecord) error {
	ec, ok := contexts[strings.TrimSpace(id)]
	if !ok || ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	if ec.Status.IsTerminal() {
		return ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	rec.StepName = strings.TrimSpace(rec.StepName)
	if rec.StepName == "" {
		return errors.New("step name required")
	}
	ec.Steps = append(ec.Steps, cloneStepRecord(rec))
	ec.UpdatedAt = time.Now().UTC()
	return nil
}

func setStatusLocked(contexts map[string]*ExecutionContext, id string, status Status, change StatusChange) error {
	ec, ok := contexts[strings.TrimSpace(id)]
	if !ok || ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	status = normalizeStatus(status)
	if ec.Status.IsTerminal() && status != ec.Status {
		return ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	ec.Status = status
	if change.Response != nil {
		ec.Response = copyMap(change.Response)
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

func findByCorrelation(contexts map[string]*ExecutionContext, correlationID string) *ExecutionContext {
	for _, ec := range contexts {
		if ec != nil && ec.CorrelationID == correlationID {
			return ec
		}
	}
	return nil
}

func isClaimableOutboxEntry(entry OutboxEntry, now time.Time) bool {
	switch entry.Status {
	case outboxStatusPending:
		return entry.RetryAt.IsZero() || !entry.RetryAt.After(now)
	case outboxStatusLeased:
		// expired lease: the previous worker crashed mid-dispatch
		return !entry.LeaseUntil.After(now)
	default:
		return false
	}
}

func normalizeOutboxEntry(entry OutboxEntry) OutboxEntry {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	if strings.TrimSpace(entry.Status) == "" {
		entry.Status = outboxStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Payload = copyMap(entry.Payload)
	if len(entry.EntityIDs) > 0 {
		entry.EntityIDs = append([]string(nil), entry.EntityIDs...)
	}
	return entry
}

func cloneOutboxEntry(entry OutboxEntry) OutboxEntry {
	entry.Payload = copyMap(entry.Payload)
	if len(entry.EntityIDs) > 0 {
		entry.EntityIDs = append([]string(nil), entry.EntityIDs...)
	}
	if entry.ProcessedAt != nil {
		processedAt := *entry.ProcessedAt
		entry.ProcessedAt = &processedAt
	}
	return entry
}

func cloneOutboxEntries(entries []OutboxEntry) []OutboxEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]OutboxEntry, len(entries))
	for i := range entries {
		out[i] = cloneOutboxEntry(entries[i])
	}
	return out
}

func cloneContextMap(contexts map[string]*ExecutionContext) map[string]*ExecutionContext {
	out := make(map[string]*ExecutionContext, len(contexts))
	for id, ec := range contexts {
		out[id] = cloneExecutionContext(ec)
	}
	return out
}
