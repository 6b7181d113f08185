package saga

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Lease is a time-bounded mutual-exclusion grant over one key.
type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LockManager grants mutual-exclusion leases over entity identifiers.
// Acquisition is all-or-nothing across the key set; keys are taken in a
// fixed sort order so overlapping acquirers cannot deadlock. Contention
// fails fast with ErrLockContention; there is no wait queue.
type LockManager interface {
	Acquire(ctx context.Context, keys []string, holder string, ttl time.Duration) ([]Lease, error)
	Renew(ctx context.Context, leases []Lease, ttl time.Duration) error
	Release(ctx context.Context, leases []Lease) error
}

func normalizeLockKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func contentionError(key, holder string) error {
	return ErrLockContention.Clone().WithMetadata(map[string]any{
		"key":    key,
		"holder": holder,
	})
}

// InMemoryLockManager keeps leases in process memory.
type InMemoryLockManager struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewInMemoryLockManager constructs an empty lock manager.
func NewInMemoryLockManager() *InMemoryLockManager {
	return &InMemoryLockManager{
		leases: make(map[string]Lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire grants leases on every key or none. A key held by the same
// holder is re-granted (re-entrant within one run).
func (m *InMemoryLockManager) Acquire(_ context.Context, keys []string, holder string, ttl time.Duration) ([]Lease, error) {
	if m == nil {
		return nil, errors.New("lock manager not configured")
	}
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, errors.New("lock holder required")
	}
	keys = normalizeLockKeys(keys)
	if len(keys) == 0 {
		return nil, errors.New("lock keys required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		existing, held := m.leases[key]
		if held && existing.Holder != holder && existing.ExpiresAt.After(now) {
			return nil, contentionError(key, holder)
		}
	}
	granted := make([]Lease, 0, len(keys))
	expires := now.Add(ttl)
	for _, key := range keys {
		lease := Lease{
			Key:       key,
			Holder:    holder,
			Token:     uuid.NewString(),
			ExpiresAt: expires,
		}
		m.leases[key] = lease
		granted = append(granted, lease)
	}
	return granted, nil
}

// Renew extends held leases. A lease whose token no longer matches (it
// expired and was re-granted elsewhere) fails the whole renewal.
func (m *InMemoryLockManager) Renew(_ context.Context, leases []Lease, ttl time.Duration) error {
	if m == nil {
		return errors.New("lock manager not configured")
	}
	if ttl <= 0 {
		return errors.New("lock ttl must be positive")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lease := range leases {
		current, held := m.leases[lease.Key]
		if !held || current.Token != lease.Token || !current.ExpiresAt.After(now) {
			return apperrors.New("lease lost", apperrors.CategoryConflict).
				WithTextCode(ErrCodeLockContention).
				WithMetadata(map[string]any{"key": lease.Key, "holder": lease.Holder})
		}
	}
	expires := now.Add(ttl)
	for _, lease := range leases {
		current := m.leases[lease.Key]
		current.ExpiresAt = expires
		m.leases[lease.Key] = current
	}
	return nil
}

// Release frees leases still owned by the caller. Tokens that no longer
// match are skipped: the lease already expired and may be owned elsewhere.
func (m *InMemoryLockManager) Release(_ context.Context, leases []Lease) error {
	if m == nil {
		return errors.New("lock manager not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lease := range leases {
		current, held := m.leases[lease.Key]
		if !held || current.Token != lease.Token {
			continue
		}
		delete(m.leases, lease.Key)
	}
	return nil
}

// Held reports whether key currently has a live lease (testing/inspection helper).
func (m *InMemoryLockManager) Held(key string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, held := m.leases[strings.TrimSpace(key)]
	return held && lease.ExpiresAt.After(m.now())
}
