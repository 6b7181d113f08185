package redis

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-saga"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// LockManager implements all-or-nothing multi-key leases on Redis using
// SET NX with per-lease tokens. Renew and Release are guarded by Lua
// check-and-act scripts so an expired lease reclaimed by another holder
// is never touched.
type LockManager struct {
	client    *redis.Client
	keyPrefix string
}

// NewLockManager builds a lock manager over the given client.
func NewLockManager(client *redis.Client) *LockManager {
	return &LockManager{client: client, keyPrefix: "saga:lock:"}
}

// Acquire takes every key or none. Keys are deduplicated and acquired in
// sorted order so concurrent acquisitions cannot deadlock. Any held key
// rolls back the partial grant and reports contention.
func (m *LockManager) Acquire(ctx context.Context, keys []string, holder string, ttl time.Duration) ([]saga.Lease, error) {
	if m == nil || m.client == nil {
		return nil, errors.New("redis lock manager not configured")
	}
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, errors.New("lock holder required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	sorted := sortKeys(keys)
	if len(sorted) == 0 {
		return nil, errors.New("at least one lock key required")
	}

	now := time.Now().UTC()
	leases := make([]saga.Lease, 0, len(sorted))
	for _, key := range sorted {
		token := holder + ":" + uuid.NewString()
		ok, err := m.client.SetNX(ctx, m.keyPrefix+key, token, ttl).Result()
		if err != nil {
			m.rollback(ctx, leases)
			return nil, err
		}
		if !ok {
			// re-entrant grant when the same holder already owns the key
			current, getErr := m.client.Get(ctx, m.keyPrefix+key).Result()
			if getErr == nil && strings.HasPrefix(current, holder+":") {
				if m.client.PExpire(ctx, m.keyPrefix+key, ttl).Err() == nil {
					leases = append(leases, saga.Lease{
						Key:       key,
						Holder:    holder,
						Token:     current,
						ExpiresAt: now.Add(ttl),
					})
					continue
				}
			}
			m.rollback(ctx, leases)
			return nil, saga.ErrLockContention.Clone().WithMetadata(map[string]any{
				"key":    key,
				"holder": holder,
			})
		}
		leases = append(leases, saga.Lease{
			Key:       key,
			Holder:    holder,
			Token:     token,
			ExpiresAt: now.Add(ttl),
		})
	}
	return leases, nil
}

// Renew extends every lease or fails the whole renewal when any lease
// was lost to expiry.
func (m *LockManager) Renew(ctx context.Context, leases []saga.Lease, ttl time.Duration) error {
	if m == nil || m.client == nil {
		return errors.New("redis lock manager not configured")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	for _, lease := range leases {
		renewed, err := renewScript.Run(ctx, m.client,
			[]string{m.keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if renewed == 0 {
			return saga.ErrRunConflict.Clone().WithMetadata(map[string]any{
				"key":    lease.Key,
				"holder": lease.Holder,
				"reason": "lease expired",
			})
		}
	}
	return nil
}

// Release drops every lease, skipping keys already claimed by another
// holder.
func (m *LockManager) Release(ctx context.Context, leases []saga.Lease) error {
	if m == nil || m.client == nil {
		return errors.New("redis lock manager not configured")
	}
	var firstErr error
	for _, lease := range leases {
		if _, err := releaseScript.Run(ctx, m.client,
			[]string{m.keyPrefix + lease.Key}, lease.Token).Result(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *LockManager) rollback(ctx context.Context, leases []saga.Lease) {
	_ = m.Release(ctx, leases)
}

func sortKeys(keys []string) []string {
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
