package snapcache

import (
	"context"
	"sync"
	"time"

	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// MemoryCache is an in-process Cache for single-node deployments and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns a MemoryCache with the given TTL (DefaultTTL if zero).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, accountID string) (entitlements.Snapshot, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[accountID]
	m.mu.RUnlock()
	if !ok || !e.usable(m.now(), m.ttl) {
		return entitlements.Snapshot{}, false, nil
	}
	return e.Snapshot, true, nil
}

func (m *MemoryCache) Put(_ context.Context, accountID string, snap entitlements.Snapshot, schemaVersion int) error {
	m.mu.Lock()
	m.entries[accountID] = entry{SchemaVersion: schemaVersion, WrittenAt: m.now(), Snapshot: snap}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Invalidate(ctx context.Context, accountID string, known *entitlements.Snapshot) error {
	if known != nil {
		return m.Put(ctx, accountID, *known, entitlements.SchemaVersion)
	}
	m.mu.Lock()
	delete(m.entries, accountID)
	m.mu.Unlock()
	return nil
}
