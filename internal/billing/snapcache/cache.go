// Package snapcache caches derived entitlement snapshots outside the
// process. The cache is never the source of truth: any miss, error or
// timeout sends the caller back to the store.
package snapcache

import (
	"context"
	"time"

	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

const (
	// DefaultTTL is the freshness window measured from write time.
	DefaultTTL = 15 * time.Minute

	// DefaultTimeout bounds each cache call made through WithTimeout.
	DefaultTimeout = 250 * time.Millisecond
)

// Cache stores snapshots keyed by account id.
type Cache interface {
	// Get returns the cached snapshot. Entries written under another
	// schema version, older than the freshness window, or whose trial,
	// grace or cancellation access has lapsed are misses.
	Get(ctx context.Context, accountID string) (entitlements.Snapshot, bool, error)

	// Put stores snap tagged with schemaVersion.
	Put(ctx context.Context, accountID string, snap entitlements.Snapshot, schemaVersion int) error

	// Invalidate drops the entry, or when known is non-nil replaces it with
	// known before returning.
	Invalidate(ctx context.Context, accountID string, known *entitlements.Snapshot) error
}

// entry is the stored envelope.
type entry struct {
	SchemaVersion int                   `json:"schemaVersion"`
	WrittenAt     time.Time             `json:"writtenAt"`
	Snapshot      entitlements.Snapshot `json:"snapshot"`
}

func (e entry) usable(now time.Time, ttl time.Duration) bool {
	if e.SchemaVersion != entitlements.SchemaVersion {
		return false
	}
	if e.Snapshot.Lapsed(now) {
		return false
	}
	return ttl <= 0 || now.Sub(e.WrittenAt) < ttl
}
