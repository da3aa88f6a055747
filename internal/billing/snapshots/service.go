// Package snapshots serves entitlement snapshots to consumers. Reads go to
// the cache first, then to the account store and the calculator. Consumers
// always get a well-formed snapshot: any failure degrades to the most
// restrictive one.
package snapshots

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/snapcache"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// Source says where a snapshot came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceComputed Source = "computed"
	SourceDegraded Source = "degraded"
)

// AccountReader is the slice of the account store the service needs.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*billing.Account, error)
}

// CatalogSource supplies the current tier catalog.
type CatalogSource interface {
	Catalog() *entitlements.Catalog
}

// Service resolves snapshots for account ids.
type Service struct {
	accounts AccountReader
	cache    snapcache.Cache
	catalog  CatalogSource
	group    singleflight.Group
	now      func() time.Time
}

type computed struct {
	snap   entitlements.Snapshot
	source Source
}

// New builds a Service. cache may be nil.
func New(accounts AccountReader, cache snapcache.Cache, catalog CatalogSource) *Service {
	return &Service{
		accounts: accounts,
		cache:    cache,
		catalog:  catalog,
		now:      time.Now,
	}
}

// Get returns the snapshot for accountID and where it came from.
func (s *Service) Get(ctx context.Context, accountID string) (entitlements.Snapshot, Source) {
	if s.cache != nil {
		snap, ok, err := s.cache.Get(ctx, accountID)
		switch {
		case err != nil:
			result := "error"
			if errors.Is(err, billingerrors.ErrCacheTimeout) {
				result = "timeout"
			}
			bmetrics.SnapshotCacheResults.WithLabelValues(result).Inc()
			logging.FromContext(ctx).Warn().Err(err).Str("account_id", accountID).Msg("Snapshot cache read failed; recomputing")
		case ok:
			bmetrics.SnapshotCacheResults.WithLabelValues("hit").Inc()
			return snap, SourceCache
		default:
			bmetrics.SnapshotCacheResults.WithLabelValues("miss").Inc()
		}
	}

	v, _, _ := s.group.Do(accountID, func() (any, error) {
		return s.compute(ctx, accountID), nil
	})
	c := v.(computed)
	return c.snap, c.source
}

// Compute bypasses the cache read, recomputes the snapshot from the store
// and writes it back.
func (s *Service) Compute(ctx context.Context, accountID string) (entitlements.Snapshot, Source) {
	c := s.compute(ctx, accountID)
	return c.snap, c.source
}

func (s *Service) compute(ctx context.Context, accountID string) computed {
	logger := logging.FromContext(ctx).With().Str("account_id", accountID).Logger()
	catalog := s.catalog.Catalog()
	now := s.now()

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, billingerrors.ErrAccountNotFound) {
			logger.Debug().Msg("Snapshot requested for unknown account")
		} else {
			logger.Error().Err(err).Msg("Account load failed; serving restricted snapshot")
		}
		return computed{snap: degraded(accountID, catalog, now), source: SourceDegraded}
	}

	snap := entitlements.Compute(acct, catalog, now)
	if s.cache != nil {
		if err := s.cache.Put(ctx, accountID, snap, entitlements.SchemaVersion); err != nil {
			logger.Warn().Err(err).Msg("Snapshot cache write failed")
		}
	}
	return computed{snap: snap, source: SourceComputed}
}

func degraded(accountID string, catalog *entitlements.Catalog, now time.Time) entitlements.Snapshot {
	snap := entitlements.Compute(nil, catalog, now)
	snap.AccountID = accountID
	return snap
}
