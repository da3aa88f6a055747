package tiers

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// Resolver maps price identifiers to tier names against the current catalog.
// The catalog can be swapped at runtime; readers always see a complete one.
type Resolver struct {
	catalog atomic.Pointer[entitlements.Catalog]
}

// NewResolver returns a resolver over catalog, or the built-in catalog when nil.
func NewResolver(catalog *entitlements.Catalog) *Resolver {
	if catalog == nil {
		catalog = entitlements.DefaultCatalog()
	}
	r := &Resolver{}
	r.catalog.Store(catalog)
	return r
}

// Catalog returns the active catalog. Callers must treat it as read-only.
func (r *Resolver) Catalog() *entitlements.Catalog {
	return r.catalog.Load()
}

// Swap installs a new catalog.
func (r *Resolver) Swap(catalog *entitlements.Catalog) {
	if catalog == nil {
		return
	}
	r.catalog.Store(catalog)
}

// Lookup returns the tier for priceID within domain without falling back.
func (r *Resolver) Lookup(priceID string, domain billing.TrustDomain) (string, bool) {
	return r.Catalog().PriceTier(domain, priceID)
}

// Resolve returns the tier for priceID within domain. Unrecognized prices
// resolve to the catalog default tier with a warning; Resolve never fails.
func (r *Resolver) Resolve(priceID string, domain billing.TrustDomain) string {
	catalog := r.Catalog()
	if tier, ok := catalog.PriceTier(domain, priceID); ok {
		return tier
	}

	bmetrics.UnknownPriceTotal.WithLabelValues(string(domain)).Inc()
	log.Warn().
		Err(billingerrors.ErrUnknownPriceID).
		Str("price_id", strings.TrimSpace(priceID)).
		Str("trust_domain", string(domain)).
		Str("default_tier", catalog.DefaultTier).
		Msg("Unrecognized price id; using default tier")
	return catalog.DefaultTier
}
