// Package entitlements derives capability snapshots from account state.
//
// Everything here is pure: no I/O, no clock reads. Callers pass `now`.
package entitlements

import (
	"sort"
	"strings"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// Tier names shipped in the built-in catalog.
const (
	TierFree         = "free"
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierBusiness     = "business"
)

// AnalyticsLevel is the depth of reporting a tier unlocks.
type AnalyticsLevel string

const (
	AnalyticsNone     AnalyticsLevel = "none"
	AnalyticsBasic    AnalyticsLevel = "basic"
	AnalyticsAdvanced AnalyticsLevel = "advanced"
)

// Limits holds per-tier numeric caps. A nil field means unlimited.
type Limits struct {
	MaxCalendars        *int64 `yaml:"max_calendars" json:"maxCalendars"`
	MaxBookingsPerMonth *int64 `yaml:"max_bookings_per_month" json:"maxBookingsPerMonth"`
	MaxTeamMembers      *int64 `yaml:"max_team_members" json:"maxTeamMembers"`
	MaxContacts         *int64 `yaml:"max_contacts" json:"maxContacts"`
}

// Features holds per-tier feature flags.
type Features struct {
	APIAccess       bool           `yaml:"api_access" json:"apiAccess"`
	WhiteLabel      bool           `yaml:"white_label" json:"whiteLabel"`
	PrioritySupport bool           `yaml:"priority_support" json:"prioritySupport"`
	DataExport      bool           `yaml:"data_export" json:"dataExport"`
	Analytics       AnalyticsLevel `yaml:"analytics" json:"analytics"`
}

// Tier is an immutable catalog entry.
type Tier struct {
	Name     string   `yaml:"name" json:"name"`
	Limits   Limits   `yaml:"limits" json:"limits"`
	Features Features `yaml:"features" json:"features"`
}

// allowsBookings reports whether the tier permits creating any bookings.
func (t Tier) allowsBookings() bool {
	return t.Limits.MaxBookingsPerMonth == nil || *t.Limits.MaxBookingsPerMonth > 0
}

// Catalog is the read-only tier reference data plus the per-trust-domain
// price mapping used by the tier resolver.
type Catalog struct {
	Tiers map[string]Tier `yaml:"tiers"`

	// Prices maps trust domain -> provider price id -> tier name.
	Prices map[billing.TrustDomain]map[string]string `yaml:"prices"`

	// DefaultTier is used for unrecognized prices and for grace periods on
	// accounts that never recorded a tier.
	DefaultTier string `yaml:"default_tier"`

	// FreeTier backs expired trials and inactive cancellations.
	FreeTier string `yaml:"free_tier"`

	// TrialTier backs trials with no tier override. Empty means free.
	TrialTier string `yaml:"trial_tier"`
}

// Lookup returns the named tier.
func (c *Catalog) Lookup(name string) (Tier, bool) {
	if c == nil {
		return Tier{}, false
	}
	t, ok := c.Tiers[strings.TrimSpace(name)]
	return t, ok
}

// PriceTier returns the tier mapped to priceID within domain only.
func (c *Catalog) PriceTier(domain billing.TrustDomain, priceID string) (string, bool) {
	if c == nil {
		return "", false
	}
	prices, ok := c.Prices[domain]
	if !ok {
		return "", false
	}
	name, ok := prices[strings.TrimSpace(priceID)]
	return name, ok
}

// TierNames returns the catalog's tier names sorted.
func (c *Catalog) TierNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize fills tier names from map keys and defaults the special tiers.
func (c *Catalog) Normalize() {
	if c == nil {
		return
	}
	if c.Tiers == nil {
		c.Tiers = map[string]Tier{}
	}
	for key, tier := range c.Tiers {
		if tier.Name == "" {
			tier.Name = key
		}
		if tier.Features.Analytics == "" {
			tier.Features.Analytics = AnalyticsNone
		}
		c.Tiers[key] = tier
	}
	if c.FreeTier == "" {
		c.FreeTier = TierFree
	}
	if c.Prices == nil {
		c.Prices = map[billing.TrustDomain]map[string]string{}
	}
}

func limit(v int64) *int64 { return &v }

// DefaultCatalog returns the built-in catalog used when no catalog file is
// configured. Each call returns a fresh copy.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Tiers: map[string]Tier{
			TierFree: {
				Name: TierFree,
				Limits: Limits{
					MaxCalendars:        limit(1),
					MaxBookingsPerMonth: limit(0),
					MaxTeamMembers:      limit(1),
					MaxContacts:         limit(50),
				},
				Features: Features{Analytics: AnalyticsNone},
			},
			TierStarter: {
				Name: TierStarter,
				Limits: Limits{
					MaxCalendars:        limit(2),
					MaxBookingsPerMonth: limit(100),
					MaxTeamMembers:      limit(1),
					MaxContacts:         limit(500),
				},
				Features: Features{DataExport: true, Analytics: AnalyticsBasic},
			},
			TierProfessional: {
				Name: TierProfessional,
				Limits: Limits{
					MaxCalendars:        limit(10),
					MaxBookingsPerMonth: limit(1000),
					MaxTeamMembers:      limit(5),
					MaxContacts:         limit(5000),
				},
				Features: Features{APIAccess: true, DataExport: true, Analytics: AnalyticsAdvanced},
			},
			TierBusiness: {
				Name: TierBusiness,
				// Unlimited bookings and contacts.
				Limits: Limits{
					MaxCalendars:   limit(50),
					MaxTeamMembers: limit(25),
				},
				Features: Features{
					APIAccess:       true,
					WhiteLabel:      true,
					PrioritySupport: true,
					DataExport:      true,
					Analytics:       AnalyticsAdvanced,
				},
			},
		},
		Prices: map[billing.TrustDomain]map[string]string{
			billing.TrustDomainProduction: {
				"P_STARTER_MONTHLY":  TierStarter,
				"P_PRO_MONTHLY":      TierProfessional,
				"P_PRO_ANNUAL":       TierProfessional,
				"P_BUSINESS_MONTHLY": TierBusiness,
				"P_BUSINESS_ANNUAL":  TierBusiness,
			},
			billing.TrustDomainSandbox: {
				"P_TEST_STARTER_MONTHLY":  TierStarter,
				"P_TEST_PRO_MONTHLY":      TierProfessional,
				"P_TEST_BUSINESS_MONTHLY": TierBusiness,
			},
		},
		DefaultTier: TierProfessional,
		FreeTier:    TierFree,
		TrialTier:   TierProfessional,
	}
	c.Normalize()
	return c
}
