package entitlements

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

var now = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestComputePrecedenceTable(t *testing.T) {
	catalog := DefaultCatalog()

	tests := []struct {
		name         string
		acct         *billing.Account
		wantRule     Rule
		wantTier     string
		wantCreate   bool
		wantAPI      bool
		wantZeroCaps bool
	}{
		{
			name:     "active with tier",
			acct:     &billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierProfessional},
			wantRule: RuleActive, wantTier: TierProfessional, wantCreate: true, wantAPI: true,
		},
		{
			name:     "active without tier is ambiguous",
			acct:     &billing.Account{ID: "a", Status: billing.StatusActive},
			wantRule: RuleRestricted, wantZeroCaps: true,
		},
		{
			name:     "setup with tier withholds api",
			acct:     &billing.Account{ID: "a", Status: billing.StatusSetupIncomplete, Tier: TierProfessional},
			wantRule: RuleSetupWithTier, wantTier: TierProfessional, wantCreate: true, wantAPI: false,
		},
		{
			name:     "setup with free tier cannot create",
			acct:     &billing.Account{ID: "a", Status: billing.StatusSetupIncomplete, Tier: TierFree},
			wantRule: RuleSetupWithTier, wantTier: TierFree, wantCreate: false,
		},
		{
			name:     "setup without tier",
			acct:     &billing.Account{ID: "a", Status: billing.StatusSetupIncomplete},
			wantRule: RuleSetupViewOnly, wantZeroCaps: true,
		},
		{
			name: "trial with override",
			acct: &billing.Account{ID: "a", Status: billing.StatusActiveTrial, TierOverride: TierBusiness,
				TrialEndsAt: at(72 * time.Hour)},
			wantRule: RuleTrial, wantTier: TierBusiness, wantCreate: true, wantAPI: true,
		},
		{
			name:     "trial without override uses trial tier",
			acct:     &billing.Account{ID: "a", Status: billing.StatusActiveTrial, TrialEndsAt: at(time.Hour)},
			wantRule: RuleTrial, wantTier: TierProfessional, wantCreate: true, wantAPI: true,
		},
		{
			name: "trial past end date is free",
			acct: &billing.Account{ID: "a", Status: billing.StatusActiveTrial, TierOverride: TierBusiness,
				TrialEndsAt: at(-time.Hour)},
			wantRule: RuleFree, wantTier: TierFree,
		},
		{
			name:     "expired trial is free",
			acct:     &billing.Account{ID: "a", Status: billing.StatusExpiredTrial},
			wantRule: RuleFree, wantTier: TierFree,
		},
		{
			name:     "canceled and inactive is free",
			acct:     &billing.Account{ID: "a", Status: billing.StatusCanceledAndInactive, LastPaidTier: TierBusiness},
			wantRule: RuleFree, wantTier: TierFree,
		},
		{
			name: "canceled but active before end",
			acct: &billing.Account{ID: "a", Status: billing.StatusCanceledButActive, Tier: TierProfessional,
				SubscriptionEndsAt: at(24 * time.Hour)},
			wantRule: RuleCanceledButActive, wantTier: TierProfessional, wantCreate: true, wantAPI: true,
		},
		{
			name: "canceled but active after end",
			acct: &billing.Account{ID: "a", Status: billing.StatusCanceledButActive, Tier: TierProfessional,
				SubscriptionEndsAt: at(-24 * time.Hour)},
			wantRule: RuleFree, wantTier: TierFree,
		},
		{
			name: "grace upgrades missed payment",
			acct: &billing.Account{ID: "a", Status: billing.StatusMissedPayment, LastPaidTier: TierStarter,
				GracePeriodEndsAt: at(time.Hour)},
			wantRule: RuleGrace, wantTier: TierStarter, wantCreate: true,
		},
		{
			name: "grace upgrades expired trial",
			acct: &billing.Account{ID: "a", Status: billing.StatusExpiredTrial,
				GracePeriodEndsAt: at(time.Hour)},
			wantRule: RuleGrace, wantTier: TierProfessional, wantCreate: true, wantAPI: true,
		},
		{
			name:     "missed payment without grace",
			acct:     &billing.Account{ID: "a", Status: billing.StatusMissedPayment, LastPaidTier: TierStarter},
			wantRule: RuleRestricted, wantZeroCaps: true,
		},
		{
			name:     "unknown status",
			acct:     &billing.Account{ID: "a", Status: billing.StatusUnknown, Tier: TierBusiness},
			wantRule: RuleRestricted, wantZeroCaps: true,
		},
		{
			name:     "tier missing from catalog",
			acct:     &billing.Account{ID: "a", Status: billing.StatusActive, Tier: "platinum"},
			wantRule: RuleRestricted, wantZeroCaps: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Compute(tt.acct, catalog, now)

			assert.Equal(t, tt.wantRule, snap.Rule)
			assert.Equal(t, tt.wantTier, snap.Tier)
			assert.True(t, snap.CanViewDashboard, "dashboard must always be viewable")
			assert.Equal(t, tt.wantCreate, snap.CanCreateBookings, "canCreateBookings")
			assert.Equal(t, tt.wantCreate, snap.CanEditBookings, "canEditBookings")
			assert.Equal(t, tt.wantAPI, snap.CanAccessAPI, "canAccessAPI")
			assert.Equal(t, SchemaVersion, snap.SchemaVersion)
			assert.NotEmpty(t, snap.StatusMessage)
			assert.NotEmpty(t, snap.StatusColor)
			if tt.wantZeroCaps {
				for _, key := range []LimitKey{LimitCalendars, LimitBookingsPerMonth, LimitTeamMembers, LimitContacts} {
					v, ok := snap.Limit(key)
					assert.True(t, ok, "limit %s should be set", key)
					assert.Zero(t, v, "limit %s", key)
				}
			}
		})
	}
}

func TestComputeNilInputsAreRestricted(t *testing.T) {
	snap := Compute(nil, DefaultCatalog(), now)
	require.Equal(t, RuleRestricted, snap.Rule)
	require.Equal(t, billing.StatusUnknown, snap.Status)

	snap = Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierBusiness}, nil, now)
	require.Equal(t, RuleRestricted, snap.Rule)
	require.Equal(t, "a", snap.AccountID)
}

func TestComputeIsDeterministic(t *testing.T) {
	catalog := DefaultCatalog()
	for _, st := range billing.AllStatuses {
		acct := &billing.Account{
			ID:                 "acct_det",
			Status:             st,
			Tier:               TierProfessional,
			TierOverride:       TierBusiness,
			TrialEndsAt:        at(48 * time.Hour),
			SubscriptionEndsAt: at(96 * time.Hour),
			GracePeriodEndsAt:  at(-time.Hour),
		}
		first, err := json.Marshal(Compute(acct, catalog, now))
		require.NoError(t, err)
		second, err := json.Marshal(Compute(acct.Clone(), DefaultCatalog(), now))
		require.NoError(t, err)
		require.Equal(t, string(first), string(second), "status %s", st)
	}
}

func TestComputeDoesNotAliasCatalogLimits(t *testing.T) {
	catalog := DefaultCatalog()
	snap := Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierStarter}, catalog, now)
	*snap.MaxCalendars = 999

	tier, _ := catalog.Lookup(TierStarter)
	require.Equal(t, int64(2), *tier.Limits.MaxCalendars)
}

func TestGracePeriodBoundary(t *testing.T) {
	catalog := DefaultCatalog()
	graceEnd := now.Add(7 * 24 * time.Hour)
	acct := &billing.Account{
		ID:                "acct_grace",
		Status:            billing.StatusMissedPayment,
		LastPaidTier:      TierProfessional,
		GracePeriodEndsAt: &graceEnd,
	}

	before := Compute(acct, catalog, graceEnd.Add(-time.Second))
	active := Compute(&billing.Account{ID: "acct_grace", Status: billing.StatusActive, Tier: TierProfessional}, catalog, now)
	require.Equal(t, RuleGrace, before.Rule)
	require.Equal(t, active.CanCreateBookings, before.CanCreateBookings)
	require.Equal(t, active.CanAccessAPI, before.CanAccessAPI)
	require.Equal(t, *active.MaxCalendars, *before.MaxCalendars)

	atEnd := Compute(acct, catalog, graceEnd)
	require.Equal(t, RuleGrace, atEnd.Rule)

	after := Compute(acct, catalog, graceEnd.Add(time.Second))
	require.Equal(t, RuleRestricted, after.Rule)
	require.Equal(t, int64(0), *after.MaxCalendars)
	require.False(t, after.CanCreateBookings)
	require.False(t, after.CanAccessAPI)
	require.False(t, after.CanExportData)
}

func TestPaymentFailureScenario(t *testing.T) {
	t0 := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	graceEnd := t0.Add(7 * 24 * time.Hour)
	acct := &billing.Account{
		ID:                "acct_scn2",
		Status:            billing.StatusMissedPayment,
		Tier:              "",
		LastPaidTier:      TierProfessional,
		GracePeriodEndsAt: &graceEnd,
	}
	catalog := DefaultCatalog()

	mid := Compute(acct, catalog, t0.Add(3*24*time.Hour))
	require.Equal(t, RuleGrace, mid.Rule)
	require.True(t, mid.CanCreateBookings)

	late := Compute(acct, catalog, t0.Add(8*24*time.Hour))
	require.NotEqual(t, RuleGrace, late.Rule)
	require.False(t, late.CanCreateBookings)
}

func TestTrialMessage(t *testing.T) {
	assert.Equal(t, "Trial active", trialMessage(nil, now))
	assert.Equal(t, "Trial ends today", trialMessage(at(2*time.Hour), now))
	assert.Equal(t, "Trial ends in 1 day", trialMessage(at(30*time.Hour), now))
	assert.Equal(t, "Trial ends in 5 days", trialMessage(at(5*24*time.Hour+time.Minute), now))
}

func TestSnapshotCheckLimit(t *testing.T) {
	snap := Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierProfessional}, DefaultCatalog(), now)

	assert.Equal(t, LimitAllowed, snap.CheckLimit(LimitCalendars, 5))
	assert.Equal(t, LimitSoftBlock, snap.CheckLimit(LimitCalendars, 9))
	assert.Equal(t, LimitHardBlock, snap.CheckLimit(LimitCalendars, 10))

	business := Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierBusiness}, DefaultCatalog(), now)
	assert.Equal(t, LimitAllowed, business.CheckLimit(LimitContacts, 1_000_000), "unlimited contacts")

	restricted := Compute(nil, DefaultCatalog(), now)
	assert.Equal(t, LimitHardBlock, restricted.CheckLimit(LimitCalendars, 0))
}

func TestSnapshotAllows(t *testing.T) {
	snap := Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierBusiness}, DefaultCatalog(), now)
	for _, c := range []Capability{CapViewDashboard, CapCreateBookings, CapEditBookings, CapExportData,
		CapAPIAccess, CapWhiteLabel, CapPrioritySupport} {
		assert.True(t, snap.Allows(c), "business should allow %s", c)
	}
	assert.False(t, snap.Allows(Capability("teleport")))
}

func TestSnapshotLapsed(t *testing.T) {
	catalog := DefaultCatalog()
	ends := now.Add(time.Hour)

	grace := Compute(&billing.Account{ID: "a", Status: billing.StatusMissedPayment, LastPaidTier: TierStarter,
		GracePeriodEndsAt: &ends}, catalog, now)
	assert.False(t, grace.Lapsed(ends))
	assert.True(t, grace.Lapsed(ends.Add(time.Second)))

	canceling := Compute(&billing.Account{ID: "a", Status: billing.StatusCanceledButActive, Tier: TierStarter,
		SubscriptionEndsAt: &ends}, catalog, now)
	assert.True(t, canceling.Lapsed(ends.Add(time.Second)))

	active := Compute(&billing.Account{ID: "a", Status: billing.StatusActive, Tier: TierStarter,
		SubscriptionEndsAt: &ends}, catalog, now)
	assert.False(t, active.Lapsed(ends.Add(24*time.Hour)))
}
