package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/snapcache"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	"github.com/rcourtman/pulse-billing/internal/billing/tiers"
	"github.com/rcourtman/pulse-billing/internal/billing/verifier"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

var t0 = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	rec   *Reconciler
	store store.Store
	cache *snapcache.MemoryCache
	sink  *auditlog.MemorySink
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixtureWithStore(t, st)
}

func newFixtureWithStore(t *testing.T, st store.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: st,
		cache: snapcache.NewMemoryCache(0),
		sink:  &auditlog.MemorySink{},
		clock: t0,
	}
	f.rec = New(st, tiers.NewResolver(nil), f.cache, f.sink, Config{})
	f.rec.now = func() time.Time { return f.clock }
	return f
}

// seed creates an account linked to subID/customerID.
func (f *fixture) seed(t *testing.T, id, subID, customerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, billing.NewAccount(id, t0.Add(-30*24*time.Hour))))
	require.NoError(t, f.store.LinkSubscription(ctx, billing.ExternalSubscription{
		AccountID:      id,
		SubscriptionID: subID,
		CustomerID:     customerID,
		TrustDomain:    billing.TrustDomainProduction,
		LinkedAt:       t0.Add(-30 * 24 * time.Hour),
	}))
}

func (f *fixture) account(t *testing.T, id string) *billing.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func subscription(id, customer, status, priceID string) *verifier.Subscription {
	sub := &verifier.Subscription{ID: id, Customer: verifier.ObjectID(customer), Status: status}
	if priceID != "" {
		var item verifier.SubscriptionItem
		item.Price.ID = priceID
		sub.Items.Data = append(sub.Items.Data, item)
	}
	return sub
}

func subEvent(id string, kind verifier.EventKind, created time.Time, sub *verifier.Subscription) *verifier.Event {
	return &verifier.Event{
		ID:           id,
		Type:         string(kind),
		Kind:         kind,
		Created:      created,
		TrustDomain:  billing.TrustDomainProduction,
		Subscription: sub,
	}
}

func invoiceEvent(id string, kind verifier.EventKind, created time.Time, subID, customer string) *verifier.Event {
	return &verifier.Event{
		ID:          id,
		Type:        string(kind),
		Kind:        kind,
		Created:     created,
		TrustDomain: billing.TrustDomainProduction,
		Invoice: &verifier.Invoice{
			ID:           "in_" + id,
			Customer:     verifier.ObjectID(customer),
			Subscription: verifier.ObjectID(subID),
		},
	}
}

func TestSubscriptionCreatedActivatesResolvedTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_1", "sub_1", "cus_1")

	periodEnd := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := subscription("sub_1", "cus_1", "active", "P_PRO_MONTHLY")
	sub.CurrentPeriodEnd = periodEnd.Unix()

	res, err := f.rec.Apply(context.Background(), subEvent("evt_1", verifier.EventSubscriptionCreated, t0, sub))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, billing.StatusSetupIncomplete, res.From)
	assert.Equal(t, billing.StatusActive, res.To)

	acct := f.account(t, "acct_1")
	assert.Equal(t, billing.StatusActive, acct.Status)
	assert.Equal(t, entitlements.TierProfessional, acct.Tier)
	require.NotNil(t, acct.SubscriptionEndsAt)
	assert.True(t, acct.SubscriptionEndsAt.Equal(periodEnd), "end = %s", acct.SubscriptionEndsAt)
	assert.Equal(t, billing.TrustDomainProduction, acct.TrustDomain)
	assert.Equal(t, "evt_1", acct.LastEventID)

	snap, ok, err := f.cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	require.True(t, ok, "applied transition should refresh the cache")
	assert.Equal(t, entitlements.RuleActive, snap.Rule)
	assert.Equal(t, entitlements.TierProfessional, snap.Tier)

	entries := f.sink.Entries(auditlog.TypeStateTransition)
	require.Len(t, entries, 1)
	assert.Equal(t, "acct_1", entries[0].AccountID)
	assert.Equal(t, "evt_1", entries[0].EventID)
}

func TestPaymentFailedOpensGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_2", "sub_2", "cus_2")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_c", verifier.EventSubscriptionCreated, t0.Add(-24*time.Hour),
		subscription("sub_2", "cus_2", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)

	res, err := f.rec.Apply(ctx, invoiceEvent("evt_f", verifier.EventPaymentFailed, t0, "sub_2", "cus_2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	acct := f.account(t, "acct_2")
	assert.Equal(t, billing.StatusMissedPayment, acct.Status)
	assert.Empty(t, acct.Tier)
	assert.Equal(t, entitlements.TierProfessional, acct.LastPaidTier)
	assert.Equal(t, billing.PaymentFailed, acct.PaymentStatus)
	require.NotNil(t, acct.GracePeriodEndsAt)
	assert.True(t, acct.GracePeriodEndsAt.Equal(t0.Add(7*24*time.Hour)))

	catalog := f.rec.Catalog()
	during := entitlements.Compute(acct, catalog, t0.Add(3*24*time.Hour))
	assert.Equal(t, entitlements.RuleGrace, during.Rule)
	assert.True(t, during.CanCreateBookings)
	assert.True(t, during.CanAccessAPI)

	after := entitlements.Compute(acct, catalog, t0.Add(8*24*time.Hour))
	assert.NotEqual(t, entitlements.RuleGrace, after.Rule)
	assert.False(t, after.CanCreateBookings)
	assert.False(t, after.CanAccessAPI)

	// A retried charge failing again does not extend the window.
	_, err = f.rec.Apply(ctx, invoiceEvent("evt_f2", verifier.EventPaymentFailed, t0.Add(72*time.Hour), "sub_2", "cus_2"))
	require.NoError(t, err)
	acct = f.account(t, "acct_2")
	assert.True(t, acct.GracePeriodEndsAt.Equal(t0.Add(7*24*time.Hour)))

	_, err = f.rec.Apply(ctx, invoiceEvent("evt_ok", verifier.EventPaymentSucceeded, t0.Add(96*time.Hour), "sub_2", "cus_2"))
	require.NoError(t, err)
	acct = f.account(t, "acct_2")
	assert.Equal(t, billing.StatusActive, acct.Status)
	assert.Equal(t, entitlements.TierProfessional, acct.Tier)
	assert.Nil(t, acct.GracePeriodEndsAt)
	assert.Equal(t, billing.PaymentOK, acct.PaymentStatus)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_3", "sub_3", "cus_3")
	ctx := context.Background()

	ev := subEvent("evt_u", verifier.EventSubscriptionUpdated, t0, subscription("sub_3", "cus_3", "active", "P_BUSINESS_MONTHLY"))
	first, err := f.rec.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	before := f.account(t, "acct_3")

	f.clock = t0.Add(time.Hour)
	second, err := f.rec.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	after := f.account(t, "acct_3")
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.True(t, before.SameState(after))
	assert.Len(t, f.sink.Entries(auditlog.TypeStateTransition), 1)
}

func TestRedeliveryWithinSameSecondIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_dup", "sub_dup", "cus_dup")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_start", verifier.EventSubscriptionCreated, t0.Add(-24*time.Hour),
		subscription("sub_dup", "cus_dup", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)

	failed := invoiceEvent("evt_fail", verifier.EventPaymentFailed, t0, "sub_dup", "cus_dup")
	res, err := f.rec.Apply(ctx, failed)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	res, err = f.rec.Apply(ctx, subEvent("evt_recovered", verifier.EventSubscriptionUpdated, t0,
		subscription("sub_dup", "cus_dup", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	before := f.account(t, "acct_dup")
	require.Equal(t, billing.StatusActive, before.Status)

	// The failure is redelivered after a later event sharing its second.
	res, err = f.rec.Apply(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	after := f.account(t, "acct_dup")
	assert.Equal(t, billing.StatusActive, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.sink.Entries(auditlog.TypeStateTransition), 3)
}

func TestSameStateOnlyAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_w", "sub_w", "cus_w")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_w1", verifier.EventSubscriptionUpdated, t0,
		subscription("sub_w", "cus_w", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	before := f.account(t, "acct_w")

	f.clock = t0.Add(time.Hour)
	res, err := f.rec.Apply(ctx, subEvent("evt_w2", verifier.EventSubscriptionUpdated, t0.Add(time.Minute),
		subscription("sub_w", "cus_w", "active", "P_PRO_ANNUAL")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	after := f.account(t, "acct_w")
	assert.Equal(t, "evt_w2", after.LastEventID)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "updated_at moved without a state change")
	assert.Len(t, f.sink.Entries(auditlog.TypeStateTransition), 1)
}

func TestUnknownPriceFallsBackToDefaultTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_4", "sub_4", "cus_4")

	res, err := f.rec.Apply(context.Background(), subEvent("evt_4", verifier.EventSubscriptionCreated, t0,
		subscription("sub_4", "cus_4", "active", "P_UNKNOWN")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	acct := f.account(t, "acct_4")
	assert.Equal(t, billing.StatusActive, acct.Status)
	assert.Equal(t, f.rec.Catalog().DefaultTier, acct.Tier)
}

func TestSandboxPriceNeverMatchesProduction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_iso", "sub_iso", "cus_iso")

	ev := subEvent("evt_iso", verifier.EventSubscriptionCreated, t0,
		subscription("sub_iso", "cus_iso", "active", "P_TEST_STARTER_MONTHLY"))
	_, err := f.rec.Apply(context.Background(), ev)
	require.NoError(t, err)

	acct := f.account(t, "acct_iso")
	assert.NotEqual(t, entitlements.TierStarter, acct.Tier)
	assert.Equal(t, f.rec.Catalog().DefaultTier, acct.Tier)
}

func TestStaleEventIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_5", "sub_5", "cus_5")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_new", verifier.EventSubscriptionUpdated, t0,
		subscription("sub_5", "cus_5", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	before := f.account(t, "acct_5")

	res, err := f.rec.Apply(ctx, subEvent("evt_old", verifier.EventSubscriptionUpdated, t0.Add(-time.Minute),
		subscription("sub_5", "cus_5", "past_due", "P_PRO_MONTHLY")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billingerrors.ErrStaleEvent))
	assert.True(t, billingerrors.IsRecoverable(err))
	assert.Equal(t, OutcomeStale, res.Outcome)

	after := f.account(t, "acct_5")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, billing.StatusActive, after.Status)
	assert.Equal(t, "evt_new", after.LastEventID)
}

func TestUnknownProviderStatusKeepsKnownState(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_6", "sub_6", "cus_6")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_a", verifier.EventSubscriptionCreated, t0,
		subscription("sub_6", "cus_6", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)

	res, err := f.rec.Apply(ctx, subEvent("evt_p", verifier.EventSubscriptionUpdated, t0.Add(time.Hour),
		subscription("sub_6", "cus_6", "paused", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownStatus, res.Outcome)

	acct := f.account(t, "acct_6")
	assert.Equal(t, billing.StatusActive, acct.Status)
	assert.Equal(t, entitlements.TierProfessional, acct.Tier)
	assert.Equal(t, "evt_p", acct.LastEventID)

	entries := f.sink.Entries(auditlog.TypeUnknownStatus)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.SeverityWarning, entries[0].Severity)
}

func TestMissingAccountIsDroppedAndLogged(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.Apply(context.Background(), subEvent("evt_x", verifier.EventSubscriptionUpdated, t0,
		subscription("sub_nope", "cus_nope", "active", "P_PRO_MONTHLY")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billingerrors.ErrAccountNotFound))
	assert.True(t, billingerrors.IsRecoverable(err))
	assert.Equal(t, OutcomeAccountNotFound, res.Outcome)
	assert.Len(t, f.sink.Entries(auditlog.TypeAccountNotFound), 1)
}

func TestCheckoutLinksSubscriptionWithoutStatusChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, snap, err := f.rec.CreateAccount(ctx, "acct_7")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSetupIncomplete, acct.Status)
	assert.Equal(t, entitlements.RuleSetupViewOnly, snap.Rule)

	ev := &verifier.Event{
		ID:          "evt_co",
		Type:        "checkout.session.completed",
		Kind:        verifier.EventCheckoutCompleted,
		Created:     t0,
		TrustDomain: billing.TrustDomainSandbox,
		Checkout: &verifier.CheckoutSession{
			ID:                "cs_1",
			Mode:              "subscription",
			Customer:          "cus_7",
			Subscription:      "sub_7",
			ClientReferenceID: "acct_7",
		},
	}
	res, err := f.rec.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, res.Outcome)

	linked, err := f.store.FindBySubscription(ctx, "sub_7")
	require.NoError(t, err)
	assert.Equal(t, "acct_7", linked.ID)
	assert.Equal(t, billing.StatusSetupIncomplete, linked.Status)

	again, err := f.rec.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Len(t, f.sink.Entries(auditlog.TypeSubscriptionLinked), 1)
}

func TestNewSubscriptionForKnownCustomerRelinks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_r", "sub_old", "cus_r")
	ctx := context.Background()

	res, err := f.rec.Apply(ctx, subEvent("evt_new_sub", verifier.EventSubscriptionCreated, t0,
		subscription("sub_new", "cus_r", "active", "P_BUSINESS_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	link, err := f.store.ActiveLink(ctx, "acct_r")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", link.SubscriptionID)

	// Updates for the replaced subscription are ignored.
	res, err = f.rec.Apply(ctx, subEvent("evt_old_sub", verifier.EventSubscriptionUpdated, t0.Add(time.Minute),
		subscription("sub_old", "cus_r", "canceled", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, res.Outcome)
	assert.Equal(t, billing.StatusActive, f.account(t, "acct_r").Status)
}

func TestUpdateBeforeCreatedLinksNewSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_early", "sub_first", "cus_early")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_first", verifier.EventSubscriptionCreated, t0,
		subscription("sub_first", "cus_early", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)

	// An update older than the watermark neither applies nor relinks.
	res, err := f.rec.Apply(ctx, subEvent("evt_old_second", verifier.EventSubscriptionUpdated, t0.Add(-time.Hour),
		subscription("sub_second", "cus_early", "active", "P_BUSINESS_MONTHLY")))
	require.Error(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	link, err := f.store.ActiveLink(ctx, "acct_early")
	require.NoError(t, err)
	assert.Equal(t, "sub_first", link.SubscriptionID)

	// The replacement subscription's update arrives before its created event.
	res, err = f.rec.Apply(ctx, subEvent("evt_second_updated", verifier.EventSubscriptionUpdated, t0.Add(time.Minute),
		subscription("sub_second", "cus_early", "active", "P_BUSINESS_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	link, err = f.store.ActiveLink(ctx, "acct_early")
	require.NoError(t, err)
	assert.Equal(t, "sub_second", link.SubscriptionID)
	assert.Equal(t, entitlements.TierBusiness, f.account(t, "acct_early").Tier)

	// The late created event finds the link already in place.
	res, err = f.rec.Apply(ctx, subEvent("evt_second_created", verifier.EventSubscriptionCreated, t0.Add(2*time.Minute),
		subscription("sub_second", "cus_early", "active", "P_BUSINESS_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Len(t, f.sink.Entries(auditlog.TypeSubscriptionLinked), 1)
}

func TestSubscriptionDeletedKeepsTierAsHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_8", "sub_8", "cus_8")
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, subEvent("evt_c8", verifier.EventSubscriptionCreated, t0,
		subscription("sub_8", "cus_8", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)

	res, err := f.rec.Apply(ctx, subEvent("evt_d8", verifier.EventSubscriptionDeleted, t0.Add(time.Hour),
		subscription("sub_8", "cus_8", "canceled", "")))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceledAndInactive, res.To)

	acct := f.account(t, "acct_8")
	assert.Empty(t, acct.Tier)
	assert.Equal(t, entitlements.TierProfessional, acct.LastPaidTier)

	snap, ok, err := f.cache.Get(ctx, "acct_8")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entitlements.RuleFree, snap.Rule)
	assert.True(t, snap.CanViewDashboard)
	assert.False(t, snap.CanCreateBookings)
}

func TestScheduledCancellationExpiresByClock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_9", "sub_9", "cus_9")
	ctx := context.Background()

	end := t0.Add(10 * 24 * time.Hour)
	sub := subscription("sub_9", "cus_9", "canceled", "P_PRO_MONTHLY")
	sub.CancelAt = end.Unix()

	_, err := f.rec.Apply(ctx, subEvent("evt_c9", verifier.EventSubscriptionUpdated, t0, sub))
	require.NoError(t, err)
	acct := f.account(t, "acct_9")
	assert.Equal(t, billing.StatusCanceledButActive, acct.Status)
	assert.Equal(t, entitlements.TierProfessional, acct.Tier)

	res, err := f.rec.Expire(ctx, "acct_9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	f.clock = end.Add(time.Second)
	res, err = f.rec.Expire(ctx, "acct_9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, billing.StatusCanceledAndInactive, res.To)
	assert.Len(t, f.sink.Entries(auditlog.TypeLifecycleSweep), 1)
}

func TestTrialingSubscriptionGrantsOverrideTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_t", "sub_t", "cus_t")

	trialEnd := t0.Add(14 * 24 * time.Hour)
	sub := subscription("sub_t", "cus_t", "trialing", "P_BUSINESS_MONTHLY")
	sub.TrialEnd = trialEnd.Unix()

	_, err := f.rec.Apply(context.Background(), subEvent("evt_t", verifier.EventSubscriptionCreated, t0, sub))
	require.NoError(t, err)

	acct := f.account(t, "acct_t")
	assert.Equal(t, billing.StatusActiveTrial, acct.Status)
	assert.Empty(t, acct.Tier)
	assert.Equal(t, entitlements.TierBusiness, acct.TierOverride)
	require.NotNil(t, acct.TrialEndsAt)
	assert.True(t, acct.TrialEndsAt.Equal(trialEnd))

	snap := entitlements.Compute(acct, f.rec.Catalog(), t0.Add(time.Hour))
	assert.Equal(t, entitlements.RuleTrial, snap.Rule)
	assert.True(t, snap.CanUseWhiteLabel)
}

func TestIgnoredKindsDoNotTouchState(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct_i", "sub_i", "cus_i")
	ctx := context.Background()

	for _, ev := range []*verifier.Event{
		{ID: "evt_u", Type: "customer.created", Kind: verifier.EventUnknown, Created: t0},
		subEvent("evt_twe", verifier.EventTrialWillEnd, t0, subscription("sub_i", "cus_i", "trialing", "")),
	} {
		res, err := f.rec.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome)
	}
	acct := f.account(t, "acct_i")
	assert.Equal(t, int64(1), acct.Version)
	assert.Empty(t, acct.LastEventID)
}

// conflictingStore bumps the stored version underneath the first writes.
type conflictingStore struct {
	store.Store
	conflicts int
}

func (c *conflictingStore) UpdateAccount(ctx context.Context, acct *billing.Account, expected int64) error {
	if c.conflicts > 0 {
		c.conflicts--
		current, err := c.Store.GetAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		if err := c.Store.UpdateAccount(ctx, current, current.Version); err != nil {
			return err
		}
	}
	return c.Store.UpdateAccount(ctx, acct, expected)
}

func TestVersionConflictReloadsAndRetries(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cs := &conflictingStore{Store: st, conflicts: 1}
	f := newFixtureWithStore(t, cs)
	f.seed(t, "acct_cas", "sub_cas", "cus_cas")

	res, err := f.rec.Apply(context.Background(), subEvent("evt_cas", verifier.EventSubscriptionCreated, t0,
		subscription("sub_cas", "cus_cas", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	acct := f.account(t, "acct_cas")
	assert.Equal(t, int64(3), acct.Version)
	assert.Equal(t, billing.StatusActive, acct.Status)
}

func TestVersionConflictGivesUpAfterMaxAttempts(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := newFixtureWithStore(t, &conflictingStore{Store: st, conflicts: 10})
	f.seed(t, "acct_busy", "sub_busy", "cus_busy")

	res, err := f.rec.Apply(context.Background(), subEvent("evt_busy", verifier.EventSubscriptionCreated, t0,
		subscription("sub_busy", "cus_busy", "active", "P_PRO_MONTHLY")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billingerrors.ErrVersionConflict))
	assert.Equal(t, OutcomeConflict, res.Outcome)
}

// failingStore fails every account write.
type failingStore struct {
	store.Store
}

func (failingStore) UpdateAccount(context.Context, *billing.Account, int64) error {
	return errors.New("disk I/O error")
}

func TestPersistenceFailureIsAcknowledged(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := newFixtureWithStore(t, failingStore{Store: st})
	f.seed(t, "acct_pf", "sub_pf", "cus_pf")

	res, err := f.rec.Apply(context.Background(), subEvent("evt_pf", verifier.EventSubscriptionCreated, t0,
		subscription("sub_pf", "cus_pf", "active", "P_PRO_MONTHLY")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billingerrors.ErrPersistenceFailure))
	assert.True(t, billingerrors.IsRecoverable(err))
	assert.Equal(t, OutcomePersistenceFailed, res.Outcome)

	entries := f.sink.Entries(auditlog.TypePersistenceFailure)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.SeverityCritical, entries[0].Severity)
}

func TestOverrideRefreshesCacheSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rec.CreateAccount(ctx, "acct_o")
	require.NoError(t, err)

	acct, snap, err := f.rec.Override(ctx, OverrideRequest{
		AccountID: "acct_o",
		Status:    billing.StatusActive,
		Tier:      entitlements.TierBusiness,
		Actor:     "ops@example.com",
		Reason:    "enterprise contract",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, acct.Status)
	assert.Equal(t, entitlements.TierBusiness, acct.Tier)
	assert.Equal(t, entitlements.RuleActive, snap.Rule)

	cached, ok, err := f.cache.Get(ctx, "acct_o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entitlements.TierBusiness, cached.Tier)
	assert.True(t, cached.CanUseWhiteLabel)

	entries := f.sink.Entries(auditlog.TypeAdminOverride)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "ops@example.com")
}

func TestOverrideTrialStoresTierAsOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rec.CreateAccount(ctx, "acct_ot")
	require.NoError(t, err)

	trialEnd := t0.Add(7 * 24 * time.Hour)
	acct, snap, err := f.rec.Override(ctx, OverrideRequest{
		AccountID:   "acct_ot",
		Status:      billing.StatusActiveTrial,
		Tier:        entitlements.TierStarter,
		TrialEndsAt: &trialEnd,
	})
	require.NoError(t, err)
	assert.Empty(t, acct.Tier)
	assert.Equal(t, entitlements.TierStarter, acct.TierOverride)
	assert.Equal(t, entitlements.RuleTrial, snap.Rule)
	assert.Equal(t, entitlements.TierStarter, snap.Tier)
}

func TestOverrideRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rec.CreateAccount(ctx, "acct_bad")
	require.NoError(t, err)

	_, _, err = f.rec.Override(ctx, OverrideRequest{AccountID: "acct_bad", Status: "paid"})
	assert.True(t, errors.Is(err, ErrInvalidOverride))

	_, _, err = f.rec.Override(ctx, OverrideRequest{AccountID: "acct_bad", Status: billing.StatusActive, Tier: "platinum"})
	assert.True(t, errors.Is(err, ErrInvalidOverride))

	_, _, err = f.rec.Override(ctx, OverrideRequest{AccountID: "acct_missing", Status: billing.StatusActive})
	assert.True(t, errors.Is(err, billingerrors.ErrAccountNotFound))
}

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, _, err := f.rec.CreateAccount(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, acct.ID)

	_, _, err = f.rec.CreateAccount(ctx, acct.ID)
	assert.True(t, errors.Is(err, store.ErrAccountExists))
}

// slowSink blocks every write until its context ends.
type slowSink struct {
	deadlines []bool
}

func (s *slowSink) Record(ctx context.Context, _ auditlog.Entry) error {
	_, ok := ctx.Deadline()
	s.deadlines = append(s.deadlines, ok)
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowSecurityLogDoesNotStallApply(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &slowSink{}
	f := newFixtureWithStore(t, st)
	f.rec = New(st, tiers.NewResolver(nil), f.cache, sink, Config{AuditTimeout: 20 * time.Millisecond})
	f.seed(t, "acct_slow", "sub_slow", "cus_slow")

	start := time.Now()
	res, err := f.rec.Apply(context.Background(), subEvent("evt_slow", verifier.EventSubscriptionCreated, t0,
		subscription("sub_slow", "cus_slow", "active", "P_PRO_MONTHLY")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotEmpty(t, sink.deadlines)
	for _, ok := range sink.deadlines {
		assert.True(t, ok, "security log writes must carry a deadline")
	}
	assert.Equal(t, billing.StatusActive, f.account(t, "acct_slow").Status)
}
