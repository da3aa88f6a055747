package entitlements

import (
	"fmt"
	"time"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

const displayDate = "2006-01-02"

// Compute derives the entitlement snapshot for acct at now.
//
// Compute is pure and total: identical inputs always yield an identical
// snapshot, and a nil account, nil catalog, or tier missing from the
// catalog degrades to the most restrictive snapshot instead of failing.
//
// Precedence, first match wins:
//  1. active with a tier: full tier entitlement
//  6. canceled_but_active before its end date: same as active
//  7. grace window open: at least the active entitlement
//  2. setup_incomplete with a tier: tier entitlement, setup restrictions
//  3. setup_incomplete without a tier: view-only
//  4. active_trial before trial end: override tier, else catalog trial tier
//  5. expired_trial, canceled_and_inactive, lapsed trial or cancel: free
//  8. anything else, including missed_payment past grace: most restrictive
func Compute(acct *billing.Account, catalog *Catalog, now time.Time) Snapshot {
	now = now.UTC()
	if acct == nil || catalog == nil {
		return restricted(acct, now, "Subscription status unavailable")
	}

	status := acct.Status
	if _, ok := billing.ParseStatus(string(status)); !ok {
		status = billing.StatusUnknown
	}

	if status == billing.StatusActive && acct.Tier != "" {
		return tierSnapshot(acct, catalog, acct.Tier, RuleActive, now,
			"Subscription active", ColorGreen, acct.SubscriptionEndsAt)
	}

	if status == billing.StatusCanceledButActive && !pastDeadline(acct.SubscriptionEndsAt, now) {
		tier := firstNonEmpty(acct.Tier, acct.LastPaidTier)
		msg := "Subscription canceled"
		if acct.SubscriptionEndsAt != nil {
			msg = fmt.Sprintf("Subscription ends on %s", acct.SubscriptionEndsAt.UTC().Format(displayDate))
		}
		return tierSnapshot(acct, catalog, tier, RuleCanceledButActive, now, msg, ColorYellow, acct.SubscriptionEndsAt)
	}

	if acct.InGrace(now) {
		tier := firstNonEmpty(acct.Tier, acct.TierOverride, acct.LastPaidTier, catalog.DefaultTier)
		msg := fmt.Sprintf("Payment failed; full access until %s", acct.GracePeriodEndsAt.UTC().Format(displayDate))
		return tierSnapshot(acct, catalog, tier, RuleGrace, now, msg, ColorOrange, acct.GracePeriodEndsAt)
	}

	//exhaustive:enforce
	switch status {
	case billing.StatusSetupIncomplete:
		if acct.Tier == "" {
			return viewOnly(acct, now)
		}
		snap := tierSnapshot(acct, catalog, acct.Tier, RuleSetupWithTier, now,
			"Finish setup to unlock all features", ColorBlue, nil)
		if snap.Rule == RuleSetupWithTier {
			snap.CanAccessAPI = false
			snap.CanUseWhiteLabel = false
		}
		return snap

	case billing.StatusActiveTrial:
		if pastDeadline(acct.TrialEndsAt, now) {
			return free(acct, catalog, now, "Trial expired", ColorOrange)
		}
		tier := firstNonEmpty(acct.TierOverride, acct.Tier, catalog.TrialTier)
		if tier == "" {
			return free(acct, catalog, now, "Trial active", ColorBlue)
		}
		return tierSnapshot(acct, catalog, tier, RuleTrial, now, trialMessage(acct.TrialEndsAt, now), ColorBlue, acct.TrialEndsAt)

	case billing.StatusExpiredTrial:
		return free(acct, catalog, now, "Trial expired", ColorOrange)

	case billing.StatusCanceledAndInactive, billing.StatusCanceledButActive:
		// canceled_but_active only reaches here once its end date has passed.
		return free(acct, catalog, now, "Subscription canceled", ColorGray)

	case billing.StatusMissedPayment:
		snap := restricted(acct, now, "Payment overdue; update billing details")
		snap.StatusColor = ColorRed
		return snap

	case billing.StatusActive, billing.StatusUnknown:
		// active without a tier is ambiguous.
		return restricted(acct, now, "Subscription status unavailable")
	}
	return restricted(acct, now, "Subscription status unavailable")
}

func tierSnapshot(acct *billing.Account, catalog *Catalog, tierName string, rule Rule, now time.Time,
	msg string, color StatusColor, accessEnds *time.Time) Snapshot {
	tier, ok := catalog.Lookup(tierName)
	if tierName == "" || !ok {
		return restricted(acct, now, "Plan unavailable; contact support")
	}

	snap := base(acct, now)
	snap.Tier = tier.Name
	snap.Rule = rule
	snap.CanViewDashboard = true
	snap.CanCreateBookings = tier.allowsBookings()
	snap.CanEditBookings = tier.allowsBookings()
	snap.CanExportData = tier.Features.DataExport
	snap.CanAccessAPI = tier.Features.APIAccess
	snap.CanUseWhiteLabel = tier.Features.WhiteLabel
	snap.HasPrioritySupport = tier.Features.PrioritySupport
	snap.Analytics = analyticsOrNone(tier.Features.Analytics)
	applyLimits(&snap, tier.Limits)
	snap.StatusMessage = msg
	snap.StatusColor = color
	snap.AccessEndsAt = utcPtr(accessEnds)
	return snap
}

// free returns the fixed free entitlement: dashboard viewable, creation and
// export disabled, limits from the catalog's free tier.
func free(acct *billing.Account, catalog *Catalog, now time.Time, msg string, color StatusColor) Snapshot {
	snap := base(acct, now)
	snap.Rule = RuleFree
	snap.CanViewDashboard = true
	if tier, ok := catalog.Lookup(catalog.FreeTier); ok {
		snap.Tier = tier.Name
		snap.Analytics = analyticsOrNone(tier.Features.Analytics)
		applyLimits(&snap, tier.Limits)
	} else {
		zeroLimits(&snap)
	}
	snap.StatusMessage = msg
	snap.StatusColor = color
	return snap
}

func viewOnly(acct *billing.Account, now time.Time) Snapshot {
	snap := restricted(acct, now, "Complete setup to start using your account")
	snap.Rule = RuleSetupViewOnly
	snap.StatusColor = ColorBlue
	return snap
}

// restricted is the most restrictive snapshot: view-only, zero limits.
func restricted(acct *billing.Account, now time.Time, msg string) Snapshot {
	snap := base(acct, now)
	snap.Rule = RuleRestricted
	snap.CanViewDashboard = true
	zeroLimits(&snap)
	snap.StatusMessage = msg
	snap.StatusColor = ColorGray
	return snap
}

func base(acct *billing.Account, now time.Time) Snapshot {
	snap := Snapshot{
		SchemaVersion: SchemaVersion,
		Status:        billing.StatusUnknown,
		Analytics:     AnalyticsNone,
		EvaluatedAt:   now.UTC(),
	}
	if acct != nil {
		snap.AccountID = acct.ID
		if st, ok := billing.ParseStatus(string(acct.Status)); ok {
			snap.Status = st
		}
	}
	return snap
}

func applyLimits(snap *Snapshot, l Limits) {
	snap.MaxCalendars = clonePtr(l.MaxCalendars)
	snap.MaxBookingsPerMonth = clonePtr(l.MaxBookingsPerMonth)
	snap.MaxTeamMembers = clonePtr(l.MaxTeamMembers)
	snap.MaxContacts = clonePtr(l.MaxContacts)
}

func zeroLimits(snap *Snapshot) {
	snap.MaxCalendars = limit(0)
	snap.MaxBookingsPerMonth = limit(0)
	snap.MaxTeamMembers = limit(0)
	snap.MaxContacts = limit(0)
}

func trialMessage(ends *time.Time, now time.Time) string {
	if ends == nil {
		return "Trial active"
	}
	days := int(ends.Sub(now).Hours() / 24)
	switch days {
	case 0:
		return "Trial ends today"
	case 1:
		return "Trial ends in 1 day"
	default:
		return fmt.Sprintf("Trial ends in %d days", days)
	}
}

func pastDeadline(deadline *time.Time, now time.Time) bool {
	return deadline != nil && now.After(*deadline)
}

func analyticsOrNone(a AnalyticsLevel) AnalyticsLevel {
	if a == "" {
		return AnalyticsNone
	}
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
