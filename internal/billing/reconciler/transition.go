package reconciler

import (
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/verifier"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// change is the planned effect of one event on an account.
type change struct {
	next *billing.Account

	// unknownStatus is the raw provider status when it had no mapping and
	// the account state was left untouched.
	unknownStatus string
}

// plan computes the state ev moves acct into. acct is not modified.
func (r *Reconciler) plan(acct *billing.Account, ev *verifier.Event) change {
	next := acct.Clone()
	var unknown string

	//exhaustive:enforce
	switch ev.Kind {
	case verifier.EventSubscriptionCreated:
		sub := ev.Subscription
		if billing.MapProviderStatus(sub.Status) == billing.StatusActiveTrial {
			r.startTrial(next, ev)
		} else {
			r.activate(next, ev, sub.FirstPriceID(), sub.PeriodEnd())
		}

	case verifier.EventSubscriptionUpdated:
		unknown = r.applyProviderStatus(next, ev)

	case verifier.EventSubscriptionDeleted:
		end := billing.TimePtr(ev.Created)
		if ended := ev.Subscription.EndedAt; ended > 0 {
			end = billing.TimePtr(time.Unix(ended, 0))
		}
		deactivate(next, end)

	case verifier.EventPaymentFailed:
		// Terminal accounts only leave through a new subscription.
		if !acct.Status.IsTerminal() {
			r.missPayment(next, ev, true)
		}

	case verifier.EventPaymentSucceeded:
		if !acct.Status.IsTerminal() {
			r.activate(next, ev, ev.Invoice.FirstPriceID(), ev.Invoice.PeriodEnd())
		}

	case verifier.EventCheckoutCompleted, verifier.EventTrialWillEnd, verifier.EventUnknown:
		// No account state change.
	}

	next.Normalize()
	return change{next: next, unknownStatus: unknown}
}

// applyProviderStatus maps a subscription update onto next and returns the
// raw status when it could not be mapped.
func (r *Reconciler) applyProviderStatus(next *billing.Account, ev *verifier.Event) string {
	sub := ev.Subscription

	//exhaustive:enforce
	switch billing.MapProviderStatus(sub.Status) {
	case billing.StatusActive:
		r.activate(next, ev, sub.FirstPriceID(), sub.PeriodEnd())
		if sub.CancelAtPeriodEnd || sub.CancelAt > 0 {
			next.Status = billing.StatusCanceledButActive
			if end := sub.EndsAt(); end != nil {
				next.SubscriptionEndsAt = end
			}
		}
	case billing.StatusActiveTrial:
		r.startTrial(next, ev)
	case billing.StatusMissedPayment:
		r.missPayment(next, ev, false)
	case billing.StatusCanceledButActive:
		r.cancel(next, ev)
	case billing.StatusCanceledAndInactive:
		end := sub.EndsAt()
		if end == nil {
			end = billing.TimePtr(ev.Created)
		}
		deactivate(next, end)
	case billing.StatusUnknown:
		return sub.Status
	case billing.StatusSetupIncomplete, billing.StatusExpiredTrial:
		// Never produced by the provider mapping.
	}
	return ""
}

func (r *Reconciler) activate(next *billing.Account, ev *verifier.Event, priceID string, periodEnd *time.Time) {
	tier := r.tierFor(next, priceID, ev.TrustDomain)
	next.Status = billing.StatusActive
	next.Tier = tier
	next.LastPaidTier = tier
	next.PaymentStatus = billing.PaymentOK
	next.GracePeriodEndsAt = nil
	next.TrustDomain = ev.TrustDomain
	if periodEnd != nil {
		next.SubscriptionEndsAt = periodEnd
	}
}

func (r *Reconciler) startTrial(next *billing.Account, ev *verifier.Event) {
	sub := ev.Subscription
	if priceID := sub.FirstPriceID(); priceID != "" {
		next.TierOverride = r.resolver.Resolve(priceID, ev.TrustDomain)
	}
	if next.Tier != "" {
		next.LastPaidTier = next.Tier
	}
	next.Status = billing.StatusActiveTrial
	next.Tier = ""
	next.GracePeriodEndsAt = nil
	next.TrustDomain = ev.TrustDomain
	if end := sub.TrialEndsAt(); end != nil {
		next.TrialEndsAt = end
	}
}

// missPayment moves next to missed_payment. With startGrace, a grace window
// opens at the event time unless one is already running for this episode.
func (r *Reconciler) missPayment(next *billing.Account, ev *verifier.Event, startGrace bool) {
	alreadyMissed := next.Status == billing.StatusMissedPayment && next.GracePeriodEndsAt != nil
	if next.Tier != "" {
		next.LastPaidTier = next.Tier
	}
	next.Status = billing.StatusMissedPayment
	next.Tier = ""
	next.PaymentStatus = billing.PaymentFailed
	next.TrustDomain = ev.TrustDomain
	if startGrace && !alreadyMissed {
		next.GracePeriodEndsAt = billing.TimePtr(ev.Created.Add(r.cfg.GracePeriod))
	}
}

// cancel keeps paid access until the subscription's end date. A cancellation
// whose end has already passed is final.
func (r *Reconciler) cancel(next *billing.Account, ev *verifier.Event) {
	sub := ev.Subscription
	end := sub.EndsAt()
	if end == nil || !end.After(ev.Created) {
		if end == nil {
			end = billing.TimePtr(ev.Created)
		}
		deactivate(next, end)
		return
	}
	next.Tier = r.tierFor(next, sub.FirstPriceID(), ev.TrustDomain)
	next.LastPaidTier = next.Tier
	next.Status = billing.StatusCanceledButActive
	next.SubscriptionEndsAt = end
	next.GracePeriodEndsAt = nil
	next.TrustDomain = ev.TrustDomain
}

func deactivate(next *billing.Account, end *time.Time) {
	if next.Tier != "" {
		next.LastPaidTier = next.Tier
	}
	next.Status = billing.StatusCanceledAndInactive
	next.Tier = ""
	next.GracePeriodEndsAt = nil
	if end != nil {
		next.SubscriptionEndsAt = end
	}
}

// tierFor resolves priceID, or keeps the account's known tier when the
// event carries no price.
func (r *Reconciler) tierFor(acct *billing.Account, priceID string, domain billing.TrustDomain) string {
	if priceID == "" {
		if acct.Tier != "" {
			return acct.Tier
		}
		if acct.LastPaidTier != "" {
			return acct.LastPaidTier
		}
	}
	return r.resolver.Resolve(priceID, domain)
}

// lapse applies the transitions that happen by the clock alone: an expired
// trial, a scheduled cancellation reaching its end, and a grace window
// closing. It returns nil when nothing is due.
func lapse(acct *billing.Account, now time.Time) *billing.Account {
	next := acct.Clone()

	//exhaustive:enforce
	switch acct.Status {
	case billing.StatusActiveTrial:
		if acct.TrialEndsAt == nil || !now.After(*acct.TrialEndsAt) {
			return nil
		}
		next.Status = billing.StatusExpiredTrial
	case billing.StatusCanceledButActive:
		if acct.SubscriptionEndsAt == nil || !now.After(*acct.SubscriptionEndsAt) {
			return nil
		}
		deactivate(next, next.SubscriptionEndsAt)
	case billing.StatusMissedPayment:
		if acct.GracePeriodEndsAt == nil || !now.After(*acct.GracePeriodEndsAt) {
			return nil
		}
		next.GracePeriodEndsAt = nil
	case billing.StatusSetupIncomplete, billing.StatusExpiredTrial, billing.StatusActive,
		billing.StatusCanceledAndInactive, billing.StatusUnknown:
		return nil
	}

	next.Normalize()
	return next
}
