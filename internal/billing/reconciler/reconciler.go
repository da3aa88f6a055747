// Package reconciler turns verified provider events into authoritative
// account state. Every write is conditional on the account version, and
// every applied transition refreshes the snapshot cache with the newly
// computed snapshot.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/snapcache"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	"github.com/rcourtman/pulse-billing/internal/billing/tiers"
	"github.com/rcourtman/pulse-billing/internal/billing/verifier"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

const (
	DefaultPersistTimeout = 5 * time.Second
	DefaultGracePeriod    = 7 * 24 * time.Hour
	DefaultMaxAttempts    = 3
	DefaultAuditTimeout   = time.Second
)

// Config tunes the reconciler. Zero values take the defaults.
type Config struct {
	PersistTimeout time.Duration
	GracePeriod    time.Duration
	MaxAttempts    int

	// AuditTimeout bounds each security log write.
	AuditTimeout time.Duration
}

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeStale             Outcome = "stale"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeSuperseded        Outcome = "superseded"
	OutcomeLinked            Outcome = "linked"
	OutcomeUnknownStatus     Outcome = "unknown_status"
	OutcomeAccountNotFound   Outcome = "account_not_found"
	OutcomeConflict          Outcome = "conflict"
	OutcomePersistenceFailed Outcome = "persistence_failed"
)

// Result reports the effect of one event.
type Result struct {
	Outcome   Outcome
	AccountID string
	From      billing.Status
	To        billing.Status

	// Snapshot is set when the account state changed.
	Snapshot *entitlements.Snapshot
}

// Reconciler applies events to accounts.
type Reconciler struct {
	store    store.Store
	resolver *tiers.Resolver
	cache    snapcache.Cache
	sink     auditlog.Sink
	cfg      Config
	now      func() time.Time
}

// New builds a Reconciler. cache may be nil; sink defaults to the console
// sink and resolver to the built-in catalog.
func New(st store.Store, resolver *tiers.Resolver, cache snapcache.Cache, sink auditlog.Sink, cfg Config) *Reconciler {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = DefaultAuditTimeout
	}
	if resolver == nil {
		resolver = tiers.NewResolver(nil)
	}
	if sink == nil {
		sink = auditlog.ConsoleSink{}
	}
	return &Reconciler{
		store:    st,
		resolver: resolver,
		cache:    cache,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Catalog returns the tier catalog snapshots are computed against.
func (r *Reconciler) Catalog() *entitlements.Catalog {
	return r.resolver.Catalog()
}

// Apply reconciles one verified event.
//
// Errors are informational: every error Apply returns is recoverable and the
// event should still be acknowledged to the provider. Stale events, unknown
// accounts and persistence failures are logged and dropped, never retried.
func (r *Reconciler) Apply(ctx context.Context, ev *verifier.Event) (Result, error) {
	if ev == nil {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	res, err := r.apply(ctx, ev)
	bmetrics.ReconcileOutcomes.WithLabelValues(string(ev.Kind), string(res.Outcome)).Inc()
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, ev *verifier.Event) (Result, error) {
	logger := eventLogger(ctx, ev)

	//exhaustive:enforce
	switch ev.Kind {
	case verifier.EventUnknown:
		logger.Debug().Msg("Ignoring unhandled event type")
		return Result{Outcome: OutcomeIgnored}, nil

	case verifier.EventTrialWillEnd:
		entry := logger.Info().Str("subscription_id", ev.SubscriptionID())
		if ends := trialEnd(ev); ends != nil {
			entry = entry.Time("trial_ends_at", *ends)
		}
		entry.Msg("Trial ending soon")
		return Result{Outcome: OutcomeIgnored}, nil

	case verifier.EventCheckoutCompleted:
		return r.link(ctx, ev)

	case verifier.EventSubscriptionCreated, verifier.EventSubscriptionUpdated, verifier.EventSubscriptionDeleted,
		verifier.EventPaymentFailed, verifier.EventPaymentSucceeded:
		return r.reconcile(ctx, ev)
	}
	return Result{Outcome: OutcomeIgnored}, nil
}

func (r *Reconciler) reconcile(ctx context.Context, ev *verifier.Event) (Result, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		acct, relink, err := r.locate(pctx, ev)
		if err != nil {
			return r.lookupFailed(ctx, ev, "", err)
		}
		if acct == nil {
			eventLogger(ctx, ev).Info().
				Str("subscription_id", ev.SubscriptionID()).
				Msg("Event references a superseded subscription; ignoring")
			return Result{Outcome: OutcomeSuperseded}, nil
		}

		res, err := r.applyTo(ctx, pctx, ev, acct, relink)
		if errors.Is(err, billingerrors.ErrVersionConflict) {
			lastErr = err
			eventLogger(ctx, ev).Debug().
				Str("account_id", acct.ID).
				Int("attempt", attempt).
				Msg("Account changed concurrently; reloading")
			continue
		}
		return res, err
	}

	eventLogger(ctx, ev).Warn().Err(lastErr).Msg("Giving up after repeated version conflicts")
	return Result{Outcome: OutcomeConflict}, lastErr
}

// locate finds the account an event applies to. relink reports that the
// event's subscription must become the account's active link. A nil account
// with a nil error means the event belongs to a subscription the account
// has since replaced.
func (r *Reconciler) locate(ctx context.Context, ev *verifier.Event) (acct *billing.Account, relink bool, err error) {
	subID := ev.SubscriptionID()
	if subID != "" {
		acct, err := r.store.FindBySubscription(ctx, subID)
		if err == nil {
			return acct, false, nil
		}
		if !errors.Is(err, billingerrors.ErrAccountNotFound) {
			return nil, false, err
		}
	}

	customerID := ev.CustomerID()
	if customerID != "" {
		acct, err := r.store.FindByCustomer(ctx, customerID)
		switch {
		case err == nil:
			if subID == "" {
				return acct, false, nil
			}
			if ev.Kind == verifier.EventSubscriptionCreated {
				return acct, true, nil
			}
			// A subscription the account never had is a new one whose
			// created event has not arrived yet. The staleness guard still
			// applies before it is linked.
			replaced, err := r.linkedBefore(ctx, acct.ID, subID)
			if err != nil {
				return nil, false, err
			}
			if replaced {
				return nil, false, nil
			}
			return acct, true, nil
		case !errors.Is(err, billingerrors.ErrAccountNotFound):
			return nil, false, err
		}
	}

	if ref := metadataAccount(ev); ref != "" && subID != "" {
		acct, err := r.store.GetAccount(ctx, ref)
		if err == nil {
			return acct, true, nil
		}
		if !errors.Is(err, billingerrors.ErrAccountNotFound) {
			return nil, false, err
		}
	}

	return nil, false, billingerrors.New(billingerrors.KindAccountNotFound, "locate_account",
		fmt.Errorf("no account linked to subscription %q or customer %q", subID, customerID)).WithEvent(ev.ID)
}

func (r *Reconciler) linkedBefore(ctx context.Context, accountID, subscriptionID string) (bool, error) {
	links, err := r.store.Links(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.SubscriptionID == subscriptionID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) applyTo(ctx, pctx context.Context, ev *verifier.Event, acct *billing.Account, relink bool) (Result, error) {
	logger := eventLogger(ctx, ev).With().Str("account_id", acct.ID).Logger()
	res := Result{AccountID: acct.ID, From: acct.Status, To: acct.Status}

	seen := acct.LastEventID == ev.ID
	if !seen {
		var err error
		if seen, err = r.store.EventProcessed(pctx, acct.ID, ev.ID); err != nil {
			return r.lookupFailed(ctx, ev, acct.ID, err)
		}
	}
	if seen {
		logger.Debug().Msg("Duplicate delivery; already applied")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	if acct.LastEventAt != nil && ev.Created.Before(*acct.LastEventAt) {
		err := billingerrors.New(billingerrors.KindStaleEvent, "apply_event",
			fmt.Errorf("event created %s precedes last applied %s (%s)",
				ev.Created.Format(time.RFC3339), acct.LastEventAt.Format(time.RFC3339), acct.LastEventID)).
			WithAccount(acct.ID).WithEvent(ev.ID)
		logger.Info().Err(err).Msg("Discarding stale event")
		res.Outcome = OutcomeStale
		return res, err
	}

	if relink {
		if err := r.store.LinkSubscription(pctx, linkFor(acct.ID, ev, r.now())); err != nil {
			return r.lookupFailed(ctx, ev, acct.ID, err)
		}
		r.record(ctx, auditlog.Entry{
			Type:      auditlog.TypeSubscriptionLinked,
			AccountID: acct.ID,
			EventID:   ev.ID,
			EventType: ev.Type,
			Detail:    "subscription " + ev.SubscriptionID(),
		})
	}

	planned := r.plan(acct, ev)
	next := planned.next
	next.LastEventAt = billing.TimePtr(ev.Created)
	next.LastEventID = ev.ID
	changed := !next.SameState(acct)
	if changed {
		next.UpdatedAt = r.now().UTC()
	}

	if planned.unknownStatus != "" {
		logger.Warn().
			Str("provider_status", planned.unknownStatus).
			Str("status", string(acct.Status)).
			Msg("Unmapped provider status; keeping current account state")
		r.record(ctx, auditlog.Entry{
			Type:      auditlog.TypeUnknownStatus,
			AccountID: acct.ID,
			EventID:   ev.ID,
			EventType: ev.Type,
			Severity:  auditlog.SeverityWarning,
			Detail:    "provider status " + planned.unknownStatus,
		})
	}

	if err := r.store.UpdateAccount(pctx, next, acct.Version); err != nil {
		if errors.Is(err, billingerrors.ErrVersionConflict) {
			return res, err
		}
		return r.lookupFailed(ctx, ev, acct.ID, err)
	}

	res.To = next.Status
	if !changed {
		res.Outcome = OutcomeNoop
		if planned.unknownStatus != "" {
			res.Outcome = OutcomeUnknownStatus
		}
		logger.Debug().Msg("Event carried no state change; watermark advanced")
		return res, nil
	}

	snap := r.publish(ctx, next)
	res.Snapshot = &snap
	res.Outcome = OutcomeApplied

	r.record(ctx, auditlog.Entry{
		Type:      auditlog.TypeStateTransition,
		AccountID: acct.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Detail:    transitionDetail(acct, next),
	})
	logger.Info().
		Str("from", string(acct.Status)).
		Str("to", string(next.Status)).
		Str("tier", next.Tier).
		Str("trust_domain", string(ev.TrustDomain)).
		Msg("Account state reconciled")
	return res, nil
}

// link records checkout completion as the account's active subscription.
func (r *Reconciler) link(ctx context.Context, ev *verifier.Event) (Result, error) {
	session := ev.Checkout
	subID := session.Subscription.String()
	if subID == "" {
		eventLogger(ctx, ev).Debug().Str("mode", session.Mode).Msg("Checkout without subscription; ignoring")
		return Result{Outcome: OutcomeIgnored}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	var (
		acct *billing.Account
		err  error
	)
	if ref := session.AccountRef(); ref != "" {
		acct, err = r.store.GetAccount(pctx, ref)
	} else {
		acct, err = r.store.FindByCustomer(pctx, session.Customer.String())
	}
	if err != nil {
		return r.lookupFailed(ctx, ev, session.AccountRef(), err)
	}

	res := Result{AccountID: acct.ID, From: acct.Status, To: acct.Status}
	if current, err := r.store.ActiveLink(pctx, acct.ID); err == nil && current.SubscriptionID == subID {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	if err := r.store.LinkSubscription(pctx, linkFor(acct.ID, ev, r.now())); err != nil {
		return r.lookupFailed(ctx, ev, acct.ID, err)
	}
	r.record(ctx, auditlog.Entry{
		Type:      auditlog.TypeSubscriptionLinked,
		AccountID: acct.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Detail:    "subscription " + subID,
	})
	eventLogger(ctx, ev).Info().
		Str("account_id", acct.ID).
		Str("subscription_id", subID).
		Str("customer_id", session.Customer.String()).
		Msg("Subscription linked to account")

	res.Outcome = OutcomeLinked
	return res, nil
}

// lookupFailed classifies a store error. Missing accounts are dropped with
// a warning; anything else is a persistence failure. Both are acknowledged.
func (r *Reconciler) lookupFailed(ctx context.Context, ev *verifier.Event, accountID string, err error) (Result, error) {
	logger := eventLogger(ctx, ev)
	if errors.Is(err, billingerrors.ErrAccountNotFound) {
		logger.Warn().
			Err(err).
			Str("account_id", accountID).
			Str("subscription_id", ev.SubscriptionID()).
			Str("customer_id", ev.CustomerID()).
			Msg("No account for event; dropping")
		r.record(ctx, auditlog.Entry{
			Type:      auditlog.TypeAccountNotFound,
			AccountID: accountID,
			EventID:   ev.ID,
			EventType: ev.Type,
			Severity:  auditlog.SeverityWarning,
			Detail:    "subscription " + ev.SubscriptionID() + " customer " + ev.CustomerID(),
		})
		return Result{Outcome: OutcomeAccountNotFound, AccountID: accountID}, err
	}

	be := billingerrors.New(billingerrors.KindPersistenceFailure, "apply_event", err).
		WithAccount(accountID).WithEvent(ev.ID)
	logger.Error().Err(be).Msg("Persisting reconciled state failed; event acknowledged without retry")
	r.record(ctx, auditlog.Entry{
		Type:      auditlog.TypePersistenceFailure,
		AccountID: accountID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Severity:  auditlog.SeverityCritical,
		Detail:    err.Error(),
	})
	return Result{Outcome: OutcomePersistenceFailed, AccountID: accountID}, be
}

// publish computes the snapshot for acct and writes it to the cache. A
// failed write falls back to dropping the entry so readers recompute.
func (r *Reconciler) publish(ctx context.Context, acct *billing.Account) entitlements.Snapshot {
	snap := entitlements.Compute(acct, r.resolver.Catalog(), r.now())
	if r.cache == nil {
		return snap
	}
	if err := r.cache.Invalidate(ctx, acct.ID, &snap); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("account_id", acct.ID).Msg("Snapshot cache refresh failed")
		if err := r.cache.Invalidate(ctx, acct.ID, nil); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("account_id", acct.ID).Msg("Snapshot cache eviction failed")
		}
	}
	return snap
}

func (r *Reconciler) record(ctx context.Context, e auditlog.Entry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.AuditTimeout)
	defer cancel()
	if err := r.sink.Record(actx, e); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("audit_type", e.Type).Msg("Failed to record security event")
	}
}

func linkFor(accountID string, ev *verifier.Event, now time.Time) billing.ExternalSubscription {
	return billing.ExternalSubscription{
		AccountID:      accountID,
		SubscriptionID: ev.SubscriptionID(),
		CustomerID:     ev.CustomerID(),
		TrustDomain:    ev.TrustDomain,
		LinkedAt:       now.UTC(),
	}
}

func metadataAccount(ev *verifier.Event) string {
	if ev.Subscription == nil {
		return ""
	}
	return strings.TrimSpace(ev.Subscription.Metadata["account_id"])
}

func trialEnd(ev *verifier.Event) *time.Time {
	if ev.Subscription == nil {
		return nil
	}
	return ev.Subscription.TrialEndsAt()
}

func transitionDetail(prev, next *billing.Account) string {
	detail := string(prev.Status) + " -> " + string(next.Status)
	if prev.Tier != next.Tier {
		detail += fmt.Sprintf(" (tier %q -> %q)", prev.Tier, next.Tier)
	}
	return detail
}

func eventLogger(ctx context.Context, ev *verifier.Event) *zerolog.Logger {
	logger := logging.FromContext(ctx).With().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Logger()
	return &logger
}
