package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// ErrInvalidOverride is returned for override requests that name an unknown
// status or tier.
var ErrInvalidOverride = errors.New("invalid override")

// OverrideRequest is an administrative status assignment.
type OverrideRequest struct {
	AccountID string
	Status    billing.Status

	// Tier becomes the subscription tier when Status may carry one, and the
	// tier override otherwise. Empty keeps the current tier.
	Tier string

	TrialEndsAt *time.Time
	Actor       string
	Reason      string
}

// Override applies an administrative status change. The snapshot cache is
// updated with the resulting snapshot before Override returns.
func (r *Reconciler) Override(ctx context.Context, req OverrideRequest) (*billing.Account, entitlements.Snapshot, error) {
	status, ok := billing.ParseStatus(string(req.Status))
	if !ok || status == billing.StatusUnknown {
		return nil, entitlements.Snapshot{}, fmt.Errorf("%w: status %q", ErrInvalidOverride, req.Status)
	}
	tier := strings.TrimSpace(req.Tier)
	if tier != "" {
		if _, ok := r.resolver.Catalog().Lookup(tier); !ok {
			return nil, entitlements.Snapshot{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidOverride, tier)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	prev, next, err := r.update(pctx, req.AccountID, func(acct *billing.Account) (*billing.Account, error) {
		next := acct.Clone()
		next.Status = status
		if tier != "" {
			if status.AllowsTier() {
				next.Tier = tier
			} else {
				next.TierOverride = tier
			}
		} else if status == billing.StatusActive && next.Tier == "" {
			next.Tier = next.LastPaidTier
		}
		if req.TrialEndsAt != nil {
			next.TrialEndsAt = billing.TimePtr(*req.TrialEndsAt)
		}
		if status != billing.StatusMissedPayment {
			next.GracePeriodEndsAt = nil
		}
		next.Normalize()
		return next, nil
	})
	if err != nil {
		return nil, entitlements.Snapshot{}, err
	}

	snap := r.publish(ctx, next)
	r.record(ctx, auditlog.Entry{
		Type:      auditlog.TypeAdminOverride,
		AccountID: next.ID,
		Severity:  auditlog.SeverityWarning,
		Detail:    overrideDetail(prev, next, req),
	})
	logging.FromContext(ctx).Info().
		Str("account_id", next.ID).
		Str("from", string(prev.Status)).
		Str("to", string(next.Status)).
		Str("tier", next.Tier).
		Str("actor", req.Actor).
		Msg("Account status overridden")
	return next, snap, nil
}

// CreateAccount registers a new account in setup_incomplete. An empty id
// gets a generated one.
func (r *Reconciler) CreateAccount(ctx context.Context, id string) (*billing.Account, entitlements.Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "acct_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	acct := billing.NewAccount(id, r.now())
	if err := r.store.CreateAccount(pctx, acct); err != nil {
		return nil, entitlements.Snapshot{}, err
	}

	snap := r.publish(ctx, acct)
	r.record(ctx, auditlog.Entry{Type: auditlog.TypeAccountCreated, AccountID: acct.ID})
	logging.FromContext(ctx).Info().Str("account_id", acct.ID).Msg("Account created")
	return acct, snap, nil
}

// Expire persists the clock-driven transitions due for an account at the
// current time. Accounts with nothing due return OutcomeNoop.
func (r *Reconciler) Expire(ctx context.Context, accountID string) (Result, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	now := r.now()
	prev, next, err := r.update(pctx, accountID, func(acct *billing.Account) (*billing.Account, error) {
		return lapse(acct, now), nil
	})
	if err != nil {
		return Result{AccountID: accountID}, err
	}
	res := Result{AccountID: accountID, From: prev.Status, To: prev.Status, Outcome: OutcomeNoop}
	if next == nil {
		return res, nil
	}

	snap := r.publish(ctx, next)
	res.To = next.Status
	res.Snapshot = &snap
	res.Outcome = OutcomeApplied
	r.record(ctx, auditlog.Entry{
		Type:      auditlog.TypeLifecycleSweep,
		AccountID: accountID,
		Detail:    transitionDetail(prev, next),
	})
	return res, nil
}

// update loads the account and writes fn's result conditionally on the
// loaded version, reloading on conflict. fn returning nil skips the write.
func (r *Reconciler) update(ctx context.Context, accountID string, fn func(*billing.Account) (*billing.Account, error)) (prev, next *billing.Account, err error) {
	for attempt := 1; ; attempt++ {
		prev, err = r.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, nil, err
		}
		next, err = fn(prev)
		if err != nil || next == nil {
			return prev, nil, err
		}
		next.UpdatedAt = r.now().UTC()
		err = r.store.UpdateAccount(ctx, next, prev.Version)
		if err == nil {
			return prev, next, nil
		}
		if !errors.Is(err, billingerrors.ErrVersionConflict) || attempt >= r.cfg.MaxAttempts {
			return prev, nil, err
		}
	}
}

func overrideDetail(prev, next *billing.Account, req OverrideRequest) string {
	var b strings.Builder
	b.WriteString(transitionDetail(prev, next))
	if req.Actor != "" {
		b.WriteString(" by " + req.Actor)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		b.WriteString(": " + reason)
	}
	return b.String()
}
