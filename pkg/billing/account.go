package billing

import (
	"strings"
	"time"
)

// Account is the authoritative subscription state of a customer account.
// It is mutated only by the reconciler or by an administrative override.
type Account struct {
	ID string `json:"id"`

	Status Status `json:"subscription_status"`

	// Tier is the subscription tier name; empty means none. It is non-empty
	// only when Status.AllowsTier() holds (see Normalize).
	Tier string `json:"subscription_tier,omitempty"`

	// TierOverride is an administratively assigned tier (trial grants).
	TierOverride string `json:"tier_override,omitempty"`

	// LastPaidTier preserves the most recent paid tier after the
	// subscription ends, for history and grace-period entitlement.
	LastPaidTier string `json:"last_paid_tier,omitempty"`

	TrialEndsAt        *time.Time `json:"trial_end_date,omitempty"`
	SubscriptionEndsAt *time.Time `json:"subscription_end_date,omitempty"`
	GracePeriodEndsAt  *time.Time `json:"grace_period_end,omitempty"`

	PaymentStatus PaymentStatus `json:"payment_status"`
	TrustDomain   TrustDomain   `json:"trust_domain,omitempty"`

	// LastEventAt and LastEventID are the watermark of the newest applied
	// provider event. Older events are discarded as stale.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	LastEventID string     `json:"last_event_id,omitempty"`

	// Version is incremented on every write and guards conditional updates.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAccount returns an account in its signup state.
func NewAccount(id string, now time.Time) *Account {
	now = now.UTC()
	return &Account{
		ID:            strings.TrimSpace(id),
		Status:        StatusSetupIncomplete,
		PaymentStatus: PaymentUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.TrialEndsAt = cloneTime(a.TrialEndsAt)
	cp.SubscriptionEndsAt = cloneTime(a.SubscriptionEndsAt)
	cp.GracePeriodEndsAt = cloneTime(a.GracePeriodEndsAt)
	cp.LastEventAt = cloneTime(a.LastEventAt)
	return &cp
}

// Normalize trims string fields and enforces the tier invariant: a status
// that may not carry a tier moves it to LastPaidTier.
func (a *Account) Normalize() {
	if a == nil {
		return
	}
	a.ID = strings.TrimSpace(a.ID)
	a.Tier = strings.TrimSpace(a.Tier)
	a.TierOverride = strings.TrimSpace(a.TierOverride)
	a.LastPaidTier = strings.TrimSpace(a.LastPaidTier)
	if st, ok := ParseStatus(string(a.Status)); ok {
		a.Status = st
	} else {
		a.Status = StatusUnknown
	}
	if a.PaymentStatus == "" {
		a.PaymentStatus = PaymentUnknown
	}
	if a.Tier != "" && !a.Status.AllowsTier() {
		a.LastPaidTier = a.Tier
		a.Tier = ""
	}
}

// InGrace reports whether now falls inside the payment grace window.
// The window end is inclusive.
func (a *Account) InGrace(now time.Time) bool {
	if a == nil || a.GracePeriodEndsAt == nil {
		return false
	}
	return !now.After(*a.GracePeriodEndsAt)
}

// SameState reports whether a and b carry identical subscription state,
// ignoring bookkeeping fields (watermark, version, timestamps).
func (a *Account) SameState(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Status == b.Status &&
		a.Tier == b.Tier &&
		a.TierOverride == b.TierOverride &&
		a.LastPaidTier == b.LastPaidTier &&
		a.PaymentStatus == b.PaymentStatus &&
		a.TrustDomain == b.TrustDomain &&
		sameTime(a.TrialEndsAt, b.TrialEndsAt) &&
		sameTime(a.SubscriptionEndsAt, b.SubscriptionEndsAt) &&
		sameTime(a.GracePeriodEndsAt, b.GracePeriodEndsAt)
}

// ExternalSubscription links an account to a provider subscription.
// At most one link per account is live; older links are superseded.
type ExternalSubscription struct {
	AccountID      string      `json:"account_id"`
	SubscriptionID string      `json:"subscription_id"`
	CustomerID     string      `json:"customer_id"`
	TrustDomain    TrustDomain `json:"trust_domain"`
	LinkedAt       time.Time   `json:"linked_at"`
	SupersededAt   *time.Time  `json:"superseded_at,omitempty"`
}

// Active reports whether the link has not been superseded.
func (l *ExternalSubscription) Active() bool {
	return l != nil && l.SupersededAt == nil
}

// TimePtr returns a UTC copy of t, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
