package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// EventKind is the normalized event type consumed by the reconciler.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "subscription.created"
	EventSubscriptionUpdated EventKind = "subscription.updated"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
	EventPaymentSucceeded    EventKind = "invoice.payment_succeeded"
	EventCheckoutCompleted   EventKind = "checkout.completed"
	EventTrialWillEnd        EventKind = "subscription.trial_will_end"
	EventUnknown             EventKind = "unknown"
)

// kinds maps wire type names, including the provider-native names, to kinds.
var kinds = map[string]EventKind{
	"subscription.created":                 EventSubscriptionCreated,
	"customer.subscription.created":        EventSubscriptionCreated,
	"subscription.updated":                 EventSubscriptionUpdated,
	"customer.subscription.updated":        EventSubscriptionUpdated,
	"subscription.deleted":                 EventSubscriptionDeleted,
	"customer.subscription.deleted":        EventSubscriptionDeleted,
	"invoice.payment_failed":               EventPaymentFailed,
	"invoice.payment_succeeded":            EventPaymentSucceeded,
	"invoice.paid":                         EventPaymentSucceeded,
	"checkout.completed":                   EventCheckoutCompleted,
	"checkout.session.completed":           EventCheckoutCompleted,
	"subscription.trial_will_end":          EventTrialWillEnd,
	"customer.subscription.trial_will_end": EventTrialWillEnd,
}

// ParseKind returns the kind for a wire event type; unrecognized types
// yield EventUnknown.
func ParseKind(eventType string) EventKind {
	if k, ok := kinds[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return k
	}
	return EventUnknown
}

// ObjectID is a provider reference that may arrive either as a bare id or
// as an expanded object carrying an "id" field.
type ObjectID string

// UnmarshalJSON implements json.Unmarshaler.
func (o *ObjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = ObjectID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("object reference: %w", err)
	}
	*o = ObjectID(strings.TrimSpace(obj.ID))
	return nil
}

func (o ObjectID) String() string { return string(o) }

type price struct {
	ID string `json:"id"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	Price            price `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// Subscription is the subset of a provider subscription the reconciler reads.
type Subscription struct {
	ID                string   `json:"id"`
	Customer          ObjectID `json:"customer"`
	Status            string   `json:"status"`
	CancelAtPeriodEnd bool     `json:"cancel_at_period_end"`
	CancelAt          int64    `json:"cancel_at"`
	CurrentPeriodEnd  int64    `json:"current_period_end"`
	TrialEnd          int64    `json:"trial_end"`
	EndedAt           int64    `json:"ended_at"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// PeriodEnd returns the current period end. Newer API versions report it
// per item rather than on the subscription.
func (s *Subscription) PeriodEnd() *time.Time {
	if s.CurrentPeriodEnd > 0 {
		return unixPtr(s.CurrentPeriodEnd)
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return unixPtr(item.CurrentPeriodEnd)
		}
	}
	return nil
}

// EndsAt returns when access under a canceled subscription stops: the
// recorded end if it already ended, else the scheduled cancel time, else
// the current period end.
func (s *Subscription) EndsAt() *time.Time {
	if s.EndedAt > 0 {
		return unixPtr(s.EndedAt)
	}
	if s.CancelAt > 0 {
		return unixPtr(s.CancelAt)
	}
	return s.PeriodEnd()
}

// TrialEndsAt returns the trial end, if any.
func (s *Subscription) TrialEndsAt() *time.Time {
	return unixPtr(s.TrialEnd)
}

// Invoice is the subset of a provider invoice the reconciler reads.
type Invoice struct {
	ID                 string   `json:"id"`
	Customer           ObjectID `json:"customer"`
	Subscription       ObjectID `json:"subscription"`
	Status             string   `json:"status"`
	AttemptCount       int64    `json:"attempt_count"`
	NextPaymentAttempt int64    `json:"next_payment_attempt"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription ObjectID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Price   *price `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the invoice's subscription reference from either
// the legacy top-level field or the parent details.
func (i *Invoice) SubscriptionID() string {
	if id := i.Subscription.String(); id != "" {
		return id
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// FirstPriceID returns the first line's price, if present.
func (i *Invoice) FirstPriceID() string {
	for _, line := range i.Lines.Data {
		if line.Price != nil && strings.TrimSpace(line.Price.ID) != "" {
			return strings.TrimSpace(line.Price.ID)
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && strings.TrimSpace(line.Pricing.PriceDetails.Price) != "" {
			return strings.TrimSpace(line.Pricing.PriceDetails.Price)
		}
	}
	return ""
}

// PeriodEnd returns the latest line period end, if any.
func (i *Invoice) PeriodEnd() *time.Time {
	var latest int64
	for _, line := range i.Lines.Data {
		if line.Period.End > latest {
			latest = line.Period.End
		}
	}
	return unixPtr(latest)
}

// CheckoutSession is the subset of a completed checkout the reconciler reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          ObjectID          `json:"customer"`
	Subscription      ObjectID          `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// AccountRef returns the account the checkout was started for, if the
// checkout carried one.
func (c *CheckoutSession) AccountRef() string {
	if ref := strings.TrimSpace(c.ClientReferenceID); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.Metadata["account_id"])
}

// Event is a verified, schema-validated provider event.
type Event struct {
	ID          string
	Type        string
	Kind        EventKind
	Created     time.Time
	Livemode    bool
	TrustDomain billing.TrustDomain

	// Exactly one of these is set for known kinds.
	Subscription *Subscription
	Invoice      *Invoice
	Checkout     *CheckoutSession
}

// SubscriptionID returns the provider subscription the event concerns.
func (e *Event) SubscriptionID() string {
	switch {
	case e.Subscription != nil:
		return strings.TrimSpace(e.Subscription.ID)
	case e.Invoice != nil:
		return e.Invoice.SubscriptionID()
	case e.Checkout != nil:
		return e.Checkout.Subscription.String()
	}
	return ""
}

// CustomerID returns the provider customer the event concerns.
func (e *Event) CustomerID() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.Customer.String()
	case e.Invoice != nil:
		return e.Invoice.Customer.String()
	case e.Checkout != nil:
		return e.Checkout.Customer.String()
	}
	return ""
}

// decodeEvent converts a provider envelope into an Event and validates the
// payload shape for its kind.
func decodeEvent(raw *stripelib.Event, domain billing.TrustDomain) (*Event, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(string(raw.Type)) == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if raw.Created <= 0 {
		return nil, fmt.Errorf("event created timestamp is required")
	}

	ev := &Event{
		ID:          strings.TrimSpace(raw.ID),
		Type:        string(raw.Type),
		Kind:        ParseKind(string(raw.Type)),
		Created:     time.Unix(raw.Created, 0).UTC(),
		Livemode:    raw.Livemode,
		TrustDomain: domain,
	}
	if ev.Kind == EventUnknown {
		return ev, nil
	}

	var data json.RawMessage
	if raw.Data != nil {
		data = raw.Data.Raw
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, fmt.Errorf("%s: data.object is required", ev.Kind)
	}

	//exhaustive:enforce
	switch ev.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventTrialWillEnd:
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("%s: decode subscription: %w", ev.Kind, err)
		}
		if err := validateSubscription(ev.Kind, &sub); err != nil {
			return nil, err
		}
		ev.Subscription = &sub

	case EventPaymentFailed, EventPaymentSucceeded:
		var inv Invoice
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("%s: decode invoice: %w", ev.Kind, err)
		}
		if strings.TrimSpace(inv.ID) == "" {
			return nil, fmt.Errorf("%s: invoice id is required", ev.Kind)
		}
		if inv.Customer == "" && inv.SubscriptionID() == "" {
			return nil, fmt.Errorf("%s: invoice must reference a customer or subscription", ev.Kind)
		}
		ev.Invoice = &inv

	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("%s: decode checkout session: %w", ev.Kind, err)
		}
		if strings.TrimSpace(session.ID) == "" {
			return nil, fmt.Errorf("%s: session id is required", ev.Kind)
		}
		if session.Customer == "" {
			return nil, fmt.Errorf("%s: session customer is required", ev.Kind)
		}
		mode := strings.TrimSpace(session.Mode)
		if (mode == "" || mode == "subscription") && session.Subscription == "" {
			return nil, fmt.Errorf("%s: subscription checkout without subscription id", ev.Kind)
		}
		ev.Checkout = &session

	case EventUnknown:
	}
	return ev, nil
}

func validateSubscription(kind EventKind, sub *Subscription) error {
	if strings.TrimSpace(sub.ID) == "" {
		return fmt.Errorf("%s: subscription id is required", kind)
	}
	if kind == EventTrialWillEnd {
		return nil
	}
	if sub.Customer == "" {
		return fmt.Errorf("%s: subscription customer is required", kind)
	}
	if kind != EventSubscriptionDeleted && strings.TrimSpace(sub.Status) == "" {
		return fmt.Errorf("%s: subscription status is required", kind)
	}
	return nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
