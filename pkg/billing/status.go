// Package billing defines the account and subscription contracts shared by the
// reconciler, the entitlement calculator and downstream consumers.
//
// This package exists so consumers (feature gates, dashboards) can depend on
// canonical account status metadata without importing internal packages.
package billing

import "strings"

// Status is the lifecycle state of an account's subscription.
//
// Every switch over Status must be exhaustive; the repository runs the
// `exhaustive` linter with default-signifies-exhaustive disabled, so adding a
// value here fails lint until the reconciler and calculator handle it.
type Status string

const (
	StatusSetupIncomplete     Status = "setup_incomplete"
	StatusActiveTrial         Status = "active_trial"
	StatusExpiredTrial        Status = "expired_trial"
	StatusActive              Status = "active"
	StatusMissedPayment       Status = "missed_payment"
	StatusCanceledButActive   Status = "canceled_but_active"
	StatusCanceledAndInactive Status = "canceled_and_inactive"
	StatusUnknown             Status = "unknown"
)

// AllStatuses lists every Status in declaration order.
var AllStatuses = []Status{
	StatusSetupIncomplete,
	StatusActiveTrial,
	StatusExpiredTrial,
	StatusActive,
	StatusMissedPayment,
	StatusCanceledButActive,
	StatusCanceledAndInactive,
	StatusUnknown,
}

// ParseStatus normalizes s and reports whether it names a known status.
// Unknown input yields StatusUnknown.
func ParseStatus(s string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, true
		}
	}
	return StatusUnknown, false
}

// AllowsTier reports whether an account in this status may carry a
// non-nil subscription tier.
func (s Status) AllowsTier() bool {
	//exhaustive:enforce
	switch s {
	case StatusActive, StatusCanceledButActive, StatusSetupIncomplete:
		return true
	case StatusActiveTrial, StatusExpiredTrial, StatusMissedPayment,
		StatusCanceledAndInactive, StatusUnknown:
		return false
	}
	return false
}

// IsTerminal reports whether the status is an end state that only a new
// subscription can leave.
func (s Status) IsTerminal() bool {
	//exhaustive:enforce
	switch s {
	case StatusExpiredTrial, StatusCanceledAndInactive:
		return true
	case StatusSetupIncomplete, StatusActiveTrial, StatusActive,
		StatusMissedPayment, StatusCanceledButActive, StatusUnknown:
		return false
	}
	return false
}

// ProviderStatus is the raw subscription status reported by the billing provider.
type ProviderStatus string

const (
	ProviderActive            ProviderStatus = "active"
	ProviderTrialing          ProviderStatus = "trialing"
	ProviderPastDue           ProviderStatus = "past_due"
	ProviderUnpaid            ProviderStatus = "unpaid"
	ProviderIncomplete        ProviderStatus = "incomplete"
	ProviderIncompleteExpired ProviderStatus = "incomplete_expired"
	ProviderCanceled          ProviderStatus = "canceled"
	ProviderPaused            ProviderStatus = "paused"
)

// MapProviderStatus converts a provider subscription status to the internal
// Status. Statuses with no mapping return StatusUnknown; callers must not
// let that overwrite a known-good state without logging.
func MapProviderStatus(status string) Status {
	switch ProviderStatus(strings.ToLower(strings.TrimSpace(status))) {
	case ProviderActive:
		return StatusActive
	case ProviderTrialing:
		return StatusActiveTrial
	case ProviderPastDue, ProviderUnpaid, ProviderIncomplete:
		return StatusMissedPayment
	case ProviderCanceled:
		return StatusCanceledButActive
	case ProviderIncompleteExpired:
		return StatusCanceledAndInactive
	default:
		return StatusUnknown
	}
}

// PaymentStatus tracks the outcome of the most recent charge attempt.
type PaymentStatus string

const (
	PaymentOK      PaymentStatus = "ok"
	PaymentFailed  PaymentStatus = "failed"
	PaymentUnknown PaymentStatus = "unknown"
)
