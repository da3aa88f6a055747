package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrSignatureInvalid        = errors.New("signature invalid")
	ErrNoTrustDomainConfigured = errors.New("no trust domain configured")
	ErrPayloadTooLarge         = errors.New("payload too large")
	ErrMalformedEvent          = errors.New("malformed event")
	ErrUnknownPriceID          = errors.New("unknown price id")
	ErrAccountNotFound         = errors.New("account not found")
	ErrStaleEvent              = errors.New("stale event")
	ErrPersistenceFailure      = errors.New("persistence failure")
	ErrCacheTimeout            = errors.New("cache timeout")
	ErrVersionConflict         = errors.New("version conflict")
)

// Kind represents the category of error
type Kind string

const (
	KindSignatureInvalid        Kind = "signature_invalid"
	KindNoTrustDomainConfigured Kind = "no_trust_domain_configured"
	KindPayloadTooLarge         Kind = "payload_too_large"
	KindMalformedEvent          Kind = "malformed_event"
	KindUnknownPriceID          Kind = "unknown_price_id"
	KindAccountNotFound         Kind = "account_not_found"
	KindStaleEvent              Kind = "stale_event"
	KindPersistenceFailure      Kind = "persistence_failure"
	KindCacheTimeout            Kind = "cache_timeout"
	KindVersionConflict         Kind = "version_conflict"
)

var sentinels = map[Kind]error{
	KindSignatureInvalid:        ErrSignatureInvalid,
	KindNoTrustDomainConfigured: ErrNoTrustDomainConfigured,
	KindPayloadTooLarge:         ErrPayloadTooLarge,
	KindMalformedEvent:          ErrMalformedEvent,
	KindUnknownPriceID:          ErrUnknownPriceID,
	KindAccountNotFound:         ErrAccountNotFound,
	KindStaleEvent:              ErrStaleEvent,
	KindPersistenceFailure:      ErrPersistenceFailure,
	KindCacheTimeout:            ErrCacheTimeout,
	KindVersionConflict:         ErrVersionConflict,
}

// BillingError is a structured error for reconciliation operations
type BillingError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "verify", "apply_event")
	AccountID string // Account involved, if known
	EventID   string // Provider event involved, if known
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *BillingError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.AccountID != "" && e.EventID != "":
		return fmt.Sprintf("%s failed for account %s (event %s): %s", e.Op, e.AccountID, e.EventID, msg)
	case e.AccountID != "":
		return fmt.Sprintf("%s failed for account %s: %s", e.Op, e.AccountID, msg)
	case e.EventID != "":
		return fmt.Sprintf("%s failed for event %s: %s", e.Op, e.EventID, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// Recoverable reports whether processing may continue past this error.
// Only verification failures stop an event.
func (e *BillingError) Recoverable() bool {
	switch e.Kind {
	case KindSignatureInvalid, KindNoTrustDomainConfigured, KindPayloadTooLarge, KindMalformedEvent:
		return false
	default:
		return true
	}
}

// New creates a new BillingError
func New(kind Kind, op string, err error) *BillingError {
	if err == nil {
		err = sentinels[kind]
	}
	return &BillingError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithAccount adds account information to the error
func (e *BillingError) WithAccount(accountID string) *BillingError {
	e.AccountID = accountID
	return e
}

// WithEvent adds provider event information to the error
func (e *BillingError) WithEvent(eventID string) *BillingError {
	e.EventID = eventID
	return e
}

// KindOf returns the Kind of err, or "" when err is not a BillingError and
// matches no sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRecoverable checks if processing may continue past err
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Recoverable()
	}
	return !errors.Is(err, ErrSignatureInvalid) &&
		!errors.Is(err, ErrNoTrustDomainConfigured) &&
		!errors.Is(err, ErrPayloadTooLarge) &&
		!errors.Is(err, ErrMalformedEvent)
}
