// Package store persists accounts and their provider subscription links.
// All account writes are conditional on the caller's last-read version.
package store

import (
	"context"
	"errors"

	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// ErrAccountExists is returned by CreateAccount for a duplicate id.
var ErrAccountExists = errors.New("account already exists")

// Store is the persistence contract shared by the SQLite and Postgres backends.
//
// Lookups that find nothing return an error matching
// errors.ErrAccountNotFound from internal/errors. UpdateAccount returns an
// error matching errors.ErrVersionConflict when the stored version moved.
type Store interface {
	CreateAccount(ctx context.Context, acct *billing.Account) error
	GetAccount(ctx context.Context, id string) (*billing.Account, error)

	// UpdateAccount writes acct only if the stored version equals
	// expectedVersion, then sets acct.Version to the new version. A
	// non-empty acct.LastEventID is recorded as processed in the same
	// transaction.
	UpdateAccount(ctx context.Context, acct *billing.Account, expectedVersion int64) error

	// EventProcessed reports whether eventID was ever written for the account.
	EventProcessed(ctx context.Context, accountID, eventID string) (bool, error)

	// FindBySubscription and FindByCustomer consider active links only.
	FindBySubscription(ctx context.Context, subscriptionID string) (*billing.Account, error)
	FindByCustomer(ctx context.Context, customerID string) (*billing.Account, error)

	// LinkSubscription makes link the account's active link, superseding
	// any previous one. Relinking the active subscription is a no-op.
	LinkSubscription(ctx context.Context, link billing.ExternalSubscription) error
	ActiveLink(ctx context.Context, accountID string) (*billing.ExternalSubscription, error)
	Links(ctx context.Context, accountID string) ([]billing.ExternalSubscription, error)

	ListAccounts(ctx context.Context, filter ListFilter) ([]*billing.Account, error)
	CountByStatus(ctx context.Context) (map[billing.Status]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// ListFilter narrows ListAccounts. Zero fields match everything.
type ListFilter struct {
	Statuses []billing.Status
	Limit    int
}

func statusStrings(statuses []billing.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
