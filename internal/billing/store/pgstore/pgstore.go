// Package pgstore is the Postgres account store for multi-node deployments.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcourtman/pulse-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

const migration = `
CREATE TABLE IF NOT EXISTS billing_accounts (
    id                   TEXT PRIMARY KEY,
    status               TEXT NOT NULL,
    tier                 TEXT NOT NULL DEFAULT '',
    tier_override        TEXT NOT NULL DEFAULT '',
    last_paid_tier       TEXT NOT NULL DEFAULT '',
    trial_ends_at        TIMESTAMPTZ,
    subscription_ends_at TIMESTAMPTZ,
    grace_period_ends_at TIMESTAMPTZ,
    payment_status       TEXT NOT NULL DEFAULT 'unknown',
    trust_domain         TEXT NOT NULL DEFAULT '',
    last_event_at        TIMESTAMPTZ,
    last_event_id        TEXT NOT NULL DEFAULT '',
    version              BIGINT NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_accounts_status ON billing_accounts (status);

CREATE TABLE IF NOT EXISTS billing_subscription_links (
    id              BIGSERIAL PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES billing_accounts (id),
    subscription_id TEXT NOT NULL,
    customer_id     TEXT NOT NULL DEFAULT '',
    trust_domain    TEXT NOT NULL DEFAULT '',
    linked_at       TIMESTAMPTZ NOT NULL,
    superseded_at   TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_links_active_account
    ON billing_subscription_links (account_id) WHERE superseded_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_links_active_subscription
    ON billing_subscription_links (subscription_id) WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_billing_links_customer ON billing_subscription_links (customer_id);

CREATE TABLE IF NOT EXISTS billing_processed_events (
    account_id   TEXT NOT NULL REFERENCES billing_accounts (id),
    event_id     TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (account_id, event_id)
);
`

const accountColumns = `id, status, tier, tier_override, last_paid_tier,
	trial_ends_at, subscription_ends_at, grace_period_ends_at,
	payment_status, trust_domain, last_event_at, last_event_id,
	version, created_at, updated_at`

// Config holds Postgres connection settings.
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, migration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, acct *billing.Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = acct.CreatedAt
	}
	acct.Version = 1

	_, err := s.pool.Exec(ctx, `INSERT INTO billing_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		acct.ID, string(acct.Status), acct.Tier, acct.TierOverride, acct.LastPaidTier,
		acct.TrialEndsAt, acct.SubscriptionEndsAt, acct.GracePeriodEndsAt,
		string(acct.PaymentStatus), string(acct.TrustDomain), acct.LastEventAt, acct.LastEventID,
		acct.Version, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create account %s: %w", acct.ID, store.ErrAccountExists)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*billing.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM billing_accounts WHERE id = $1`, id)
	return scanAccount(row, id)
}

func (s *Store) UpdateAccount(ctx context.Context, acct *billing.Account, expectedVersion int64) error {
	if acct == nil {
		return fmt.Errorf("account is nil")
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE billing_accounts SET
				status = $1, tier = $2, tier_override = $3, last_paid_tier = $4,
				trial_ends_at = $5, subscription_ends_at = $6, grace_period_ends_at = $7,
				payment_status = $8, trust_domain = $9, last_event_at = $10, last_event_id = $11,
				version = version + 1, updated_at = $12
			WHERE id = $13 AND version = $14`,
			string(acct.Status), acct.Tier, acct.TierOverride, acct.LastPaidTier,
			acct.TrialEndsAt, acct.SubscriptionEndsAt, acct.GracePeriodEndsAt,
			string(acct.PaymentStatus), string(acct.TrustDomain), acct.LastEventAt, acct.LastEventID,
			acct.UpdatedAt, acct.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM billing_accounts WHERE id = $1)`, acct.ID).Scan(&exists); err == nil && !exists {
				return billingerrors.New(billingerrors.KindAccountNotFound, "update_account", nil).WithAccount(acct.ID)
			}
			return billingerrors.New(billingerrors.KindVersionConflict, "update_account", nil).WithAccount(acct.ID)
		}
		if acct.LastEventID != "" {
			if _, err := tx.Exec(ctx, `INSERT INTO billing_processed_events (account_id, event_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`, acct.ID, acct.LastEventID); err != nil {
				return fmt.Errorf("record processed event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	acct.Version = expectedVersion + 1
	return nil
}

func (s *Store) EventProcessed(ctx context.Context, accountID, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM billing_processed_events
		WHERE account_id = $1 AND event_id = $2)`, accountID, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return seen, nil
}

func (s *Store) FindBySubscription(ctx context.Context, subscriptionID string) (*billing.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+qualified("a")+`
		FROM billing_accounts a JOIN billing_subscription_links l ON l.account_id = a.id
		WHERE l.subscription_id = $1 AND l.superseded_at IS NULL`, subscriptionID)
	return scanAccount(row, "subscription "+subscriptionID)
}

func (s *Store) FindByCustomer(ctx context.Context, customerID string) (*billing.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+qualified("a")+`
		FROM billing_accounts a JOIN billing_subscription_links l ON l.account_id = a.id
		WHERE l.customer_id = $1 AND l.superseded_at IS NULL
		ORDER BY l.linked_at DESC LIMIT 1`, customerID)
	return scanAccount(row, "customer "+customerID)
}

func (s *Store) LinkSubscription(ctx context.Context, link billing.ExternalSubscription) error {
	if strings.TrimSpace(link.AccountID) == "" || strings.TrimSpace(link.SubscriptionID) == "" {
		return fmt.Errorf("link requires account and subscription ids")
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Row lock serializes concurrent links for the same account.
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM billing_accounts WHERE id = $1 FOR UPDATE`, link.AccountID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return billingerrors.New(billingerrors.KindAccountNotFound, "link_subscription", nil).WithAccount(link.AccountID)
			}
			return fmt.Errorf("lock account: %w", err)
		}

		var current string
		err := tx.QueryRow(ctx, `SELECT subscription_id FROM billing_subscription_links
			WHERE account_id = $1 AND superseded_at IS NULL`, link.AccountID).Scan(&current)
		switch {
		case err == nil && current == link.SubscriptionID:
			return nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("load active link: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE billing_subscription_links SET superseded_at = $1
			WHERE superseded_at IS NULL AND (account_id = $2 OR subscription_id = $3)`,
			link.LinkedAt, link.AccountID, link.SubscriptionID); err != nil {
			return fmt.Errorf("supersede links: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO billing_subscription_links
			(account_id, subscription_id, customer_id, trust_domain, linked_at)
			VALUES ($1, $2, $3, $4, $5)`,
			link.AccountID, link.SubscriptionID, link.CustomerID, string(link.TrustDomain), link.LinkedAt); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
		return nil
	})
}

func (s *Store) ActiveLink(ctx context.Context, accountID string) (*billing.ExternalSubscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT account_id, subscription_id, customer_id, trust_domain, linked_at, superseded_at
		FROM billing_subscription_links WHERE account_id = $1 AND superseded_at IS NULL`, accountID)
	link, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billingerrors.New(billingerrors.KindAccountNotFound, "active_link", fmt.Errorf("no active subscription link")).WithAccount(accountID)
	}
	return link, err
}

func (s *Store) Links(ctx context.Context, accountID string) ([]billing.ExternalSubscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id, subscription_id, customer_id, trust_domain, linked_at, superseded_at
		FROM billing_subscription_links WHERE account_id = $1 ORDER BY linked_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []billing.ExternalSubscription
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context, filter store.ListFilter) ([]*billing.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts`
	args := []any{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` WHERE status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*billing.Account
	for rows.Next() {
		acct, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[billing.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM billing_accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[billing.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan account count: %w", err)
		}
		out[billing.Status(status)] = int(n)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row, ref string) (*billing.Account, error) {
	var a billing.Account
	var status, payment, domain string
	err := row.Scan(
		&a.ID, &status, &a.Tier, &a.TierOverride, &a.LastPaidTier,
		&a.TrialEndsAt, &a.SubscriptionEndsAt, &a.GracePeriodEndsAt,
		&payment, &domain, &a.LastEventAt, &a.LastEventID,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billingerrors.New(billingerrors.KindAccountNotFound, "get_account", nil).WithAccount(ref)
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Status = billing.Status(status)
	a.PaymentStatus = billing.PaymentStatus(payment)
	a.TrustDomain = billing.TrustDomain(domain)
	a.TrialEndsAt = utc(a.TrialEndsAt)
	a.SubscriptionEndsAt = utc(a.SubscriptionEndsAt)
	a.GracePeriodEndsAt = utc(a.GracePeriodEndsAt)
	a.LastEventAt = utc(a.LastEventAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func scanLink(row pgx.Row) (*billing.ExternalSubscription, error) {
	var l billing.ExternalSubscription
	var domain string
	if err := row.Scan(&l.AccountID, &l.SubscriptionID, &l.CustomerID, &domain, &l.LinkedAt, &l.SupersededAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	l.TrustDomain = billing.TrustDomain(domain)
	l.LinkedAt = l.LinkedAt.UTC()
	l.SupersededAt = utc(l.SupersededAt)
	return &l, nil
}

func qualified(alias string) string {
	parts := strings.Split(accountColumns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
