package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) accounts.db in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "accounts.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id                   TEXT PRIMARY KEY,
		status               TEXT NOT NULL,
		tier                 TEXT NOT NULL DEFAULT '',
		tier_override        TEXT NOT NULL DEFAULT '',
		last_paid_tier       TEXT NOT NULL DEFAULT '',
		trial_ends_at        INTEGER,
		subscription_ends_at INTEGER,
		grace_period_ends_at INTEGER,
		payment_status       TEXT NOT NULL DEFAULT 'unknown',
		trust_domain         TEXT NOT NULL DEFAULT '',
		last_event_at        INTEGER,
		last_event_id        TEXT NOT NULL DEFAULT '',
		version              INTEGER NOT NULL DEFAULT 1,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

	CREATE TABLE IF NOT EXISTS subscription_links (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		subscription_id TEXT NOT NULL,
		customer_id     TEXT NOT NULL DEFAULT '',
		trust_domain    TEXT NOT NULL DEFAULT '',
		linked_at       INTEGER NOT NULL,
		superseded_at   INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_account
		ON subscription_links(account_id) WHERE superseded_at IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_subscription
		ON subscription_links(subscription_id) WHERE superseded_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_links_customer ON subscription_links(customer_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		account_id   TEXT NOT NULL REFERENCES accounts(id),
		event_id     TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, event_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init account store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const accountColumns = `
	id, status, tier, tier_override, last_paid_tier,
	trial_ends_at, subscription_ends_at, grace_period_ends_at,
	payment_status, trust_domain, last_event_at, last_event_id,
	version, created_at, updated_at`

// CreateAccount inserts acct at version 1.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *billing.Account) error {
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

	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, string(acct.Status), acct.Tier, acct.TierOverride, acct.LastPaidTier,
		nullableTime(acct.TrialEndsAt), nullableTime(acct.SubscriptionEndsAt), nullableTime(acct.GracePeriodEndsAt),
		string(acct.PaymentStatus), string(acct.TrustDomain), nullableTime(acct.LastEventAt), acct.LastEventID,
		acct.Version, acct.CreatedAt.UnixNano(), acct.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create account %s: %w", acct.ID, ErrAccountExists)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*billing.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row, id)
}

// UpdateAccount performs a compare-and-swap write on version.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, acct *billing.Account, expectedVersion int64) error {
	if acct == nil {
		return fmt.Errorf("account is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			status = ?, tier = ?, tier_override = ?, last_paid_tier = ?,
			trial_ends_at = ?, subscription_ends_at = ?, grace_period_ends_at = ?,
			payment_status = ?, trust_domain = ?, last_event_at = ?, last_event_id = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(acct.Status), acct.Tier, acct.TierOverride, acct.LastPaidTier,
		nullableTime(acct.TrialEndsAt), nullableTime(acct.SubscriptionEndsAt), nullableTime(acct.GracePeriodEndsAt),
		string(acct.PaymentStatus), string(acct.TrustDomain), nullableTime(acct.LastEventAt), acct.LastEventID,
		acct.UpdatedAt.UnixNano(),
		acct.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, acct.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return billingerrors.New(billingerrors.KindAccountNotFound, "update_account", nil).WithAccount(acct.ID)
		}
		return billingerrors.New(billingerrors.KindVersionConflict, "update_account", nil).WithAccount(acct.ID)
	}

	if acct.LastEventID != "" {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO processed_events
			(account_id, event_id, processed_at) VALUES (?, ?, ?)`,
			acct.ID, acct.LastEventID, time.Now().UTC().UnixNano()); err != nil {
			return fmt.Errorf("record processed event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account update: %w", err)
	}
	acct.Version = expectedVersion + 1
	return nil
}

// EventProcessed reports whether eventID was recorded for accountID.
func (s *SQLiteStore) EventProcessed(ctx context.Context, accountID, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events
		WHERE account_id = ? AND event_id = ?`, accountID, eventID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check processed event: %w", err)
	}
}

// FindBySubscription returns the account actively linked to subscriptionID.
func (s *SQLiteStore) FindBySubscription(ctx context.Context, subscriptionID string) (*billing.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prefixed("a", accountColumns)+`
		FROM accounts a JOIN subscription_links l ON l.account_id = a.id
		WHERE l.subscription_id = ? AND l.superseded_at IS NULL`, subscriptionID)
	return scanAccount(row, "subscription "+subscriptionID)
}

// FindByCustomer returns the account most recently linked to customerID.
func (s *SQLiteStore) FindByCustomer(ctx context.Context, customerID string) (*billing.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prefixed("a", accountColumns)+`
		FROM accounts a JOIN subscription_links l ON l.account_id = a.id
		WHERE l.customer_id = ? AND l.superseded_at IS NULL
		ORDER BY l.linked_at DESC LIMIT 1`, customerID)
	return scanAccount(row, "customer "+customerID)
}

// LinkSubscription records link as the account's active subscription.
func (s *SQLiteStore) LinkSubscription(ctx context.Context, link billing.ExternalSubscription) error {
	if strings.TrimSpace(link.AccountID) == "" || strings.TrimSpace(link.SubscriptionID) == "" {
		return fmt.Errorf("link requires account and subscription ids")
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, link.AccountID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billingerrors.New(billingerrors.KindAccountNotFound, "link_subscription", nil).WithAccount(link.AccountID)
		}
		return fmt.Errorf("check account: %w", err)
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT subscription_id FROM subscription_links
		WHERE account_id = ? AND superseded_at IS NULL`, link.AccountID).Scan(&current)
	switch {
	case err == nil && current == link.SubscriptionID:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("load active link: %w", err)
	}

	supersededAt := link.LinkedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, `UPDATE subscription_links SET superseded_at = ?
		WHERE superseded_at IS NULL AND (account_id = ? OR subscription_id = ?)`,
		supersededAt, link.AccountID, link.SubscriptionID); err != nil {
		return fmt.Errorf("supersede links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO subscription_links
		(account_id, subscription_id, customer_id, trust_domain, linked_at)
		VALUES (?, ?, ?, ?, ?)`,
		link.AccountID, link.SubscriptionID, link.CustomerID, string(link.TrustDomain), link.LinkedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return tx.Commit()
}

// ActiveLink returns the account's live link, or an AccountNotFound error
// when the account has none.
func (s *SQLiteStore) ActiveLink(ctx context.Context, accountID string) (*billing.ExternalSubscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, subscription_id, customer_id, trust_domain, linked_at, superseded_at
		FROM subscription_links WHERE account_id = ? AND superseded_at IS NULL`, accountID)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billingerrors.New(billingerrors.KindAccountNotFound, "active_link", fmt.Errorf("no active subscription link")).WithAccount(accountID)
	}
	return link, err
}

// Links returns every link for the account, newest first.
func (s *SQLiteStore) Links(ctx context.Context, accountID string) ([]billing.ExternalSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, subscription_id, customer_id, trust_domain, linked_at, superseded_at
		FROM subscription_links WHERE account_id = ? ORDER BY linked_at DESC, id DESC`, accountID)
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

// ListAccounts returns accounts matching filter, oldest first.
func (s *SQLiteStore) ListAccounts(ctx context.Context, filter ListFilter) ([]*billing.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	args := []any{}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		query += ` WHERE status IN (` + placeholders + `)`
		for _, st := range statusStrings(filter.Statuses) {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// CountByStatus returns the number of accounts per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[billing.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[billing.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan account count: %w", err)
		}
		out[billing.Status(status)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner, ref string) (*billing.Account, error) {
	var a billing.Account
	var status, payment, domain string
	var trialEnds, subEnds, graceEnds, lastEventAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&a.ID, &status, &a.Tier, &a.TierOverride, &a.LastPaidTier,
		&trialEnds, &subEnds, &graceEnds,
		&payment, &domain, &lastEventAt, &a.LastEventID,
		&a.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, billingerrors.New(billingerrors.KindAccountNotFound, "get_account", nil).WithAccount(ref)
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Status = billing.Status(status)
	a.PaymentStatus = billing.PaymentStatus(payment)
	a.TrustDomain = billing.TrustDomain(domain)
	a.TrialEndsAt = timeFromNull(trialEnds)
	a.SubscriptionEndsAt = timeFromNull(subEnds)
	a.GracePeriodEndsAt = timeFromNull(graceEnds)
	a.LastEventAt = timeFromNull(lastEventAt)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &a, nil
}

func scanLink(s scanner) (*billing.ExternalSubscription, error) {
	var l billing.ExternalSubscription
	var domain string
	var linkedAt int64
	var supersededAt sql.NullInt64
	if err := s.Scan(&l.AccountID, &l.SubscriptionID, &l.CustomerID, &domain, &linkedAt, &supersededAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	l.TrustDomain = billing.TrustDomain(domain)
	l.LinkedAt = time.Unix(0, linkedAt).UTC()
	l.SupersededAt = timeFromNull(supersededAt)
	return &l, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
