package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteSink persists entries to an append-only SQLite table and mirrors
// them to zerolog.
type SQLiteSink struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteSink opens (or creates) security.db under dataDir.
func NewSQLiteSink(dataDir string) (*SQLiteSink, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "security.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteSink{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Security log initialized")
	return s, nil
}

// The triggers keep the table append-only even for ad-hoc SQL.
func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		occurred_at INTEGER NOT NULL,
		type TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_account ON security_events(account_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events(type);

	CREATE TRIGGER IF NOT EXISTS security_events_no_update
	BEFORE UPDATE ON security_events
	BEGIN
		SELECT RAISE(ABORT, 'security_events is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS security_events_no_delete
	BEFORE DELETE ON security_events
	BEGIN
		SELECT RAISE(ABORT, 'security_events is append-only');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record implements Sink.
func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	e = prepare(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, occurred_at, type, account_id, event_id, event_type, severity, ip, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OccurredAt.UnixMilli(), e.Type, e.AccountID, e.EventID, e.EventType, string(e.Severity), e.IP, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	emit(e)
	return nil
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	AccountID string
	Type      string
	Since     time.Time
	Limit     int
}

// Query returns entries newest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, occurred_at, type, account_id, event_id, event_type, severity, ip, detail
		FROM security_events WHERE 1=1`
	args := []any{}
	if f.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var occurred int64
		var severity string
		if err := rows.Scan(&e.ID, &occurred, &e.Type, &e.AccountID, &e.EventID, &e.EventType, &severity, &e.IP, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		e.OccurredAt = time.UnixMilli(occurred).UTC()
		e.Severity = Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
