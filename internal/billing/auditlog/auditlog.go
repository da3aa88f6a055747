// Package auditlog is the append-only security log for the billing service.
// Every verification failure and every account state transition lands here.
package auditlog

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity grades an entry for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry types.
const (
	TypeVerificationFailed = "verification_failed"
	TypeStateTransition    = "state_transition"
	TypeAdminOverride      = "admin_override"
	TypeAccountCreated     = "account_created"
	TypeSubscriptionLinked = "subscription_linked"
	TypeAccountNotFound    = "account_not_found"
	TypeUnknownStatus      = "unknown_provider_status"
	TypePersistenceFailure = "persistence_failure"
	TypeLifecycleSweep     = "lifecycle_sweep"
)

// Entry is a single security log record. Payloads are never recorded.
type Entry struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	Severity   Severity  `json:"severity"`
	OccurredAt time.Time `json:"occurred_at"`
	IP         string    `json:"ip,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink records entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// prepare fills the generated fields of e.
func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	return e
}

func emit(e Entry) {
	var ev *zerolog.Event
	switch e.Severity {
	case SeverityCritical:
		ev = log.Error()
	case SeverityWarning:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("audit_id", e.ID).
		Str("audit_type", e.Type).
		Str("account_id", e.AccountID).
		Str("event_id", e.EventID).
		Str("event_type", e.EventType).
		Str("severity", string(e.Severity)).
		Str("ip", e.IP).
		Time("occurred_at", e.OccurredAt).
		Str("detail", e.Detail).
		Msg("Security event")
}

// ConsoleSink writes entries to zerolog only.
type ConsoleSink struct{}

// Record implements Sink.
func (ConsoleSink) Record(_ context.Context, e Entry) error {
	emit(prepare(e))
	return nil
}

// MemorySink keeps entries in memory. Used by the CLI dry-run paths and tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, e Entry) error {
	e = prepare(e)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries, optionally filtered by type.
func (m *MemorySink) Entries(types ...string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if len(types) == 0 || containsType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}

// ActorID returns the request actor identifier from common headers.
func ActorID(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, header := range []string{"X-Actor-ID", "X-User-ID"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}
