package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/reconciler"
	"github.com/rcourtman/pulse-billing/internal/billing/snapshots"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

const (
	// SnapshotSourceHeader tells consumers whether a snapshot was cached,
	// freshly computed or degraded.
	SnapshotSourceHeader = "X-Snapshot-Source"

	maxAdminBodyBytes = 16 * 1024
	defaultListLimit  = 100
	defaultAuditLimit = 200
)

// AccountManager performs administrative account writes.
type AccountManager interface {
	CreateAccount(ctx context.Context, id string) (*billing.Account, entitlements.Snapshot, error)
	Override(ctx context.Context, req reconciler.OverrideRequest) (*billing.Account, entitlements.Snapshot, error)
}

// SnapshotReader serves entitlement snapshots.
type SnapshotReader interface {
	Get(ctx context.Context, accountID string) (entitlements.Snapshot, snapshots.Source)
}

// AccountLister lists stored accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context, filter store.ListFilter) ([]*billing.Account, error)
}

// AuditQuerier reads the security log.
type AuditQuerier interface {
	Query(ctx context.Context, f auditlog.Filter) ([]auditlog.Entry, error)
}

type accountResponse struct {
	Account      *billing.Account      `json:"account"`
	Entitlements entitlements.Snapshot `json:"entitlements"`
}

type createAccountRequest struct {
	ID string `json:"id"`
}

type overrideRequest struct {
	Status      string     `json:"status"`
	Tier        string     `json:"tier"`
	TrialEndsAt *time.Time `json:"trial_ends_at"`
	Reason      string     `json:"reason"`
}

// HandleEntitlements returns the snapshot for the account in the path. The
// response is always a well-formed snapshot; unknown accounts get the
// restricted one.
func HandleEntitlements(reader SnapshotReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID := strings.TrimSpace(r.PathValue("id"))
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "missing account id")
			return
		}

		snap, source := reader.Get(r.Context(), accountID)
		w.Header().Set(SnapshotSourceHeader, string(source))
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, snap)
	}
}

// HandleCreateAccount registers a new account in setup_incomplete. The body
// is optional; without an id one is generated.
func HandleCreateAccount(mgr AccountManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req createAccountRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		acct, snap, err := mgr.CreateAccount(r.Context(), req.ID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrAccountExists):
			writeError(w, http.StatusConflict, "account already exists")
			return
		default:
			logging.FromContext(r.Context()).Error().Err(err).Str("account_id", req.ID).Msg("Account creation failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, accountResponse{Account: acct, Entitlements: snap})
	}
}

// HandleOverride applies an administrative status change to the account in
// the path. The snapshot cache reflects the new status before the response
// is written.
func HandleOverride(mgr AccountManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID := strings.TrimSpace(r.PathValue("id"))
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "missing account id")
			return
		}

		var body overrideRequest
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(body.Status) == "" {
			writeError(w, http.StatusBadRequest, "status is required")
			return
		}

		actor := auditlog.ActorID(r)
		if actor == "" {
			actor = "admin"
		}
		acct, snap, err := mgr.Override(r.Context(), reconciler.OverrideRequest{
			AccountID:   accountID,
			Status:      billing.Status(strings.TrimSpace(body.Status)),
			Tier:        body.Tier,
			TrialEndsAt: body.TrialEndsAt,
			Actor:       actor,
			Reason:      body.Reason,
		})
		switch {
		case err == nil:
		case errors.Is(err, reconciler.ErrInvalidOverride):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, billingerrors.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account not found")
			return
		default:
			logging.FromContext(r.Context()).Error().Err(err).Str("account_id", accountID).Msg("Status override failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, accountResponse{Account: acct, Entitlements: snap})
	}
}

// HandleListAccounts returns an authenticated handler that lists accounts,
// optionally filtered by ?status= (repeatable).
func HandleListAccounts(lister AccountLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		filter := store.ListFilter{Limit: queryLimit(r, defaultListLimit)}
		for _, raw := range r.URL.Query()["status"] {
			status, ok := billing.ParseStatus(strings.TrimSpace(raw))
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}

		accounts, err := lister.ListAccounts(r.Context(), filter)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if accounts == nil {
			accounts = []*billing.Account{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": accounts,
			"count":    len(accounts),
		})
	}
}

// HandleAuditLog returns recent security log entries, filtered by
// ?account_id= and ?type=.
func HandleAuditLog(q AuditQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		entries, err := q.Query(r.Context(), auditlog.Filter{
			AccountID: strings.TrimSpace(query.Get("account_id")),
			Type:      strings.TrimSpace(query.Get("type")),
			Limit:     queryLimit(r, defaultAuditLimit),
		})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []auditlog.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
