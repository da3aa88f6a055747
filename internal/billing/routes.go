package billing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-billing/internal/billing/admin"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Store     store.Store
	Accounts  admin.AccountManager
	Snapshots admin.SnapshotReader
	Webhook   http.Handler
	Audit     admin.AuditQuerier // nil when the security log has no query backend
	Readiness []admin.ReadinessCheck
	Version   string
}

// NewRouter wires all HTTP handlers and wraps them with request ids.
func NewRouter(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.RequestIDMiddleware(mux)
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Readiness...))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Provider webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(defaultWebhookRateLimit, time.Minute)
	webhook := webhookLimiter.Middleware(deps.Webhook)
	mux.Handle("/webhook", webhook)
	mux.Handle("/api/stripe/webhook", webhook)

	// Consumer API
	mux.Handle("/v1/accounts/{id}/entitlements", admin.HandleEntitlements(deps.Snapshots))

	// Admin API (key-authenticated)
	listAccounts := admin.HandleListAccounts(deps.Store)
	createAccount := admin.HandleCreateAccount(deps.Accounts)
	accounts := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listAccounts(w, r)
		case http.MethodPost:
			createAccount(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/admin/accounts", adminAuth(accounts))
	mux.Handle("/admin/accounts/{id}/status", adminAuth(admin.HandleOverride(deps.Accounts)))
	mux.Handle("/admin/status", adminAuth(admin.HandleStatus(deps.Store, deps.Version)))
	if deps.Audit != nil {
		mux.Handle("/admin/audit", adminAuth(admin.HandleAuditLog(deps.Audit)))
	}
}
