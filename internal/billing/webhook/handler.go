// Package webhook exposes the provider event endpoint. Verification failures
// are reported to the provider through the HTTP status; everything after
// verification is acknowledged regardless of outcome, so a failed write is
// logged and dropped rather than retried by the provider.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/reconciler"
	"github.com/rcourtman/pulse-billing/internal/billing/verifier"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

const (
	// SignatureHeader is the provider's signature header.
	SignatureHeader = "Stripe-Signature"

	// FallbackSignatureHeader is accepted when SignatureHeader is absent.
	FallbackSignatureHeader = "X-Signature"
)

// Verifier authenticates raw deliveries.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signatureHeader string) (*verifier.Event, billing.TrustDomain, error)
	MaxPayloadBytes() int64
}

// Reconciler applies verified events.
type Reconciler interface {
	Apply(ctx context.Context, ev *verifier.Event) (reconciler.Result, error)
}

// Handler handles inbound provider events.
type Handler struct {
	verifier   Verifier
	reconciler Reconciler
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(v Verifier, r Reconciler) *Handler {
	return &Handler{verifier: v, reconciler: r}
}

// ServeHTTP verifies the delivery and hands the event to the reconciler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("event_type", eventType).Msg("Webhook handler panicked")
			status = http.StatusInternalServerError
			writeJSON(w, status, errorResponse{Error: "internal error"})
		}
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	ctx := verifier.WithClientIP(r.Context(), auditlog.ClientIP(r))
	logger := logging.FromContext(ctx)

	// One byte past the limit is enough for the verifier to see the overrun.
	r.Body = http.MaxBytesReader(w, r.Body, h.verifier.MaxPayloadBytes()+1)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: "failed to read request body"})
			return
		}
	}

	sigHeader := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sigHeader) == "" {
		sigHeader = r.Header.Get(FallbackSignatureHeader)
	}

	ev, domain, err := h.verifier.Verify(ctx, payload, sigHeader)
	if err != nil {
		status = statusForVerifyError(err)
		logger.Warn().
			Err(err).
			Int("status", status).
			Str("trust_domain", string(domain)).
			Msg("Webhook delivery rejected")
		writeJSON(w, status, errorResponse{Error: verifyErrorMessage(status)})
		return
	}
	eventType = string(ev.Kind)

	res, err := h.reconciler.Apply(ctx, ev)
	if err != nil {
		// Acknowledged anyway; the reconciler already logged and audited it.
		logger.Warn().
			Err(err).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Str("outcome", string(res.Outcome)).
			Bool("recoverable", billingerrors.IsRecoverable(err)).
			Msg("Webhook event not applied; acknowledging")
	}

	status = http.StatusOK
	writeJSON(w, status, receivedResponse{Received: true, Outcome: string(res.Outcome)})
}

func statusForVerifyError(err error) int {
	switch billingerrors.KindOf(err) {
	case billingerrors.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case billingerrors.KindSignatureInvalid:
		return http.StatusUnauthorized
	case billingerrors.KindMalformedEvent:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func verifyErrorMessage(status int) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return "payload too large"
	case http.StatusUnauthorized:
		return "invalid signature"
	case http.StatusBadRequest:
		return "malformed event"
	default:
		return "webhook verification unavailable"
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
