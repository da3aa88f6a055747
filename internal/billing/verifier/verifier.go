// Package verifier authenticates inbound billing events against the
// configured trust domains and turns them into typed, validated events.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/billing"
)

// DefaultMaxPayloadBytes bounds event bodies before any signature work.
const DefaultMaxPayloadBytes int64 = 64 * 1024

const maxLoggedTypeLen = 64

// Config holds the per-domain signing secrets. Either may be empty, not both.
type Config struct {
	SandboxSecret    string
	ProductionSecret string

	// MaxPayloadBytes defaults to DefaultMaxPayloadBytes.
	MaxPayloadBytes int64

	// Tolerance is the accepted signature timestamp skew; zero uses the
	// provider library default.
	Tolerance time.Duration
}

// Verifier checks event signatures. It never retries; redelivery is the
// provider's job.
type Verifier struct {
	secrets   map[billing.TrustDomain]string
	maxBytes  int64
	tolerance time.Duration
	sink      auditlog.Sink
}

// New builds a Verifier. It fails with ErrNoTrustDomainConfigured when no
// secret is set, so a misconfigured service refuses to start.
func New(cfg Config, sink auditlog.Sink) (*Verifier, error) {
	v := &Verifier{
		secrets:   make(map[billing.TrustDomain]string, 2),
		maxBytes:  cfg.MaxPayloadBytes,
		tolerance: cfg.Tolerance,
		sink:      sink,
	}
	if s := strings.TrimSpace(cfg.SandboxSecret); s != "" {
		v.secrets[billing.TrustDomainSandbox] = s
	}
	if s := strings.TrimSpace(cfg.ProductionSecret); s != "" {
		v.secrets[billing.TrustDomainProduction] = s
	}
	if v.maxBytes <= 0 {
		v.maxBytes = DefaultMaxPayloadBytes
	}
	if v.sink == nil {
		v.sink = auditlog.ConsoleSink{}
	}
	if len(v.secrets) == 0 {
		return nil, billingerrors.New(billingerrors.KindNoTrustDomainConfigured, "verifier_init", nil)
	}
	return v, nil
}

// MaxPayloadBytes returns the configured body limit.
func (v *Verifier) MaxPayloadBytes() int64 {
	return v.maxBytes
}

// Domains returns the configured trust domains in verification order.
func (v *Verifier) Domains() []billing.TrustDomain {
	out := make([]billing.TrustDomain, 0, len(v.secrets))
	for _, d := range billing.TrustDomains {
		if _, ok := v.secrets[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Verify authenticates payload against each configured domain in order
// (sandbox, then production) and returns the typed event with the domain
// whose secret matched.
func (v *Verifier) Verify(ctx context.Context, payload []byte, signatureHeader string) (*Event, billing.TrustDomain, error) {
	if int64(len(payload)) > v.maxBytes {
		v.reject(ctx, payload, "payload_too_large")
		return nil, "", billingerrors.New(billingerrors.KindPayloadTooLarge, "verify", nil)
	}

	domains := v.Domains()
	if len(domains) == 0 {
		return nil, "", billingerrors.New(billingerrors.KindNoTrustDomainConfigured, "verify", nil)
	}

	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		v.reject(ctx, payload, "missing_signature")
		return nil, "", billingerrors.New(billingerrors.KindSignatureInvalid, "verify", nil)
	}

	opts := webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	}
	for _, domain := range domains {
		raw, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secrets[domain], opts)
		if err != nil {
			if isSignatureError(err) {
				continue
			}
			// The signature matched but the body is not a usable envelope.
			v.reject(ctx, payload, "malformed_envelope")
			return nil, domain, billingerrors.New(billingerrors.KindMalformedEvent, "verify", err)
		}

		ev, err := decodeEvent(&raw, domain)
		if err != nil {
			v.reject(ctx, payload, "schema_violation")
			return nil, domain, billingerrors.New(billingerrors.KindMalformedEvent, "verify", err).WithEvent(raw.ID)
		}
		if ev.Livemode != (domain == billing.TrustDomainProduction) {
			log.Warn().
				Str("event_id", ev.ID).
				Str("trust_domain", string(domain)).
				Bool("livemode", ev.Livemode).
				Msg("Event livemode flag disagrees with verifying trust domain")
		}
		return ev, domain, nil
	}

	v.reject(ctx, payload, "signature_invalid")
	return nil, "", billingerrors.New(billingerrors.KindSignatureInvalid, "verify", nil)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader)
}

// reject records a security log entry naming the claimed event type only.
func (v *Verifier) reject(ctx context.Context, payload []byte, reason string) {
	bmetrics.VerificationFailures.WithLabelValues(reason).Inc()
	entry := auditlog.Entry{
		Type:      auditlog.TypeVerificationFailed,
		EventType: claimedType(payload),
		Severity:  auditlog.SeverityWarning,
		Detail:    reason,
	}
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		entry.IP = ip
	}
	if err := v.sink.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Failed to record verification failure")
	}
}

type clientIPKey struct{}

// WithClientIP attaches the caller address recorded on rejections.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// claimedType best-effort extracts the unverified "type" field for logging.
// Oversized bodies are not parsed.
func claimedType(payload []byte) string {
	if int64(len(payload)) > DefaultMaxPayloadBytes {
		return ""
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	t := strings.TrimSpace(envelope.Type)
	if len(t) > maxLoggedTypeLen {
		t = t[:maxLoggedTypeLen]
	}
	return t
}
