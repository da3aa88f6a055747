package billing

import "strings"

// TrustDomain identifies which signing-secret scope verified an event.
// Price identifiers and secrets from one domain never match the other.
type TrustDomain string

const (
	TrustDomainSandbox    TrustDomain = "sandbox"
	TrustDomainProduction TrustDomain = "production"
)

// TrustDomains lists domains in verification order.
var TrustDomains = []TrustDomain{TrustDomainSandbox, TrustDomainProduction}

// ParseTrustDomain accepts the canonical names plus the provider's
// livemode aliases ("test", "live").
func ParseTrustDomain(s string) (TrustDomain, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sandbox", "test", "testing":
		return TrustDomainSandbox, true
	case "production", "live", "prod":
		return TrustDomainProduction, true
	default:
		return "", false
	}
}

// Valid reports whether d is one of the known domains.
func (d TrustDomain) Valid() bool {
	return d == TrustDomainSandbox || d == TrustDomainProduction
}
