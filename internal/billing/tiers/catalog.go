// Package tiers resolves provider price identifiers to tier names and owns
// the lifecycle of the tier catalog (file load, validation, hot reload).
package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// LoadFile reads and validates a YAML catalog. An empty path yields the
// built-in catalog.
func LoadFile(path string) (*entitlements.Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return entitlements.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier catalog: %w", err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("tier catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes a YAML catalog and validates cross references.
func Parse(data []byte) (*entitlements.Catalog, error) {
	var raw struct {
		Tiers       map[string]entitlements.Tier `yaml:"tiers"`
		Prices      map[string]map[string]string `yaml:"prices"`
		DefaultTier string                       `yaml:"default_tier"`
		FreeTier    string                       `yaml:"free_tier"`
		TrialTier   string                       `yaml:"trial_tier"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	catalog := &entitlements.Catalog{
		Tiers:       raw.Tiers,
		Prices:      make(map[billing.TrustDomain]map[string]string, len(raw.Prices)),
		DefaultTier: strings.TrimSpace(raw.DefaultTier),
		FreeTier:    strings.TrimSpace(raw.FreeTier),
		TrialTier:   strings.TrimSpace(raw.TrialTier),
	}
	for name, prices := range raw.Prices {
		domain, ok := billing.ParseTrustDomain(name)
		if !ok {
			return nil, fmt.Errorf("unknown trust domain %q in prices", name)
		}
		if _, dup := catalog.Prices[domain]; dup {
			return nil, fmt.Errorf("trust domain %q listed twice in prices", domain)
		}
		normalized := make(map[string]string, len(prices))
		for priceID, tier := range prices {
			normalized[strings.TrimSpace(priceID)] = strings.TrimSpace(tier)
		}
		catalog.Prices[domain] = normalized
	}
	catalog.Normalize()

	if err := Validate(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Validate checks that every referenced tier exists in the catalog.
func Validate(c *entitlements.Catalog) error {
	if c == nil || len(c.Tiers) == 0 {
		return fmt.Errorf("catalog defines no tiers")
	}

	var problems []string
	check := func(field, name string) {
		if name == "" {
			return
		}
		if _, ok := c.Tiers[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s references unknown tier %q", field, name))
		}
	}

	if c.DefaultTier == "" {
		problems = append(problems, "default_tier is required")
	}
	check("default_tier", c.DefaultTier)
	check("free_tier", c.FreeTier)
	check("trial_tier", c.TrialTier)
	for domain, prices := range c.Prices {
		for priceID, tier := range prices {
			if priceID == "" {
				problems = append(problems, fmt.Sprintf("empty price id in %s", domain))
				continue
			}
			check(fmt.Sprintf("prices.%s.%s", domain, priceID), tier)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid tier catalog: %s", strings.Join(problems, "; "))
}
