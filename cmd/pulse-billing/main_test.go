package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rcourtman/pulse-billing/internal/billing/snapshots"
	model "github.com/rcourtman/pulse-billing/pkg/billing"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

func setCLIEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLING_DATA_DIR", t.TempDir())
	t.Setenv("BILLING_DATABASE_URL", "")
	t.Setenv("BILLING_REDIS_ADDR", "")
	t.Setenv("BILLING_TIER_CATALOG", "")
	t.Setenv("BILLING_DEFAULT_TIER", "")
	t.Setenv("BILLING_ADMIN_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET_SANDBOX", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET_PRODUCTION", "")
}

// resetFlags clears values and Changed marks left by a previous Execute so
// required-flag checks fire again.
func resetFlags() {
	for _, cmd := range []*cobra.Command{snapshotCmd, overrideCmd} {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "pulse-billing "+Version) {
		t.Fatalf("output = %q", out)
	}
}

func TestCreateOverrideSnapshot(t *testing.T) {
	setCLIEnv(t)

	out, err := execute(t, "create-account", "acct_cli")
	if err != nil {
		t.Fatalf("create-account: %v", err)
	}
	var created model.Account
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if created.ID != "acct_cli" || created.Status != model.StatusSetupIncomplete {
		t.Fatalf("created = %+v", created)
	}

	out, err = execute(t, "override", "acct_cli", "--status", "active", "--tier", "business", "--reason", "support ticket")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	var overridden struct {
		Account      model.Account         `json:"account"`
		Entitlements entitlements.Snapshot `json:"entitlements"`
	}
	if err := json.Unmarshal([]byte(out), &overridden); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if overridden.Account.Status != model.StatusActive || overridden.Entitlements.Tier != entitlements.TierBusiness {
		t.Fatalf("override result = %s/%s", overridden.Account.Status, overridden.Entitlements.Tier)
	}

	// Each command opens its own in-memory cache, so the first read computes.
	out, err = execute(t, "snapshot", "acct_cli")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var snap struct {
		Source       snapshots.Source      `json:"source"`
		Entitlements entitlements.Snapshot `json:"entitlements"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if snap.Source != snapshots.SourceComputed || snap.Entitlements.Rule != entitlements.RuleActive {
		t.Fatalf("snapshot = %s/%s", snap.Source, snap.Entitlements.Rule)
	}

	out, err = execute(t, "snapshot", "acct_cli", "--fresh")
	if err != nil {
		t.Fatalf("snapshot --fresh: %v", err)
	}
	if !strings.Contains(out, `"source": "computed"`) {
		t.Fatalf("fresh snapshot output = %q", out)
	}
}

func TestSnapshotUnknownAccountIsDegraded(t *testing.T) {
	setCLIEnv(t)

	out, err := execute(t, "snapshot", "acct_missing")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(out, `"source": "degraded"`) || !strings.Contains(out, `"rule": "restricted"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestOverrideErrors(t *testing.T) {
	setCLIEnv(t)
	if _, err := execute(t, "create-account", "acct_cli"); err != nil {
		t.Fatalf("create-account: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing status flag", args: []string{"override", "acct_cli"}, want: "status"},
		{name: "unknown status", args: []string{"override", "acct_cli", "--status", "paused"}, want: "invalid override"},
		{name: "bad trial end", args: []string{"override", "acct_cli", "--status", "active_trial", "--trial-ends", "tomorrow"}, want: "--trial-ends"},
		{name: "unknown account", args: []string{"override", "acct_missing", "--status", "active"}, want: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestCatalogValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("default_tier: free\ntiers:\n  free: {}\n  pro: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("default_tier: gold\ntiers:\n  free: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "catalog", "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "Catalog valid: 2 tiers") {
		t.Fatalf("output = %q", out)
	}

	if _, err := execute(t, "catalog", "validate", bad); err == nil {
		t.Fatal("expected validation error for unknown default tier")
	}
}
