package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	billing "github.com/rcourtman/pulse-billing/internal/billing"
	"github.com/rcourtman/pulse-billing/internal/billing/reconciler"
	"github.com/rcourtman/pulse-billing/internal/billing/tiers"
	"github.com/rcourtman/pulse-billing/internal/logging"
	model "github.com/rcourtman/pulse-billing/pkg/billing"
)

var (
	// Snapshot command flags
	freshFlag bool

	// Override command flags
	statusFlag    string
	tierFlag      string
	trialEndsFlag string
	reasonFlag    string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <account-id>",
	Short: "Print the entitlement snapshot for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *billing.Service) error {
			return printSnapshot(cmd.Context(), cmd.OutOrStdout(), svc, args[0], freshFlag)
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <account-id>",
	Short: "Set an account's subscription status administratively",
	Long: `Writes the status directly to the account store and refreshes the
snapshot cache, bypassing the billing provider.

Examples:
  # Grant a business subscription
  pulse-billing override acct_123 --status active --tier business

  # Extend a trial
  pulse-billing override acct_123 --status active_trial --trial-ends 2025-03-01T00:00:00Z
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := overrideRequest(args[0])
		if err != nil {
			return err
		}
		return withService(cmd.Context(), func(svc *billing.Service) error {
			return applyOverride(cmd.Context(), cmd.OutOrStdout(), svc, req)
		})
	},
}

var createAccountCmd = &cobra.Command{
	Use:   "create-account [account-id]",
	Short: "Register a new account in setup_incomplete",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withService(cmd.Context(), func(svc *billing.Service) error {
			acct, _, err := svc.Reconciler.CreateAccount(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), acct)
		})
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the tier catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Parse and validate a tier catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := tiers.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Catalog valid: %d tiers (%s), default %s\n",
			len(catalog.Tiers), strings.Join(catalog.TierNames(), ", "), catalog.DefaultTier)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(createAccountCmd)
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)

	snapshotCmd.Flags().BoolVar(&freshFlag, "fresh", false, "Recompute from the store instead of reading the cache")

	overrideCmd.Flags().StringVar(&statusFlag, "status", "", "New subscription status (required)")
	overrideCmd.Flags().StringVar(&tierFlag, "tier", "", "Tier to assign (default: keep current)")
	overrideCmd.Flags().StringVar(&trialEndsFlag, "trial-ends", "", "Trial end as RFC 3339 timestamp")
	overrideCmd.Flags().StringVar(&reasonFlag, "reason", "", "Reason recorded in the security log")
	_ = overrideCmd.MarkFlagRequired("status")
}

// withService opens the configured backends for one command. Commands run
// against the store directly and need neither the admin key nor a webhook
// secret.
func withService(ctx context.Context, fn func(*billing.Service) error) error {
	logging.Init(logging.Config{Format: "console", Level: "warn", Component: "cli"})

	cfg, err := billing.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := billing.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func overrideRequest(accountID string) (reconciler.OverrideRequest, error) {
	req := reconciler.OverrideRequest{
		AccountID: accountID,
		Status:    model.Status(strings.TrimSpace(statusFlag)),
		Tier:      tierFlag,
		Actor:     cliActor(),
		Reason:    reasonFlag,
	}
	if trialEndsFlag != "" {
		t, err := time.Parse(time.RFC3339, trialEndsFlag)
		if err != nil {
			return req, fmt.Errorf("--trial-ends must be RFC 3339: %w", err)
		}
		req.TrialEndsAt = &t
	}
	return req, nil
}

func printSnapshot(ctx context.Context, out io.Writer, svc *billing.Service, accountID string, fresh bool) error {
	get := svc.Snapshots.Get
	if fresh {
		get = svc.Snapshots.Compute
	}
	snap, source := get(ctx, accountID)
	return writeJSON(out, map[string]any{
		"source":       source,
		"entitlements": snap,
	})
}

func applyOverride(ctx context.Context, out io.Writer, svc *billing.Service, req reconciler.OverrideRequest) error {
	acct, snap, err := svc.Reconciler.Override(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"account":      acct,
		"entitlements": snap,
	})
}

func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
