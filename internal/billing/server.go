// Package billing wires the subscription reconciler, entitlement snapshots
// and their HTTP surface into a runnable service.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-billing/internal/billing/admin"
	"github.com/rcourtman/pulse-billing/internal/billing/auditlog"
	"github.com/rcourtman/pulse-billing/internal/billing/reconciler"
	"github.com/rcourtman/pulse-billing/internal/billing/snapcache"
	"github.com/rcourtman/pulse-billing/internal/billing/snapshots"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	"github.com/rcourtman/pulse-billing/internal/billing/store/pgstore"
	"github.com/rcourtman/pulse-billing/internal/billing/tiers"
	"github.com/rcourtman/pulse-billing/internal/billing/verifier"
	"github.com/rcourtman/pulse-billing/internal/billing/webhook"
	"github.com/rcourtman/pulse-billing/internal/logging"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

const shutdownTimeout = 30 * time.Second

// Service holds the opened backends shared by the server and the CLI.
type Service struct {
	Config     *Config
	Store      store.Store
	Audit      *auditlog.SQLiteSink
	Resolver   *tiers.Resolver
	Cache      snapcache.Cache
	Reconciler *reconciler.Reconciler
	Snapshots  *snapshots.Service

	readiness []admin.ReadinessCheck
	closers   []func() error
}

// Open creates the data directory and opens the store, security log, tier
// catalog and snapshot cache described by cfg.
func Open(ctx context.Context, cfg *Config) (_ *Service, err error) {
	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	svc := &Service{Config: cfg}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.Open(ctx, pgstore.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		svc.Store = pg
		log.Info().Msg("Account store: postgres")
	} else {
		sq, err := store.OpenSQLite(cfg.StoreDir())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		svc.Store = sq
		log.Info().Str("dir", cfg.StoreDir()).Msg("Account store: sqlite")
	}
	svc.closers = append(svc.closers, svc.Store.Close)
	svc.readiness = append(svc.readiness, admin.ReadinessCheck{Name: "store", Pinger: svc.Store})

	svc.Audit, err = auditlog.NewSQLiteSink(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	svc.closers = append(svc.closers, svc.Audit.Close)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("load tier catalog: %w", err)
	}
	svc.Resolver = tiers.NewResolver(catalog)

	var cache snapcache.Cache
	if cfg.RedisAddr != "" {
		rc, err := snapcache.NewRedisCache(ctx, snapcache.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open snapshot cache: %w", err)
		}
		svc.closers = append(svc.closers, rc.Close)
		svc.readiness = append(svc.readiness, admin.ReadinessCheck{Name: "redis", Pinger: rc})
		cache = rc
	} else {
		log.Info().Msg("Snapshot cache: in-memory (set BILLING_REDIS_ADDR to share across instances)")
		cache = snapcache.NewMemoryCache(0)
	}
	svc.Cache = snapcache.WithTimeout(cache, cfg.CacheTimeout)

	svc.Reconciler = reconciler.New(svc.Store, svc.Resolver, svc.Cache, svc.Audit, reconciler.Config{
		PersistTimeout: cfg.PersistTimeout,
	})
	svc.Snapshots = snapshots.New(svc.Store, svc.Cache, svc.Resolver)
	return svc, nil
}

// Close releases every opened backend in reverse order.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func loadCatalog(cfg *Config) (*entitlements.Catalog, error) {
	catalog := entitlements.DefaultCatalog()
	if cfg.TierCatalogPath != "" {
		loaded, err := tiers.LoadFile(cfg.TierCatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	if cfg.DefaultTier != "" {
		catalog.DefaultTier = cfg.DefaultTier
		if err := tiers.Validate(catalog); err != nil {
			return nil, fmt.Errorf("BILLING_DEFAULT_TIER: %w", err)
		}
	}
	return catalog, nil
}

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})
	log.Info().Str("version", version).Msg("Starting billing service")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	v, err := verifier.New(verifier.Config{
		SandboxSecret:    cfg.WebhookSecretSandbox,
		ProductionSecret: cfg.WebhookSecretProduction,
	}, svc.Audit)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}
	log.Info().Interface("trust_domains", v.Domains()).Msg("Webhook verifier configured")

	srv := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: NewRouter(&Deps{
			Config:    cfg,
			Store:     svc.Store,
			Accounts:  svc.Reconciler,
			Snapshots: svc.Snapshots,
			Webhook:   webhook.NewHandler(v, svc.Reconciler),
			Audit:     svc.Audit,
			Readiness: svc.readiness,
			Version:   version,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.TierCatalogPath != "" {
		if err := tiers.Watch(gctx, cfg.TierCatalogPath, svc.Resolver); err != nil {
			log.Warn().Err(err).Msg("Tier catalog hot reload disabled")
		}
	}

	if cfg.SweepInterval > 0 {
		sweeper := NewSweeper(svc.Store, svc.Reconciler, cfg.SweepInterval)
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Billing service stopped")
	return err
}
