package billing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string

	WebhookSecretSandbox    string
	WebhookSecretProduction string

	TierCatalogPath string // optional YAML catalog; built-in catalog when empty
	DefaultTier     string // overrides the catalog default tier when set

	RedisAddr     string // in-memory snapshot cache when empty
	RedisPassword string
	RedisDB       int

	DatabaseURL string // Postgres; SQLite under DataDir when empty

	PersistTimeout time.Duration
	CacheTimeout   time.Duration
	SweepInterval  time.Duration // zero disables the lifecycle sweeper

	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// StoreDir returns the directory holding the SQLite databases.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads the full service configuration from environment
// variables. A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateServe(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

// LoadLocalConfig loads the configuration needed to open the store and cache
// without serving: no admin key or webhook secret is required.
func LoadLocalConfig() (*Config, error) {
	return load()
}

func load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8480)
	if err != nil {
		return nil, err
	}
	redisDB, err := envOrDefaultInt("BILLING_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	persistTimeout, err := envOrDefaultDuration("BILLING_PERSIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cacheTimeout, err := envOrDefaultDuration("BILLING_CACHE_TIMEOUT", 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("BILLING_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("BILLING_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:                 envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:             envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                    port,
		AdminKey:                strings.TrimSpace(os.Getenv("BILLING_ADMIN_KEY")),
		WebhookSecretSandbox:    strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET_SANDBOX")),
		WebhookSecretProduction: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET_PRODUCTION")),
		TierCatalogPath:         strings.TrimSpace(os.Getenv("BILLING_TIER_CATALOG")),
		DefaultTier:             strings.TrimSpace(os.Getenv("BILLING_DEFAULT_TIER")),
		RedisAddr:               strings.TrimSpace(os.Getenv("BILLING_REDIS_ADDR")),
		RedisPassword:           os.Getenv("BILLING_REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		DatabaseURL:             strings.TrimSpace(os.Getenv("BILLING_DATABASE_URL")),
		PersistTimeout:          persistTimeout,
		CacheTimeout:            cacheTimeout,
		SweepInterval:           sweepInterval,
		PublicMetrics:           publicMetrics,
		LogLevel:                envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat:               envOrDefault("BILLING_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validateServe() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	// Either trust domain may be absent, not both.
	if c.WebhookSecretSandbox == "" && c.WebhookSecretProduction == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET_SANDBOX or STRIPE_WEBHOOK_SECRET_PRODUCTION")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("BILLING_REDIS_DB must not be negative, got %d", c.RedisDB)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("BILLING_PERSIST_TIMEOUT must be greater than 0, got %s", c.PersistTimeout)
	}
	if c.CacheTimeout <= 0 {
		return fmt.Errorf("BILLING_CACHE_TIMEOUT must be greater than 0, got %s", c.CacheTimeout)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("BILLING_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
