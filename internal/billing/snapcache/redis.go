package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

// DefaultPrefix namespaces snapshot keys.
const DefaultPrefix = "pulse:billing:snapshot:"

// RedisClient is the subset of go-redis client methods used by RedisCache.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig holds connection settings for NewRedisCache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache stores snapshots as JSON with a Redis-side expiry.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisCache connects to Redis and verifies the connection with PING.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("snapshot cache: redis ping failed: %w", err)
	}
	log.Info().Str("address", cfg.Address).Int("db", cfg.DB).Msg("Snapshot cache connected to Redis")
	return NewRedisCacheWithClient(client, cfg), nil
}

// NewRedisCacheWithClient builds a RedisCache around an existing client.
func NewRedisCacheWithClient(client RedisClient, cfg RedisConfig) *RedisCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisCache) Get(ctx context.Context, accountID string) (entitlements.Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.key(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entitlements.Snapshot{}, false, nil
		}
		return entitlements.Snapshot{}, false, fmt.Errorf("snapshot cache get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("Discarding undecodable snapshot cache entry")
		return entitlements.Snapshot{}, false, nil
	}
	if !e.usable(r.now(), r.ttl) {
		return entitlements.Snapshot{}, false, nil
	}
	return e.Snapshot, true, nil
}

func (r *RedisCache) Put(ctx context.Context, accountID string, snap entitlements.Snapshot, schemaVersion int) error {
	raw, err := json.Marshal(entry{SchemaVersion: schemaVersion, WrittenAt: r.now().UTC(), Snapshot: snap})
	if err != nil {
		return fmt.Errorf("snapshot cache encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(accountID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot cache put: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, accountID string, known *entitlements.Snapshot) error {
	if known != nil {
		return r.Put(ctx, accountID, *known, entitlements.SchemaVersion)
	}
	if err := r.client.Del(ctx, r.key(accountID)).Err(); err != nil {
		return fmt.Errorf("snapshot cache invalidate: %w", err)
	}
	return nil
}

// Ping checks connectivity (used for readiness probes).
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) key(accountID string) string {
	return r.prefix + accountID
}
