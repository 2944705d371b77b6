// Package cache keeps slow-changing lookup data in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/septivank/field-readings/internal/config"
	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const communitiesKey = "field-readings:communities"

// Cmdable is the subset of the redis client the cache needs
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// NewClient creates a redis client tied to the application lifecycle
func NewClient(lc fx.Lifecycle, logger *zap.Logger, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// The cache is optional; reads fall back to the database
				logger.Warn("redis ping failed, community cache degraded", zap.Error(err), zap.String("addr", cfg.Addr))
				return nil
			}
			logger.Info("redis connection established", zap.String("addr", cfg.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

// CommunityCache stores the community list under a single key with a TTL
type CommunityCache struct {
	client  Cmdable
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCommunityCache creates a new community cache
func NewCommunityCache(client Cmdable, ttl time.Duration, m *metrics.Metrics) *CommunityCache {
	return &CommunityCache{client: client, ttl: ttl, metrics: m}
}

// GetCommunities returns the cached list; ok is false on a miss
func (c *CommunityCache) GetCommunities(ctx context.Context) ([]db.Community, bool, error) {
	raw, err := c.client.Get(ctx, communitiesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to read communities from cache: %w", err)
	}

	var communities []db.Community
	if err := json.Unmarshal(raw, &communities); err != nil {
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to decode cached communities: %w", err)
	}

	c.metrics.CacheLookups.WithLabelValues("hit").Inc()
	return communities, true, nil
}

// SetCommunities stores the list for the configured TTL
func (c *CommunityCache) SetCommunities(ctx context.Context, communities []db.Community) error {
	raw, err := json.Marshal(communities)
	if err != nil {
		return fmt.Errorf("failed to encode communities: %w", err)
	}
	if err := c.client.Set(ctx, communitiesKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write communities to cache: %w", err)
	}
	return nil
}

// Nop never hits and never stores. Used when Redis is not configured.
type Nop struct{}

// GetCommunities always misses
func (Nop) GetCommunities(context.Context) ([]db.Community, bool, error) {
	return nil, false, nil
}

// SetCommunities discards the list
func (Nop) SetCommunities(context.Context, []db.Community) error {
	return nil
}
