/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for schedule reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/elastisched/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultStatusTTL      = 30 * time.Second
	DefaultScheduleTTL    = 10 * time.Minute
	DefaultOccurrencesTTL = 5 * time.Minute
)

// Key prefixes for Redis cache
const (
	keyPrefix      = "elastisched:cache:"
	KeyStatus      = keyPrefix + "schedule:status"
	KeySchedule    = keyPrefix + "schedule:last"
	KeyOccurrences = keyPrefix + "occurrences:" // + start/end unix seconds
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StatusTTL      time.Duration
	ScheduleTTL    time.Duration
	OccurrencesTTL time.Duration

	// DisableOnError turns the cache off after the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		StatusTTL:      DefaultStatusTTL,
		ScheduleTTL:    DefaultScheduleTTL,
		OccurrencesTTL: DefaultOccurrencesTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A nil *Cache
// behaves as a disabled cache.
type Cache struct {
	client redis.UniversalClient
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a new cache instance. An unreachable Redis yields a disabled
// cache rather than an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return Disabled(logger), nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = DefaultScheduleTTL
	}
	if cfg.OccurrencesTTL <= 0 {
		cfg.OccurrencesTTL = DefaultOccurrencesTTL
	}
	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}
}

// Disabled returns a cache that misses on every read.
func Disabled(logger zerolog.Logger) *Cache {
	return &Cache{
		logger:   logger.With().Str("component", "cache").Logger(),
		config:   DefaultConfig(),
		disabled: true,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	telemetry.CacheOperationsTotal.WithLabelValues(operation, "error").Inc()

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		return false, nil
	}

	telemetry.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	telemetry.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete")
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	telemetry.CacheOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Status is the cached view of the schedule state row.
type Status struct {
	Dirty   bool       `json:"dirty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// GetStatus returns the cached schedule status.
func (c *Cache) GetStatus(ctx context.Context) (Status, bool) {
	var status Status
	found, err := c.get(ctx, KeyStatus, &status)
	if err != nil || !found {
		return Status{}, false
	}
	return status, true
}

// SetStatus caches the schedule status.
func (c *Cache) SetStatus(ctx context.Context, status Status) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyStatus, status, c.config.StatusTTL)
}

// GetSchedule decodes the last cached schedule response into dest.
func (c *Cache) GetSchedule(ctx context.Context, dest any) bool {
	found, err := c.get(ctx, KeySchedule, dest)
	return err == nil && found
}

// SetSchedule caches the response of the last successful run.
func (c *Cache) SetSchedule(ctx context.Context, value any) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeySchedule, value, c.config.ScheduleTTL)
}

// OccurrencesKey names the cache slot for one listing window.
func OccurrencesKey(start, end time.Time) string {
	return fmt.Sprintf("%s%d:%d", KeyOccurrences, start.Unix(), end.Unix())
}

// GetOccurrences decodes a cached occurrence listing into dest.
func (c *Cache) GetOccurrences(ctx context.Context, start, end time.Time, dest any) bool {
	found, err := c.get(ctx, OccurrencesKey(start, end), dest)
	return err == nil && found
}

// SetOccurrences caches an occurrence listing.
func (c *Cache) SetOccurrences(ctx context.Context, start, end time.Time, value any) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, OccurrencesKey(start, end), value, c.config.OccurrencesTTL)
}

// InvalidateSchedule drops every cached schedule read. Called after any
// definition change or successful run.
func (c *Cache) InvalidateSchedule(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}
	c.logger.Debug().Msg("invalidating schedule caches")
	return c.deletePattern(ctx, keyPrefix+"*")
}
