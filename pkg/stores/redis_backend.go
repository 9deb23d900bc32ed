package stores

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// Prefix is prepended to every key, e.g. "kindle:cache:".
	Prefix string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

// RedisBackend is a cache tier backed by Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ engine.Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection with a PING.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{client: client, prefix: opts.Prefix}, nil
}

// NewRedisBackendFromClient wraps an existing client without pinging it.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Get fetches the value and remaining TTL of key in one round trip.
func (r *RedisBackend) Get(ctx context.Context, key string) (engine.CacheEntry, error) {
	k := r.prefix + key

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return engine.CacheEntry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}

	value, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.CacheEntry{}, fmt.Errorf("key %s: %w", key, engine.ErrNotFound)
	}
	if err != nil {
		return engine.CacheEntry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}

	// PTTL reports negative values for keys without expiry.
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return engine.CacheEntry{Value: value, TTL: ttl}, nil
}

// Set stores value with ttl. A ttl of zero stores the key without expiry.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
