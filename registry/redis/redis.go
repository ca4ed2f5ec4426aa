// Package redis provides a Redis-based implementation of the registry
// interface. Each connection is a single JSON value under a prefixed key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/wsconnect-go/registry"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis registry
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "wsconnect:conn:"
	KeyPrefix string
}

// Registry implements registry.Registry using Redis
type Registry struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a new Redis-based registry instance.
func New(config Config) (*Registry, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Apply defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "wsconnect:conn:"
	}

	return &Registry{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Put stores rec with SET, replacing any previous value for the connection.
// A TTL is applied as the key's expiry.
func (r *Registry) Put(ctx context.Context, rec *registry.ConnectionRecord, opts ...registry.Option) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	options := registry.Apply(opts...)
	item := options.Stamp(rec, time.Now())

	var ttl time.Duration
	if item.ExpiresAt != nil {
		ttl = *options.TTL
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	key := r.buildKey(rec.ConnectionID)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves the record for connectionID.
func (r *Registry) Get(ctx context.Context, connectionID string) (*registry.ConnectionRecord, error) {
	key := r.buildKey(connectionID)
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Key doesn't exist
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var rec registry.ConnectionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	if rec.IsExpired() {
		return nil, nil
	}
	return &rec, nil
}

// Close closes the underlying client.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) buildKey(connectionID string) string {
	return r.keyPrefix + connectionID
}

// Compile-time interface check
var _ registry.Registry = (*Registry)(nil)
