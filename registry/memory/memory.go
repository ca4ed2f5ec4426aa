// Package memory provides an in-memory implementation of the registry
// interface using github.com/hashicorp/golang-lru/v2 with TTL support.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/wsconnect-go/registry"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry implements registry.Registry in process memory. It is intended
// for single-instance gateways and tests; the least recently written
// connections are evicted once maxItems is reached.
type Registry struct {
	cache *lru.Cache[string, *registry.ConnectionRecord]
	stop  chan struct{}
}

// New creates a new in-memory registry holding at most maxItems records.
func New(maxItems int) (*Registry, error) {
	cache, err := lru.New[string, *registry.ConnectionRecord](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	r := &Registry{
		cache: cache,
		stop:  make(chan struct{}),
	}

	// Start background cleanup of expired records
	go r.cleanupExpired(5 * time.Minute)

	return r, nil
}

// Put stores rec, replacing any record with the same connection id.
func (r *Registry) Put(ctx context.Context, rec *registry.ConnectionRecord, opts ...registry.Option) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.cache.Add(rec.ConnectionID, registry.Apply(opts...).Stamp(rec, time.Now()))
	return nil
}

// Get returns a copy of the record for connectionID.
func (r *Registry) Get(ctx context.Context, connectionID string) (*registry.ConnectionRecord, error) {
	rec, ok := r.cache.Get(connectionID)
	if !ok {
		return nil, nil
	}
	if rec.IsExpired() {
		r.cache.Remove(connectionID)
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Len reports the number of records held, including expired ones not yet
// swept.
func (r *Registry) Len() int { return r.cache.Len() }

// Close stops the sweeper and drops all records.
func (r *Registry) Close() error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.cache.Purge()
	return nil
}

// cleanupExpired periodically removes expired records until Close.
func (r *Registry) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			for _, key := range r.cache.Keys() {
				if rec, ok := r.cache.Peek(key); ok && rec.IsExpired() {
					r.cache.Remove(key)
				}
			}
		}
	}
}

// Compile-time interface check
var _ registry.Registry = (*Registry)(nil)
