// Package jwks caches an identity provider's published signing keys and
// resolves them by key id.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyFetch indicates the key endpoint was unreachable or returned a
	// malformed document.
	ErrKeyFetch = errors.New("jwks: key fetch failed")

	// ErrUnknownKey indicates the requested kid is absent even after a
	// forced refresh.
	ErrUnknownKey = errors.New("jwks: unknown key id")

	// ErrKeyMaterial indicates the key exists but its material could not be
	// turned into a verification key.
	ErrKeyMaterial = errors.New("jwks: unusable key material")
)

type snapshot struct {
	set       *KeySet
	fetchedAt time.Time
}

// KeyRing owns the process-wide key cache. The cache is either empty or a
// complete snapshot from one successful fetch; refreshes replace it with a
// single pointer swap so readers never observe a partial set.
//
// A KeyRing is safe for concurrent use.
type KeyRing struct {
	fetcher  Fetcher
	log      *slog.Logger
	cooldown time.Duration
	now      func() time.Time

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// Option configures a KeyRing.
type Option func(*KeyRing)

// WithLogger sets the logger used for refresh events.
func WithLogger(log *slog.Logger) Option {
	return func(r *KeyRing) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRefreshCooldown sets the minimum age of the cached snapshot before an
// unknown kid may force a refetch. Zero disables the floor.
func WithRefreshCooldown(d time.Duration) Option {
	return func(r *KeyRing) { r.cooldown = d }
}

// New returns a KeyRing that populates itself lazily from f.
func New(f Fetcher, opts ...Option) *KeyRing {
	r := &KeyRing{
		fetcher: f,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the key published under kid. An empty cache is filled
// first. A kid missing from the cached set triggers exactly one forced
// refetch before the lookup fails with ErrUnknownKey.
func (r *KeyRing) Resolve(ctx context.Context, kid string) (*Key, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: empty kid", ErrUnknownKey)
	}

	snap := r.current.Load()
	if snap == nil {
		var err error
		if snap, err = r.refresh(ctx, nil, "cold"); err != nil {
			return nil, err
		}
	}
	if k, ok := snap.set.Lookup(kid); ok {
		return checked(k)
	}

	if r.cooldown > 0 && r.now().Sub(snap.fetchedAt) < r.cooldown {
		r.log.DebugContext(ctx, "jwks.refresh.suppressed", slog.String("kid", kid))
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}

	snap, err := r.refresh(ctx, snap, "unknown_kid")
	if err != nil {
		return nil, err
	}
	if k, ok := snap.set.Lookup(kid); ok {
		return checked(k)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func checked(k *Key) (*Key, error) {
	if _, err := k.Public(); err != nil {
		return nil, err
	}
	return k, nil
}

// refresh fetches a new snapshot unless one newer than stale has already
// been installed by a concurrent caller. Concurrent refreshes share a single
// fetch. A failed fetch leaves the current snapshot in place.
//
// The shared fetch is detached from the cancellation of whichever caller
// started it; each caller only waits on its own ctx. The fetcher's own
// timeout bounds the fetch.
func (r *KeyRing) refresh(ctx context.Context, stale *snapshot, reason string) (*snapshot, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan("refresh", func() (any, error) {
		if cur := r.current.Load(); cur != nil && cur != stale {
			return cur, nil
		}
		start := r.now()
		set, err := r.fetcher.Fetch(fetchCtx)
		if err != nil {
			r.log.WarnContext(fetchCtx, "jwks.refresh.fail",
				slog.String("reason", reason),
				slog.String("err", err.Error()))
			return nil, err
		}
		snap := &snapshot{set: set, fetchedAt: r.now()}
		r.current.Store(snap)
		r.log.InfoContext(fetchCtx, "jwks.refresh",
			slog.String("reason", reason),
			slog.Int("keys", set.Len()),
			slog.Duration("dur", snap.fetchedAt.Sub(start)))
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyFetch, res.Err)
		}
		return res.Val.(*snapshot), nil
	}
}
