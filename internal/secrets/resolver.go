// Package secrets maps caller identities to their shared signing secrets.
//
// A Resolver caches what its Source returns. Entries are stale after TTL:
// one is served while now minus its fetch time is below TTL and refetched
// once that age reaches TTL. Concurrent misses for one identity share a
// single fetch.
package secrets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultFetchTimeout = 5 * time.Second
)

// Source looks up the secret for one identity. Unknown identities are
// reported as apierr.NotFound; an unreachable backend as apierr.Unavailable.
type Source interface {
	Lookup(ctx context.Context, id string) (string, error)
}

// Options configures a Resolver.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

type cached struct {
	secret    string
	fetchedAt time.Time
}

// Resolver is a caching SecretResolver. Safe for concurrent use.
type Resolver struct {
	source       Source
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group
}

// NewResolver returns a Resolver reading through source.
func NewResolver(source Source, opts Options) *Resolver {
	r := &Resolver{
		source:       source,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
		cache:        make(map[string]cached),
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = DefaultFetchTimeout
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Resolve returns the secret for id, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", apierr.New(apierr.Forbidden, "empty identity")
	}
	if secret, ok := r.lookupCached(id); ok {
		return secret, nil
	}

	// The shared fetch must outlive any single caller's cancellation.
	ch := r.group.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		secret, err := r.source.Lookup(fetchCtx, id)
		if err != nil {
			return "", classify(err)
		}
		r.mu.Lock()
		r.cache[id] = cached{secret: secret, fetchedAt: r.clock.Now()}
		r.mu.Unlock()
		return secret, nil
	})

	select {
	case <-ctx.Done():
		return "", apierr.Wrap(apierr.Unavailable, "secret lookup timed out", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("secret lookup failed", "id", id, "error", res.Err)
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops any cached secret for id.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *Resolver) lookupCached(id string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok || r.stale(entry) {
		return "", false
	}
	return entry.secret, true
}

func (r *Resolver) stale(entry cached) bool {
	return r.clock.Now().Sub(entry.fetchedAt) >= r.ttl
}

func classify(err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.Unavailable, "secret source timed out", err)
	}
	return apierr.Wrap(apierr.Unavailable, "secret source failed", err)
}
