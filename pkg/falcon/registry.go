package falcon

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/types"
)

// lookupFunc resolves a hostname through the upstream discovery API
type lookupFunc func(ctx context.Context, hostname string) (*types.Host, error)

// Registry caches discovered hosts with a bounded TTL. Concurrent lookups
// for the same hostname coalesce into a single upstream call; upserts are
// idempotent and keyed by lower-cased hostname.
type Registry struct {
	ttl    time.Duration
	lookup lookupFunc

	mu      sync.RWMutex
	entries map[string]*registryEntry

	group singleflight.Group
}

type registryEntry struct {
	host      *types.Host
	fetchedAt time.Time
}

func newRegistry(ttl time.Duration, lookup lookupFunc) *Registry {
	return &Registry{
		ttl:     ttl,
		lookup:  lookup,
		entries: make(map[string]*registryEntry),
	}
}

// Resolve returns the cached host when fresh, otherwise performs one
// coalesced discovery call. force bypasses the cache.
func (r *Registry) Resolve(ctx context.Context, hostname string, force bool) (*types.Host, error) {
	key := strings.ToLower(strings.TrimSpace(hostname))

	if !force {
		if host := r.fresh(key); host != nil {
			metrics.RegistryLookups.WithLabelValues("hit").Inc()
			return host, nil
		}
	}
	metrics.RegistryLookups.WithLabelValues("miss").Inc()

	ch := r.group.DoChan(key, func() (any, error) {
		host, err := r.lookup(ctx, hostname)
		if err != nil {
			return nil, err
		}
		r.upsert(key, host)
		return host, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Host), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fresh returns the entry when it is inside its TTL
func (r *Registry) fresh(key string) *types.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || time.Since(e.fetchedAt) > r.ttl {
		return nil
	}
	return e.host
}

// upsert stores the host. A concurrent upsert for the same key keeps the
// record with the newest last-seen timestamp, so repeated discovery is
// idempotent.
func (r *Registry) upsert(key string, host *types.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok && existing.host.LastSeen.After(host.LastSeen) {
		existing.fetchedAt = time.Now()
		return
	}
	r.entries[key] = &registryEntry{host: host, fetchedAt: time.Now()}
}

// Invalidate drops a hostname from the cache
func (r *Registry) Invalidate(hostname string) {
	key := strings.ToLower(strings.TrimSpace(hostname))
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Len reports the number of cached hosts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
