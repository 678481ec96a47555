package roles

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/assent/model"
)

type cacheEntry struct {
	role    string
	expires time.Time
}

// CachedResolver puts an in-memory TTL cache in front of another resolver.
// Lookup failures are not cached.
type CachedResolver struct {
	next  model.RoleResolver
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

var _ model.RoleResolver = (*CachedResolver)(nil)

// NewCachedResolver creates a new CachedResolver with the given cache TTL.
func NewCachedResolver(next model.RoleResolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// ResolveRole returns the cached role or asks the wrapped resolver.
func (r *CachedResolver) ResolveRole(ctx context.Context, actor string) (string, error) {
	r.mu.RLock()
	if entry, ok := r.cache[actor]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.role, nil
	}
	r.mu.RUnlock()

	role, err := r.next.ResolveRole(ctx, actor)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[actor] = cacheEntry{role: role, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return role, nil
}

// Invalidate drops the cached role of actor.
func (r *CachedResolver) Invalidate(actor string) {
	r.mu.Lock()
	delete(r.cache, actor)
	r.mu.Unlock()
}
