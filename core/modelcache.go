package core

import (
	"context"
	"sync"
	"time"
)

// DefaultModelCacheTTL is the default lifetime of a cached model list.
const DefaultModelCacheTTL = time.Hour

// modelCacheKey identifies one backend's model list.
type modelCacheKey struct {
	backend  string
	provider string
}

// modelCacheEntry is one cached listing.
type modelCacheEntry struct {
	list      *ModelList
	fetchedAt time.Time
}

// flight tracks one in-progress fetch so concurrent callers share it.
type flight struct {
	done chan struct{}
	list *ModelList
	err  error
}

// modelCache is the process-wide model list store. Reads take a shared
// lock; writes take a short critical section. A refresh is single-flight
// per key, and stale entries are served while a refresh is in progress so
// callers never stampede a backend.
type modelCache struct {
	mu      sync.RWMutex
	entries map[modelCacheKey]*modelCacheEntry
	flights map[modelCacheKey]*flight
	ttl     time.Duration
	now     func() time.Time
}

func newModelCache() *modelCache {
	return &modelCache{
		entries: make(map[modelCacheKey]*modelCacheEntry),
		flights: make(map[modelCacheKey]*flight),
		ttl:     DefaultModelCacheTTL,
		now:     time.Now,
	}
}

// processModelCache is the single process-wide cache. It is one of the
// two legitimate globals in the engine (the other is the default stream
// mode) and is reachable only through the accessors below.
var processModelCache = newModelCache()

// CachedModels lists a backend's models through the process cache.
// Static-only backends bypass the cache; fetched and hybrid results are
// cached under the backend's (name, provider) key with the configured TTL.
func CachedModels(ctx context.Context, b Backend, filter *ModelFilter) (*ModelList, error) {
	return processModelCache.models(ctx, b, filter)
}

// InvalidateModelCache drops the cached list for a backend.
func InvalidateModelCache(backendName, provider string) {
	processModelCache.invalidate(modelCacheKey{backend: backendName, provider: provider})
}

// SetModelCacheTTL sets the process-wide cache TTL.
func SetModelCacheTTL(ttl time.Duration) {
	processModelCache.setTTL(ttl)
}

func (c *modelCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	c.ttl = ttl
}

func (c *modelCache) invalidate(key modelCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *modelCache) models(ctx context.Context, b Backend, filter *ModelFilter) (*ModelList, error) {
	lister, ok := b.(ModelLister)
	if !ok {
		return nil, &Error{
			Kind:     KindValidation,
			Provider: b.Info().Name,
			Message:  "backend does not support model listing",
		}
	}

	info := b.Info()
	key := modelCacheKey{backend: info.Name, provider: info.Provider}

	c.mu.RLock()
	entry := c.entries[key]
	ttl := c.ttl
	c.mu.RUnlock()

	if entry != nil {
		if c.now().Sub(entry.fetchedAt) < ttl {
			return filterList(entry.list, filter), nil
		}
		// Stale: kick off a single-flight refresh but serve the stale
		// list immediately to avoid a thundering herd.
		c.refreshAsync(key, lister)
		return filterList(entry.list, filter), nil
	}

	list, err := c.fetch(ctx, key, lister)
	if err != nil {
		return nil, err
	}
	return filterList(list, filter), nil
}

// fetch performs a single-flight fetch, blocking callers on the shared
// flight until the first fetch resolves.
func (c *modelCache) fetch(ctx context.Context, key modelCacheKey, lister ModelLister) (*ModelList, error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.list, f.err
		case <-ctx.Done():
			return nil, FromContextErr(ctx.Err())
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	list, err := lister.ListModels(context.WithoutCancel(ctx), nil)
	if err == nil && list.FetchedAt.IsZero() {
		list.FetchedAt = c.now()
	}

	c.mu.Lock()
	delete(c.flights, key)
	if err == nil && list.Source != ModelSourceStatic {
		c.entries[key] = &modelCacheEntry{list: list, fetchedAt: c.now()}
	}
	c.mu.Unlock()

	f.list, f.err = list, err
	close(f.done)
	return list, err
}

// refreshAsync starts a background single-flight refresh for a stale key.
func (c *modelCache) refreshAsync(key modelCacheKey, lister ModelLister) {
	c.mu.Lock()
	if _, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	go func() {
		list, err := lister.ListModels(context.Background(), nil)
		if err == nil && list.FetchedAt.IsZero() {
			list.FetchedAt = c.now()
		}

		c.mu.Lock()
		delete(c.flights, key)
		if err == nil && list.Source != ModelSourceStatic {
			c.entries[key] = &modelCacheEntry{list: list, fetchedAt: c.now()}
		}
		c.mu.Unlock()

		f.list, f.err = list, err
		close(f.done)
	}()
}

// filterList applies the filter to a cached list without mutating it.
func filterList(list *ModelList, filter *ModelFilter) *ModelList {
	if filter == nil {
		out := *list
		out.Models = append([]ModelInfo(nil), list.Models...)
		return &out
	}
	out := &ModelList{Source: list.Source, FetchedAt: list.FetchedAt}
	for _, m := range list.Models {
		if filter.Matches(m) {
			out.Models = append(out.Models, m)
		}
	}
	return out
}
