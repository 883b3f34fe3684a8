package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listingBackend counts fetches so cache behavior is observable.
type listingBackend struct {
	fakeBackend
	source  ModelSource
	fetches atomic.Int32
}

func (b *listingBackend) ListModels(ctx context.Context, _ *ModelFilter) (*ModelList, error) {
	b.fetches.Add(1)
	src := b.source
	if src == "" {
		src = ModelSourceFetched
	}
	return &ModelList{
		Models: []ModelInfo{
			{ID: "acme-small", Provider: "acme"},
			{ID: "acme-large", Provider: "acme"},
		},
		Source: src,
	}, nil
}

func TestModelCacheServesFreshEntries(t *testing.T) {
	cache := newModelCache()
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}}

	first, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Len(t, first.Models, 2)
	assert.False(t, first.FetchedAt.IsZero())

	second, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Len(t, second.Models, 2)
	assert.Equal(t, int32(1), backend.fetches.Load())
}

func TestModelCacheFilterDoesNotMutateEntry(t *testing.T) {
	cache := newModelCache()
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}}

	filtered, err := cache.models(context.Background(), backend, &ModelFilter{Contains: "large"})
	require.NoError(t, err)
	require.Len(t, filtered.Models, 1)
	assert.Equal(t, "acme-large", filtered.Models[0].ID)

	full, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Len(t, full.Models, 2)
	assert.Equal(t, int32(1), backend.fetches.Load())
}

func TestModelCacheStaticListsNotCached(t *testing.T) {
	cache := newModelCache()
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}, source: ModelSourceStatic}

	_, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	_, err = cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.fetches.Load())
}

func TestModelCacheInvalidate(t *testing.T) {
	cache := newModelCache()
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}}

	_, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)

	cache.invalidate(modelCacheKey{backend: "acme", provider: "acme"})

	_, err = cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.fetches.Load())
}

func TestModelCacheStaleServedWhileRefreshing(t *testing.T) {
	cache := newModelCache()
	now := time.Now()
	var nowMu sync.Mutex
	cache.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}}

	_, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)

	nowMu.Lock()
	now = now.Add(2 * DefaultModelCacheTTL)
	nowMu.Unlock()

	// Stale entry is returned immediately; a background refresh follows.
	stale, err := cache.models(context.Background(), backend, nil)
	require.NoError(t, err)
	assert.Len(t, stale.Models, 2)

	require.Eventually(t, func() bool {
		return backend.fetches.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestModelCacheNonListerBackend(t *testing.T) {
	cache := newModelCache()
	_, err := cache.models(context.Background(), &fakeBackend{name: "plain"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestModelCacheSingleFlight(t *testing.T) {
	cache := newModelCache()
	backend := &listingBackend{fakeBackend: fakeBackend{name: "acme"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := cache.models(context.Background(), backend, nil)
			assert.NoError(t, err)
			assert.Len(t, list.Models, 2)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, backend.fetches.Load(), int32(2))
}
