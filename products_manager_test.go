package purchases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingFetcher is a ProductsFetcher whose fetches park on release so
// tests can line up concurrent callers deterministically.
type blockingFetcher struct {
	mu      sync.Mutex
	calls   [][]string
	release chan struct{}
	results map[string]*StoreProduct
	err     error
}

func newBlockingFetcher(products ...*StoreProduct) *blockingFetcher {
	byID := make(map[string]*StoreProduct)
	for _, p := range products {
		byID[p.Identifier] = p
	}
	return &blockingFetcher{release: make(chan struct{}), results: byID}
}

func (f *blockingFetcher) Products(ctx context.Context, identifiers []string) (map[string]*StoreProduct, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), identifiers...))
	f.mu.Unlock()

	<-f.release

	if f.err != nil {
		return nil, f.err
	}
	result := make(map[string]*StoreProduct)
	for _, id := range identifiers {
		if p, ok := f.results[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (f *blockingFetcher) ClearCache() {}

func (f *blockingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitForCalls(t *testing.T, f *blockingFetcher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d fetches, saw %d", n, f.callCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCachingProductsManagerDeduplicatesIdenticalSets(t *testing.T) {
	productA := subscriptionProduct("com.app.a", "group1", false)
	fetcher := newBlockingFetcher(productA)
	manager := newCachingProductsManager(fetcher, testLogger())

	ctx := context.Background()
	type outcome struct {
		products map[string]*StoreProduct
		err      error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		manager.productsWithCompletion(ctx, []string{"com.app.a"}, func(products map[string]*StoreProduct, err error) {
			results <- outcome{products, err}
		})
	}

	waitForCalls(t, fetcher, 1)
	close(fetcher.release)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Same(t, productA, r.products["com.app.a"])
	}
	assert.Equal(t, 1, fetcher.callCount())
}

func TestCachingProductsManagerDistinctSetsFetchSeparately(t *testing.T) {
	productA := subscriptionProduct("com.app.a", "group1", false)
	productB := subscriptionProduct("com.app.b", "group1", false)
	fetcher := newBlockingFetcher(productA, productB)
	manager := newCachingProductsManager(fetcher, testLogger())

	ctx := context.Background()
	results := make(chan map[string]*StoreProduct, 2)
	manager.productsWithCompletion(ctx, []string{"com.app.a"}, func(products map[string]*StoreProduct, err error) {
		require.NoError(t, err)
		results <- products
	})
	manager.productsWithCompletion(ctx, []string{"com.app.a", "com.app.b"}, func(products map[string]*StoreProduct, err error) {
		require.NoError(t, err)
		results <- products
	})

	// Overlapping but unequal sets do not share a fetch.
	waitForCalls(t, fetcher, 2)
	close(fetcher.release)

	sizes := []int{len(<-results), len(<-results)}
	assert.ElementsMatch(t, []int{1, 2}, sizes)
}

func TestCachingProductsManagerServesFromCache(t *testing.T) {
	productA := subscriptionProduct("com.app.a", "group1", false)
	fetcher := newBlockingFetcher(productA)
	close(fetcher.release)
	manager := newCachingProductsManager(fetcher, testLogger())

	ctx := context.Background()
	first, err := manager.Products(ctx, []string{"com.app.a"})
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := manager.Products(ctx, []string{"com.app.a"})
	require.NoError(t, err)
	assert.Same(t, productA, second["com.app.a"])
	assert.Equal(t, 1, fetcher.callCount())
}

func TestCachingProductsManagerFetchesOnlyMissing(t *testing.T) {
	productA := subscriptionProduct("com.app.a", "group1", false)
	productB := subscriptionProduct("com.app.b", "group1", false)
	fetcher := newBlockingFetcher(productB)
	close(fetcher.release)
	manager := newCachingProductsManager(fetcher, testLogger())
	manager.CacheProduct(productA)

	products, err := manager.Products(context.Background(), []string{"com.app.a", "com.app.b"})
	require.NoError(t, err)
	assert.Len(t, products, 2)

	require.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, []string{"com.app.b"}, fetcher.calls[0])
}

func TestCachingProductsManagerFetchErrorPropagates(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.err = errors.New("store unavailable")
	close(fetcher.release)
	manager := newCachingProductsManager(fetcher, testLogger())

	_, err := manager.Products(context.Background(), []string{"com.app.a"})
	assert.Error(t, err)

	// A failed fetch does not poison the cache; a later fetch retries.
	fetcher.err = nil
	_, err = manager.Products(context.Background(), []string{"com.app.a"})
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestCachingProductsManagerClearCachePreservesInFlight(t *testing.T) {
	productA := subscriptionProduct("com.app.a", "group1", false)
	fetcher := newBlockingFetcher(productA)
	manager := newCachingProductsManager(fetcher, testLogger())

	results := make(chan map[string]*StoreProduct, 1)
	manager.productsWithCompletion(context.Background(), []string{"com.app.a"}, func(products map[string]*StoreProduct, err error) {
		require.NoError(t, err)
		results <- products
	})
	waitForCalls(t, fetcher, 1)

	manager.ClearCache()
	close(fetcher.release)

	products := <-results
	assert.Same(t, productA, products["com.app.a"])
}

func TestCachingProductsManagerEmptyRequest(t *testing.T) {
	fetcher := newBlockingFetcher()
	manager := newCachingProductsManager(fetcher, testLogger())

	products, err := manager.Products(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestRequestCacheKeyOrderInsensitive(t *testing.T) {
	assert.Equal(t,
		requestCacheKey([]string{"b", "a", "c"}),
		requestCacheKey([]string{"c", "b", "a"}))
	assert.NotEqual(t,
		requestCacheKey([]string{"a"}),
		requestCacheKey([]string{"a", "b"}))
}

func TestProductsManagerMapsByIdentifier(t *testing.T) {
	store := newFakeStoreClient(
		subscriptionProduct("com.app.a", "group1", false),
		subscriptionProduct("com.app.b", "group1", true),
	)
	manager := newProductsManager(store, time.Second, testLogger())

	products, err := manager.Products(context.Background(), []string{"com.app.a", "com.app.b", "com.app.unknown"})
	require.NoError(t, err)
	assert.Len(t, products, 2)
	assert.Contains(t, products, "com.app.a")
	assert.NotContains(t, products, "com.app.unknown")
}
