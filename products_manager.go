package purchases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProductsFetcher resolves product identifiers into store products. The
// result maps identifier to product; identifiers the store does not know are
// simply absent.
type ProductsFetcher interface {
	Products(ctx context.Context, identifiers []string) (map[string]*StoreProduct, error)
	ClearCache()
}

// ProductsManager is the plain store-backed ProductsFetcher, without
// caching. See CachingProductsManager.
type ProductsManager struct {
	store          StoreClient
	requestTimeout time.Duration
	logger         *zap.Logger
}

func newProductsManager(store StoreClient, requestTimeout time.Duration, logger *zap.Logger) *ProductsManager {
	return &ProductsManager{store: store, requestTimeout: requestTimeout, logger: logger}
}

func (m *ProductsManager) Products(ctx context.Context, identifiers []string) (map[string]*StoreProduct, error) {
	if len(identifiers) == 0 {
		return map[string]*StoreProduct{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	products, err := m.store.Products(ctx, identifiers)
	if err != nil {
		m.logger.Debug("store products request failed", zap.Error(err))
		return nil, err
	}

	result := make(map[string]*StoreProduct, len(products))
	for _, product := range products {
		result[product.Identifier] = product
	}
	if len(result) < len(identifiers) {
		m.logger.Debug("store did not return all requested products",
			zap.Int("requested", len(identifiers)), zap.Int("returned", len(result)))
	}
	return result, nil
}

// ClearCache is a no-op; this manager does not cache.
func (m *ProductsManager) ClearCache() {}

type productsCompletion func(map[string]*StoreProduct, error)

// CachingProductsManager decorates a ProductsFetcher with a product cache
// and in-flight request de-duplication. Concurrent requests for the exact
// same set of missing identifiers share one underlying fetch; overlapping
// but unequal sets each fetch on their own.
//
// The product cache and the request cache are guarded independently rather
// than in one critical section spanning the fetch. In a narrow timing window
// two requests for the same missing set can therefore both reach the store;
// the cost is a redundant fetch, never a wrong answer.
type CachingProductsManager struct {
	manager ProductsFetcher
	logger  *zap.Logger

	cacheMu      sync.Mutex
	productCache map[string]*StoreProduct

	requestMu    sync.Mutex
	requestCache map[string][]productsCompletion
}

func newCachingProductsManager(manager ProductsFetcher, logger *zap.Logger) *CachingProductsManager {
	return &CachingProductsManager{
		manager:      manager,
		logger:       logger,
		productCache: make(map[string]*StoreProduct),
		requestCache: make(map[string][]productsCompletion),
	}
}

// Products resolves identifiers through the cache, fetching only what is
// missing.
func (c *CachingProductsManager) Products(ctx context.Context, identifiers []string) (map[string]*StoreProduct, error) {
	type result struct {
		products map[string]*StoreProduct
		err      error
	}
	done := make(chan result, 1)
	c.productsWithCompletion(ctx, identifiers, func(products map[string]*StoreProduct, err error) {
		done <- result{products, err}
	})

	select {
	case r := <-done:
		return r.products, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CachingProductsManager) productsWithCompletion(ctx context.Context, identifiers []string, completion productsCompletion) {
	cached := c.cachedProducts(identifiers)
	if len(cached) == len(identifiers) {
		completion(cached, nil)
		return
	}

	missing := make([]string, 0, len(identifiers)-len(cached))
	for _, id := range identifiers {
		if _, ok := cached[id]; !ok {
			missing = append(missing, id)
		}
	}

	// Each caller resolves against its own cached baseline plus the shared
	// fetch result.
	wrapped := func(fetched map[string]*StoreProduct, err error) {
		if err != nil {
			completion(nil, err)
			return
		}
		merged := make(map[string]*StoreProduct, len(cached)+len(fetched))
		for id, product := range cached {
			merged[id] = product
		}
		for id, product := range fetched {
			merged[id] = product
		}
		completion(merged, nil)
	}

	key := requestCacheKey(missing)
	if c.saveCompletion(key, wrapped) {
		c.logger.Debug("products request already in flight, queueing",
			zap.Strings("identifiers", missing))
		return
	}

	go func() {
		fetched, err := c.manager.Products(ctx, missing)
		if err == nil {
			c.cacheProducts(fetched)
		}
		for _, queued := range c.popCompletions(key) {
			queued(fetched, err)
		}
	}()
}

// CacheProduct adds a single product to the cache, outside any fetch. Used
// when a purchase resolves a product the cache has not seen.
func (c *CachingProductsManager) CacheProduct(product *StoreProduct) {
	c.cacheProducts(map[string]*StoreProduct{product.Identifier: product})
}

// ClearCache removes all cached products without affecting in-flight
// requests.
func (c *CachingProductsManager) ClearCache() {
	c.cacheMu.Lock()
	c.productCache = make(map[string]*StoreProduct)
	c.cacheMu.Unlock()

	c.manager.ClearCache()
}

func (c *CachingProductsManager) cachedProducts(identifiers []string) map[string]*StoreProduct {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	cached := make(map[string]*StoreProduct)
	for _, id := range identifiers {
		if product, ok := c.productCache[id]; ok {
			cached[id] = product
		}
	}
	return cached
}

func (c *CachingProductsManager) cacheProducts(products map[string]*StoreProduct) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for id, product := range products {
		c.productCache[id] = product
	}
}

// saveCompletion queues the completion under the exact missing-set key and
// reports whether a request for that key was already in flight.
func (c *CachingProductsManager) saveCompletion(key string, completion productsCompletion) bool {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	inFlight := len(c.requestCache[key]) > 0
	c.requestCache[key] = append(c.requestCache[key], completion)
	return inFlight
}

func (c *CachingProductsManager) popCompletions(key string) []productsCompletion {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	completions := c.requestCache[key]
	delete(c.requestCache, key)
	return completions
}

// requestCacheKey canonicalizes an identifier set: order-insensitive, exact
// set match only.
func requestCacheKey(identifiers []string) string {
	sorted := append([]string(nil), identifiers...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}
