package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bivex/purchases-go/internal/devicecache"
)

// MissingProductsPolicy decides what happens when an offerings payload
// references products the store does not return.
type MissingProductsPolicy int

const (
	// IgnoreNotFoundProducts warns and proceeds with a partial catalog.
	IgnoreNotFoundProducts MissingProductsPolicy = iota
	// FailIfProductsAreMissing hard-fails, enumerating the missing
	// identifiers.
	FailIfProductsAreMissing
)

// OfferingsManager fetches and caches the offerings catalog with memory and
// disk layers. A server-down backend failure falls back to the disk cache
// rather than propagating.
type OfferingsManager struct {
	backend     Backend
	deviceCache *devicecache.DeviceCache
	products    ProductsFetcher
	systemInfo  *systemInfo
	logger      *zap.Logger
	policy      MissingProductsPolicy

	fetchGroup singleflight.Group

	mu          sync.Mutex
	memoryCache map[string]*Offerings
}

func newOfferingsManager(
	backend Backend,
	deviceCache *devicecache.DeviceCache,
	products ProductsFetcher,
	systemInfo *systemInfo,
	policy MissingProductsPolicy,
	logger *zap.Logger,
) *OfferingsManager {
	return &OfferingsManager{
		backend:     backend,
		deviceCache: deviceCache,
		products:    products,
		systemInfo:  systemInfo,
		logger:      logger,
		policy:      policy,
		memoryCache: make(map[string]*Offerings),
	}
}

// Offerings returns the catalog for the user: memory cache first (with a
// fire-and-forget refresh when stale), then backend, then disk fallback for
// server-down failures.
func (m *OfferingsManager) Offerings(ctx context.Context, appUserID string) (*Offerings, error) {
	m.mu.Lock()
	cached := m.memoryCache[appUserID]
	m.mu.Unlock()

	if cached != nil {
		if m.deviceCache.IsOfferingsCacheStale(appUserID, m.systemInfo.isAppBackgrounded()) {
			m.refreshInBackground(appUserID)
		}
		return cached, nil
	}

	offerings, err := m.fetchFromBackend(ctx, appUserID)
	if err == nil {
		return offerings, nil
	}

	if IsServerDown(err) {
		if fromDisk := m.offeringsFromDiskCache(ctx, appUserID); fromDisk != nil {
			m.logger.Warn("offerings fetch failed with server error, serving disk cache", zap.Error(err))
			return fromDisk, nil
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrOfferingsTimeout
	}
	return nil, err
}

// InvalidateCachedOfferings drops the memory cache and marks the disk entry
// stale. The disk payload stays servable as a fallback.
func (m *OfferingsManager) InvalidateCachedOfferings(appUserID string) {
	m.mu.Lock()
	delete(m.memoryCache, appUserID)
	m.mu.Unlock()
	m.deviceCache.ClearOfferingsCacheTimestamp(appUserID)
}

func (m *OfferingsManager) refreshInBackground(appUserID string) {
	if m.systemInfo.isAppBackgrounded() {
		return
	}
	go func() {
		if _, err := m.fetchFromBackend(context.Background(), appUserID); err != nil {
			m.logger.Debug("background offerings refresh failed", zap.Error(err))
		}
	}()
}

// fetchFromBackend fetches and builds the catalog, collapsing concurrent
// fetches per user into one backend call.
func (m *OfferingsManager) fetchFromBackend(ctx context.Context, appUserID string) (*Offerings, error) {
	result, err, _ := m.fetchGroup.Do(appUserID, func() (interface{}, error) {
		payload, err := m.backend.GetOfferings(ctx, appUserID, m.systemInfo.isAppBackgrounded())
		if err != nil {
			return nil, err
		}

		offerings, err := m.buildOfferings(ctx, payload)
		if err != nil {
			return nil, err
		}

		if data, marshalErr := json.Marshal(payload); marshalErr == nil {
			m.deviceCache.CacheOfferings(appUserID, data)
		} else {
			m.logger.Warn("failed to encode offerings for disk cache", zap.Error(marshalErr))
		}
		m.mu.Lock()
		m.memoryCache[appUserID] = offerings
		m.mu.Unlock()
		return offerings, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Offerings), nil
}

// offeringsFromDiskCache rebuilds a catalog from the last persisted payload.
// The result is marked loaded-from-disk and cached stale in memory so it is
// proactively refreshed later.
func (m *OfferingsManager) offeringsFromDiskCache(ctx context.Context, appUserID string) *Offerings {
	data := m.deviceCache.CachedOfferingsData(appUserID)
	if data == nil {
		return nil
	}

	var payload OfferingsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		m.logger.Warn("dropping corrupt disk-cached offerings", zap.Error(err))
		return nil
	}

	offerings, err := m.buildOfferings(ctx, &payload)
	if err != nil {
		m.logger.Debug("failed to rebuild offerings from disk cache", zap.Error(err))
		return nil
	}
	offerings.LoadedFromDisk = true

	m.mu.Lock()
	m.memoryCache[appUserID] = offerings
	m.mu.Unlock()
	m.deviceCache.ClearOfferingsCacheTimestamp(appUserID)
	return offerings
}

// buildOfferings resolves the payload's product identifiers through the
// store and assembles the catalog.
func (m *OfferingsManager) buildOfferings(ctx context.Context, payload *OfferingsPayload) (*Offerings, error) {
	if len(payload.Offerings) == 0 {
		return nil, ErrNoOfferingsFound
	}

	identifiers := payload.ProductIdentifiers()
	if len(identifiers) == 0 {
		return nil, &ConfigurationError{Reason: "offerings payload references no products"}
	}

	products, err := m.products.Products(ctx, identifiers)
	if err != nil {
		return nil, &ConfigurationError{Reason: "could not fetch products for offerings", Err: err}
	}

	var missing []string
	for _, id := range identifiers {
		if _, ok := products[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if m.policy == FailIfProductsAreMissing {
			return nil, &MissingProductsError{Identifiers: missing}
		}
		m.logger.Warn("store did not return some offering products, proceeding without them",
			zap.Strings("missing", missing))
	}
	if len(missing) == len(identifiers) {
		return nil, &MissingProductsError{Identifiers: missing}
	}

	offerings := &Offerings{
		All:               make(map[string]*Offering),
		CurrentOfferingID: payload.CurrentOfferingID,
	}
	for _, entry := range payload.Offerings {
		offering := &Offering{
			Identifier:        entry.Identifier,
			ServerDescription: entry.Description,
		}
		for _, pkg := range entry.Packages {
			product, ok := products[pkg.PlatformProductIdentifier]
			if !ok {
				continue
			}
			offering.Packages = append(offering.Packages, &Package{
				Identifier:         pkg.Identifier,
				OfferingIdentifier: entry.Identifier,
				StoreProduct:       product,
			})
		}
		if len(offering.Packages) > 0 {
			offerings.All[offering.Identifier] = offering
		}
	}
	if len(offerings.All) == 0 {
		return nil, ErrNoOfferingsFound
	}
	return offerings, nil
}
