package purchases

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bivex/purchases-go/internal/devicecache"
)

// CacheFetchPolicy controls how CustomerInfo balances the cache against a
// backend fetch.
type CacheFetchPolicy int

const (
	// FetchPolicyCachedOrFetched serves any cached value, refreshing in the
	// background when stale; fetches only when nothing is cached.
	FetchPolicyCachedOrFetched CacheFetchPolicy = iota
	// FetchPolicyNotStaleCachedOrFetched serves the cache only while fresh;
	// otherwise fetches, degrading back to the stale cache on failure.
	FetchPolicyNotStaleCachedOrFetched
	// FetchPolicyFetchCurrent always fetches and reports fetch errors.
	FetchPolicyFetchCurrent
	// FetchPolicyFromCacheOnly never touches the network.
	FetchPolicyFromCacheOnly
)

// CustomerInfoManager owns the canonical cached CustomerInfo snapshot per
// app user id: fetch-with-policy, cache invalidation, and a change
// notification stream.
type CustomerInfoManager struct {
	backend     Backend
	deviceCache *devicecache.DeviceCache
	systemInfo  *systemInfo
	logger      *zap.Logger

	fetchGroup singleflight.Group

	// cacheMu serializes the read-merge-write in CacheCustomerInfo so a
	// concurrent write cannot undo a just-merged verification downgrade.
	cacheMu sync.Mutex

	mu             sync.Mutex
	lastSent       *CustomerInfo
	subscribers    map[int]chan *CustomerInfo
	nextSubscriber int
}

func newCustomerInfoManager(backend Backend, deviceCache *devicecache.DeviceCache, systemInfo *systemInfo, logger *zap.Logger) *CustomerInfoManager {
	return &CustomerInfoManager{
		backend:     backend,
		deviceCache: deviceCache,
		systemInfo:  systemInfo,
		logger:      logger,
		subscribers: make(map[int]chan *CustomerInfo),
	}
}

// CustomerInfo returns the snapshot for the user per the fetch policy.
func (m *CustomerInfoManager) CustomerInfo(ctx context.Context, appUserID string, policy CacheFetchPolicy) (*CustomerInfo, error) {
	switch policy {
	case FetchPolicyFromCacheOnly:
		if cached := m.CachedCustomerInfo(appUserID); cached != nil {
			return cached, nil
		}
		return nil, ErrNoCachedCustomerInfo

	case FetchPolicyFetchCurrent:
		return m.fetchAndCache(ctx, appUserID)

	case FetchPolicyCachedOrFetched:
		cached := m.CachedCustomerInfo(appUserID)
		if cached == nil {
			return m.fetchAndCache(ctx, appUserID)
		}
		if m.deviceCache.IsCustomerInfoCacheStale(appUserID, m.systemInfo.isAppBackgrounded()) {
			m.refreshInBackground(appUserID)
		}
		return cached, nil

	default: // FetchPolicyNotStaleCachedOrFetched
		cached := m.CachedCustomerInfo(appUserID)
		if cached != nil && !m.deviceCache.IsCustomerInfoCacheStale(appUserID, m.systemInfo.isAppBackgrounded()) {
			return cached, nil
		}
		info, err := m.fetchAndCache(ctx, appUserID)
		if err != nil {
			if cached != nil {
				m.logger.Warn("customer info fetch failed, serving cached value", zap.Error(err))
				return cached, nil
			}
			return nil, err
		}
		return info, nil
	}
}

// fetchAndCache fetches from the backend, collapsing concurrent fetches for
// the same user into one request.
func (m *CustomerInfoManager) fetchAndCache(ctx context.Context, appUserID string) (*CustomerInfo, error) {
	result, err, _ := m.fetchGroup.Do(appUserID, func() (interface{}, error) {
		info, err := m.backend.GetCustomerInfo(ctx, appUserID, m.systemInfo.isAppBackgrounded())
		if err != nil {
			return nil, err
		}
		m.CacheCustomerInfo(info, appUserID)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CustomerInfo), nil
}

// refreshInBackground kicks off a stale-cache refresh without blocking the
// caller. Only triggered while the app is foregrounded; a backgrounded app
// keeps serving the cache.
func (m *CustomerInfoManager) refreshInBackground(appUserID string) {
	if m.systemInfo.isAppBackgrounded() {
		return
	}
	go func() {
		if _, err := m.fetchAndCache(context.Background(), appUserID); err != nil {
			m.logger.Debug("background customer info refresh failed", zap.Error(err))
		}
	}()
}

// CachedCustomerInfo returns the cached snapshot, or nil. A corrupt cache
// entry is dropped.
func (m *CustomerInfoManager) CachedCustomerInfo(appUserID string) *CustomerInfo {
	data := m.deviceCache.CachedCustomerInfoData(appUserID)
	if data == nil {
		return nil
	}
	info, err := decodeCachedCustomerInfo(data, m.logger)
	if err != nil {
		m.logger.Warn("dropping corrupt cached customer info", zap.Error(err))
		m.deviceCache.ClearCustomerInfoCache(appUserID)
		return nil
	}
	return info
}

// CacheCustomerInfo stores a fresh snapshot. The verification state written
// to cache is the merge of the previous cached state against the fresh one,
// so trust never silently upgrades across fetches.
func (m *CustomerInfoManager) CacheCustomerInfo(info *CustomerInfo, appUserID string) {
	m.cacheMu.Lock()
	if cached := m.CachedCustomerInfo(appUserID); cached != nil {
		info.Verification = cached.Verification.Merged(info.Verification)
		for _, entitlement := range info.Entitlements {
			entitlement.Verification = info.Verification
		}
	}

	data, err := info.encodeForCache()
	if err != nil {
		m.logger.Warn("failed to encode customer info for cache", zap.Error(err))
	} else {
		m.deviceCache.CacheCustomerInfo(appUserID, data)
	}
	m.cacheMu.Unlock()

	m.notifyIfChanged(info)
}

// ClearCustomerInfoCache invalidates immediately. The entry is not replaced
// until the next successful fetch.
func (m *CustomerInfoManager) ClearCustomerInfoCache(appUserID string) {
	m.deviceCache.ClearCustomerInfoCache(appUserID)
	m.mu.Lock()
	m.lastSent = nil
	m.mu.Unlock()
}

// Subscribe returns a channel receiving each distinct new CustomerInfo, and
// a cancel function. Slow subscribers drop updates rather than blocking the
// caching path.
func (m *CustomerInfoManager) Subscribe() (<-chan *CustomerInfo, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubscriber
	m.nextSubscriber++
	ch := make(chan *CustomerInfo, 8)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// notifyIfChanged fires the monitor exactly once per distinct new value.
func (m *CustomerInfoManager) notifyIfChanged(info *CustomerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSent != nil && info.Equal(m.lastSent) {
		return
	}
	m.lastSent = info
	for _, ch := range m.subscribers {
		select {
		case ch <- info:
		default:
			m.logger.Debug("dropping customer info update for slow subscriber")
		}
	}
}
