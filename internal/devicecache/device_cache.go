package devicecache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Cache staleness windows. A backgrounded app tolerates much older data to
// avoid needless network use while nobody is looking at the screen.
const (
	CacheDurationForeground = 5 * time.Minute
	CacheDurationBackground = 25 * time.Hour
)

// DeviceCache is the device-local persistence layer for customer info and
// offerings snapshots, keyed by app user id. All entries live in memory and
// are mirrored to a single JSON file so they survive process restarts.
// Persistence failures are logged and swallowed; the memory layer stays
// authoritative for the life of the process.
type DeviceCache struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	contents fileContents
}

type cachedBlob struct {
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

type fileContents struct {
	AppUserID    string                `json:"app_user_id,omitempty"`
	CustomerInfo map[string]cachedBlob `json:"customer_info,omitempty"`
	Offerings    map[string]cachedBlob `json:"offerings,omitempty"`
	Attributes   map[string][]byte     `json:"attributes,omitempty"`
}

// New creates a device cache persisted at path. An unreadable or corrupt
// file is treated as an empty cache.
func New(fs afero.Fs, path string, logger *zap.Logger) *DeviceCache {
	cache := &DeviceCache{fs: fs, path: path, logger: logger}
	cache.load()
	return cache
}

func (c *DeviceCache) load() {
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read device cache file", zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(data, &c.contents); err != nil {
		c.logger.Warn("discarding corrupt device cache file", zap.Error(err))
		c.contents = fileContents{}
	}
}

// persist writes the cache file. Caller must hold the lock.
func (c *DeviceCache) persist() {
	data, err := json.Marshal(c.contents)
	if err != nil {
		c.logger.Warn("failed to encode device cache", zap.Error(err))
		return
	}
	if err := afero.WriteFile(c.fs, c.path, data, 0o600); err != nil {
		c.logger.Warn("failed to write device cache file", zap.Error(err))
	}
}

// CachedAppUserID returns the persisted app user id, if any.
func (c *DeviceCache) CachedAppUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents.AppUserID
}

// CacheAppUserID persists the current app user id.
func (c *DeviceCache) CacheAppUserID(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents.AppUserID = appUserID
	c.persist()
}

// CachedCustomerInfoData returns the cached customer info blob for the user,
// or nil when absent.
func (c *DeviceCache) CachedCustomerInfoData(appUserID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents.CustomerInfo[appUserID].Data
}

// CacheCustomerInfo stores a customer info blob and stamps it fresh.
func (c *DeviceCache) CacheCustomerInfo(appUserID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contents.CustomerInfo == nil {
		c.contents.CustomerInfo = make(map[string]cachedBlob)
	}
	c.contents.CustomerInfo[appUserID] = cachedBlob{Data: data, FetchedAt: time.Now()}
	c.persist()
}

// IsCustomerInfoCacheStale reports whether the cached entry is absent or has
// outlived its staleness window for the current app state.
func (c *DeviceCache) IsCustomerInfoCacheStale(appUserID string, appBackgrounded bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.contents.CustomerInfo[appUserID]
	if !ok || blob.FetchedAt.IsZero() {
		return true
	}
	return time.Since(blob.FetchedAt) >= cacheDuration(appBackgrounded)
}

// ClearCustomerInfoCacheTimestamp keeps the payload but marks it stale.
func (c *DeviceCache) ClearCustomerInfoCacheTimestamp(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.contents.CustomerInfo[appUserID]
	if !ok {
		return
	}
	blob.FetchedAt = time.Time{}
	c.contents.CustomerInfo[appUserID] = blob
	c.persist()
}

// ClearCustomerInfoCache drops the cached entry for the user.
func (c *DeviceCache) ClearCustomerInfoCache(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contents.CustomerInfo, appUserID)
	c.persist()
}

// CachedOfferingsData returns the cached offerings payload for the user, or
// nil when absent.
func (c *DeviceCache) CachedOfferingsData(appUserID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents.Offerings[appUserID].Data
}

// CacheOfferings stores an offerings payload and stamps it fresh.
func (c *DeviceCache) CacheOfferings(appUserID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contents.Offerings == nil {
		c.contents.Offerings = make(map[string]cachedBlob)
	}
	c.contents.Offerings[appUserID] = cachedBlob{Data: data, FetchedAt: time.Now()}
	c.persist()
}

// IsOfferingsCacheStale reports whether the offerings entry is absent or has
// outlived its staleness window.
func (c *DeviceCache) IsOfferingsCacheStale(appUserID string, appBackgrounded bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.contents.Offerings[appUserID]
	if !ok || blob.FetchedAt.IsZero() {
		return true
	}
	return time.Since(blob.FetchedAt) >= cacheDuration(appBackgrounded)
}

// ClearOfferingsCacheTimestamp keeps the payload but marks it stale, so the
// next staleness check triggers a refresh while the data stays servable.
func (c *DeviceCache) ClearOfferingsCacheTimestamp(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.contents.Offerings[appUserID]
	if !ok {
		return
	}
	blob.FetchedAt = time.Time{}
	c.contents.Offerings[appUserID] = blob
	c.persist()
}

// CachedAttributes returns the persisted subscriber attributes blob for the
// user, or nil when absent.
func (c *DeviceCache) CachedAttributes(appUserID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents.Attributes[appUserID]
}

// CacheAttributes persists the subscriber attributes blob for the user.
func (c *DeviceCache) CacheAttributes(appUserID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contents.Attributes == nil {
		c.contents.Attributes = make(map[string][]byte)
	}
	c.contents.Attributes[appUserID] = data
	c.persist()
}

// ClearCachesForAppUserID drops every cached entry belonging to the user.
// Used on log-out so the next user never sees the previous user's data.
func (c *DeviceCache) ClearCachesForAppUserID(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contents.CustomerInfo, appUserID)
	delete(c.contents.Offerings, appUserID)
	delete(c.contents.Attributes, appUserID)
	c.contents.AppUserID = ""
	c.persist()
}

func cacheDuration(appBackgrounded bool) time.Duration {
	if appBackgrounded {
		return CacheDurationBackground
	}
	return CacheDurationForeground
}
