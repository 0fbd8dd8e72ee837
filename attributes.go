package purchases

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/devicecache"
)

// SubscriberAttribute is a key/value pair attached to the user, synced to
// the backend alongside receipt posts.
type SubscriberAttribute struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	SetTime  time.Time `json:"set_time"`
	IsSynced bool      `json:"is_synced"`
}

// subscriberAttributesManager accumulates attributes locally and tracks
// which ones still need a backend sync. Attributes ride along with the next
// receipt post rather than getting their own request.
type subscriberAttributesManager struct {
	deviceCache *devicecache.DeviceCache
	logger      *zap.Logger

	mu     sync.Mutex
	byUser map[string]map[string]SubscriberAttribute
}

func newSubscriberAttributesManager(deviceCache *devicecache.DeviceCache, logger *zap.Logger) *subscriberAttributesManager {
	return &subscriberAttributesManager{
		deviceCache: deviceCache,
		logger:      logger,
		byUser:      make(map[string]map[string]SubscriberAttribute),
	}
}

// setAttributes records attribute values for the user and marks them
// unsynced when they changed.
func (m *subscriberAttributesManager) setAttributes(appUserID string, attributes map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userAttrs := m.loadLocked(appUserID)
	for key, value := range attributes {
		if existing, ok := userAttrs[key]; ok && existing.Value == value {
			continue
		}
		userAttrs[key] = SubscriberAttribute{
			Key:     key,
			Value:   value,
			SetTime: time.Now(),
		}
	}
	m.persistLocked(appUserID, userAttrs)
}

// unsyncedAttributes returns the attributes awaiting a backend sync.
func (m *subscriberAttributesManager) unsyncedAttributes(appUserID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	unsynced := make(map[string]string)
	for key, attr := range m.loadLocked(appUserID) {
		if !attr.IsSynced {
			unsynced[key] = attr.Value
		}
	}
	return unsynced
}

// markSynced flags the given attribute keys as synced after a successful
// receipt post.
func (m *subscriberAttributesManager) markSynced(appUserID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	userAttrs := m.loadLocked(appUserID)
	for _, key := range keys {
		if attr, ok := userAttrs[key]; ok {
			attr.IsSynced = true
			userAttrs[key] = attr
		}
	}
	m.persistLocked(appUserID, userAttrs)
}

func (m *subscriberAttributesManager) loadLocked(appUserID string) map[string]SubscriberAttribute {
	if attrs, ok := m.byUser[appUserID]; ok {
		return attrs
	}
	attrs := make(map[string]SubscriberAttribute)
	if data := m.deviceCache.CachedAttributes(appUserID); data != nil {
		if err := json.Unmarshal(data, &attrs); err != nil {
			m.logger.Warn("discarding corrupt cached attributes", zap.Error(err))
			attrs = make(map[string]SubscriberAttribute)
		}
	}
	m.byUser[appUserID] = attrs
	return attrs
}

func (m *subscriberAttributesManager) persistLocked(appUserID string, attrs map[string]SubscriberAttribute) {
	data, err := json.Marshal(attrs)
	if err != nil {
		m.logger.Warn("failed to encode attributes", zap.Error(err))
		return
	}
	m.deviceCache.CacheAttributes(appUserID, data)
}
