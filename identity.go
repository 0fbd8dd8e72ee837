package purchases

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/devicecache"
)

const anonymousIDPrefix = "$PurchasesAnonymousID:"

// identityManager owns the current app user id and the anonymous-id
// lifecycle around log-in and log-out.
type identityManager struct {
	deviceCache *devicecache.DeviceCache
	logger      *zap.Logger

	mu        sync.Mutex
	appUserID string
}

func newIdentityManager(deviceCache *devicecache.DeviceCache, configuredAppUserID string, logger *zap.Logger) *identityManager {
	m := &identityManager{deviceCache: deviceCache, logger: logger}

	appUserID := configuredAppUserID
	if appUserID == "" {
		appUserID = deviceCache.CachedAppUserID()
	}
	if appUserID == "" {
		appUserID = generateAnonymousID()
		logger.Debug("generated anonymous app user id")
	}
	m.appUserID = appUserID
	deviceCache.CacheAppUserID(appUserID)
	return m
}

func generateAnonymousID() string {
	return anonymousIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isAnonymousID(appUserID string) bool {
	return strings.HasPrefix(appUserID, anonymousIDPrefix)
}

func (m *identityManager) currentAppUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appUserID
}

func (m *identityManager) currentUserIsAnonymous() bool {
	return isAnonymousID(m.currentAppUserID())
}

// logIn switches to the given app user id. Returns the outgoing user id and
// whether the user actually changed.
func (m *identityManager) logIn(newAppUserID string) (previous string, changed bool, err error) {
	if strings.TrimSpace(newAppUserID) == "" {
		return "", false, ErrInvalidAppUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	previous = m.appUserID
	if previous == newAppUserID {
		return previous, false, nil
	}

	m.deviceCache.ClearCachesForAppUserID(previous)
	m.appUserID = newAppUserID
	m.deviceCache.CacheAppUserID(newAppUserID)
	m.logger.Info("logged in", zap.String("app_user_id", newAppUserID))
	return previous, true, nil
}

// logOut discards the identified user and generates a fresh anonymous id.
func (m *identityManager) logOut() (previous string, newAppUserID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isAnonymousID(m.appUserID) {
		return "", "", ErrLogOutAnonymousUser
	}

	previous = m.appUserID
	m.deviceCache.ClearCachesForAppUserID(previous)
	m.appUserID = generateAnonymousID()
	m.deviceCache.CacheAppUserID(m.appUserID)
	m.logger.Info("logged out, switched to anonymous user")
	return previous, m.appUserID, nil
}
