package purchases

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigurationDefaults(t *testing.T) {
	cfg, err := LoadConfiguration()
	require.NoError(t, err)

	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultCacheFilePath, cfg.CacheFilePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.ObserverMode)
}

func TestLoadConfigurationEnvironmentOverrides(t *testing.T) {
	t.Setenv("PURCHASES_API_KEY", "appl_test_key")
	t.Setenv("PURCHASES_APP_USER_ID", "env-user")
	t.Setenv("PURCHASES_OBSERVER_MODE", "true")
	t.Setenv("PURCHASES_REQUEST_TIMEOUT", "5s")
	t.Setenv("PURCHASES_LOG_LEVEL", "debug")
	t.Setenv("PURCHASES_SANDBOX", "true")
	t.Setenv("PURCHASES_BASE_URL", "https://proxy.example.com/v1")

	cfg, err := LoadConfiguration()
	require.NoError(t, err)

	assert.Equal(t, "appl_test_key", cfg.APIKey)
	assert.Equal(t, "env-user", cfg.AppUserID)
	assert.True(t, cfg.ObserverMode)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Sandbox)
	assert.Equal(t, "https://proxy.example.com/v1", cfg.BaseURL)
}

func TestConfigurationValidate(t *testing.T) {
	t.Run("missing API key", func(t *testing.T) {
		cfg := &Configuration{StoreClient: newFakeStoreClient()}
		var confErr *ConfigurationError
		assert.ErrorAs(t, cfg.validate(), &confErr)
	})

	t.Run("missing store client", func(t *testing.T) {
		cfg := &Configuration{APIKey: "appl_test_key"}
		var confErr *ConfigurationError
		assert.ErrorAs(t, cfg.validate(), &confErr)
	})

	t.Run("fills defaults for zero values", func(t *testing.T) {
		cfg := &Configuration{APIKey: "appl_test_key", StoreClient: newFakeStoreClient()}
		require.NoError(t, cfg.validate())
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
		assert.Equal(t, DefaultCacheFilePath, cfg.CacheFilePath)
	})
}
