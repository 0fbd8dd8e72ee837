package purchases

import (
	"time"

	"github.com/spf13/viper"

	"github.com/bivex/purchases-go/internal/receipt"
)

// Defaults for configuration values that are rarely overridden.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultCacheFilePath  = ".purchases-cache.json"
)

// Configuration holds everything needed to build the SDK. StoreClient is the
// only mandatory collaborator besides the API key; the rest default to the
// built-in implementations.
type Configuration struct {
	// APIKey authenticates against the entitlements backend.
	APIKey string

	// AppUserID identifies the current user. Empty means an anonymous id is
	// generated (or restored from the device cache).
	AppUserID string

	// ObserverMode disables transaction finishing; the host app owns it.
	ObserverMode bool

	// SharedSecret is the store shared secret used by the default remote
	// receipt parser.
	SharedSecret string

	// ProxyURL reroutes backend traffic, usually for debugging.
	ProxyURL string

	BaseURL        string
	RequestTimeout time.Duration

	// CacheFilePath is where the device cache file lives.
	CacheFilePath string

	LogLevel    string
	Development bool
	SentryDSN   string
	Environment string

	// Sandbox marks a sandbox store environment. Only affects logging around
	// missing receipts.
	Sandbox bool

	// StoreClient bridges to the platform store. Required.
	StoreClient StoreClient

	// PaymentQueue is the legacy store bridge. Optional; without it only the
	// modern purchase API is available.
	PaymentQueue PaymentQueue

	// Backend overrides the default HTTP backend. Used in tests.
	Backend Backend

	// ReceiptParser overrides the default receipt parser.
	ReceiptParser receipt.Parser
}

// LoadConfiguration builds a Configuration from PURCHASES_* environment
// variables layered over defaults. Programmatic fields (StoreClient and
// friends) still have to be set by the caller before Configure.
func LoadConfiguration() (*Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix("purchases")
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Configuration{
		APIKey:         v.GetString("api_key"),
		AppUserID:      v.GetString("app_user_id"),
		ObserverMode:   v.GetBool("observer_mode"),
		SharedSecret:   v.GetString("shared_secret"),
		ProxyURL:       v.GetString("proxy_url"),
		BaseURL:        v.GetString("base_url"),
		RequestTimeout: v.GetDuration("request_timeout"),
		CacheFilePath:  v.GetString("cache_file_path"),
		LogLevel:       v.GetString("log_level"),
		Development:    v.GetBool("development"),
		SentryDSN:      v.GetString("sentry_dsn"),
		Environment:    v.GetString("environment"),
		Sandbox:        v.GetBool("sandbox"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("cache_file_path", DefaultCacheFilePath)
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "production")
}

func (c *Configuration) validate() error {
	if c.APIKey == "" {
		return &ConfigurationError{Reason: "API key is required"}
	}
	if c.StoreClient == nil {
		return &ConfigurationError{Reason: "a StoreClient is required"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CacheFilePath == "" {
		c.CacheFilePath = DefaultCacheFilePath
	}
	return nil
}
