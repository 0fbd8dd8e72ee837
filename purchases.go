// Package purchases is a client SDK mediating in-app purchases between a
// host application, the platform's native store, and a remote entitlements
// backend. The host configures it once; the resulting singleton exposes
// purchase, restore, offerings, eligibility, and identity operations with
// both context-based and callback APIs.
package purchases

import (
	"context"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bivex/purchases-go/internal/devicecache"
	"github.com/bivex/purchases-go/internal/logging"
	"github.com/bivex/purchases-go/internal/receipt"
)

var (
	sharedMu       sync.Mutex
	sharedInstance *Purchases
)

// Purchases is the public entry point wiring every manager together.
type Purchases struct {
	cfg    *Configuration
	logger *zap.Logger

	systemInfo  *systemInfo
	deviceCache *devicecache.DeviceCache
	identity    *identityManager
	attributes  *subscriberAttributesManager

	backend        Backend
	receiptParser  receipt.Parser
	receiptFetcher *ReceiptFetcher
	products       *CachingProductsManager
	eligibility    EligibilityChecker

	customerInfoManager *CustomerInfoManager
	offeringsManager    *OfferingsManager
	orchestrator        *PurchasesOrchestrator
}

// Configure builds the SDK and installs it as the shared instance.
func Configure(cfg *Configuration) (*Purchases, error) {
	p, err := newPurchases(cfg, afero.NewOsFs())
	if err != nil {
		return nil, err
	}

	sharedMu.Lock()
	sharedInstance = p
	sharedMu.Unlock()
	return p, nil
}

// Shared returns the configured singleton. Panics when Configure has not
// run; there is no sensible degraded mode for an unconfigured SDK.
func Shared() *Purchases {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedInstance == nil {
		panic(ErrNotConfigured)
	}
	return sharedInstance
}

// newPurchases wires the full dependency graph. Split from Configure so
// tests can inject a memory filesystem.
func newPurchases(cfg *Configuration, fs afero.Fs) (*Purchases, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Development: cfg.Development,
		SentryDSN:   cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}

	sysInfo := newSystemInfo(cfg)
	deviceCache := devicecache.New(fs, cfg.CacheFilePath, logging.WithComponent(logger, "device_cache"))
	identity := newIdentityManager(deviceCache, cfg.AppUserID, logging.WithComponent(logger, "identity"))
	attributes := newSubscriberAttributesManager(deviceCache, logging.WithComponent(logger, "attributes"))

	backend := cfg.Backend
	if backend == nil {
		backend = newHTTPBackend(cfg, logging.WithComponent(logger, "backend"))
	}
	parser := cfg.ReceiptParser
	if parser == nil {
		parser = receipt.NewParser(cfg.SharedSecret, logging.WithComponent(logger, "receipt_parser"))
	}

	receiptFetcher := newReceiptFetcher(cfg.StoreClient, parser, sysInfo,
		logging.WithComponent(logger, "receipt_fetcher"))
	products := newCachingProductsManager(
		newProductsManager(cfg.StoreClient, cfg.RequestTimeout, logging.WithComponent(logger, "products")),
		logging.WithComponent(logger, "products_cache"))
	eligibility := newCachingEligibilityChecker(
		newTrialOrIntroPriceEligibilityChecker(receiptFetcher, parser, products, backend, identity,
			logging.WithComponent(logger, "eligibility")),
		logging.WithComponent(logger, "eligibility_cache"))

	customerInfoManager := newCustomerInfoManager(backend, deviceCache, sysInfo,
		logging.WithComponent(logger, "customer_info"))
	offeringsManager := newOfferingsManager(backend, deviceCache, products, sysInfo,
		IgnoreNotFoundProducts, logging.WithComponent(logger, "offerings"))
	orchestrator := newPurchasesOrchestrator(cfg.StoreClient, cfg.PaymentQueue, receiptFetcher, parser,
		products, customerInfoManager, backend, attributes, identity, sysInfo,
		logging.WithComponent(logger, "orchestrator"))

	return &Purchases{
		cfg:                 cfg,
		logger:              logger,
		systemInfo:          sysInfo,
		deviceCache:         deviceCache,
		identity:            identity,
		attributes:          attributes,
		backend:             backend,
		receiptParser:       parser,
		receiptFetcher:      receiptFetcher,
		products:            products,
		eligibility:         eligibility,
		customerInfoManager: customerInfoManager,
		offeringsManager:    offeringsManager,
		orchestrator:        orchestrator,
	}, nil
}

// AppUserID returns the current app user id.
func (p *Purchases) AppUserID() string {
	return p.identity.currentAppUserID()
}

// IsAnonymous reports whether the current user is an anonymous one.
func (p *Purchases) IsAnonymous() bool {
	return p.identity.currentUserIsAnonymous()
}

// CustomerInfo returns the entitlements snapshot with the default policy:
// not-stale cache, else fetch, degrading to the stale cache on failure.
func (p *Purchases) CustomerInfo(ctx context.Context) (*CustomerInfo, error) {
	return p.CustomerInfoWithPolicy(ctx, FetchPolicyNotStaleCachedOrFetched)
}

// CustomerInfoWithPolicy returns the snapshot with an explicit fetch policy.
func (p *Purchases) CustomerInfoWithPolicy(ctx context.Context, policy CacheFetchPolicy) (*CustomerInfo, error) {
	return p.customerInfoManager.CustomerInfo(ctx, p.AppUserID(), policy)
}

// GetCustomerInfo is the callback form of CustomerInfo.
func (p *Purchases) GetCustomerInfo(completion func(*CustomerInfo, error)) {
	go func() {
		completion(p.CustomerInfo(context.Background()))
	}()
}

// CustomerInfoStream returns a channel receiving each distinct new
// CustomerInfo, and a cancel function to unsubscribe.
func (p *Purchases) CustomerInfoStream() (<-chan *CustomerInfo, func()) {
	return p.customerInfoManager.Subscribe()
}

// Offerings returns the offerings catalog for the current user.
func (p *Purchases) Offerings(ctx context.Context) (*Offerings, error) {
	return p.offeringsManager.Offerings(ctx, p.AppUserID())
}

// GetOfferings is the callback form of Offerings.
func (p *Purchases) GetOfferings(completion func(*Offerings, error)) {
	go func() {
		completion(p.Offerings(context.Background()))
	}()
}

// Products resolves product identifiers through the product cache.
func (p *Purchases) Products(ctx context.Context, identifiers []string) (map[string]*StoreProduct, error) {
	return p.products.Products(ctx, identifiers)
}

// Purchase runs a purchase end to end.
func (p *Purchases) Purchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	return p.orchestrator.Purchase(ctx, params)
}

// PurchaseProduct purchases a bare store product.
func (p *Purchases) PurchaseProduct(ctx context.Context, product *StoreProduct) (*PurchaseResult, error) {
	return p.orchestrator.Purchase(ctx, PurchaseParams{Product: product})
}

// PurchasePackage purchases a package, carrying its offering context.
func (p *Purchases) PurchasePackage(ctx context.Context, pkg *Package) (*PurchaseResult, error) {
	return p.orchestrator.Purchase(ctx, PurchaseParams{Package: pkg})
}

// RestorePurchases posts the refreshed device receipt as a restore.
func (p *Purchases) RestorePurchases(ctx context.Context) (*CustomerInfo, error) {
	return p.orchestrator.RestorePurchases(ctx)
}

// SyncPurchases posts the existing device receipt without forcing a refresh.
func (p *Purchases) SyncPurchases(ctx context.Context) (*CustomerInfo, error) {
	return p.orchestrator.SyncPurchases(ctx)
}

// CheckTrialOrIntroDiscountEligibility computes intro eligibility per
// product identifier.
func (p *Purchases) CheckTrialOrIntroDiscountEligibility(ctx context.Context, productIdentifiers []string) map[string]IntroEligibilityStatus {
	return p.eligibility.CheckEligibility(ctx, productIdentifiers)
}

// LogIn switches to an identified user and fetches their snapshot.
func (p *Purchases) LogIn(ctx context.Context, appUserID string) (*CustomerInfo, error) {
	previous, changed, err := p.identity.logIn(appUserID)
	if err != nil {
		return nil, err
	}
	if changed {
		logging.WithAppUserID(p.logger, appUserID).Info("logged in, switched app user")
		p.customerInfoManager.ClearCustomerInfoCache(previous)
		p.offeringsManager.InvalidateCachedOfferings(previous)
	}
	return p.customerInfoManager.CustomerInfo(ctx, p.AppUserID(), FetchPolicyFetchCurrent)
}

// LogOut discards the identified user, switches to a fresh anonymous one,
// and fetches its snapshot.
func (p *Purchases) LogOut(ctx context.Context) (*CustomerInfo, error) {
	previous, _, err := p.identity.logOut()
	if err != nil {
		return nil, err
	}
	logging.WithAppUserID(p.logger, p.AppUserID()).Info("logged out, switched to anonymous user")
	p.customerInfoManager.ClearCustomerInfoCache(previous)
	p.offeringsManager.InvalidateCachedOfferings(previous)
	return p.customerInfoManager.CustomerInfo(ctx, p.AppUserID(), FetchPolicyFetchCurrent)
}

// SetAttributes records subscriber attributes, synced with the next receipt
// post.
func (p *Purchases) SetAttributes(attributes map[string]string) {
	p.attributes.setAttributes(p.AppUserID(), attributes)
}

// SetAppBackgrounded tells the SDK whether the host app is backgrounded,
// which gates eager stale-cache refreshes.
func (p *Purchases) SetAppBackgrounded(backgrounded bool) {
	p.systemInfo.setAppBackgrounded(backgrounded)
}

// InvalidateCustomerInfoCache drops the cached snapshot for the current
// user; the next read fetches.
func (p *Purchases) InvalidateCustomerInfoCache() {
	p.customerInfoManager.ClearCustomerInfoCache(p.AppUserID())
}

// InvalidateProductsCache drops cached products, e.g. after a store locale
// change.
func (p *Purchases) InvalidateProductsCache() {
	p.products.ClearCache()
	p.eligibility.ClearCache()
}

// Close flushes buffered log output.
func (p *Purchases) Close() {
	_ = p.logger.Sync()
}
