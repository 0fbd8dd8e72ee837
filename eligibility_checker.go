package purchases

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/receipt"
)

// EligibilityChecker computes introductory/trial eligibility per product
// identifier. Results are best-effort: identifiers that cannot be resolved
// come back as EligibilityUnknown, never as an error.
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, productIdentifiers []string) map[string]IntroEligibilityStatus
	ClearCache()
}

// TrialOrIntroPriceEligibilityChecker resolves eligibility from on-device
// data first — product metadata and the parsed receipt — and falls back to a
// backend lookup for only the identifiers local data cannot disambiguate.
type TrialOrIntroPriceEligibilityChecker struct {
	receiptFetcher *ReceiptFetcher
	receiptParser  receipt.Parser
	products       ProductsFetcher
	backend        Backend
	identity       *identityManager
	logger         *zap.Logger
}

func newTrialOrIntroPriceEligibilityChecker(
	receiptFetcher *ReceiptFetcher,
	receiptParser receipt.Parser,
	products ProductsFetcher,
	backend Backend,
	identity *identityManager,
	logger *zap.Logger,
) *TrialOrIntroPriceEligibilityChecker {
	return &TrialOrIntroPriceEligibilityChecker{
		receiptFetcher: receiptFetcher,
		receiptParser:  receiptParser,
		products:       products,
		backend:        backend,
		identity:       identity,
		logger:         logger,
	}
}

func (c *TrialOrIntroPriceEligibilityChecker) CheckEligibility(ctx context.Context, productIdentifiers []string) map[string]IntroEligibilityStatus {
	result := make(map[string]IntroEligibilityStatus, len(productIdentifiers))
	for _, id := range productIdentifiers {
		result[id] = EligibilityUnknown
	}
	if len(productIdentifiers) == 0 {
		return result
	}

	products, err := c.products.Products(ctx, productIdentifiers)
	if err != nil {
		c.logger.Debug("product fetch failed during eligibility check", zap.Error(err))
		products = map[string]*StoreProduct{}
	}

	// Products without an intro offer never need a receipt or a network
	// round-trip.
	var needsReceiptCheck []string
	for _, id := range productIdentifiers {
		product, ok := products[id]
		if !ok {
			continue
		}
		if product.IntroductoryDiscount == nil {
			result[id] = EligibilityNoIntroOfferExists
		} else {
			needsReceiptCheck = append(needsReceiptCheck, id)
		}
	}

	receiptData, _ := c.receiptFetcher.ReceiptData(ctx, RefreshPolicyOnlyIfEmpty())
	if len(needsReceiptCheck) > 0 {
		c.checkWithReceipt(ctx, needsReceiptCheck, products, receiptData, result)
	}

	var unresolved []string
	for _, id := range productIdentifiers {
		if result[id] == EligibilityUnknown {
			unresolved = append(unresolved, id)
		}
	}
	if len(unresolved) > 0 {
		c.checkWithBackend(ctx, unresolved, receiptData, result)
	}
	return result
}

// checkWithReceipt applies the local heuristics: a user is ineligible for a
// product's intro offer when they already consumed an intro or trial in that
// product's subscription group, or currently hold an active subscription in
// the group.
func (c *TrialOrIntroPriceEligibilityChecker) checkWithReceipt(
	ctx context.Context,
	identifiers []string,
	products map[string]*StoreProduct,
	receiptData []byte,
	result map[string]IntroEligibilityStatus,
) {
	if len(receiptData) == 0 {
		// No purchase history at all: every intro offer is fair game.
		for _, id := range identifiers {
			result[id] = EligibilityEligible
		}
		return
	}

	parsed, err := c.receiptParser.Parse(ctx, receiptData)
	if err != nil {
		c.logger.Debug("receipt parse failed during eligibility check", zap.Error(err))
		return
	}

	consumedIntro := parsed.PurchasedIntroOfferOrFreeTrialProductIdentifiers()
	activeSubs := parsed.ActiveSubscriptionProductIdentifiers(timeNow())

	// Group membership for the products already in the receipt, so "another
	// product in the same group" can be resolved.
	receiptProducts := c.receiptProductMetadata(ctx, parsed)
	groupConsumedIntro := make(map[string]bool)
	groupActiveSub := make(map[string]bool)
	for productID, product := range receiptProducts {
		if product.SubscriptionGroupID == "" {
			continue
		}
		if consumedIntro[productID] {
			groupConsumedIntro[product.SubscriptionGroupID] = true
		}
		if activeSubs[productID] {
			groupActiveSub[product.SubscriptionGroupID] = true
		}
	}

	for _, id := range identifiers {
		product := products[id]
		switch {
		case consumedIntro[id]:
			result[id] = EligibilityIneligible
		case product.SubscriptionGroupID == "":
			// Cannot reason about the group; leave unknown for the backend.
		case groupConsumedIntro[product.SubscriptionGroupID] || groupActiveSub[product.SubscriptionGroupID]:
			result[id] = EligibilityIneligible
		default:
			result[id] = EligibilityEligible
		}
	}
}

func (c *TrialOrIntroPriceEligibilityChecker) receiptProductMetadata(ctx context.Context, parsed *receipt.ParsedReceipt) map[string]*StoreProduct {
	seen := make(map[string]bool)
	var identifiers []string
	for _, purchase := range parsed.InAppPurchases {
		if !seen[purchase.ProductID] {
			seen[purchase.ProductID] = true
			identifiers = append(identifiers, purchase.ProductID)
		}
	}
	if len(identifiers) == 0 {
		return map[string]*StoreProduct{}
	}
	products, err := c.products.Products(ctx, identifiers)
	if err != nil {
		c.logger.Debug("failed to resolve receipt products for eligibility", zap.Error(err))
		return map[string]*StoreProduct{}
	}
	return products
}

func (c *TrialOrIntroPriceEligibilityChecker) checkWithBackend(
	ctx context.Context,
	identifiers []string,
	receiptData []byte,
	result map[string]IntroEligibilityStatus,
) {
	statuses, err := c.backend.GetIntroEligibility(ctx, c.identity.currentAppUserID(), receiptData, identifiers)
	if err != nil {
		c.logger.Debug("backend eligibility lookup failed", zap.Error(err))
		return
	}
	for id, status := range statuses {
		result[id] = status
	}
}

// ClearCache is a no-op; see CachingTrialOrIntroPriceEligibilityChecker.
func (c *TrialOrIntroPriceEligibilityChecker) ClearCache() {}

type eligibilityCompletion func(map[string]IntroEligibilityStatus)

// CachingTrialOrIntroPriceEligibilityChecker decorates an EligibilityChecker
// with per-identifier result caching and the same exact-set in-flight
// request de-duplication CachingProductsManager uses.
//
// The cache check and store are not atomic across the whole flow; the worst
// case of the race is a redundant duplicate lookup, never a wrong answer.
type CachingTrialOrIntroPriceEligibilityChecker struct {
	checker EligibilityChecker
	logger  *zap.Logger

	cacheMu          sync.Mutex
	eligibilityCache map[string]IntroEligibilityStatus

	requestMu    sync.Mutex
	requestCache map[string][]eligibilityCompletion
}

func newCachingEligibilityChecker(checker EligibilityChecker, logger *zap.Logger) *CachingTrialOrIntroPriceEligibilityChecker {
	return &CachingTrialOrIntroPriceEligibilityChecker{
		checker:          checker,
		logger:           logger,
		eligibilityCache: make(map[string]IntroEligibilityStatus),
		requestCache:     make(map[string][]eligibilityCompletion),
	}
}

func (c *CachingTrialOrIntroPriceEligibilityChecker) CheckEligibility(ctx context.Context, productIdentifiers []string) map[string]IntroEligibilityStatus {
	done := make(chan map[string]IntroEligibilityStatus, 1)
	c.checkWithCompletion(ctx, productIdentifiers, func(statuses map[string]IntroEligibilityStatus) {
		done <- statuses
	})

	select {
	case statuses := <-done:
		return statuses
	case <-ctx.Done():
		result := make(map[string]IntroEligibilityStatus, len(productIdentifiers))
		for _, id := range productIdentifiers {
			result[id] = EligibilityUnknown
		}
		return result
	}
}

func (c *CachingTrialOrIntroPriceEligibilityChecker) checkWithCompletion(ctx context.Context, identifiers []string, completion eligibilityCompletion) {
	cached := c.cachedStatuses(identifiers)
	if len(cached) == len(identifiers) {
		completion(cached)
		return
	}

	missing := make([]string, 0, len(identifiers)-len(cached))
	for _, id := range identifiers {
		if _, ok := cached[id]; !ok {
			missing = append(missing, id)
		}
	}

	wrapped := func(fetched map[string]IntroEligibilityStatus) {
		merged := make(map[string]IntroEligibilityStatus, len(identifiers))
		for id, status := range cached {
			merged[id] = status
		}
		for id, status := range fetched {
			merged[id] = status
		}
		completion(merged)
	}

	key := requestCacheKey(missing)
	if c.saveCompletion(key, wrapped) {
		c.logger.Debug("eligibility request already in flight, queueing",
			zap.Strings("identifiers", missing))
		return
	}

	go func() {
		statuses := c.checker.CheckEligibility(ctx, missing)
		c.cacheStatuses(statuses)
		for _, queued := range c.popCompletions(key) {
			queued(statuses)
		}
	}()
}

func (c *CachingTrialOrIntroPriceEligibilityChecker) cachedStatuses(identifiers []string) map[string]IntroEligibilityStatus {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	cached := make(map[string]IntroEligibilityStatus)
	for _, id := range identifiers {
		if status, ok := c.eligibilityCache[id]; ok {
			cached[id] = status
		}
	}
	return cached
}

// cacheStatuses stores resolved statuses. Unknown is never cached, so a
// later request retries the lookup.
func (c *CachingTrialOrIntroPriceEligibilityChecker) cacheStatuses(statuses map[string]IntroEligibilityStatus) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for id, status := range statuses {
		if status != EligibilityUnknown {
			c.eligibilityCache[id] = status
		}
	}
}

func (c *CachingTrialOrIntroPriceEligibilityChecker) saveCompletion(key string, completion eligibilityCompletion) bool {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	inFlight := len(c.requestCache[key]) > 0
	c.requestCache[key] = append(c.requestCache[key], completion)
	return inFlight
}

func (c *CachingTrialOrIntroPriceEligibilityChecker) popCompletions(key string) []eligibilityCompletion {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	completions := c.requestCache[key]
	delete(c.requestCache, key)
	return completions
}

// ClearCache removes all cached statuses without affecting in-flight
// requests.
func (c *CachingTrialOrIntroPriceEligibilityChecker) ClearCache() {
	c.cacheMu.Lock()
	c.eligibilityCache = make(map[string]IntroEligibilityStatus)
	c.cacheMu.Unlock()

	c.checker.ClearCache()
}
