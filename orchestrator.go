package purchases

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/receipt"
)

// PurchaseParams describes a purchase request. Exactly one of Product or
// Package must be set; Package carries the offering context for analytics.
type PurchaseParams struct {
	Product          *StoreProduct
	Package          *Package
	PromotionalOffer *PromotionalOffer
}

// PurchaseResult is the outcome of a purchase. UserCancelled is a
// distinguished outcome reported alongside the error channel.
type PurchaseResult struct {
	Transaction   *StoreTransaction
	CustomerInfo  *CustomerInfo
	UserCancelled bool
}

type purchaseCompletion func(transaction *StoreTransaction, info *CustomerInfo, userCancelled bool, err error)

// PurchasesOrchestrator drives purchases across both store API generations,
// listens for transaction updates, posts receipts, and reconciles results
// into CustomerInfo. At most one in-flight purchase per product identifier
// is permitted.
type PurchasesOrchestrator struct {
	store          StoreClient
	paymentQueue   PaymentQueue
	receiptFetcher *ReceiptFetcher
	receiptParser  receipt.Parser
	products       *CachingProductsManager
	customerInfo   *CustomerInfoManager
	backend        Backend
	attributes     *subscriberAttributesManager
	identity       *identityManager
	systemInfo     *systemInfo
	logger         *zap.Logger

	// purchaseCallbacks and presentedOfferings are guarded together: both
	// are keyed by product identifier and mutated on the same transitions.
	callbacksMu        sync.Mutex
	purchaseCallbacks  map[string]purchaseCompletion
	presentedOfferings map[string]string
}

func newPurchasesOrchestrator(
	store StoreClient,
	paymentQueue PaymentQueue,
	receiptFetcher *ReceiptFetcher,
	receiptParser receipt.Parser,
	products *CachingProductsManager,
	customerInfo *CustomerInfoManager,
	backend Backend,
	attributes *subscriberAttributesManager,
	identity *identityManager,
	systemInfo *systemInfo,
	logger *zap.Logger,
) *PurchasesOrchestrator {
	o := &PurchasesOrchestrator{
		store:              store,
		paymentQueue:       paymentQueue,
		receiptFetcher:     receiptFetcher,
		receiptParser:      receiptParser,
		products:           products,
		customerInfo:       customerInfo,
		backend:            backend,
		attributes:         attributes,
		identity:           identity,
		systemInfo:         systemInfo,
		logger:             logger,
		purchaseCallbacks:  make(map[string]purchaseCompletion),
		presentedOfferings: make(map[string]string),
	}
	if paymentQueue != nil {
		paymentQueue.SetObserver(o)
	}
	return o
}

// Purchase runs a purchase through whichever store API generation is
// available, blocking until the transaction pipeline completes.
func (o *PurchasesOrchestrator) Purchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	product := params.Product
	presentedOfferingID := ""
	if params.Package != nil {
		product = params.Package.StoreProduct
		presentedOfferingID = params.Package.OfferingIdentifier
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	productID := product.Identifier

	type outcome struct {
		result PurchaseResult
		err    error
	}
	done := make(chan outcome, 1)
	completion := func(transaction *StoreTransaction, info *CustomerInfo, userCancelled bool, err error) {
		done <- outcome{PurchaseResult{Transaction: transaction, CustomerInfo: info, UserCancelled: userCancelled}, err}
	}

	if !o.savePurchaseCallback(productID, completion, presentedOfferingID) {
		o.logger.Warn("purchase already in progress", zap.String("product_id", productID))
		return nil, ErrOperationAlreadyInProgress
	}

	o.products.CacheProduct(product)

	if o.store.SupportsModernPurchases() {
		go o.purchaseModern(ctx, product, params.PromotionalOffer, productID)
	} else if o.paymentQueue != nil {
		o.paymentQueue.AddPayment(Payment{
			ProductIdentifier: productID,
			Quantity:          1,
			Discount:          params.PromotionalOffer,
		})
	} else {
		o.resolvePurchase(productID, nil, nil, false,
			&ConfigurationError{Reason: "store supports neither purchase API generation"})
	}

	select {
	case out := <-done:
		if out.err != nil {
			return &out.result, out.err
		}
		return &out.result, nil
	case <-ctx.Done():
		// The pipeline keeps running so the transaction still gets finished;
		// the single-flight guard stays held until it completes.
		return nil, ctx.Err()
	}
}

func (o *PurchasesOrchestrator) purchaseModern(ctx context.Context, product *StoreProduct, offer *PromotionalOffer, productID string) {
	transaction, userCancelled, err := o.store.Purchase(ctx, product, offer)
	if userCancelled {
		o.resolvePurchase(productID, transaction, nil, true, ErrPurchaseCancelled)
		return
	}
	if err != nil {
		o.resolvePurchase(productID, transaction, nil, false, err)
		return
	}
	o.handlePurchasedTransaction(ctx, transaction)
}

// UpdatedTransaction receives legacy payment-queue transaction updates.
func (o *PurchasesOrchestrator) UpdatedTransaction(transaction *StoreTransaction) {
	switch transaction.State {
	case TransactionStatePurchased, TransactionStateRestored:
		go o.handlePurchasedTransaction(context.Background(), transaction)
	case TransactionStateFailed:
		userCancelled := errors.Is(transaction.Err, ErrPurchaseCancelled)
		// A failed transaction had no platform side effect worth keeping;
		// finish it so the queue stops redelivering.
		o.finishTransactionIfNeeded(context.Background(), transaction)
		o.resolvePurchase(transaction.ProductIdentifier, transaction, nil, userCancelled, transaction.Err)
	case TransactionStateDeferred:
		o.resolvePurchase(transaction.ProductIdentifier, transaction, nil, false, ErrPaymentPending)
	case TransactionStatePurchasing:
		// Intermediate state, nothing to do.
	}
}

// handlePurchasedTransaction runs the completion pipeline: receipt →
// product data → backend post → cache → finish → completion. The completion
// always fires after the transaction-finish decision.
func (o *PurchasesOrchestrator) handlePurchasedTransaction(ctx context.Context, transaction *StoreTransaction) {
	productID := transaction.ProductIdentifier

	encoded, err := o.receiptFetcher.EncodedReceipt(ctx, transaction)
	if err != nil {
		o.resolvePurchase(productID, transaction, nil, false, err)
		return
	}
	if encoded.IsEmpty() {
		o.logger.Warn("no receipt available for purchased transaction",
			zap.String("product_id", productID))
		o.resolvePurchase(productID, transaction, nil, false, ErrMissingReceipt)
		return
	}

	appUserID := o.identity.currentAppUserID()
	unsynced := o.attributes.unsyncedAttributes(appUserID)

	info, err := o.backend.PostReceipt(ctx, ReceiptPostRequest{
		Receipt:              encoded,
		AppUserID:            appUserID,
		IsRestore:            transaction.State == TransactionStateRestored,
		ProductData:          o.productData(ctx, productID),
		PresentedOfferingID:  o.popPresentedOffering(productID),
		ObserverMode:         o.systemInfo.observerMode,
		SubscriberAttributes: unsynced,
	})
	if err != nil {
		if IsFinishable(err) {
			// The backend rejected this receipt for good; retrying the same
			// transaction cannot succeed, so stop the redelivery loop.
			o.markAttributesSynced(appUserID, unsynced)
			o.finishTransactionIfNeeded(ctx, transaction)
		}
		o.resolvePurchase(productID, transaction, nil, false, err)
		return
	}

	o.customerInfo.CacheCustomerInfo(info, appUserID)
	o.markAttributesSynced(appUserID, unsynced)
	o.finishTransactionIfNeeded(ctx, transaction)
	o.resolvePurchase(productID, transaction, info, false, nil)
}

// RestorePurchases force-refreshes the receipt and posts it as a restore.
func (o *PurchasesOrchestrator) RestorePurchases(ctx context.Context) (*CustomerInfo, error) {
	return o.syncPurchases(ctx, RefreshPolicyAlways(), true)
}

// SyncPurchases posts the existing receipt without forcing a refresh.
func (o *PurchasesOrchestrator) SyncPurchases(ctx context.Context) (*CustomerInfo, error) {
	return o.syncPurchases(ctx, RefreshPolicyOnlyIfEmpty(), false)
}

func (o *PurchasesOrchestrator) syncPurchases(ctx context.Context, policy ReceiptRefreshPolicy, isRestore bool) (*CustomerInfo, error) {
	appUserID := o.identity.currentAppUserID()

	data, err := o.receiptFetcher.ReceiptData(ctx, policy)
	if err != nil {
		return nil, err
	}

	// A device with an empty receipt but known backend history should not
	// produce a spurious "no purchases" round trip.
	if !o.receiptHasTransactions(ctx, data) {
		if cached := o.customerInfo.CachedCustomerInfo(appUserID); cached != nil && cached.OriginalPurchaseDate != nil {
			o.logger.Debug("receipt has no transactions, returning cached customer info")
			return cached, nil
		}
		if len(data) == 0 {
			return nil, ErrMissingReceipt
		}
	}

	unsynced := o.attributes.unsyncedAttributes(appUserID)
	info, err := o.backend.PostReceipt(ctx, ReceiptPostRequest{
		Receipt:              receipt.NewEncodedData(data),
		AppUserID:            appUserID,
		IsRestore:            isRestore,
		ObserverMode:         o.systemInfo.observerMode,
		SubscriberAttributes: unsynced,
	})
	if err != nil {
		return nil, err
	}
	o.customerInfo.CacheCustomerInfo(info, appUserID)
	o.markAttributesSynced(appUserID, unsynced)
	return info, nil
}

func (o *PurchasesOrchestrator) receiptHasTransactions(ctx context.Context, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	parsed, err := o.receiptParser.Parse(ctx, data)
	if err != nil {
		o.logger.Debug("receipt parse failed during sync, assuming it has transactions", zap.Error(err))
		return true
	}
	return len(parsed.InAppPurchases) > 0
}

func (o *PurchasesOrchestrator) productData(ctx context.Context, productID string) *ProductRequestData {
	products, err := o.products.Products(ctx, []string{productID})
	if err != nil {
		o.logger.Debug("could not resolve product data for receipt post", zap.Error(err))
		return nil
	}
	product, ok := products[productID]
	if !ok {
		return nil
	}
	data := &ProductRequestData{
		ProductIdentifier:   product.Identifier,
		Price:               product.Price,
		CurrencyCode:        product.CurrencyCode,
		SubscriptionGroupID: product.SubscriptionGroupID,
	}
	if product.IntroductoryDiscount != nil {
		price := product.IntroductoryDiscount.Price
		data.IntroPrice = &price
	}
	return data
}

func (o *PurchasesOrchestrator) markAttributesSynced(appUserID string, attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	o.attributes.markSynced(appUserID, keys)
}

func (o *PurchasesOrchestrator) finishTransactionIfNeeded(ctx context.Context, transaction *StoreTransaction) {
	if !o.systemInfo.finishTransactions() {
		return
	}
	if o.store.SupportsModernPurchases() || o.paymentQueue == nil {
		if err := o.store.FinishTransaction(ctx, transaction); err != nil {
			o.logger.Warn("failed to finish transaction", zap.Error(err))
		}
		return
	}
	o.paymentQueue.FinishTransaction(transaction)
}

// savePurchaseCallback reserves the single-flight slot for the product.
// Returns false when a purchase is already pending.
func (o *PurchasesOrchestrator) savePurchaseCallback(productID string, completion purchaseCompletion, presentedOfferingID string) bool {
	o.callbacksMu.Lock()
	defer o.callbacksMu.Unlock()
	if _, exists := o.purchaseCallbacks[productID]; exists {
		return false
	}
	o.purchaseCallbacks[productID] = completion
	if presentedOfferingID != "" {
		o.presentedOfferings[productID] = presentedOfferingID
	}
	return true
}

func (o *PurchasesOrchestrator) popPresentedOffering(productID string) string {
	o.callbacksMu.Lock()
	defer o.callbacksMu.Unlock()
	offeringID := o.presentedOfferings[productID]
	delete(o.presentedOfferings, productID)
	return offeringID
}

// resolvePurchase fires and releases the completion for the product, if one
// is registered. Transactions observed without an initiating purchase
// (renewals, other devices) have no callback; their pipeline work already
// happened by the time this is called.
func (o *PurchasesOrchestrator) resolvePurchase(productID string, transaction *StoreTransaction, info *CustomerInfo, userCancelled bool, err error) {
	o.callbacksMu.Lock()
	completion, ok := o.purchaseCallbacks[productID]
	delete(o.purchaseCallbacks, productID)
	delete(o.presentedOfferings, productID)
	o.callbacksMu.Unlock()

	if !ok {
		o.logger.Debug("transaction resolved without a pending purchase",
			zap.String("product_id", productID))
		return
	}
	completion(transaction, info, userCancelled, err)
}
