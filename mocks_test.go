package purchases

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/devicecache"
	"github.com/bivex/purchases-go/internal/receipt"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testDeviceCache(t *testing.T) *devicecache.DeviceCache {
	t.Helper()
	return devicecache.New(afero.NewMemMapFs(), "cache.json", testLogger())
}

// mockBackend is a testify mock of the Backend contract.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) PostReceipt(ctx context.Context, req ReceiptPostRequest) (*CustomerInfo, error) {
	args := m.Called(ctx, req)
	info, _ := args.Get(0).(*CustomerInfo)
	return info, args.Error(1)
}

func (m *mockBackend) GetCustomerInfo(ctx context.Context, appUserID string, appBackgrounded bool) (*CustomerInfo, error) {
	args := m.Called(ctx, appUserID, appBackgrounded)
	info, _ := args.Get(0).(*CustomerInfo)
	return info, args.Error(1)
}

func (m *mockBackend) GetOfferings(ctx context.Context, appUserID string, appBackgrounded bool) (*OfferingsPayload, error) {
	args := m.Called(ctx, appUserID, appBackgrounded)
	payload, _ := args.Get(0).(*OfferingsPayload)
	return payload, args.Error(1)
}

func (m *mockBackend) GetIntroEligibility(ctx context.Context, appUserID string, receiptData []byte, productIdentifiers []string) (map[string]IntroEligibilityStatus, error) {
	args := m.Called(ctx, appUserID, receiptData, productIdentifiers)
	statuses, _ := args.Get(0).(map[string]IntroEligibilityStatus)
	return statuses, args.Error(1)
}

// fakeStoreClient is a configurable store bridge with call counting.
type fakeStoreClient struct {
	mu sync.Mutex

	products     map[string]*StoreProduct
	productsErr  error
	productCalls int

	purchaseFn    func(ctx context.Context, product *StoreProduct, offer *PromotionalOffer) (*StoreTransaction, bool, error)
	purchaseCalls int

	receiptData  []byte
	refreshFn    func(ctx context.Context) error
	refreshCalls int

	finished []string
	modern   bool
}

func newFakeStoreClient(products ...*StoreProduct) *fakeStoreClient {
	byID := make(map[string]*StoreProduct)
	for _, p := range products {
		byID[p.Identifier] = p
	}
	return &fakeStoreClient{products: byID, modern: true}
}

func (s *fakeStoreClient) Products(ctx context.Context, identifiers []string) ([]*StoreProduct, error) {
	s.mu.Lock()
	s.productCalls++
	err := s.productsErr
	var result []*StoreProduct
	for _, id := range identifiers {
		if p, ok := s.products[id]; ok {
			result = append(result, p)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *fakeStoreClient) Purchase(ctx context.Context, product *StoreProduct, offer *PromotionalOffer) (*StoreTransaction, bool, error) {
	s.mu.Lock()
	s.purchaseCalls++
	fn := s.purchaseFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, product, offer)
	}
	return &StoreTransaction{
		TransactionID:     "tx-" + product.Identifier,
		ProductIdentifier: product.Identifier,
		Quantity:          1,
		PurchaseDate:      time.Now(),
		State:             TransactionStatePurchased,
	}, false, nil
}

func (s *fakeStoreClient) ReceiptData() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptData, nil
}

func (s *fakeStoreClient) setReceiptData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptData = data
}

func (s *fakeStoreClient) RefreshReceipt(ctx context.Context) error {
	s.mu.Lock()
	s.refreshCalls++
	fn := s.refreshFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (s *fakeStoreClient) FinishTransaction(ctx context.Context, transaction *StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, transaction.TransactionID)
	return nil
}

func (s *fakeStoreClient) finishedTransactions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

func (s *fakeStoreClient) SupportsModernPurchases() bool {
	return s.modern
}

// fakeReceiptParser returns a fixed parse result.
type fakeReceiptParser struct {
	mu     sync.Mutex
	parsed *receipt.ParsedReceipt
	err    error
	calls  int
}

func (p *fakeReceiptParser) Parse(ctx context.Context, data []byte) (*receipt.ParsedReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.parsed == nil {
		return &receipt.ParsedReceipt{}, nil
	}
	return p.parsed, nil
}

// fakePaymentQueue collects submitted payments and forwards finish calls.
type fakePaymentQueue struct {
	mu       sync.Mutex
	observer TransactionObserver
	payments []Payment
	finished []string
}

func (q *fakePaymentQueue) AddPayment(payment Payment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payments = append(q.payments, payment)
}

func (q *fakePaymentQueue) SetObserver(observer TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = observer
}

func (q *fakePaymentQueue) FinishTransaction(transaction *StoreTransaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = append(q.finished, transaction.TransactionID)
}

func (q *fakePaymentQueue) deliver(transaction *StoreTransaction) {
	q.mu.Lock()
	observer := q.observer
	q.mu.Unlock()
	observer.UpdatedTransaction(transaction)
}

// customerInfoJSON builds a minimal backend subscriber payload.
func customerInfoJSON(t *testing.T, originalPurchaseDate *time.Time, requestDate time.Time) []byte {
	t.Helper()
	payload := map[string]any{
		"request_date": requestDate.Format(time.RFC3339),
		"subscriber": map[string]any{
			"original_app_user_id": "user",
			"first_seen":           requestDate.Format(time.RFC3339),
			"subscriptions":        map[string]any{},
			"entitlements":         map[string]any{},
		},
	}
	if originalPurchaseDate != nil {
		payload["subscriber"].(map[string]any)["original_purchase_date"] = originalPurchaseDate.Format(time.RFC3339)
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func testCustomerInfo(t *testing.T, originalPurchaseDate *time.Time) *CustomerInfo {
	t.Helper()
	info, err := newCustomerInfo(customerInfoJSON(t, originalPurchaseDate, time.Now().UTC()), VerificationNotVerified, testLogger())
	require.NoError(t, err)
	return info
}

func subscriptionProduct(id, group string, intro bool) *StoreProduct {
	product := &StoreProduct{
		Identifier:          id,
		Price:               9.99,
		CurrencyCode:        "USD",
		SubscriptionGroupID: group,
		SubscriptionPeriod:  &SubscriptionPeriod{Value: 1, Unit: PeriodUnitMonth},
	}
	if intro {
		product.IntroductoryDiscount = &StoreProductDiscount{
			Price:              0,
			PaymentMode:        PaymentModeFreeTrial,
			SubscriptionPeriod: SubscriptionPeriod{Value: 1, Unit: PeriodUnitWeek},
			NumberOfPeriods:    1,
		}
	}
	return product
}
