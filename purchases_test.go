package purchases

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bivex/purchases-go/internal/receipt"
)

func newPurchasesFixture(t *testing.T, backend *mockBackend, store *fakeStoreClient) *Purchases {
	t.Helper()
	p, err := newPurchases(&Configuration{
		APIKey:        "appl_test_key",
		AppUserID:     "user",
		StoreClient:   store,
		Backend:       backend,
		ReceiptParser: &fakeReceiptParser{},
		CacheFilePath: "cache.json",
	}, afero.NewMemMapFs())
	require.NoError(t, err)
	return p
}

func TestConfigureRejectsInvalidConfiguration(t *testing.T) {
	_, err := newPurchases(&Configuration{}, afero.NewMemMapFs())
	var confErr *ConfigurationError
	assert.ErrorAs(t, err, &confErr)
}

func TestSharedPanicsWhenUnconfigured(t *testing.T) {
	sharedMu.Lock()
	previous := sharedInstance
	sharedInstance = nil
	sharedMu.Unlock()
	t.Cleanup(func() {
		sharedMu.Lock()
		sharedInstance = previous
		sharedMu.Unlock()
	})

	assert.PanicsWithValue(t, ErrNotConfigured, func() { Shared() })
}

func TestAppUserIDAndAnonymity(t *testing.T) {
	p := newPurchasesFixture(t, &mockBackend{}, newFakeStoreClient())
	assert.Equal(t, "user", p.AppUserID())
	assert.False(t, p.IsAnonymous())
}

func TestLogInFetchesNewUsersInfo(t *testing.T) {
	backend := &mockBackend{}
	backend.On("GetCustomerInfo", mock.Anything, "identified", false).
		Return(testCustomerInfo(t, nil), nil).Once()

	p := newPurchasesFixture(t, backend, newFakeStoreClient())
	info, err := p.LogIn(context.Background(), "identified")
	require.NoError(t, err)
	assert.NotNil(t, info)
	assert.Equal(t, "identified", p.AppUserID())
	backend.AssertExpectations(t)
}

func TestLogOutSwitchesToAnonymous(t *testing.T) {
	backend := &mockBackend{}
	backend.On("GetCustomerInfo", mock.Anything, mock.Anything, false).
		Return(testCustomerInfo(t, nil), nil)

	p := newPurchasesFixture(t, backend, newFakeStoreClient())
	_, err := p.LogOut(context.Background())
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())

	// A second log-out has no identified user left to discard.
	_, err = p.LogOut(context.Background())
	assert.ErrorIs(t, err, ErrLogOutAnonymousUser)
}

func TestGetCustomerInfoCallbackForm(t *testing.T) {
	backend := &mockBackend{}
	backend.On("GetCustomerInfo", mock.Anything, "user", false).
		Return(testCustomerInfo(t, nil), nil)

	p := newPurchasesFixture(t, backend, newFakeStoreClient())

	done := make(chan struct{})
	p.GetCustomerInfo(func(info *CustomerInfo, err error) {
		assert.NoError(t, err)
		assert.NotNil(t, info)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCustomerInfoStreamReceivesUpdates(t *testing.T) {
	backend := &mockBackend{}
	backend.On("GetCustomerInfo", mock.Anything, "user", false).
		Return(testCustomerInfo(t, nil), nil).Once()

	p := newPurchasesFixture(t, backend, newFakeStoreClient())
	ch, cancel := p.CustomerInfoStream()
	defer cancel()

	_, err := p.CustomerInfoWithPolicy(context.Background(), FetchPolicyFetchCurrent)
	require.NoError(t, err)

	select {
	case info := <-ch:
		assert.NotNil(t, info)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a customer info update on the stream")
	}
}

func TestPurchaseProductThroughFacade(t *testing.T) {
	product := subscriptionProduct("com.app.monthly", "group1", true)
	store := newFakeStoreClient(product)
	store.purchaseFn = func(ctx context.Context, p *StoreProduct, offer *PromotionalOffer) (*StoreTransaction, bool, error) {
		return signedTransaction(p.Identifier), false, nil
	}

	backend := &mockBackend{}
	backend.On("PostReceipt", mock.Anything, mock.Anything).
		Return(testCustomerInfo(t, nil), nil).Once()

	p := newPurchasesFixture(t, backend, store)
	result, err := p.PurchaseProduct(context.Background(), product)
	require.NoError(t, err)
	assert.NotNil(t, result.CustomerInfo)
	backend.AssertExpectations(t)
}

func TestInvalidateCustomerInfoCache(t *testing.T) {
	backend := &mockBackend{}
	backend.On("GetCustomerInfo", mock.Anything, "user", false).
		Return(testCustomerInfo(t, nil), nil).Twice()

	p := newPurchasesFixture(t, backend, newFakeStoreClient())

	_, err := p.CustomerInfo(context.Background())
	require.NoError(t, err)

	p.InvalidateCustomerInfoCache()
	_, err = p.CustomerInfo(context.Background())
	require.NoError(t, err)
	backend.AssertExpectations(t)
}

func TestInvalidateProductsCacheForcesRefetch(t *testing.T) {
	store := newFakeStoreClient(subscriptionProduct("com.app.monthly", "group1", true))
	p := newPurchasesFixture(t, &mockBackend{}, store)

	_, err := p.Products(context.Background(), []string{"com.app.monthly"})
	require.NoError(t, err)

	p.InvalidateProductsCache()
	_, err = p.Products(context.Background(), []string{"com.app.monthly"})
	require.NoError(t, err)

	store.mu.Lock()
	calls := store.productCalls
	store.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestSetAttributesRidesNextReceiptPost(t *testing.T) {
	store := newFakeStoreClient()
	store.setReceiptData([]byte("receipt"))

	backend := &mockBackend{}
	backend.On("PostReceipt", mock.Anything, mock.MatchedBy(func(req ReceiptPostRequest) bool {
		return req.SubscriberAttributes["plan_intent"] == "annual"
	})).Return(testCustomerInfo(t, nil), nil).Once()

	p := newPurchasesFixture(t, backend, store)
	p.receiptParser.(*fakeReceiptParser).parsed = &receipt.ParsedReceipt{
		InAppPurchases: []receipt.InAppPurchase{{ProductID: "com.app.monthly", TransactionID: "txn1"}},
	}

	p.SetAttributes(map[string]string{"plan_intent": "annual"})
	_, err := p.SyncPurchases(context.Background())
	require.NoError(t, err)
	backend.AssertExpectations(t)
}
