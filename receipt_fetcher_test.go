package purchases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/purchases-go/internal/receipt"
)

func newReceiptFetcherFixture(store *fakeStoreClient, parser *fakeReceiptParser) *ReceiptFetcher {
	return newReceiptFetcher(store, parser, &systemInfo{}, testLogger())
}

func TestReceiptDataNeverPolicy(t *testing.T) {
	store := newFakeStoreClient()
	store.setReceiptData([]byte("local"))
	fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

	data, err := fetcher.ReceiptData(context.Background(), RefreshPolicyNever())
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)
	assert.Equal(t, 0, store.refreshCalls)
}

func TestReceiptDataAlwaysPolicyRefreshes(t *testing.T) {
	store := newFakeStoreClient()
	store.setReceiptData([]byte("stale"))
	store.refreshFn = func(ctx context.Context) error {
		store.setReceiptData([]byte("fresh"))
		return nil
	}
	fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

	data, err := fetcher.ReceiptData(context.Background(), RefreshPolicyAlways())
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
	assert.Equal(t, 1, store.refreshCalls)
}

func TestReceiptDataOnlyIfEmptyPolicy(t *testing.T) {
	t.Run("existing receipt is returned without refresh", func(t *testing.T) {
		store := newFakeStoreClient()
		store.setReceiptData([]byte("local"))
		fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

		data, err := fetcher.ReceiptData(context.Background(), RefreshPolicyOnlyIfEmpty())
		require.NoError(t, err)
		assert.Equal(t, []byte("local"), data)
		assert.Equal(t, 0, store.refreshCalls)
	})

	t.Run("empty receipt triggers refresh", func(t *testing.T) {
		store := newFakeStoreClient()
		store.refreshFn = func(ctx context.Context) error {
			store.setReceiptData([]byte("fresh"))
			return nil
		}
		fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

		data, err := fetcher.ReceiptData(context.Background(), RefreshPolicyOnlyIfEmpty())
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), data)
		assert.Equal(t, 1, store.refreshCalls)
	})

	t.Run("empty after refresh is a signal, not an error", func(t *testing.T) {
		store := newFakeStoreClient()
		fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

		data, err := fetcher.ReceiptData(context.Background(), RefreshPolicyOnlyIfEmpty())
		require.NoError(t, err)
		assert.Empty(t, data)
	})
}

func TestReceiptDataRetryUntilProductFound(t *testing.T) {
	t.Run("stops as soon as the product appears", func(t *testing.T) {
		store := newFakeStoreClient()
		parser := &fakeReceiptParser{}
		store.refreshFn = func(ctx context.Context) error {
			if store.refreshCalls >= 2 {
				store.setReceiptData([]byte("receipt"))
				parser.mu.Lock()
				parser.parsed = &receipt.ParsedReceipt{
					InAppPurchases: []receipt.InAppPurchase{{
						ProductID:     "com.app.monthly",
						TransactionID: "txn1",
						PurchaseDate:  time.Now(),
					}},
				}
				parser.mu.Unlock()
			}
			return nil
		}
		fetcher := newReceiptFetcherFixture(store, parser)

		policy := RefreshPolicyRetryUntilProductFoundWith("com.app.monthly", 5, time.Millisecond)
		data, err := fetcher.ReceiptData(context.Background(), policy)
		require.NoError(t, err)
		assert.Equal(t, []byte("receipt"), data)
		assert.Equal(t, 2, store.refreshCalls)
	})

	t.Run("exhausted budget still returns the last receipt", func(t *testing.T) {
		store := newFakeStoreClient()
		store.setReceiptData([]byte("receipt-without-product"))
		parser := &fakeReceiptParser{parsed: &receipt.ParsedReceipt{}}
		fetcher := newReceiptFetcherFixture(store, parser)

		policy := RefreshPolicyRetryUntilProductFoundWith("com.app.monthly", 2, time.Millisecond)
		data, err := fetcher.ReceiptData(context.Background(), policy)
		require.NoError(t, err)
		assert.Equal(t, []byte("receipt-without-product"), data)
		assert.Equal(t, 3, store.refreshCalls)
	})

	t.Run("cancellation surfaces as an error", func(t *testing.T) {
		store := newFakeStoreClient()
		parser := &fakeReceiptParser{}
		fetcher := newReceiptFetcherFixture(store, parser)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		policy := RefreshPolicyRetryUntilProductFoundWith("com.app.monthly", 2, time.Millisecond)
		_, err := fetcher.ReceiptData(ctx, policy)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEncodedReceiptPrefersSignedTransaction(t *testing.T) {
	store := newFakeStoreClient()
	fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

	encoded, err := fetcher.EncodedReceipt(context.Background(), &StoreTransaction{
		TransactionID:     "txn1",
		ProductIdentifier: "com.app.monthly",
		JWSRepresentation: "signed.jws.payload",
	})
	require.NoError(t, err)
	assert.Equal(t, receipt.KindJWS, encoded.ReceiptKind())
	assert.Equal(t, "signed.jws.payload", encoded.JWS())
	assert.Equal(t, 0, store.refreshCalls)
}

func TestEncodedReceiptFallsBackToLocalData(t *testing.T) {
	store := newFakeStoreClient()
	store.setReceiptData([]byte("local"))
	fetcher := newReceiptFetcherFixture(store, &fakeReceiptParser{})

	encoded, err := fetcher.EncodedReceipt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, receipt.KindData, encoded.ReceiptKind())
	assert.Equal(t, []byte("local"), encoded.Data())
}
