package purchases

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/receipt"
)

// Defaults for the retry-until-product-found refresh policy. After a
// purchase completes, the store rewrites the receipt file with a short
// eventual-consistency window; a few spaced refreshes cover it.
const (
	receiptRetryCount         = 3
	receiptRetrySleepDuration = 5 * time.Second
)

type refreshKind int

const (
	refreshAlways refreshKind = iota
	refreshOnlyIfEmpty
	refreshNever
	refreshRetryUntilProductFound
)

// ReceiptRefreshPolicy controls whether and how ReceiptFetcher asks the
// store to rewrite the local receipt before returning it.
type ReceiptRefreshPolicy struct {
	kind              refreshKind
	productIdentifier string
	maxRetries        uint64
	sleep             time.Duration
}

// RefreshPolicyAlways forces a store refresh, bypassing any local copy.
func RefreshPolicyAlways() ReceiptRefreshPolicy {
	return ReceiptRefreshPolicy{kind: refreshAlways}
}

// RefreshPolicyOnlyIfEmpty refreshes only when no local receipt exists.
func RefreshPolicyOnlyIfEmpty() ReceiptRefreshPolicy {
	return ReceiptRefreshPolicy{kind: refreshOnlyIfEmpty}
}

// RefreshPolicyNever returns whatever is on disk without refreshing.
func RefreshPolicyNever() ReceiptRefreshPolicy {
	return ReceiptRefreshPolicy{kind: refreshNever}
}

// RefreshPolicyRetryUntilProductFound refreshes repeatedly until the receipt
// contains an active purchase for the product, with the default retry budget.
func RefreshPolicyRetryUntilProductFound(productIdentifier string) ReceiptRefreshPolicy {
	return RefreshPolicyRetryUntilProductFoundWith(productIdentifier, receiptRetryCount, receiptRetrySleepDuration)
}

// RefreshPolicyRetryUntilProductFoundWith is RefreshPolicyRetryUntilProductFound
// with an explicit retry budget.
func RefreshPolicyRetryUntilProductFoundWith(productIdentifier string, maxRetries uint64, sleep time.Duration) ReceiptRefreshPolicy {
	return ReceiptRefreshPolicy{
		kind:              refreshRetryUntilProductFound,
		productIdentifier: productIdentifier,
		maxRetries:        maxRetries,
		sleep:             sleep,
	}
}

// ReceiptFetcher loads the raw platform receipt blob, refreshing it per
// policy. An empty result is a signal ("no receipt available"), not an
// error; the error channel is reserved for cancellation.
type ReceiptFetcher struct {
	store      StoreClient
	parser     receipt.Parser
	systemInfo *systemInfo
	logger     *zap.Logger
}

func newReceiptFetcher(store StoreClient, parser receipt.Parser, systemInfo *systemInfo, logger *zap.Logger) *ReceiptFetcher {
	return &ReceiptFetcher{store: store, parser: parser, systemInfo: systemInfo, logger: logger}
}

// ReceiptData returns the receipt blob per the refresh policy.
func (f *ReceiptFetcher) ReceiptData(ctx context.Context, policy ReceiptRefreshPolicy) ([]byte, error) {
	switch policy.kind {
	case refreshNever:
		return f.localReceipt(), nil
	case refreshAlways:
		f.refresh(ctx)
		return f.checkedLocalReceipt(), nil
	case refreshOnlyIfEmpty:
		data := f.localReceipt()
		if len(data) > 0 {
			return data, nil
		}
		f.refresh(ctx)
		return f.checkedLocalReceipt(), nil
	case refreshRetryUntilProductFound:
		return f.retryUntilProductFound(ctx, policy)
	default:
		return f.localReceipt(), nil
	}
}

// EncodedReceipt returns the receipt addressing both encodings: signed
// transactions when the store produced one, the refreshed binary blob
// otherwise.
func (f *ReceiptFetcher) EncodedReceipt(ctx context.Context, transaction *StoreTransaction) (receipt.Encoded, error) {
	if transaction != nil && transaction.JWSRepresentation != "" {
		return receipt.NewEncodedJWS(transaction.JWSRepresentation), nil
	}

	policy := RefreshPolicyOnlyIfEmpty()
	if transaction != nil {
		policy = RefreshPolicyRetryUntilProductFound(transaction.ProductIdentifier)
	}
	data, err := f.ReceiptData(ctx, policy)
	if err != nil {
		return receipt.Encoded{}, err
	}
	return receipt.NewEncodedData(data), nil
}

var errProductNotInReceipt = errors.New("product not yet present in receipt")

// retryUntilProductFound refreshes and parses the receipt until it contains
// an active purchase for the product, the retry budget is exhausted, or ctx
// is cancelled. Parse failures count as "not found". The last receipt read
// is returned even when the product never showed up, so the caller can still
// post what the device has.
func (f *ReceiptFetcher) retryUntilProductFound(ctx context.Context, policy ReceiptRefreshPolicy) ([]byte, error) {
	var lastData []byte

	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		f.refresh(ctx)
		lastData = f.localReceipt()
		if len(lastData) == 0 {
			return errProductNotInReceipt
		}

		parsed, err := f.parser.Parse(ctx, lastData)
		if err != nil {
			f.logger.Debug("receipt parse failed during retry, treating as not found", zap.Error(err))
			return errProductNotInReceipt
		}
		if !parsed.ContainsActivePurchase(policy.productIdentifier, timeNow()) {
			f.logger.Debug("receipt does not contain product yet",
				zap.String("product_id", policy.productIdentifier))
			return errProductNotInReceipt
		}
		return nil
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.sleep), policy.maxRetries),
		ctx)
	if err := backoff.Retry(attempt, strategy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.logger.Debug("retry budget exhausted without finding product in receipt",
			zap.String("product_id", policy.productIdentifier))
	}
	return lastData, nil
}

func (f *ReceiptFetcher) refresh(ctx context.Context) {
	if err := f.store.RefreshReceipt(ctx); err != nil {
		f.logger.Warn("receipt refresh failed", zap.Error(err))
	}
}

func (f *ReceiptFetcher) localReceipt() []byte {
	data, err := f.store.ReceiptData()
	if err != nil {
		f.logger.Warn("failed to read local receipt", zap.Error(err))
		return nil
	}
	return data
}

// checkedLocalReceipt reads the receipt after a refresh and logs when the
// store still produced nothing. Sandbox environments routinely have no
// receipt file until the first purchase.
func (f *ReceiptFetcher) checkedLocalReceipt() []byte {
	data := f.localReceipt()
	if len(data) == 0 {
		if f.systemInfo.sandbox {
			f.logger.Warn("no receipt available after refresh; this is common in sandbox environments")
		} else {
			f.logger.Debug("no receipt available after refresh")
		}
	}
	return data
}
