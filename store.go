package purchases

import (
	"context"
	"time"
)

// TransactionState is the lifecycle state of a store transaction.
type TransactionState int

const (
	TransactionStatePurchasing TransactionState = iota
	TransactionStatePurchased
	TransactionStateFailed
	TransactionStateRestored
	TransactionStateDeferred
)

// StoreTransaction is a purchase transaction observed from the platform
// store, through either API generation.
type StoreTransaction struct {
	TransactionID     string
	ProductIdentifier string
	Quantity          int
	PurchaseDate      time.Time

	// JWSRepresentation carries the signed transaction payload when the
	// modern store API produced this transaction. Empty for legacy
	// payment-queue transactions.
	JWSRepresentation string

	State TransactionState

	// Err carries the failure for TransactionStateFailed.
	Err error
}

// Payment is a legacy payment-queue purchase submission.
type Payment struct {
	ProductIdentifier string
	Quantity          int
	Discount          *PromotionalOffer
}

// StoreClient abstracts the platform store. Implementations bridge to the
// native store APIs of the host platform.
type StoreClient interface {
	// Products resolves product identifiers into store products. Unknown
	// identifiers are simply absent from the result.
	Products(ctx context.Context, identifiers []string) ([]*StoreProduct, error)

	// Purchase runs a purchase through the modern store API. The bool result
	// reports user cancellation, which is an outcome rather than an error.
	Purchase(ctx context.Context, product *StoreProduct, offer *PromotionalOffer) (*StoreTransaction, bool, error)

	// ReceiptData returns the local receipt blob, empty when no receipt
	// exists yet.
	ReceiptData() ([]byte, error)

	// RefreshReceipt asks the store to rewrite the local receipt.
	RefreshReceipt(ctx context.Context) error

	// FinishTransaction acknowledges a transaction so the store stops
	// redelivering it.
	FinishTransaction(ctx context.Context, transaction *StoreTransaction) error

	// SupportsModernPurchases reports whether Purchase is available on this
	// platform, or whether purchases must go through the legacy payment
	// queue.
	SupportsModernPurchases() bool
}

// TransactionObserver receives legacy payment-queue transaction updates.
type TransactionObserver interface {
	UpdatedTransaction(transaction *StoreTransaction)
}

// PaymentQueue is the legacy store API generation: payments are submitted
// synchronously and state transitions arrive through the observer.
type PaymentQueue interface {
	AddPayment(payment Payment)
	SetObserver(observer TransactionObserver)
	FinishTransaction(transaction *StoreTransaction)
}
