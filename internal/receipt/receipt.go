package receipt

import (
	"time"
)

// Kind distinguishes the two wire encodings of a device receipt.
type Kind int

const (
	// KindData is the legacy binary app receipt read from the receipt file.
	KindData Kind = iota
	// KindJWS is a modern signed-transaction representation (JSON Web Signature).
	KindJWS
)

// Encoded is the single address for both receipt encodings. Callers inspect
// ReceiptKind and take the matching payload accessor.
type Encoded struct {
	kind Kind
	jws  string
	data []byte
}

// NewEncodedData wraps a legacy binary receipt blob.
func NewEncodedData(data []byte) Encoded {
	return Encoded{kind: KindData, data: data}
}

// NewEncodedJWS wraps a signed-transaction JWS string.
func NewEncodedJWS(jws string) Encoded {
	return Encoded{kind: KindJWS, jws: jws}
}

// ReceiptKind returns the encoding of this receipt.
func (e Encoded) ReceiptKind() Kind { return e.kind }

// IsEmpty reports whether there is no receipt payload at all.
func (e Encoded) IsEmpty() bool {
	return len(e.data) == 0 && e.jws == ""
}

// JWS returns the signed-transaction string, empty for legacy receipts.
func (e Encoded) JWS() string { return e.jws }

// Data returns the legacy binary blob, nil for JWS receipts.
func (e Encoded) Data() []byte { return e.data }

// InAppPurchase is a single purchase entry decoded from a receipt.
type InAppPurchase struct {
	ProductID            string
	TransactionID        string
	Quantity             int
	PurchaseDate         time.Time
	ExpiresDate          *time.Time
	IsInIntroOfferPeriod bool
	IsTrialPeriod        bool
}

// IsActiveSubscription reports whether this entry is a subscription that has
// not yet expired at the reference time.
func (p InAppPurchase) IsActiveSubscription(now time.Time) bool {
	return p.ExpiresDate != nil && p.ExpiresDate.After(now)
}

// ParsedReceipt is the decoded view of a device receipt.
type ParsedReceipt struct {
	BundleID             string
	OriginalPurchaseDate *time.Time
	InAppPurchases       []InAppPurchase
}

// ActiveSubscriptionProductIdentifiers returns the product identifiers with a
// subscription active at the reference time.
func (r *ParsedReceipt) ActiveSubscriptionProductIdentifiers(now time.Time) map[string]bool {
	active := make(map[string]bool)
	for _, p := range r.InAppPurchases {
		if p.IsActiveSubscription(now) {
			active[p.ProductID] = true
		}
	}
	return active
}

// PurchasedIntroOfferOrFreeTrialProductIdentifiers returns the product
// identifiers for which an introductory offer or free trial was already
// consumed.
func (r *ParsedReceipt) PurchasedIntroOfferOrFreeTrialProductIdentifiers() map[string]bool {
	consumed := make(map[string]bool)
	for _, p := range r.InAppPurchases {
		if p.IsInIntroOfferPeriod || p.IsTrialPeriod {
			consumed[p.ProductID] = true
		}
	}
	return consumed
}

// ContainsActivePurchase reports whether the receipt holds either an active
// subscription or a non-subscription purchase for the given product.
func (r *ParsedReceipt) ContainsActivePurchase(productID string, now time.Time) bool {
	for _, p := range r.InAppPurchases {
		if p.ProductID != productID {
			continue
		}
		if p.ExpiresDate == nil || p.ExpiresDate.After(now) {
			return true
		}
	}
	return false
}
