package purchases

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// requestDateGracePeriod bounds how long a CustomerInfo snapshot keeps
// granting entitlements past their expiration date when the backend is
// unreachable and the snapshot cannot be refreshed.
const requestDateGracePeriod = 3 * 24 * time.Hour

// timeNow is replaced in tests.
var timeNow = time.Now

// EntitlementInfo is a per-entitlement record derived from a CustomerInfo
// subscription and entitlement pair.
type EntitlementInfo struct {
	Identifier           string
	ProductIdentifier    string
	ExpirationDate       *time.Time
	LatestPurchaseDate   *time.Time
	OriginalPurchaseDate *time.Time
	Verification         VerificationResult

	requestDate time.Time
	logger      *zap.Logger
}

// IsActive reports whether the entitlement grants access right now. The
// snapshot's request date is used as the reference time so a device with a
// skewed clock still resolves correctly, but only within a bounded grace
// period; past it, wall-clock time wins and an expired entitlement stops
// granting access even if the backend cannot be reached for a fresh snapshot.
func (e *EntitlementInfo) IsActive() bool {
	if e.ExpirationDate == nil {
		return true
	}

	now := timeNow()
	reference := e.requestDate
	if now.Sub(e.requestDate) > requestDateGracePeriod {
		reference = now
		if e.ExpirationDate.After(e.requestDate) && !e.ExpirationDate.After(now) {
			e.logger.Warn("entitlement active at request date but expired since; "+
				"grace period elapsed, treating as inactive",
				zap.String("entitlement", e.Identifier),
				zap.Time("request_date", e.requestDate),
				zap.Time("expiration_date", *e.ExpirationDate))
		}
	}
	return e.ExpirationDate.After(reference)
}

// CustomerInfo is the canonical snapshot of a user's entitlements,
// subscriptions, and purchase history.
type CustomerInfo struct {
	OriginalAppUserID              string
	RequestDate                    time.Time
	FirstSeen                      time.Time
	OriginalPurchaseDate           *time.Time
	Entitlements                   map[string]*EntitlementInfo
	ActiveSubscriptions            map[string]bool
	AllPurchasedProductIdentifiers map[string]bool
	LatestExpirationDate           *time.Time
	Verification                   VerificationResult

	raw []byte
}

// Equal reports whether two snapshots carry the same backend payload and
// verification state. Used to suppress duplicate change notifications.
func (i *CustomerInfo) Equal(other *CustomerInfo) bool {
	if other == nil {
		return false
	}
	return i.Verification == other.Verification && bytes.Equal(i.raw, other.raw)
}

// customerInfoResponse mirrors the backend subscriber payload.
type customerInfoResponse struct {
	RequestDate time.Time `json:"request_date"`
	Subscriber  struct {
		OriginalAppUserID    string     `json:"original_app_user_id"`
		FirstSeen            time.Time  `json:"first_seen"`
		OriginalPurchaseDate *time.Time `json:"original_purchase_date"`
		Subscriptions        map[string]struct {
			ExpiresDate          *time.Time `json:"expires_date"`
			PurchaseDate         *time.Time `json:"purchase_date"`
			OriginalPurchaseDate *time.Time `json:"original_purchase_date"`
		} `json:"subscriptions"`
		NonSubscriptions map[string][]struct {
			ID           string    `json:"id"`
			PurchaseDate time.Time `json:"purchase_date"`
		} `json:"non_subscriptions"`
		Entitlements map[string]struct {
			ProductIdentifier string     `json:"product_identifier"`
			ExpiresDate       *time.Time `json:"expires_date"`
			PurchaseDate      *time.Time `json:"purchase_date"`
		} `json:"entitlements"`
	} `json:"subscriber"`
}

// newCustomerInfo decodes a backend subscriber payload into a snapshot.
func newCustomerInfo(data []byte, verification VerificationResult, logger *zap.Logger) (*CustomerInfo, error) {
	var resp customerInfoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode customer info: %w", err)
	}

	// The raw payload backs Equal and the cache round trip; compacting it
	// keeps snapshots comparable regardless of how the backend formatted
	// the response.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, data); err != nil {
		return nil, fmt.Errorf("failed to compact customer info: %w", err)
	}

	info := &CustomerInfo{
		OriginalAppUserID:              resp.Subscriber.OriginalAppUserID,
		RequestDate:                    resp.RequestDate,
		FirstSeen:                      resp.Subscriber.FirstSeen,
		OriginalPurchaseDate:           resp.Subscriber.OriginalPurchaseDate,
		Entitlements:                   make(map[string]*EntitlementInfo),
		ActiveSubscriptions:            make(map[string]bool),
		AllPurchasedProductIdentifiers: make(map[string]bool),
		Verification:                   verification,
		raw:                            compacted.Bytes(),
	}

	for productID, sub := range resp.Subscriber.Subscriptions {
		info.AllPurchasedProductIdentifiers[productID] = true
		if sub.ExpiresDate == nil || sub.ExpiresDate.After(resp.RequestDate) {
			info.ActiveSubscriptions[productID] = true
		}
		if sub.ExpiresDate != nil &&
			(info.LatestExpirationDate == nil || sub.ExpiresDate.After(*info.LatestExpirationDate)) {
			expires := *sub.ExpiresDate
			info.LatestExpirationDate = &expires
		}
	}
	for productID := range resp.Subscriber.NonSubscriptions {
		info.AllPurchasedProductIdentifiers[productID] = true
	}

	for name, ent := range resp.Subscriber.Entitlements {
		entitlement := &EntitlementInfo{
			Identifier:         name,
			ProductIdentifier:  ent.ProductIdentifier,
			ExpirationDate:     ent.ExpiresDate,
			LatestPurchaseDate: ent.PurchaseDate,
			Verification:       verification,
			requestDate:        resp.RequestDate,
			logger:             logger,
		}
		if sub, ok := resp.Subscriber.Subscriptions[ent.ProductIdentifier]; ok {
			entitlement.OriginalPurchaseDate = sub.OriginalPurchaseDate
		}
		info.Entitlements[name] = entitlement
	}

	return info, nil
}

// cachedCustomerInfoEnvelope is the disk representation: the raw backend
// payload plus the verification state it earned when fetched.
type cachedCustomerInfoEnvelope struct {
	Verification VerificationResult `json:"verification"`
	Response     json.RawMessage    `json:"response"`
}

func (i *CustomerInfo) encodeForCache() ([]byte, error) {
	return json.Marshal(cachedCustomerInfoEnvelope{
		Verification: i.Verification,
		Response:     i.raw,
	})
}

func decodeCachedCustomerInfo(data []byte, logger *zap.Logger) (*CustomerInfo, error) {
	var envelope cachedCustomerInfoEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode cached customer info: %w", err)
	}
	return newCustomerInfo(envelope.Response, envelope.Verification, logger)
}
