package purchases

// SubscriptionPeriodUnit is the unit of a subscription billing period.
type SubscriptionPeriodUnit int

const (
	PeriodUnitDay SubscriptionPeriodUnit = iota
	PeriodUnitWeek
	PeriodUnitMonth
	PeriodUnitYear
)

// SubscriptionPeriod is a billing period such as "1 month" or "3 days".
type SubscriptionPeriod struct {
	Value int
	Unit  SubscriptionPeriodUnit
}

// PaymentMode is how an introductory discount is charged.
type PaymentMode int

const (
	PaymentModePayAsYouGo PaymentMode = iota
	PaymentModePayUpFront
	PaymentModeFreeTrial
)

// StoreProductDiscount is an introductory or promotional discount attached
// to a product.
type StoreProductDiscount struct {
	OfferIdentifier    string
	Price              float64
	PaymentMode        PaymentMode
	SubscriptionPeriod SubscriptionPeriod
	NumberOfPeriods    int
}

// PromotionalOffer is a signed promotional discount ready to be applied to a
// purchase.
type PromotionalOffer struct {
	Discount  StoreProductDiscount
	Signature string
	Nonce     string
	Timestamp int64
}

// StoreProduct is the immutable product metadata resolved from the store for
// a product identifier. Cached indefinitely until explicitly invalidated.
type StoreProduct struct {
	Identifier            string
	LocalizedTitle        string
	LocalizedDescription  string
	Price                 float64
	CurrencyCode          string
	SubscriptionPeriod    *SubscriptionPeriod
	SubscriptionGroupID   string
	IntroductoryDiscount  *StoreProductDiscount
	PromotionalDiscounts  []StoreProductDiscount
}

// IntroEligibilityStatus is the per-product introductory offer eligibility.
type IntroEligibilityStatus int

const (
	// EligibilityUnknown means eligibility could not be determined.
	EligibilityUnknown IntroEligibilityStatus = iota
	// EligibilityIneligible means an intro offer was already consumed.
	EligibilityIneligible
	// EligibilityEligible means the user can redeem the intro offer.
	EligibilityEligible
	// EligibilityNoIntroOfferExists means the product has no intro offer.
	EligibilityNoIntroOfferExists
)

func (s IntroEligibilityStatus) String() string {
	switch s {
	case EligibilityIneligible:
		return "ineligible"
	case EligibilityEligible:
		return "eligible"
	case EligibilityNoIntroOfferExists:
		return "no_intro_offer_exists"
	default:
		return "unknown"
	}
}
