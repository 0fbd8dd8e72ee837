package purchases

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/bivex/purchases-go/internal/receipt"
)

// ProductRequestData enriches a receipt post with product metadata the
// receipt itself does not carry.
type ProductRequestData struct {
	ProductIdentifier   string   `json:"product_id"`
	Price               float64  `json:"price"`
	CurrencyCode        string   `json:"currency"`
	SubscriptionGroupID string   `json:"subscription_group_id,omitempty"`
	IntroPrice          *float64 `json:"introductory_price,omitempty"`
}

// ReceiptPostRequest is everything a receipt post carries.
type ReceiptPostRequest struct {
	Receipt              receipt.Encoded
	AppUserID            string
	IsRestore            bool
	ProductData          *ProductRequestData
	PresentedOfferingID  string
	ObserverMode         bool
	SubscriberAttributes map[string]string
}

// Backend is the remote entitlements backend contract.
type Backend interface {
	PostReceipt(ctx context.Context, req ReceiptPostRequest) (*CustomerInfo, error)
	GetCustomerInfo(ctx context.Context, appUserID string, appBackgrounded bool) (*CustomerInfo, error)
	GetOfferings(ctx context.Context, appUserID string, appBackgrounded bool) (*OfferingsPayload, error)
	GetIntroEligibility(ctx context.Context, appUserID string, receiptData []byte, productIdentifiers []string) (map[string]IntroEligibilityStatus, error)
}

const defaultBaseURL = "https://api.purchases.dev/v1"

// httpBackend is the default Backend over HTTP.
type httpBackend struct {
	client *resty.Client
	logger *zap.Logger
}

func newHTTPBackend(cfg *Configuration, logger *zap.Logger) *httpBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Platform", "go")
	if cfg.ProxyURL != "" {
		client.SetProxy(cfg.ProxyURL)
	}

	return &httpBackend{client: client, logger: logger}
}

type backendErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *httpBackend) errorFrom(resp *resty.Response) error {
	var body backendErrorBody
	_ = json.Unmarshal(resp.Body(), &body)

	status := resp.StatusCode()
	return &BackendError{
		StatusCode: status,
		Code:       body.Code,
		Message:    body.Message,
		// A 4xx means the backend understood and rejected the request;
		// retrying the same transaction cannot change the outcome, so it is
		// safe to finish it. 5xx and network-class failures stay retryable.
		Finishable: status >= 400 && status < 500 && status != http.StatusTooManyRequests,
	}
}

type postReceiptBody struct {
	FetchToken           string              `json:"fetch_token"`
	AppUserID            string              `json:"app_user_id"`
	IsRestore            bool                `json:"is_restore"`
	ObserverMode         bool                `json:"observer_mode"`
	PresentedOfferingID  string              `json:"presented_offering_identifier,omitempty"`
	ProductData          *ProductRequestData `json:"product_data,omitempty"`
	SubscriberAttributes map[string]string   `json:"attributes,omitempty"`
}

func (b *httpBackend) PostReceipt(ctx context.Context, req ReceiptPostRequest) (*CustomerInfo, error) {
	body := postReceiptBody{
		FetchToken:           encodeFetchToken(req.Receipt),
		AppUserID:            req.AppUserID,
		IsRestore:            req.IsRestore,
		ObserverMode:         req.ObserverMode,
		PresentedOfferingID:  req.PresentedOfferingID,
		ProductData:          req.ProductData,
		SubscriberAttributes: req.SubscriberAttributes,
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/receipts")
	if err != nil {
		return nil, b.transportError(err)
	}
	if resp.IsError() {
		return nil, b.errorFrom(resp)
	}
	return newCustomerInfo(resp.Body(), VerificationNotVerified, b.logger)
}

func (b *httpBackend) GetCustomerInfo(ctx context.Context, appUserID string, appBackgrounded bool) (*CustomerInfo, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("X-Is-Backgrounded", fmt.Sprintf("%t", appBackgrounded)).
		Get("/subscribers/" + appUserID)
	if err != nil {
		return nil, b.transportError(err)
	}
	if resp.IsError() {
		return nil, b.errorFrom(resp)
	}
	return newCustomerInfo(resp.Body(), VerificationNotVerified, b.logger)
}

func (b *httpBackend) GetOfferings(ctx context.Context, appUserID string, appBackgrounded bool) (*OfferingsPayload, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("X-Is-Backgrounded", fmt.Sprintf("%t", appBackgrounded)).
		Get("/subscribers/" + appUserID + "/offerings")
	if err != nil {
		return nil, b.transportError(err)
	}
	if resp.IsError() {
		return nil, b.errorFrom(resp)
	}

	var payload OfferingsPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode offerings response: %w", err)
	}
	return &payload, nil
}

type introEligibilityBody struct {
	FetchToken         string   `json:"fetch_token"`
	ProductIdentifiers []string `json:"product_identifiers"`
}

type introEligibilityResponse map[string]struct {
	Eligible *bool `json:"eligible"`
}

func (b *httpBackend) GetIntroEligibility(ctx context.Context, appUserID string, receiptData []byte, productIdentifiers []string) (map[string]IntroEligibilityStatus, error) {
	body := introEligibilityBody{
		FetchToken:         base64.StdEncoding.EncodeToString(receiptData),
		ProductIdentifiers: productIdentifiers,
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/subscribers/" + appUserID + "/intro_eligibility")
	if err != nil {
		return nil, b.transportError(err)
	}
	if resp.IsError() {
		return nil, b.errorFrom(resp)
	}

	var decoded introEligibilityResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode eligibility response: %w", err)
	}

	result := make(map[string]IntroEligibilityStatus, len(productIdentifiers))
	for _, id := range productIdentifiers {
		status := EligibilityUnknown
		if entry, ok := decoded[id]; ok && entry.Eligible != nil {
			if *entry.Eligible {
				status = EligibilityEligible
			} else {
				status = EligibilityIneligible
			}
		}
		result[id] = status
	}
	return result, nil
}

func (b *httpBackend) transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failures count as server-down for fallback purposes.
	return &BackendError{StatusCode: http.StatusServiceUnavailable, Err: err}
}

func encodeFetchToken(encoded receipt.Encoded) string {
	if encoded.ReceiptKind() == receipt.KindJWS {
		return encoded.JWS()
	}
	return base64.StdEncoding.EncodeToString(encoded.Data())
}
