package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/awa/go-iap/appstore"
	"go.uber.org/zap"
)

var (
	// ErrInvalidReceipt is returned when the store rejects the receipt payload.
	ErrInvalidReceipt = errors.New("receipt is invalid")
	// ErrEmptyReceipt is returned when there is no payload to parse.
	ErrEmptyReceipt = errors.New("receipt data is empty")
)

// Parser decodes a raw receipt blob into its purchase entries. The binary
// receipt format itself is opaque to the SDK; implementations may decode it
// locally or hand it to the store for decoding.
type Parser interface {
	Parse(ctx context.Context, data []byte) (*ParsedReceipt, error)
}

// NewParser returns the default parser: signed-transaction (JWS) payloads
// are decoded locally, binary receipts are submitted to the store
// verification endpoint.
func NewParser(sharedSecret string, logger *zap.Logger) Parser {
	return &dispatchingParser{
		jws:    NewJWSParser(),
		remote: NewRemoteParser(sharedSecret, logger),
	}
}

type dispatchingParser struct {
	jws    *JWSParser
	remote *RemoteParser
}

func (p *dispatchingParser) Parse(ctx context.Context, data []byte) (*ParsedReceipt, error) {
	if looksLikeJWS(data) {
		return p.jws.Parse(ctx, data)
	}
	return p.remote.Parse(ctx, data)
}

// looksLikeJWS reports whether the payload is in compact JWS form
// (header.payload.signature). The base64url encoding of a JSON header
// always starts with "eyJ", which no binary app receipt does.
func looksLikeJWS(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("eyJ")) {
		return false
	}
	firstLine := trimmed
	if idx := bytes.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
	}
	return bytes.Count(firstLine, []byte(".")) == 2
}

// RemoteParser decodes legacy binary receipts by submitting them to the
// store's verification endpoint.
type RemoteParser struct {
	client       *appstore.Client
	sharedSecret string
	logger       *zap.Logger
}

// NewRemoteParser creates a parser backed by the store verification endpoint.
func NewRemoteParser(sharedSecret string, logger *zap.Logger) *RemoteParser {
	return &RemoteParser{
		client:       appstore.New(),
		sharedSecret: sharedSecret,
		logger:       logger,
	}
}

// Parse submits the receipt blob for verification and maps the response into
// a ParsedReceipt.
func (p *RemoteParser) Parse(ctx context.Context, data []byte) (*ParsedReceipt, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReceipt
	}

	req := appstore.IAPRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(data),
		Password:    p.sharedSecret,
	}
	resp := &appstore.IAPResponse{}
	if err := p.client.Verify(ctx, req, resp); err != nil {
		return nil, fmt.Errorf("failed to verify receipt: %w", err)
	}
	if resp.Status != 0 {
		p.logger.Debug("store rejected receipt", zap.Int("status", resp.Status))
		return nil, fmt.Errorf("%w: status %d", ErrInvalidReceipt, resp.Status)
	}

	parsed := &ParsedReceipt{
		BundleID:             resp.Receipt.BundleID,
		OriginalPurchaseDate: parseMilliseconds(resp.Receipt.OriginalPurchaseDate.OriginalPurchaseDateMS),
	}
	for _, in := range resp.Receipt.InApp {
		purchase := InAppPurchase{
			ProductID:            in.ProductID,
			TransactionID:        in.TransactionID,
			Quantity:             parseQuantity(in.Quantity),
			ExpiresDate:          parseMilliseconds(in.ExpiresDate.ExpiresDateMS),
			IsInIntroOfferPeriod: in.IsInIntroOfferPeriod == "true",
			IsTrialPeriod:        in.IsTrialPeriod == "true",
		}
		if ts := parseMilliseconds(in.PurchaseDate.PurchaseDateMS); ts != nil {
			purchase.PurchaseDate = *ts
		}
		parsed.InAppPurchases = append(parsed.InAppPurchases, purchase)
	}
	return parsed, nil
}

func parseQuantity(raw string) int {
	quantity, err := strconv.Atoi(raw)
	if err != nil || quantity < 1 {
		return 1
	}
	return quantity
}

func parseMilliseconds(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	ts := time.UnixMilli(ms).UTC()
	return &ts
}
