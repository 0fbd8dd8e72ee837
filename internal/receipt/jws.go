package receipt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// App Store signed-transaction offer types.
const (
	offerTypeIntroductory = 1
)

// JWSParser decodes signed-transaction (JWS) receipts. Signature validation
// happens server side; on device the payload is decoded without verifying
// the certificate chain, and the backend post carries the full JWS so the
// backend can verify it independently.
type JWSParser struct {
	parser *jwt.Parser
}

// NewJWSParser creates a parser for signed-transaction receipts.
func NewJWSParser() *JWSParser {
	return &JWSParser{parser: jwt.NewParser()}
}

// Parse decodes a newline-separated list of signed transactions.
func (p *JWSParser) Parse(_ context.Context, data []byte) (*ParsedReceipt, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReceipt
	}

	parsed := &ParsedReceipt{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		purchase, err := p.ParseTransaction(line)
		if err != nil {
			return nil, err
		}
		parsed.InAppPurchases = append(parsed.InAppPurchases, *purchase)
	}
	return parsed, nil
}

// ParseTransaction decodes a single signed transaction payload.
func (p *JWSParser) ParseTransaction(signedTransaction string) (*InAppPurchase, error) {
	claims := jwt.MapClaims{}
	if _, _, err := p.parser.ParseUnverified(signedTransaction, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	purchase := &InAppPurchase{
		ProductID:     stringClaim(claims, "productId"),
		TransactionID: stringClaim(claims, "transactionId"),
		Quantity:      1,
	}
	if quantity, ok := numberClaim(claims, "quantity"); ok && quantity >= 1 {
		purchase.Quantity = int(quantity)
	}
	if ms, ok := numberClaim(claims, "purchaseDate"); ok {
		purchase.PurchaseDate = time.UnixMilli(int64(ms)).UTC()
	}
	if ms, ok := numberClaim(claims, "expiresDate"); ok {
		ts := time.UnixMilli(int64(ms)).UTC()
		purchase.ExpiresDate = &ts
	}
	if offerType, ok := numberClaim(claims, "offerType"); ok {
		purchase.IsInIntroOfferPeriod = int(offerType) == offerTypeIntroductory
	}
	return purchase, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if value, ok := claims[key].(string); ok {
		return value
	}
	return ""
}

func numberClaim(claims jwt.MapClaims, key string) (float64, bool) {
	value, ok := claims[key].(float64)
	return value, ok
}
