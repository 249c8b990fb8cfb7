package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRecord is minted exactly once per successful redemption and
// never mutated afterwards. Amount and Currency are copied verbatim
// from the sealed mandate; the four validation flags record the
// gateway's independent re-verification.
type PaymentRecord struct {
	PaymentID        string          `json:"payment_id"`
	CartID           string          `json:"cart_id"`
	MerchantID       string          `json:"merchant_id"`
	CustomerID       string          `json:"customer_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	MandateSignature string          `json:"mandate_signature"`
	CreatedAt        time.Time       `json:"created_at"`

	SignatureValid  bool `json:"signature_valid"`
	NotExpired      bool `json:"not_expired"`
	NotReused       bool `json:"not_reused"`
	MandateVerified bool `json:"mandate_verified"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Verified reports whether every validation flag was recorded true.
func (p PaymentRecord) Verified() bool {
	return p.SignatureValid && p.NotExpired && p.NotReused && p.MandateVerified
}
