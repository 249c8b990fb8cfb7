package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mandate is a sealed record of a checkout's locked price and line
// items. Every monetary field is fixed at creation; only the tracking
// fields (Status, ProcessedAt, PaymentID) ever change afterwards,
// through the transitions in status.go.
type Mandate struct {
	CartID      string          `json:"cart_id"`
	MerchantID  string          `json:"merchant_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TaxTotal    decimal.Decimal `json:"tax_total"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Signature   string          `json:"signature"`

	Status      Status     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	PaymentID   string     `json:"payment_id,omitempty"`
}

// SigningPayload is the canonical view the signature covers: every
// immutable content field, in item order, with monetary values in their
// fixed 2-decimal string form. The mutable tracking fields and the
// signature itself are excluded, so a legal status transition never
// invalidates the seal.
func (m Mandate) SigningPayload() map[string]any {
	items := make([]any, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, it.signingPayload())
	}
	return map[string]any{
		"cart_id":      m.CartID,
		"merchant_id":  m.MerchantID,
		"customer_id":  m.CustomerID,
		"items":        items,
		"subtotal":     m.Subtotal.String(),
		"tax_total":    m.TaxTotal.String(),
		"total_amount": m.TotalAmount.String(),
		"currency":     m.Currency,
		"created_at":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":   m.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// Validate re-derives every arithmetic invariant of the mandate.
func (m Mandate) Validate() error {
	if len(m.Items) == 0 {
		return &ValidationError{Field: "items", Detail: "at least one item is required"}
	}
	expectedSubtotal := decimal.Zero
	expectedTax := decimal.Zero
	for _, it := range m.Items {
		if err := it.Validate(); err != nil {
			return err
		}
		expectedSubtotal = expectedSubtotal.Add(it.TotalPrice)
		expectedTax = expectedTax.Add(it.TaxAmount)
	}
	if !withinTolerance(m.Subtotal, Round2(expectedSubtotal)) {
		return &ValidationError{Field: "subtotal", Detail: "does not equal sum of item totals"}
	}
	if !withinTolerance(m.TaxTotal, Round2(expectedTax)) {
		return &ValidationError{Field: "tax_total", Detail: "does not equal sum of item taxes"}
	}
	if !withinTolerance(m.TotalAmount, Round2(m.Subtotal.Add(m.TaxTotal))) {
		return &ValidationError{Field: "total_amount", Detail: "does not equal subtotal + tax_total"}
	}
	return nil
}

// ExpiredAt reports whether the mandate's deadline has passed at the
// given instant. Expiry is a pure function of the clock, never a timer.
func (m Mandate) ExpiredAt(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Clone returns a deep copy so stored state can never be mutated
// through a returned snapshot.
func (m Mandate) Clone() Mandate {
	out := m
	out.Items = make([]LineItem, len(m.Items))
	copy(out.Items, m.Items)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}
