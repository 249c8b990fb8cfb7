package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	decimalZero = decimal.Zero
	decimalOne  = decimal.NewFromInt(1)
)

// LineItem is one priced row of a sealed cart. TotalPrice and TaxAmount
// are computed fields, never caller-supplied.
type LineItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	Currency    string          `json:"currency"`
}

// NewLineItem derives the computed fields with fixed 2-decimal rounding.
func NewLineItem(id, name, description string, quantity int64, unitPrice, taxRate decimal.Decimal, currency string) (LineItem, error) {
	it := LineItem{
		ID:          id,
		Name:        name,
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TaxRate:     taxRate,
		Currency:    currency,
	}
	it.TotalPrice = Round2(unitPrice.Mul(decimal.NewFromInt(quantity)))
	it.TaxAmount = Round2(it.TotalPrice.Mul(taxRate))
	if err := it.Validate(); err != nil {
		return LineItem{}, err
	}
	return it, nil
}

// Validate re-derives the item invariants within the monetary tolerance.
func (it LineItem) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return &ValidationError{Field: "id", Detail: "item id is required"}
	}
	if it.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Detail: "must be a positive integer"}
	}
	if it.UnitPrice.LessThan(decimalZero) {
		return &ValidationError{Field: "unit_price", Detail: "must be non-negative"}
	}
	if it.TaxRate.LessThan(decimalZero) || it.TaxRate.GreaterThan(decimalOne) {
		return &ValidationError{Field: "tax_rate", Detail: "must be within [0,1]"}
	}
	expectedTotal := Round2(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	if !withinTolerance(it.TotalPrice, expectedTotal) {
		return &ValidationError{Field: "total_price", Detail: "does not equal quantity * unit_price"}
	}
	expectedTax := Round2(it.TotalPrice.Mul(it.TaxRate))
	if !withinTolerance(it.TaxAmount, expectedTax) {
		return &ValidationError{Field: "tax_amount", Detail: "does not equal total_price * tax_rate"}
	}
	return nil
}

func (it LineItem) signingPayload() map[string]any {
	return map[string]any{
		"id":          it.ID,
		"name":        it.Name,
		"quantity":    it.Quantity,
		"unit_price":  it.UnitPrice.String(),
		"total_price": it.TotalPrice.String(),
		"tax_rate":    it.TaxRate.String(),
		"tax_amount":  it.TaxAmount.String(),
	}
}
