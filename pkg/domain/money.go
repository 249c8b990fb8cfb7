package domain

import "github.com/shopspring/decimal"

// Monetary tolerance for invariant re-checks: one cent.
var Tolerance = decimal.New(1, -2)

// Round2 rounds to fixed 2-decimal precision. All computed monetary
// fields (item totals, taxes, aggregates) pass through this exactly once.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
