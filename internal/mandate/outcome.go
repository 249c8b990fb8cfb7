package mandate

import "github.com/shopspring/decimal"

// Reason enumerates every specific validation failure.
type Reason string

const (
	ReasonNotFound           Reason = "NOT_FOUND"
	ReasonTampered           Reason = "TAMPERED"
	ReasonTokenMismatch      Reason = "TOKEN_MISMATCH"
	ReasonExpired            Reason = "EXPIRED"
	ReasonAlreadyProcessed   Reason = "ALREADY_PROCESSED"
	ReasonInvariantViolation Reason = "INVARIANT_VIOLATION"
)

type ValidationOutcome struct {
	Valid       bool            `json:"valid"`
	Reason      Reason          `json:"reason,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount,omitempty"`
	Currency    string          `json:"currency,omitempty"`
}

func failure(reason Reason) ValidationOutcome {
	return ValidationOutcome{Valid: false, Reason: reason}
}
