package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("cart mandate not found")
	ErrTampered         = errors.New("mandate signature mismatch")
	ErrTokenMismatch    = errors.New("validation token mismatch")
	ErrExpired          = errors.New("cart mandate expired")
	ErrAlreadyProcessed = errors.New("cart mandate already processed")
	ErrUnauthorized     = errors.New("explicit customer confirmation required")
	ErrInvalidState     = errors.New("mandate status does not permit this transition")
	ErrNotRedeemable    = errors.New("mandate not redeemable")
	ErrDuplicateCart    = errors.New("cart id already exists")
)

// ValidationError signals an arithmetic invariant violated at creation
// time. It indicates bad upstream data, so creation aborts and nothing
// is stored.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mandate validation failed: %s: %s", e.Field, e.Detail)
}
