// Package idempotency wraps the store's key index so that retried
// requests produce exactly one effect. An empty key always passes
// through: callers without a key get no replay semantics.
package idempotency

import (
	"context"

	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
)

// ReplayMandate returns the cart id a key was previously bound to.
func ReplayMandate(ctx context.Context, st store.Store, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	return st.LookupMandateKey(ctx, key)
}

// BindMandate atomically binds key to cartID. When the key was already
// bound it returns the prior cart id and replayed=true. The bind is a
// single compare-and-insert: a lookup-then-insert done as two steps
// would reproduce exactly the race this index exists to eliminate.
func BindMandate(ctx context.Context, st store.Store, key, cartID string) (string, bool, error) {
	if key == "" {
		return cartID, false, nil
	}
	existing, inserted, err := st.BindMandateKey(ctx, key, cartID)
	if err != nil {
		return "", false, err
	}
	return existing, !inserted, nil
}

// ReplayPayment returns the payment previously registered under key.
func ReplayPayment(ctx context.Context, st store.Store, key string) (domain.PaymentRecord, bool, error) {
	if key == "" {
		return domain.PaymentRecord{}, false, nil
	}
	return st.LookupPaymentKey(ctx, key)
}
