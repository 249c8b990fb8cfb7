// Package store owns the shared mutable state of the authorization
// core: mandates, payment records and both idempotency key spaces. All
// mutating operations on a cart id are serialized by the
// implementation, and every lookup-then-insert is a single atomic
// compare-and-insert.
//
// Implementations must preserve timestamps at microsecond precision or
// better; callers never sign or compare anything finer.
package store

import (
	"context"
	"time"

	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
)

type Store interface {
	// InsertMandate stores a new mandate keyed by cart id. Returns
	// domain.ErrDuplicateCart if the id is taken.
	InsertMandate(ctx context.Context, m domain.Mandate) error

	// GetMandate returns a snapshot of the mandate or domain.ErrNotFound.
	GetMandate(ctx context.Context, cartID string) (domain.Mandate, error)

	// DeleteMandate removes a mandate; missing ids are a no-op. A
	// creator that loses the idempotency-key bind uses it to discard
	// its own insert.
	DeleteMandate(ctx context.Context, cartID string) error

	// TransitionStatus moves the mandate from one status to another as a
	// single compare-and-set. Returns domain.ErrInvalidState when the
	// current status is not `from` or the move is not a legal
	// transition, and the post-transition snapshot on success.
	TransitionStatus(ctx context.Context, cartID string, from, to domain.Status) (domain.Mandate, error)

	// MarkProcessed performs the one-time write of payment_id and
	// processed_at. No-op when the mandate is missing or the fields are
	// already set.
	MarkProcessed(ctx context.Context, cartID, paymentID string, at time.Time) error

	// CountByStatus returns the number of mandates per status.
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	// PruneExpired removes expired mandates whose deadline predates the
	// cutoff, reclaiming memory. Correctness never depends on it.
	PruneExpired(ctx context.Context, cutoff time.Time) (int, error)

	// BindMandateKey atomically binds an idempotency key to a cart id.
	// When the key is already bound it returns the existing cart id and
	// inserted=false without modifying anything.
	BindMandateKey(ctx context.Context, key, cartID string) (existing string, inserted bool, err error)

	// LookupMandateKey returns the cart id bound to a key, if any.
	LookupMandateKey(ctx context.Context, key string) (cartID string, found bool, err error)

	// InsertPayment stores an immutable payment record and, when the
	// record carries an idempotency key, atomically registers the key.
	InsertPayment(ctx context.Context, rec domain.PaymentRecord) error

	// GetPayment returns a payment record or domain.ErrNotFound.
	GetPayment(ctx context.Context, paymentID string) (domain.PaymentRecord, error)

	// LookupPaymentKey returns the payment previously registered under
	// an idempotency key, if any.
	LookupPaymentKey(ctx context.Context, key string) (domain.PaymentRecord, bool, error)

	// ListPayments returns every recorded payment, for the integrity
	// audit.
	ListPayments(ctx context.Context) ([]domain.PaymentRecord, error)
}
