// Package mandate implements the deterministic authorization core: it
// computes checkout prices, seals them into signed mandates, gates
// authorization on explicit confirmation and hands out single-use
// redemption snapshots.
package mandate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phronetic-ai/agentic-payments-research/internal/idempotency"
	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
	"github.com/phronetic-ai/agentic-payments-research/pkg/mandatesig"
)

// DefaultTTL is how long a mandate stays redeemable after creation.
const DefaultTTL = 30 * time.Minute

// DefaultCurrency applies when the caller passes none.
const DefaultCurrency = "INR"

type Service struct {
	st     store.Store
	scheme *mandatesig.Scheme
	now    func() time.Time
	ttl    time.Duration
}

type Option func(*Service)

// WithClock injects the clock. Expiry is a pure function of this clock,
// which makes it deterministic under test.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func New(st store.Store, scheme *mandatesig.Scheme, opts ...Option) *Service {
	s := &Service{st: st, scheme: scheme, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemInput is a caller-resolved line item. Catalog lookup and pricing
// source are the caller's problem; only the arithmetic here is ours.
type ItemInput struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

type CreateRequest struct {
	MerchantID     string
	CustomerID     string
	Items          []ItemInput
	Currency       string
	IdempotencyKey string
}

type CreateResult struct {
	CartID          string          `json:"cart_id"`
	ValidationToken string          `json:"validation_token"`
	ItemCount       int             `json:"item_count"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxTotal        decimal.Decimal `json:"tax_total"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Currency        string          `json:"currency"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Replayed        bool            `json:"replayed,omitempty"`
}

// Create deterministically prices the submitted items, seals the result
// into a signed mandate and stores it. A known idempotency key returns
// the previously created mandate's summary unchanged, with no
// recomputation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if replayed, ok, err := s.replayCreate(ctx, req.IdempotencyKey); err != nil || ok {
		return replayed, err
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(req.Items) == 0 {
		return CreateResult{}, &domain.ValidationError{Field: "items", Detail: "at least one item is required"}
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, in := range req.Items {
		it, err := domain.NewLineItem(in.ID, in.Name, in.Description, in.Quantity, in.UnitPrice, in.TaxRate, currency)
		if err != nil {
			return CreateResult{}, err
		}
		items = append(items, it)
		subtotal = subtotal.Add(it.TotalPrice)
		taxTotal = taxTotal.Add(it.TaxAmount)
	}
	subtotal = domain.Round2(subtotal)
	taxTotal = domain.Round2(taxTotal)

	// Truncate to microseconds, the finest precision every store
	// preserves. Signing a finer timestamp would break verification
	// after a durable round trip.
	now := s.now().UTC().Truncate(time.Microsecond)
	m := domain.Mandate{
		CartID:      "cart_" + uuid.NewString(),
		MerchantID:  req.MerchantID,
		CustomerID:  req.CustomerID,
		Items:       items,
		Subtotal:    subtotal,
		TaxTotal:    taxTotal,
		TotalAmount: domain.Round2(subtotal.Add(taxTotal)),
		Currency:    currency,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		Status:      domain.StatusAwaitingAuthorization,
	}

	// Defensive recomputation check. A failure here means the pricing
	// above is internally inconsistent; abort and store nothing.
	if err := m.Validate(); err != nil {
		return CreateResult{}, err
	}

	sig, err := s.scheme.Sign(m.SigningPayload())
	if err != nil {
		return CreateResult{}, err
	}
	m.Signature = sig

	// Insert before binding the key: whoever wins the bind already has
	// its mandate stored, so a bound key always resolves to a visible
	// mandate. The bind itself is atomic.
	if err := s.st.InsertMandate(ctx, m); err != nil {
		return CreateResult{}, err
	}
	winner, replayed, err := idempotency.BindMandate(ctx, s.st, req.IdempotencyKey, m.CartID)
	if err != nil {
		return CreateResult{}, err
	}
	if replayed {
		// Lost the bind: discard our insert and return the winner's.
		_ = s.st.DeleteMandate(ctx, m.CartID)
		existing, err := s.st.GetMandate(ctx, winner)
		if err != nil {
			return CreateResult{}, err
		}
		return s.summary(existing, true), nil
	}
	return s.summary(m, false), nil
}

func (s *Service) replayCreate(ctx context.Context, key string) (CreateResult, bool, error) {
	cartID, found, err := idempotency.ReplayMandate(ctx, s.st, key)
	if err != nil || !found {
		return CreateResult{}, false, err
	}
	m, err := s.st.GetMandate(ctx, cartID)
	if err != nil {
		return CreateResult{}, false, err
	}
	return s.summary(m, true), true, nil
}

func (s *Service) summary(m domain.Mandate, replayed bool) CreateResult {
	return CreateResult{
		CartID:          m.CartID,
		ValidationToken: mandatesig.Token(m.Signature),
		ItemCount:       len(m.Items),
		Subtotal:        m.Subtotal,
		TaxTotal:        m.TaxTotal,
		TotalAmount:     m.TotalAmount,
		Currency:        m.Currency,
		ExpiresAt:       m.ExpiresAt,
		Replayed:        replayed,
	}
}

// Validate checks a mandate end to end and reports the first specific
// failure: NotFound, Tampered, TokenMismatch, Expired, AlreadyProcessed
// or InvariantViolation.
func (s *Service) Validate(ctx context.Context, cartID, token string) (ValidationOutcome, error) {
	m, err := s.st.GetMandate(ctx, cartID)
	if errors.Is(err, domain.ErrNotFound) {
		return failure(ReasonNotFound), nil
	}
	if err != nil {
		return ValidationOutcome{}, err
	}
	if err := s.scheme.Verify(m.SigningPayload(), m.Signature); err != nil {
		return failure(ReasonTampered), nil
	}
	if err := mandatesig.VerifyToken(m.Signature, token); err != nil {
		return failure(ReasonTokenMismatch), nil
	}
	if m.ExpiredAt(s.now()) {
		s.lazyExpire(ctx, m)
		return failure(ReasonExpired), nil
	}
	if m.Status == domain.StatusProcessed {
		return failure(ReasonAlreadyProcessed), nil
	}
	if err := m.Validate(); err != nil {
		return failure(ReasonInvariantViolation), nil
	}
	return ValidationOutcome{
		Valid:       true,
		TotalAmount: m.TotalAmount,
		Currency:    m.Currency,
	}, nil
}

// Authorize moves a mandate to Authorized. It demands the literal
// explicit confirmation flag before it touches any state: no weaker
// signal is ever accepted, for any cart id.
func (s *Service) Authorize(ctx context.Context, cartID string, explicitConfirmation bool) error {
	if !explicitConfirmation {
		return domain.ErrUnauthorized
	}
	m, err := s.st.GetMandate(ctx, cartID)
	if err != nil {
		return err
	}
	if err := s.scheme.Verify(m.SigningPayload(), m.Signature); err != nil {
		return domain.ErrTampered
	}
	if m.ExpiredAt(s.now()) {
		s.lazyExpire(ctx, m)
		return domain.ErrExpired
	}
	// Only AwaitingAuthorization may authorize; re-authorizing an
	// Authorized mandate is rejected.
	if _, err := s.st.TransitionStatus(ctx, cartID, domain.StatusAwaitingAuthorization, domain.StatusAuthorized); err != nil {
		return err
	}
	return nil
}

// Redeem is the single authoritative consumption call: it verifies the
// seal, the deadline and the Authorized status, then claims the mandate
// with one compare-and-set so no second redemption can slip through a
// check-then-use window. It returns the immutable snapshot the payment
// must be built from.
//
// Every failure is the undifferentiated ErrNotRedeemable: a caller
// probing this interface learns nothing about which precondition
// failed.
func (s *Service) Redeem(ctx context.Context, cartID string) (domain.Mandate, error) {
	m, err := s.st.GetMandate(ctx, cartID)
	if err != nil {
		return domain.Mandate{}, domain.ErrNotRedeemable
	}
	if err := s.scheme.Verify(m.SigningPayload(), m.Signature); err != nil {
		return domain.Mandate{}, domain.ErrNotRedeemable
	}
	if m.ExpiredAt(s.now()) {
		s.lazyExpire(ctx, m)
		return domain.Mandate{}, domain.ErrNotRedeemable
	}
	claimed, err := s.st.TransitionStatus(ctx, cartID, domain.StatusAuthorized, domain.StatusProcessed)
	if err != nil {
		return domain.Mandate{}, domain.ErrNotRedeemable
	}
	return claimed, nil
}

// MarkProcessed performs the one-time write of payment_id and
// processed_at. No-op if the mandate is missing.
func (s *Service) MarkProcessed(ctx context.Context, cartID, paymentID string) error {
	return s.st.MarkProcessed(ctx, cartID, paymentID, s.now().UTC().Truncate(time.Microsecond))
}

type Statistics struct {
	Total                 int `json:"total"`
	AwaitingAuthorization int `json:"awaiting_authorization"`
	Authorized            int `json:"authorized"`
	Processed             int `json:"processed"`
	Expired               int `json:"expired"`
}

func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := s.st.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		AwaitingAuthorization: counts[domain.StatusAwaitingAuthorization],
		Authorized:            counts[domain.StatusAuthorized],
		Processed:             counts[domain.StatusProcessed],
		Expired:               counts[domain.StatusExpired],
	}
	stats.Total = stats.AwaitingAuthorization + stats.Authorized + stats.Processed + stats.Expired
	return stats, nil
}

// SweepExpired reclaims memory for mandates whose deadline passed more
// than olderThan ago. Correctness never depends on this running.
func (s *Service) SweepExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.st.PruneExpired(ctx, s.now().Add(-olderThan))
}

// lazyExpire records the Expired status for a mandate whose deadline
// has passed. Losing the compare-and-set to a concurrent access is
// fine; someone recorded it.
func (s *Service) lazyExpire(ctx context.Context, m domain.Mandate) {
	if m.Status == domain.StatusAwaitingAuthorization || m.Status == domain.StatusAuthorized {
		_, _ = s.st.TransitionStatus(ctx, m.CartID, m.Status, domain.StatusExpired)
	}
}
