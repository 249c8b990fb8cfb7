// Package gateway mints payment records from authorized mandates. It
// never computes a price: the amount comes verbatim from the sealed
// mandate, and every check the mandate service already performed is
// deliberately performed again here.
package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phronetic-ai/agentic-payments-research/internal/idempotency"
	"github.com/phronetic-ai/agentic-payments-research/internal/mandate"
	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
	"github.com/phronetic-ai/agentic-payments-research/pkg/mandatesig"
)

const paymentLinkBase = "https://paycentral.phronetic.ai/pay/"

// proofPrefixLen is how much of the mandate signature a payment result
// exposes as proof a mandate backed it.
const proofPrefixLen = 16

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const (
	ReasonMandateInvalid   = "MANDATE_INVALID"
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
	ReasonMandateExpired   = "MANDATE_EXPIRED"
	ReasonMandateReused    = "MANDATE_REUSED"
)

type Gateway struct {
	svc    *mandate.Service
	st     store.Store
	scheme *mandatesig.Scheme
	now    func() time.Time

	// opMu serializes the replay-check / redeem / record sequence so a
	// retried request and its original can never interleave. All work
	// under it is CPU-bound and completes in microseconds.
	opMu sync.Mutex

	mu                       sync.Mutex
	totalAttempts            int
	successfulPayments       int
	rejectedMandateInvalid   int
	rejectedInvalidSignature int
	rejectedExpiredMandate   int
	rejectedReusedMandate    int
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(svc *mandate.Service, st store.Store, scheme *mandatesig.Scheme, opts ...Option) *Gateway {
	g := &Gateway{svc: svc, st: st, scheme: scheme, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type PaymentResult struct {
	Status           string          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	PaymentID        string          `json:"payment_id,omitempty"`
	Amount           decimal.Decimal `json:"amount,omitempty"`
	Currency         string          `json:"currency,omitempty"`
	MandateSignature string          `json:"mandate_signature,omitempty"`
	PaymentLink      string          `json:"payment_link,omitempty"`
	Replayed         bool            `json:"replayed,omitempty"`
}

// CreatePayment consumes an Authorized, unexpired, unused mandate
// exactly once. A known idempotency key returns the prior record
// unchanged with no re-verification and no re-redemption. The gateway
// never auto-retries; retries are the caller's responsibility via
// idempotency-key replay.
func (g *Gateway) CreatePayment(ctx context.Context, cartID, idempotencyKey string) (PaymentResult, error) {
	g.count(func() { g.totalAttempts++ })

	g.opMu.Lock()
	defer g.opMu.Unlock()

	if prior, found, err := idempotency.ReplayPayment(ctx, g.st, idempotencyKey); err != nil {
		return PaymentResult{}, err
	} else if found {
		return replayResult(prior), nil
	}

	sealed, err := g.svc.Redeem(ctx, cartID)
	if err != nil {
		g.count(func() { g.rejectedMandateInvalid++ })
		return PaymentResult{Status: StatusFailed, Reason: ReasonMandateInvalid}, nil
	}

	// Defense in depth: the service already verified all of this inside
	// Redeem. Re-check each condition independently anyway.
	if g.scheme.Verify(sealed.SigningPayload(), sealed.Signature) != nil {
		g.count(func() { g.rejectedInvalidSignature++ })
		return PaymentResult{Status: StatusFailed, Reason: ReasonSignatureInvalid}, nil
	}
	if sealed.ExpiredAt(g.now()) {
		g.count(func() { g.rejectedExpiredMandate++ })
		return PaymentResult{Status: StatusFailed, Reason: ReasonMandateExpired}, nil
	}
	if sealed.PaymentID != "" || sealed.ProcessedAt != nil {
		g.count(func() { g.rejectedReusedMandate++ })
		return PaymentResult{Status: StatusFailed, Reason: ReasonMandateReused}, nil
	}

	rec := domain.PaymentRecord{
		PaymentID:        "pay_" + uuid.NewString(),
		CartID:           sealed.CartID,
		MerchantID:       sealed.MerchantID,
		CustomerID:       sealed.CustomerID,
		Amount:           sealed.TotalAmount,
		Currency:         sealed.Currency,
		MandateSignature: sealed.Signature,
		CreatedAt:        g.now().UTC().Truncate(time.Microsecond),
		SignatureValid:   true,
		NotExpired:       true,
		NotReused:        true,
		MandateVerified:  true,
		IdempotencyKey:   idempotencyKey,
	}
	if err := g.st.InsertPayment(ctx, rec); err != nil {
		return PaymentResult{}, err
	}
	if err := g.svc.MarkProcessed(ctx, cartID, rec.PaymentID); err != nil {
		return PaymentResult{}, err
	}
	g.count(func() { g.successfulPayments++ })

	return successResult(rec, false), nil
}

// GetPayment returns a recorded payment by id.
func (g *Gateway) GetPayment(ctx context.Context, paymentID string) (domain.PaymentRecord, error) {
	return g.st.GetPayment(ctx, paymentID)
}

type RejectionReasons struct {
	MandateInvalid   int `json:"mandate_invalid"`
	InvalidSignature int `json:"invalid_signature"`
	ExpiredMandate   int `json:"expired_mandate"`
	ReusedMandate    int `json:"reused_mandate"`
}

type Statistics struct {
	TotalAttempts      int              `json:"total_attempts"`
	SuccessfulPayments int              `json:"successful_payments"`
	FailedPayments     int              `json:"failed_payments"`
	SuccessRate        float64          `json:"success_rate"`
	FailureRate        float64          `json:"failure_rate"`
	RejectionReasons   RejectionReasons `json:"rejection_reasons"`
}

func (g *Gateway) Statistics() Statistics {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := Statistics{
		TotalAttempts:      g.totalAttempts,
		SuccessfulPayments: g.successfulPayments,
		FailedPayments:     g.totalAttempts - g.successfulPayments,
		RejectionReasons: RejectionReasons{
			MandateInvalid:   g.rejectedMandateInvalid,
			InvalidSignature: g.rejectedInvalidSignature,
			ExpiredMandate:   g.rejectedExpiredMandate,
			ReusedMandate:    g.rejectedReusedMandate,
		},
	}
	if g.totalAttempts > 0 {
		stats.SuccessRate = round2pct(float64(g.successfulPayments) / float64(g.totalAttempts) * 100)
		stats.FailureRate = round2pct(100 - stats.SuccessRate)
	}
	return stats
}

type Audit struct {
	Valid            bool     `json:"valid"`
	TotalPayments    int      `json:"total_payments"`
	Violations       int      `json:"violations"`
	IntegrityScore   float64  `json:"integrity_score"`
	ViolationDetails []string `json:"violation_details,omitempty"`
}

// IntegrityAudit asserts every recorded payment carries all four
// validation flags. This is a standing correctness invariant; a nonzero
// violation count means the gateway minted a payment it never verified.
func (g *Gateway) IntegrityAudit(ctx context.Context) (Audit, error) {
	payments, err := g.st.ListPayments(ctx)
	if err != nil {
		return Audit{}, err
	}
	if len(payments) == 0 {
		return Audit{Valid: true, IntegrityScore: 100}, nil
	}
	var details []string
	for _, p := range payments {
		if !p.SignatureValid {
			details = append(details, fmt.Sprintf("%s: signature invalid", p.PaymentID))
		}
		if !p.NotExpired {
			details = append(details, fmt.Sprintf("%s: mandate expired", p.PaymentID))
		}
		if !p.NotReused {
			details = append(details, fmt.Sprintf("%s: mandate reused", p.PaymentID))
		}
		if !p.MandateVerified {
			details = append(details, fmt.Sprintf("%s: mandate not verified", p.PaymentID))
		}
	}
	audit := Audit{
		Valid:          len(details) == 0,
		TotalPayments:  len(payments),
		Violations:     len(details),
		IntegrityScore: round2pct(float64(len(payments)-len(details)) / float64(len(payments)) * 100),
	}
	if len(details) > 10 {
		details = details[:10]
	}
	audit.ViolationDetails = details
	return audit, nil
}

func (g *Gateway) count(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

func successResult(rec domain.PaymentRecord, replayed bool) PaymentResult {
	proof := rec.MandateSignature
	if len(proof) > proofPrefixLen {
		proof = proof[:proofPrefixLen]
	}
	return PaymentResult{
		Status:           StatusSuccess,
		PaymentID:        rec.PaymentID,
		Amount:           rec.Amount,
		Currency:         rec.Currency,
		MandateSignature: proof,
		PaymentLink:      paymentLinkBase + rec.PaymentID,
		Replayed:         replayed,
	}
}

func replayResult(rec domain.PaymentRecord) PaymentResult {
	return successResult(rec, true)
}

func round2pct(x float64) float64 {
	return math.Round(x*100) / 100
}
