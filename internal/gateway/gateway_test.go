package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phronetic-ai/agentic-payments-research/internal/mandate"
	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
	"github.com/phronetic-ai/agentic-payments-research/pkg/mandatesig"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) (*Gateway, *mandate.Service, *store.Memory, *time.Time) {
	t.Helper()
	st := store.NewMemory()
	scheme, err := mandatesig.New([]byte("gateway-test-key"))
	if err != nil {
		t.Fatalf("mandatesig.New: %v", err)
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }
	svc := mandate.New(st, scheme, mandate.WithClock(tick))
	gw := New(svc, st, scheme, WithClock(tick))
	return gw, svc, st, clock
}

// authorizedCart seals the worked checkout and authorizes it.
func authorizedCart(t *testing.T, svc *mandate.Service) mandate.CreateResult {
	t.Helper()
	res, err := svc.Create(context.Background(), mandate.CreateRequest{
		MerchantID: "merchant_1",
		CustomerID: "customer_1",
		Items: []mandate.ItemInput{{
			ID:        "prod_laptop",
			Name:      "Laptop",
			Quantity:  3,
			UnitPrice: dec("29999.99"),
			TaxRate:   dec("0.18"),
		}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Authorize(context.Background(), res.CartID, true); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return res
}

func TestCreatePayment_Success(t *testing.T) {
	gw, svc, st, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	pay, err := gw.CreatePayment(ctx, res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if pay.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", pay.Status, pay.Reason)
	}
	// The amount is taken verbatim from the sealed mandate.
	if !pay.Amount.Equal(dec("106199.96")) {
		t.Fatalf("expected amount 106199.96, got %s", pay.Amount)
	}
	if pay.Currency != "INR" {
		t.Fatalf("expected INR, got %s", pay.Currency)
	}
	if !strings.HasPrefix(pay.PaymentID, "pay_") {
		t.Fatalf("unexpected payment id %q", pay.PaymentID)
	}
	if pay.PaymentLink != "https://paycentral.phronetic.ai/pay/"+pay.PaymentID {
		t.Fatalf("unexpected payment link %q", pay.PaymentLink)
	}
	if len(pay.MandateSignature) != proofPrefixLen {
		t.Fatalf("proof must be %d chars, got %d", proofPrefixLen, len(pay.MandateSignature))
	}

	m, err := st.GetMandate(ctx, res.CartID)
	if err != nil {
		t.Fatalf("GetMandate: %v", err)
	}
	if m.Status != domain.StatusProcessed || m.PaymentID != pay.PaymentID || m.ProcessedAt == nil {
		t.Fatalf("mandate not marked processed: %+v", m)
	}
	if !strings.HasPrefix(m.Signature, pay.MandateSignature) {
		t.Fatal("proof is not a prefix of the mandate signature")
	}
}

func TestCreatePayment_UnauthorizedMandateRejected(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res, err := svc.Create(context.Background(), mandate.CreateRequest{
		MerchantID: "merchant_1",
		CustomerID: "customer_1",
		Items: []mandate.ItemInput{{
			ID: "p1", Name: "Widget", Quantity: 1, UnitPrice: dec("10.00"), TaxRate: dec("0"),
		}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pay, err := gw.CreatePayment(context.Background(), res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if pay.Status != StatusFailed || pay.Reason != ReasonMandateInvalid {
		t.Fatalf("expected MANDATE_INVALID failure, got %+v", pay)
	}

	stats := gw.Statistics()
	if stats.RejectionReasons.MandateInvalid != 1 {
		t.Fatalf("rejection not counted: %+v", stats)
	}
}

func TestCreatePayment_UnknownCartRejected(t *testing.T) {
	gw, _, _, _ := newFixture(t)
	pay, err := gw.CreatePayment(context.Background(), "cart_missing", "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if pay.Status != StatusFailed || pay.Reason != ReasonMandateInvalid {
		t.Fatalf("expected MANDATE_INVALID failure, got %+v", pay)
	}
}

func TestCreatePayment_ExpiredMandateRejected(t *testing.T) {
	gw, svc, _, clock := newFixture(t)
	res := authorizedCart(t, svc)

	*clock = clock.Add(31 * time.Minute)
	pay, err := gw.CreatePayment(context.Background(), res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	// Redeem refuses expired mandates before the gateway's own expiry
	// recheck can fire, so the rejection surfaces as mandate-invalid.
	if pay.Status != StatusFailed || pay.Reason != ReasonMandateInvalid {
		t.Fatalf("expected failure for expired mandate, got %+v", pay)
	}
}

func TestCreatePayment_SingleUse(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	first, err := gw.CreatePayment(ctx, res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if first.Status != StatusSuccess {
		t.Fatalf("first payment must succeed, got %+v", first)
	}
	second, err := gw.CreatePayment(ctx, res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if second.Status != StatusFailed || second.Reason != ReasonMandateInvalid {
		t.Fatalf("second payment must be rejected, got %+v", second)
	}
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	first, err := gw.CreatePayment(ctx, res.CartID, "retry-1")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	second, err := gw.CreatePayment(ctx, res.CartID, "retry-1")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if second.Status != StatusSuccess {
		t.Fatalf("replay must return the prior success, got %+v", second)
	}
	if second.PaymentID != first.PaymentID || !second.Amount.Equal(first.Amount) {
		t.Fatalf("replay changed the record: %+v vs %+v", second, first)
	}
	if !second.Replayed {
		t.Fatal("replay must be marked replayed")
	}

	stats := gw.Statistics()
	if stats.SuccessfulPayments != 1 {
		t.Fatalf("replay must not mint a second payment: %+v", stats)
	}
}

func TestCreatePayment_ConcurrentSameKeyOnePayment(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan PaymentResult, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pay, err := gw.CreatePayment(ctx, res.CartID, "same-key")
			if err == nil {
				results <- pay
			}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for pay := range results {
		if pay.Status != StatusSuccess {
			t.Fatalf("every keyed retry must see the same success, got %+v", pay)
		}
		ids[pay.PaymentID] = true
	}
	if len(ids) != 1 {
		t.Fatalf("expected one payment id across all racers, got %d", len(ids))
	}
	stats := gw.Statistics()
	if stats.SuccessfulPayments != 1 {
		t.Fatalf("expected one minted payment, got %+v", stats)
	}
}

func TestCreatePayment_ConcurrentNoKeyExactlyOneSuccess(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pay, err := gw.CreatePayment(ctx, res.CartID, "")
			if err == nil && pay.Status == StatusSuccess {
				wins <- pay.PaymentID
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one successful payment, got %d", n)
	}
}

func TestGetPayment(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	pay, err := gw.CreatePayment(ctx, res.CartID, "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	rec, err := gw.GetPayment(ctx, pay.PaymentID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if rec.CartID != res.CartID || !rec.Amount.Equal(pay.Amount) || !rec.Verified() {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := gw.GetPayment(ctx, "pay_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatistics_Rates(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	if _, err := gw.CreatePayment(ctx, res.CartID, ""); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := gw.CreatePayment(ctx, "cart_missing", ""); err != nil {
			t.Fatalf("CreatePayment: %v", err)
		}
	}

	stats := gw.Statistics()
	if stats.TotalAttempts != 4 || stats.SuccessfulPayments != 1 || stats.FailedPayments != 3 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.SuccessRate != 25.0 || stats.FailureRate != 75.0 {
		t.Fatalf("unexpected rates: %+v", stats)
	}
	if stats.RejectionReasons.MandateInvalid != 3 {
		t.Fatalf("unexpected rejection breakdown: %+v", stats)
	}
}

func TestIntegrityAudit_CleanLedger(t *testing.T) {
	gw, svc, _, _ := newFixture(t)
	ctx := context.Background()

	empty, err := gw.IntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("IntegrityAudit: %v", err)
	}
	if !empty.Valid || empty.IntegrityScore != 100 {
		t.Fatalf("empty ledger must audit clean: %+v", empty)
	}

	res := authorizedCart(t, svc)
	if _, err := gw.CreatePayment(ctx, res.CartID, ""); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	audit, err := gw.IntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("IntegrityAudit: %v", err)
	}
	if !audit.Valid || audit.TotalPayments != 1 || audit.Violations != 0 || audit.IntegrityScore != 100 {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestIntegrityAudit_FlagsBadRecord(t *testing.T) {
	gw, svc, st, clock := newFixture(t)
	res := authorizedCart(t, svc)
	ctx := context.Background()

	if _, err := gw.CreatePayment(ctx, res.CartID, ""); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	// A record the gateway never verified, injected behind its back.
	bad := domain.PaymentRecord{
		PaymentID:      "pay_forged",
		CartID:         "cart_forged",
		Amount:         dec("1.00"),
		Currency:       "INR",
		CreatedAt:      *clock,
		SignatureValid: false,
		NotExpired:     true,
		NotReused:      true,
	}
	if err := st.InsertPayment(ctx, bad); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}

	audit, err := gw.IntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("IntegrityAudit: %v", err)
	}
	if audit.Valid {
		t.Fatal("audit must flag the forged record")
	}
	// signature invalid + mandate not verified
	if audit.TotalPayments != 2 || audit.Violations != 2 {
		t.Fatalf("unexpected audit: %+v", audit)
	}
	if audit.IntegrityScore != 0 {
		t.Fatalf("expected score 0 for 2 violations over 2 payments, got %v", audit.IntegrityScore)
	}
	if len(audit.ViolationDetails) != 2 {
		t.Fatalf("expected 2 detail lines, got %v", audit.ViolationDetails)
	}
}
