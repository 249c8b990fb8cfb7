package idempotency

import (
	"context"
	"testing"

	"github.com/phronetic-ai/agentic-payments-research/internal/store"
	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
)

func TestEmptyKeyPassesThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	if _, found, err := ReplayMandate(ctx, st, ""); err != nil || found {
		t.Fatalf("empty key must never replay: found=%v err=%v", found, err)
	}
	cartID, replayed, err := BindMandate(ctx, st, "", "cart_1")
	if err != nil || replayed || cartID != "cart_1" {
		t.Fatalf("empty key bind: cartID=%s replayed=%v err=%v", cartID, replayed, err)
	}
	if _, found, err := ReplayPayment(ctx, st, ""); err != nil || found {
		t.Fatalf("empty key must never replay a payment: found=%v err=%v", found, err)
	}
}

func TestBindMandate_FirstWinsThenReplays(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	cartID, replayed, err := BindMandate(ctx, st, "key-1", "cart_1")
	if err != nil || replayed || cartID != "cart_1" {
		t.Fatalf("first bind: cartID=%s replayed=%v err=%v", cartID, replayed, err)
	}
	cartID, replayed, err = BindMandate(ctx, st, "key-1", "cart_2")
	if err != nil || !replayed || cartID != "cart_1" {
		t.Fatalf("second bind must replay the first cart: cartID=%s replayed=%v err=%v", cartID, replayed, err)
	}
	cartID, found, err := ReplayMandate(ctx, st, "key-1")
	if err != nil || !found || cartID != "cart_1" {
		t.Fatalf("ReplayMandate: cartID=%s found=%v err=%v", cartID, found, err)
	}
}

func TestReplayPayment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := domain.PaymentRecord{PaymentID: "pay_1", IdempotencyKey: "key-1"}
	if err := st.InsertPayment(ctx, rec); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}
	got, found, err := ReplayPayment(ctx, st, "key-1")
	if err != nil || !found || got.PaymentID != "pay_1" {
		t.Fatalf("ReplayPayment: got=%+v found=%v err=%v", got, found, err)
	}
}
