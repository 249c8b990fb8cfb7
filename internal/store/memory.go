package store

import (
	"context"
	"sync"
	"time"

	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
)

// Memory is the reference in-memory Store. One coarse mutex guards all
// state; contention is low and every operation is CPU-bound and
// completes in microseconds, so per-key locking buys nothing here.
type Memory struct {
	mu          sync.Mutex
	mandates    map[string]*domain.Mandate
	mandateKeys map[string]string
	payments    map[string]domain.PaymentRecord
	paymentKeys map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		mandates:    make(map[string]*domain.Mandate),
		mandateKeys: make(map[string]string),
		payments:    make(map[string]domain.PaymentRecord),
		paymentKeys: make(map[string]string),
	}
}

func (s *Memory) InsertMandate(_ context.Context, m domain.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mandates[m.CartID]; ok {
		return domain.ErrDuplicateCart
	}
	stored := m.Clone()
	s.mandates[m.CartID] = &stored
	return nil
}

func (s *Memory) GetMandate(_ context.Context, cartID string) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[cartID]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) DeleteMandate(_ context.Context, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mandates, cartID)
	return nil
}

func (s *Memory) TransitionStatus(_ context.Context, cartID string, from, to domain.Status) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[cartID]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	if m.Status != from || !domain.CanTransition(from, to) {
		return domain.Mandate{}, domain.ErrInvalidState
	}
	m.Status = to
	return m.Clone(), nil
}

func (s *Memory) MarkProcessed(_ context.Context, cartID, paymentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[cartID]
	if !ok {
		return nil
	}
	if m.PaymentID != "" || m.ProcessedAt != nil {
		return nil
	}
	t := at
	m.ProcessedAt = &t
	m.PaymentID = paymentID
	m.Status = domain.StatusProcessed
	return nil
}

func (s *Memory) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Status]int, 4)
	for _, m := range s.mandates {
		out[m.Status]++
	}
	return out, nil
}

func (s *Memory) PruneExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.mandates {
		if m.Status != domain.StatusProcessed && m.ExpiresAt.Before(cutoff) {
			delete(s.mandates, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) BindMandateKey(_ context.Context, key, cartID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mandateKeys[key]; ok {
		return existing, false, nil
	}
	s.mandateKeys[key] = cartID
	return cartID, true, nil
}

func (s *Memory) LookupMandateKey(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cartID, ok := s.mandateKeys[key]
	return cartID, ok, nil
}

func (s *Memory) InsertPayment(_ context.Context, rec domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[rec.PaymentID] = rec
	if rec.IdempotencyKey != "" {
		if _, ok := s.paymentKeys[rec.IdempotencyKey]; !ok {
			s.paymentKeys[rec.IdempotencyKey] = rec.PaymentID
		}
	}
	return nil
}

func (s *Memory) GetPayment(_ context.Context, paymentID string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[paymentID]
	if !ok {
		return domain.PaymentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *Memory) LookupPaymentKey(_ context.Context, key string) (domain.PaymentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paymentKeys[key]
	if !ok {
		return domain.PaymentRecord{}, false, nil
	}
	rec, ok := s.payments[id]
	if !ok {
		return domain.PaymentRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Memory) ListPayments(_ context.Context) ([]domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PaymentRecord, 0, len(s.payments))
	for _, rec := range s.payments {
		out = append(out, rec)
	}
	return out, nil
}
