package processor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-process gateway that accepts every call. Decline, when
// set, is consulted first; an error it returns declines the call with a
// FAILED result.
type Sandbox struct {
	Decline func(op string, amount decimal.Decimal) error

	mu      sync.Mutex
	charged map[string]decimal.Decimal
	calls   []string
}

func NewSandbox() *Sandbox {
	return &Sandbox{charged: make(map[string]decimal.Decimal)}
}

// Calls returns the operations seen so far, in order.
func (s *Sandbox) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Sandbox) record(op string, amount decimal.Decimal) error {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
	if s.Decline != nil {
		return s.Decline(op, amount)
	}
	return nil
}

func newReference() string {
	return "SBX-" + uuid.NewString()
}

func (s *Sandbox) ProcessPayment(ctx context.Context, p Payment) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := s.record("payment", p.Amount); err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}, err
	}
	ref := newReference()
	s.mu.Lock()
	s.charged[ref] = p.Amount
	s.mu.Unlock()
	return Result{ReferenceID: ref, Status: StatusSucceeded}, nil
}

func (s *Sandbox) ProcessPayout(ctx context.Context, p Payout) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := s.record("payout", p.Amount); err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}, err
	}
	return Result{ReferenceID: newReference(), Status: StatusSucceeded}, nil
}

// RefundPayment refunds at most what the referenced payment charged.
func (s *Sandbox) RefundPayment(ctx context.Context, referenceID string, amount decimal.Decimal) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := s.record("refund", amount); err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	charged, ok := s.charged[referenceID]
	if !ok || amount.GreaterThan(charged) {
		return Result{Status: StatusFailed, Message: "unknown payment or amount above charge"}, nil
	}
	s.charged[referenceID] = charged.Sub(amount)
	return Result{ReferenceID: newReference(), Status: StatusSucceeded}, nil
}
