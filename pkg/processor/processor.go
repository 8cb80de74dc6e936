// Package processor defines the payment gateway collaborator and the
// guards placed around it.
package processor

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the gateway-reported state of a call.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusPending   Status = "PENDING"
	StatusFailed    Status = "FAILED"
)

// Result is what every gateway call returns.
type Result struct {
	ReferenceID string `json:"reference_id"`
	Status      Status `json:"status"`
	Message     string `json:"message,omitempty"`
}

// Payment charges a borrower.
type Payment struct {
	Reference   string
	PayerID     string
	Amount      decimal.Decimal
	Description string
}

// Payout sends funds to an external destination.
type Payout struct {
	Reference   string
	RecipientID string
	Amount      decimal.Decimal
	Method      string
	Destination string
}

// PaymentProcessor is a possibly slow, fallible remote gateway. Retries are
// the caller's decision.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, p Payment) (Result, error)
	ProcessPayout(ctx context.Context, p Payout) (Result, error)
	RefundPayment(ctx context.Context, referenceID string, amount decimal.Decimal) (Result, error)
}
