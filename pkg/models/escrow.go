package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowStatusActive EscrowStatus = "ACTIVE"
	EscrowStatusFrozen EscrowStatus = "FROZEN"
	EscrowStatusClosed EscrowStatus = "CLOSED"
)

type EscrowAccount struct {
	ID               uuid.UUID        `json:"id"`
	AccountNumber    string           `json:"account_number"`
	OwnerID          string           `json:"owner_id"`
	LoanID           *uuid.UUID       `json:"loan_id,omitempty"`
	CurrentBalance   decimal.Decimal  `json:"current_balance"`
	AvailableBalance decimal.Decimal  `json:"available_balance"`
	MinimumBalance   decimal.Decimal  `json:"minimum_balance"`
	MaximumBalance   *decimal.Decimal `json:"maximum_balance,omitempty"`
	Status           EscrowStatus     `json:"status"`
	FreezeReason     string           `json:"freeze_reason,omitempty"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// HeldAmount is the part of the balance reserved by holds.
func (a *EscrowAccount) HeldAmount() decimal.Decimal {
	return a.CurrentBalance.Sub(a.AvailableBalance)
}

func (a *EscrowAccount) transitionError(attempted string) error {
	return errs.StateTransition("escrow account", string(a.Status), attempted)
}

func (a *EscrowAccount) requireActive(attempted string) error {
	if a.Status != EscrowStatusActive {
		return a.transitionError(attempted)
	}
	return nil
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Validation("amount must be greater than zero, got %s", amount)
	}
	return nil
}

// Credit adds funds to both balances.
func (a *EscrowAccount) Credit(amount decimal.Decimal, now time.Time) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := a.requireActive("credit"); err != nil {
		return err
	}
	if a.MaximumBalance != nil && a.CurrentBalance.Add(amount).GreaterThan(*a.MaximumBalance) {
		return errs.Validation("deposit of %s would exceed maximum balance %s of account %s",
			amount, a.MaximumBalance.StringFixed(2), a.ID)
	}
	a.CurrentBalance = a.CurrentBalance.Add(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	a.UpdatedAt = now
	return nil
}

// Debit removes funds from both balances. The available balance must cover
// the amount and must not drop below the minimum balance.
func (a *EscrowAccount) Debit(amount decimal.Decimal, now time.Time) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := a.requireActive("debit"); err != nil {
		return err
	}
	if amount.GreaterThan(a.AvailableBalance) || a.AvailableBalance.Sub(amount).LessThan(a.MinimumBalance) {
		return errs.InsufficientFunds(a.ID.String(), a.AvailableBalance.StringFixed(2), amount.StringFixed(2))
	}
	a.CurrentBalance = a.CurrentBalance.Sub(amount)
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.UpdatedAt = now
	return nil
}

// Hold reserves part of the available balance.
func (a *EscrowAccount) Hold(amount decimal.Decimal, now time.Time) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := a.requireActive("hold"); err != nil {
		return err
	}
	if amount.GreaterThan(a.AvailableBalance) {
		return errs.InsufficientFunds(a.ID.String(), a.AvailableBalance.StringFixed(2), amount.StringFixed(2))
	}
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.UpdatedAt = now
	return nil
}

// Release returns held funds to the available balance.
func (a *EscrowAccount) Release(amount decimal.Decimal, now time.Time) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := a.requireActive("release"); err != nil {
		return err
	}
	if amount.GreaterThan(a.HeldAmount()) {
		return errs.Validation("release of %s exceeds held amount %s", amount, a.HeldAmount().StringFixed(2))
	}
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	a.UpdatedAt = now
	return nil
}

func (a *EscrowAccount) Freeze(reason string, now time.Time) error {
	if err := a.requireActive("freeze"); err != nil {
		return err
	}
	if reason == "" {
		return errs.Validation("freeze reason is required")
	}
	a.Status = EscrowStatusFrozen
	a.FreezeReason = reason
	a.UpdatedAt = now
	return nil
}

func (a *EscrowAccount) Unfreeze(now time.Time) error {
	if a.Status != EscrowStatusFrozen {
		return a.transitionError("unfreeze")
	}
	a.Status = EscrowStatusActive
	a.FreezeReason = ""
	a.UpdatedAt = now
	return nil
}

// Close retires an empty account. Closed accounts are kept, never deleted.
func (a *EscrowAccount) Close(now time.Time) error {
	if a.Status == EscrowStatusClosed {
		return a.transitionError("close")
	}
	if !a.CurrentBalance.IsZero() {
		return errs.Validation("account %s cannot be closed with balance %s", a.ID, a.CurrentBalance.StringFixed(2))
	}
	a.Status = EscrowStatusClosed
	a.ClosedAt = timePtr(now)
	a.UpdatedAt = now
	return nil
}

type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal  TransactionType = "WITHDRAWAL"
	TransactionTypeTransferIn  TransactionType = "TRANSFER_IN"
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
	TransactionTypeRefund      TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusRefunded  TransactionStatus = "REFUNDED"
)

// Transaction is one append-only ledger entry against an escrow account.
type Transaction struct {
	ID                    uuid.UUID         `json:"id"`
	Reference             string            `json:"reference"`
	EscrowAccountID       uuid.UUID         `json:"escrow_account_id"`
	CounterpartyAccountID *uuid.UUID        `json:"counterparty_account_id,omitempty"`
	LoanID                *uuid.UUID        `json:"loan_id,omitempty"`
	RelatedTransactionID  *uuid.UUID        `json:"related_transaction_id,omitempty"`
	Type                  TransactionType   `json:"type"`
	Amount                decimal.Decimal   `json:"amount"`
	BalanceAfter          decimal.Decimal   `json:"balance_after"`
	Status                TransactionStatus `json:"status"`
	Description           string            `json:"description,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// SignedAmount is the entry's effect on the account balance. REFUND entries
// store a signed amount, negative when the refund took money out.
func (t *Transaction) SignedAmount() decimal.Decimal {
	switch t.Type {
	case TransactionTypeWithdrawal, TransactionTypeTransferOut:
		return t.Amount.Neg()
	}
	return t.Amount
}

// Outflow reports whether the entry took money out of its account.
func (t *Transaction) Outflow() bool {
	return t.SignedAmount().IsNegative()
}

// MarkRefunded flips a completed entry to REFUNDED. The entry itself stays.
func (t *Transaction) MarkRefunded() error {
	if t.Status != TransactionStatusCompleted {
		return errs.StateTransition("transaction", string(t.Status), "refund")
	}
	if t.Type == TransactionTypeRefund {
		return errs.Validation("refund entries cannot be refunded")
	}
	t.Status = TransactionStatusRefunded
	return nil
}
