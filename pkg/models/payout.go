package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusApproved   PayoutStatus = "APPROVED"
	PayoutStatusScheduled  PayoutStatus = "SCHEDULED" // disbursements only
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusCompleted  PayoutStatus = "COMPLETED"
	PayoutStatusFailed     PayoutStatus = "FAILED"
	PayoutStatusRejected   PayoutStatus = "REJECTED"
	PayoutStatusCancelled  PayoutStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s PayoutStatus) Terminal() bool {
	switch s {
	case PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusRejected, PayoutStatusCancelled:
		return true
	}
	return false
}

type PayoutMethod string

const (
	PayoutMethodBankTransfer PayoutMethod = "BANK_TRANSFER"
	PayoutMethodMobileMoney  PayoutMethod = "MOBILE_MONEY"
	PayoutMethodCard         PayoutMethod = "CARD"
	PayoutMethodInternal     PayoutMethod = "INTERNAL"
)

func ParsePayoutMethod(s string) (PayoutMethod, error) {
	switch m := PayoutMethod(s); m {
	case PayoutMethodBankTransfer, PayoutMethodMobileMoney, PayoutMethodCard, PayoutMethodInternal:
		return m, nil
	}
	return "", errs.Validation("unknown payout method %q", s)
}

// External reports whether moving the funds needs the payment processor.
func (m PayoutMethod) External() bool {
	return m != PayoutMethodInternal
}

// Transfer is the state shared by payout requests and disbursements: an
// amount leaving the platform, optionally funded from an escrow account.
type Transfer struct {
	ID                   uuid.UUID       `json:"id"`
	Number               string          `json:"number"`
	RecipientID          string          `json:"recipient_id"`
	LoanID               *uuid.UUID      `json:"loan_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Method               PayoutMethod    `json:"method"`
	Destination          string          `json:"destination,omitempty"`
	Status               PayoutStatus    `json:"status"`
	EscrowAccountID      *uuid.UUID      `json:"escrow_account_id,omitempty"`
	EscrowTransactionID  *uuid.UUID      `json:"escrow_transaction_id,omitempty"`
	TransactionReference string          `json:"transaction_reference,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	StatusReason         string          `json:"status_reason,omitempty"`
	ApprovedBy           string          `json:"approved_by,omitempty"`
	ApprovedAt           *time.Time      `json:"approved_at,omitempty"`
	ProcessingStartedAt  *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	FailedAt             *time.Time      `json:"failed_at,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// PayoutRequest moves funds to an external recipient.
type PayoutRequest struct {
	Transfer
}

// Disbursement releases loan principal, possibly as one tranche of a plan.
type Disbursement struct {
	Transfer
	TrancheNumber int        `json:"tranche_number"`
	TrancheCount  int        `json:"tranche_count"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
}

func (t *Transfer) validate() error {
	if !t.Amount.IsPositive() {
		return errs.Validation("amount must be greater than zero, got %s", t.Amount)
	}
	if t.RecipientID == "" {
		return errs.Validation("recipient is required")
	}
	if _, err := ParsePayoutMethod(string(t.Method)); err != nil {
		return err
	}
	if t.Method.External() && t.Destination == "" {
		return errs.Validation("destination is required for %s", t.Method)
	}
	return nil
}

func (t *Transfer) transitionError(attempted string) error {
	return errs.StateTransition("payout", string(t.Status), attempted)
}

func (t *Transfer) Approve(by string, now time.Time) error {
	if t.Status != PayoutStatusPending {
		return t.transitionError("approve")
	}
	if by == "" {
		return errs.Validation("approver is required")
	}
	t.Status = PayoutStatusApproved
	t.ApprovedBy = by
	t.ApprovedAt = timePtr(now)
	t.UpdatedAt = now
	return nil
}

func (t *Transfer) Reject(reason string, now time.Time) error {
	if t.Status != PayoutStatusPending {
		return t.transitionError("reject")
	}
	if reason == "" {
		return errs.Validation("rejection reason is required")
	}
	t.Status = PayoutStatusRejected
	t.StatusReason = reason
	t.UpdatedAt = now
	return nil
}

// Cancel stops a request that has not started moving money. Once PROCESSING
// the request resolves only to COMPLETED or FAILED.
func (t *Transfer) Cancel(reason string, now time.Time) error {
	if t.Status.Terminal() || t.Status == PayoutStatusProcessing {
		return t.transitionError("cancel")
	}
	if reason == "" {
		return errs.Validation("cancellation reason is required")
	}
	t.Status = PayoutStatusCancelled
	t.StatusReason = reason
	t.UpdatedAt = now
	return nil
}

// processable reports whether processing may start at now.
func (t *Transfer) processable(scheduledFor *time.Time, now time.Time) bool {
	switch t.Status {
	case PayoutStatusApproved:
		return true
	case PayoutStatusScheduled:
		return scheduledFor == nil || !scheduledFor.After(now)
	}
	return false
}

func (t *Transfer) startProcessing(scheduledFor *time.Time, now time.Time) error {
	if !t.processable(scheduledFor, now) {
		return t.transitionError("start processing")
	}
	t.Status = PayoutStatusProcessing
	t.ProcessingStartedAt = timePtr(now)
	t.UpdatedAt = now
	return nil
}

// AttachEscrowTransaction records the ledger entry that funded the transfer.
func (t *Transfer) AttachEscrowTransaction(id uuid.UUID, now time.Time) error {
	if t.Status != PayoutStatusProcessing {
		return t.transitionError("attach escrow transaction")
	}
	t.EscrowTransactionID = &id
	t.UpdatedAt = now
	return nil
}

func (t *Transfer) Complete(reference string, now time.Time) error {
	if t.Status != PayoutStatusProcessing {
		return t.transitionError("complete")
	}
	if t.Method.External() && reference == "" {
		return errs.Validation("transaction reference is required")
	}
	t.Status = PayoutStatusCompleted
	t.TransactionReference = reference
	t.CompletedAt = timePtr(now)
	t.UpdatedAt = now
	return nil
}

func (t *Transfer) Fail(reason string, now time.Time) error {
	if t.Status != PayoutStatusProcessing {
		return t.transitionError("fail")
	}
	if reason == "" {
		return errs.Validation("failure reason is required")
	}
	t.Status = PayoutStatusFailed
	t.FailureReason = reason
	t.FailedAt = timePtr(now)
	t.UpdatedAt = now
	return nil
}

// NewPayoutRequest builds a PENDING payout request.
func NewPayoutRequest(t Transfer, now time.Time) (*PayoutRequest, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.ID = uuid.New()
	t.Status = PayoutStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	return &PayoutRequest{Transfer: t}, nil
}

func (p *PayoutRequest) StartProcessing(now time.Time) error {
	return p.startProcessing(nil, now)
}

// NewDisbursement builds a PENDING disbursement for a single release.
func NewDisbursement(t Transfer, now time.Time) (*Disbursement, error) {
	if t.LoanID == nil {
		return nil, errs.Validation("disbursement requires a loan")
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.ID = uuid.New()
	t.Status = PayoutStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	return &Disbursement{Transfer: t, TrancheNumber: 1, TrancheCount: 1}, nil
}

// Tranche is one release of a multi-installment disbursement plan.
type Tranche struct {
	Amount decimal.Decimal
	Date   time.Time
}

// NewDisbursementPlan builds SCHEDULED disbursements, one per tranche, that a
// sweep releases once their date has come.
func NewDisbursementPlan(base Transfer, tranches []Tranche, now time.Time) ([]*Disbursement, error) {
	if len(tranches) == 0 {
		return nil, errs.Validation("disbursement plan needs at least one tranche")
	}
	if base.LoanID == nil {
		return nil, errs.Validation("disbursement requires a loan")
	}
	plan := make([]*Disbursement, 0, len(tranches))
	for i, tr := range tranches {
		t := base
		t.Amount = tr.Amount
		if err := t.validate(); err != nil {
			return nil, err
		}
		if tr.Date.IsZero() {
			return nil, errs.Validation("tranche %d has no release date", i+1)
		}
		t.ID = uuid.New()
		t.Number = ""
		t.Status = PayoutStatusScheduled
		t.CreatedAt = now
		t.UpdatedAt = now
		date := tr.Date
		plan = append(plan, &Disbursement{
			Transfer:      t,
			TrancheNumber: i + 1,
			TrancheCount:  len(tranches),
			ScheduledFor:  &date,
		})
	}
	return plan, nil
}

func (d *Disbursement) StartProcessing(now time.Time) error {
	return d.startProcessing(d.ScheduledFor, now)
}

// FundingProgress is the percentage of principal released by completed
// disbursements, 0-100.
func FundingProgress(principal decimal.Decimal, disbursements []*Disbursement) decimal.Decimal {
	if !principal.IsPositive() {
		return decimal.Zero
	}
	released := decimal.Zero
	for _, d := range disbursements {
		if d.Status == PayoutStatusCompleted {
			released = released.Add(d.Amount)
		}
	}
	pct := released.Div(principal).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		pct = decimal.NewFromInt(100)
	}
	return pct.Round(2)
}
