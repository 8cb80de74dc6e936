package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/amortization"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusDraft           LoanStatus = "DRAFT"
	LoanStatusPendingApproval LoanStatus = "PENDING_APPROVAL"
	LoanStatusApproved        LoanStatus = "APPROVED"
	LoanStatusRejected        LoanStatus = "REJECTED"
	LoanStatusFunding         LoanStatus = "FUNDING"
	LoanStatusActive          LoanStatus = "ACTIVE"
	LoanStatusCompleted       LoanStatus = "COMPLETED"
	LoanStatusDefaulted       LoanStatus = "DEFAULTED"
	LoanStatusWrittenOff      LoanStatus = "WRITTEN_OFF"
	LoanStatusRestructured    LoanStatus = "RESTRUCTURED"
)

// FirstRepaymentOffset is the gap between disbursement and the first due date.
const FirstRepaymentOffset = 30 * 24 * time.Hour

type Loan struct {
	ID                 uuid.UUID       `json:"id"`
	LoanNumber         string          `json:"loan_number"`
	BorrowerID         string          `json:"borrower_id"`
	Purpose            string          `json:"purpose,omitempty"`
	Principal          decimal.Decimal `json:"principal"`
	TenureMonths       int             `json:"tenure_months"`
	InterestRate       decimal.Decimal `json:"interest_rate"` // annual percent
	MonthlyInstallment decimal.Decimal `json:"monthly_installment"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	TotalFees          decimal.Decimal `json:"total_fees"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	Status             LoanStatus      `json:"status"`

	ApprovedBy         string     `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	RejectedBy         string     `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	DisbursedAt        *time.Time `json:"disbursed_at,omitempty"`
	FirstRepaymentDate *time.Time `json:"first_repayment_date,omitempty"`
	LastRepaymentDate  *time.Time `json:"last_repayment_date,omitempty"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DefaultedAt        *time.Time `json:"defaulted_at,omitempty"`
	DefaultReason      string     `json:"default_reason,omitempty"`
	WrittenOffAt       *time.Time `json:"written_off_at,omitempty"`
	RestructuredAt     *time.Time `json:"restructured_at,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewLoanParams are the inputs of NewLoan.
type NewLoanParams struct {
	LoanNumber   string
	BorrowerID   string
	Purpose      string
	Principal    decimal.Decimal
	InterestRate decimal.Decimal
	TenureMonths int
}

// NewLoan builds a DRAFT loan with its installment and initial balance set.
func NewLoan(p NewLoanParams, now time.Time) (*Loan, error) {
	if p.BorrowerID == "" {
		return nil, errs.Validation("borrower id is required")
	}
	terms := amortization.Terms{Principal: p.Principal, AnnualRate: p.InterestRate, TenureMonths: p.TenureMonths}
	res, err := amortization.Calculate(terms)
	if err != nil {
		return nil, err
	}

	l := &Loan{
		ID:                 uuid.New(),
		LoanNumber:         p.LoanNumber,
		BorrowerID:         p.BorrowerID,
		Purpose:            p.Purpose,
		Principal:          p.Principal,
		TenureMonths:       p.TenureMonths,
		InterestRate:       p.InterestRate,
		MonthlyInstallment: res.MonthlyInstallment,
		TotalInterest:      res.TotalInterest,
		TotalFees:          decimal.Zero,
		AmountPaid:         decimal.Zero,
		Status:             LoanStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	l.recomputeBalance(now)
	return l, nil
}

// Terms returns the amortization terms of the loan.
func (l *Loan) Terms() amortization.Terms {
	return amortization.Terms{Principal: l.Principal, AnnualRate: l.InterestRate, TenureMonths: l.TenureMonths}
}

// TotalPayable is principal plus interest plus fees.
func (l *Loan) TotalPayable() decimal.Decimal {
	return l.Principal.Add(l.TotalInterest).Add(l.TotalFees)
}

// ProgressPercent is the share of the total payable already paid, 0-100.
func (l *Loan) ProgressPercent() decimal.Decimal {
	total := l.TotalPayable()
	if !total.IsPositive() {
		return decimal.Zero
	}
	pct := l.AmountPaid.Div(total).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		pct = decimal.NewFromInt(100)
	}
	return pct.Round(2)
}

func (l *Loan) transitionError(attempted string) error {
	return errs.StateTransition("loan", string(l.Status), attempted)
}

func (l *Loan) touch(now time.Time) {
	l.UpdatedAt = now
}

// Submit moves a draft into the approval queue.
func (l *Loan) Submit(now time.Time) error {
	if l.Status != LoanStatusDraft {
		return l.transitionError("submit")
	}
	l.Status = LoanStatusPendingApproval
	l.touch(now)
	return nil
}

func (l *Loan) awaitingDecision() bool {
	return l.Status == LoanStatusDraft || l.Status == LoanStatusPendingApproval
}

func (l *Loan) Approve(by string, now time.Time) error {
	if !l.awaitingDecision() {
		return l.transitionError("approve")
	}
	if by == "" {
		return errs.Validation("approver is required")
	}
	l.Status = LoanStatusApproved
	l.ApprovedBy = by
	l.ApprovedAt = timePtr(now)
	l.touch(now)
	return nil
}

func (l *Loan) Reject(reason, by string, now time.Time) error {
	if !l.awaitingDecision() {
		return l.transitionError("reject")
	}
	if reason == "" {
		return errs.Validation("rejection reason is required")
	}
	l.Status = LoanStatusRejected
	l.RejectionReason = reason
	l.RejectedBy = by
	l.RejectedAt = timePtr(now)
	l.touch(now)
	return nil
}

// Disburse releases the principal and fixes the repayment window: the first
// installment falls 30 days after date, the last tenure-1 months after that.
func (l *Loan) Disburse(date, now time.Time) error {
	if l.Status != LoanStatusApproved {
		return l.transitionError("disburse")
	}
	if date.IsZero() {
		return errs.Validation("disbursement date is required")
	}
	first := date.Add(FirstRepaymentOffset)
	last := first.AddDate(0, l.TenureMonths-1, 0)

	l.Status = LoanStatusFunding
	l.DisbursedAt = timePtr(date)
	l.FirstRepaymentDate = &first
	l.LastRepaymentDate = &last
	l.touch(now)
	return nil
}

func (l *Loan) Activate(now time.Time) error {
	if l.Status != LoanStatusFunding {
		return l.transitionError("activate")
	}
	l.Status = LoanStatusActive
	l.ActivatedAt = timePtr(now)
	l.touch(now)
	l.recomputeBalance(now)
	return nil
}

func (l *Loan) MarkAsDefaulted(reason string, now time.Time) error {
	if l.Status != LoanStatusActive {
		return l.transitionError("mark as defaulted")
	}
	if reason == "" {
		return errs.Validation("default reason is required")
	}
	l.Status = LoanStatusDefaulted
	l.DefaultReason = reason
	l.DefaultedAt = timePtr(now)
	l.touch(now)
	return nil
}

func (l *Loan) WriteOff(now time.Time) error {
	if l.Status != LoanStatusDefaulted {
		return l.transitionError("write off")
	}
	l.Status = LoanStatusWrittenOff
	l.WrittenOffAt = timePtr(now)
	l.touch(now)
	return nil
}

// RestructureBase is the amount a restructure to principal amortizes: the
// new principal less what was already paid toward dues and less carried,
// the dues still owed on installments that survive the restructure.
func (l *Loan) RestructureBase(principal, carried decimal.Decimal) decimal.Decimal {
	settled := l.AmountPaid.Sub(l.TotalFees)
	return principal.Sub(settled).Sub(carried)
}

// Restructure replaces the loan terms. Installment and interest are
// recomputed on RestructureBase so the new schedule plus carried equals the
// outstanding balance.
func (l *Loan) Restructure(principal decimal.Decimal, tenureMonths int, rate, carried decimal.Decimal, now time.Time) error {
	if l.Status != LoanStatusActive && l.Status != LoanStatusDefaulted {
		return l.transitionError("restructure")
	}
	base := l.RestructureBase(principal, carried)
	if !base.IsPositive() {
		return errs.Validation("principal %s is covered by the %s already paid or owed", principal.StringFixed(2), principal.Sub(base).StringFixed(2))
	}
	res, err := amortization.Calculate(amortization.Terms{Principal: base, AnnualRate: rate, TenureMonths: tenureMonths})
	if err != nil {
		return err
	}
	l.Principal = principal
	l.TenureMonths = tenureMonths
	l.InterestRate = rate
	l.MonthlyInstallment = res.MonthlyInstallment
	l.TotalInterest = res.TotalInterest
	l.Status = LoanStatusRestructured
	l.RestructuredAt = timePtr(now)
	l.touch(now)
	l.recomputeBalance(now)
	return nil
}

// AcceptsPayments reports whether RecordPayment is allowed in the current status.
func (l *Loan) AcceptsPayments() bool {
	switch l.Status {
	case LoanStatusActive, LoanStatusRestructured, LoanStatusDefaulted:
		return true
	}
	return false
}

func (l *Loan) RecordPayment(amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return errs.Validation("payment amount must be greater than zero, got %s", amount)
	}
	if !l.AcceptsPayments() {
		return l.transitionError("record payment")
	}
	l.AmountPaid = l.AmountPaid.Add(amount)
	l.touch(now)
	l.recomputeBalance(now)
	return nil
}

// AssessFee adds a fee (late fee, penalty) to the amount owed.
func (l *Loan) AssessFee(amount decimal.Decimal, now time.Time) error {
	if amount.IsNegative() {
		return errs.Validation("fee must not be negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	l.TotalFees = l.TotalFees.Add(amount)
	l.touch(now)
	l.recomputeBalance(now)
	return nil
}

// SoftDelete hides a loan that carries no live obligations.
func (l *Loan) SoftDelete(now time.Time) error {
	if l.DeletedAt != nil {
		return l.transitionError("delete")
	}
	switch l.Status {
	case LoanStatusDraft, LoanStatusRejected, LoanStatusCompleted, LoanStatusWrittenOff:
	default:
		return l.transitionError("delete")
	}
	l.DeletedAt = timePtr(now)
	l.touch(now)
	return nil
}

// recomputeBalance is the single place the balance invariant is enforced.
// An active loan that has nothing left to pay completes here, once.
func (l *Loan) recomputeBalance(now time.Time) {
	balance := l.TotalPayable().Sub(l.AmountPaid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	l.OutstandingBalance = balance

	if l.Status == LoanStatusActive && !balance.IsPositive() {
		l.Status = LoanStatusCompleted
		if l.CompletedAt == nil {
			l.CompletedAt = timePtr(now)
		}
	}
}

// RecomputeBalance re-derives the outstanding balance, completing the loan
// if appropriate. Calling it repeatedly has no further effect.
func (l *Loan) RecomputeBalance(now time.Time) {
	l.recomputeBalance(now)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
