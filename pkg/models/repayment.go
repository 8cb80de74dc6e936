package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

type RepaymentStatus string

const (
	RepaymentStatusPending       RepaymentStatus = "PENDING"
	RepaymentStatusDue           RepaymentStatus = "DUE"
	RepaymentStatusOverdue       RepaymentStatus = "OVERDUE"
	RepaymentStatusPartiallyPaid RepaymentStatus = "PARTIALLY_PAID"
	RepaymentStatusPaid          RepaymentStatus = "PAID"
	RepaymentStatusCancelled     RepaymentStatus = "CANCELLED"
	RepaymentStatusWrittenOff    RepaymentStatus = "WRITTEN_OFF"
	RepaymentStatusInCollection  RepaymentStatus = "IN_COLLECTION"
)

type LateFeeType string

const (
	LateFeeNone       LateFeeType = "NONE"
	LateFeeFixed      LateFeeType = "FIXED"
	LateFeePercentage LateFeeType = "PERCENTAGE"
	LateFeeDaily      LateFeeType = "DAILY"
)

// ParseLateFeeType accepts the upper-case names used in storage and config.
func ParseLateFeeType(s string) (LateFeeType, error) {
	switch t := LateFeeType(s); t {
	case LateFeeNone, LateFeeFixed, LateFeePercentage, LateFeeDaily:
		return t, nil
	}
	return "", errs.Validation("unknown late fee type %q", s)
}

var daysPerYear = decimal.NewFromInt(365)

// ChargePolicy configures how an installment is charged once overdue.
type ChargePolicy struct {
	GracePeriodDays int
	LateFeeType     LateFeeType
	LateFeeRate     decimal.Decimal
	PenaltyRate     decimal.Decimal // annual percent applied to the unpaid remainder
}

func (p ChargePolicy) Validate() error {
	if p.GracePeriodDays < 0 {
		return errs.Validation("grace period must not be negative, got %d", p.GracePeriodDays)
	}
	if _, err := ParseLateFeeType(string(p.LateFeeType)); err != nil {
		return err
	}
	if p.LateFeeRate.IsNegative() || p.PenaltyRate.IsNegative() {
		return errs.Validation("charge rates must not be negative")
	}
	return nil
}

type Repayment struct {
	ID                    uuid.UUID       `json:"id"`
	LoanID                uuid.UUID       `json:"loan_id"`
	InstallmentNumber     int             `json:"installment_number"`
	DueDate               time.Time       `json:"due_date"`
	PrincipalAmount       decimal.Decimal `json:"principal_amount"`
	InterestAmount        decimal.Decimal `json:"interest_amount"`
	TotalAmountDue        decimal.Decimal `json:"total_amount_due"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	RemainingBalance      decimal.Decimal `json:"remaining_balance"`
	Status                RepaymentStatus `json:"status"`
	GracePeriodDays       int             `json:"grace_period_days"`
	LateFeeType           LateFeeType     `json:"late_fee_type"`
	LateFeeRate           decimal.Decimal `json:"late_fee_rate"`
	LateFeeAmount         decimal.Decimal `json:"late_fee_amount"`
	PenaltyRate           decimal.Decimal `json:"penalty_rate"`
	PenaltyInterestAmount decimal.Decimal `json:"penalty_interest_amount"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	LastPaymentAt         *time.Time      `json:"last_payment_at,omitempty"`
	StatusReason          string          `json:"status_reason,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// PaymentAllocation splits the amount paid on an installment. It is derived
// from AmountPaid every time and never stored.
type PaymentAllocation struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Charges   decimal.Decimal `json:"charges"`
}

// OverdueDays counts whole days elapsed since dueDate; zero when not past due.
func OverdueDays(dueDate, now time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	return int(now.Sub(dueDate) / (24 * time.Hour))
}

// ChargeableDays is the part of the overdue period beyond the grace period.
func ChargeableDays(dueDate time.Time, graceDays int, now time.Time) int {
	days := OverdueDays(dueDate, now) - graceDays
	if days < 0 {
		return 0
	}
	return days
}

// LateFee computes the late fee for the chargeable days.
func LateFee(typ LateFeeType, rate, totalAmountDue decimal.Decimal, chargeableDays int) decimal.Decimal {
	if chargeableDays <= 0 {
		return decimal.Zero
	}
	switch typ {
	case LateFeeFixed:
		return rate.Round(2)
	case LateFeePercentage:
		return totalAmountDue.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	case LateFeeDaily:
		return rate.Mul(decimal.NewFromInt(int64(chargeableDays))).Round(2)
	}
	return decimal.Zero
}

// PenaltyInterest is remaining * (annualRate/100/365) * chargeableDays.
func PenaltyInterest(remaining, annualRate decimal.Decimal, chargeableDays int) decimal.Decimal {
	if chargeableDays <= 0 || !remaining.IsPositive() {
		return decimal.Zero
	}
	daily := annualRate.Div(decimal.NewFromInt(100)).Div(daysPerYear)
	return remaining.Mul(daily).Mul(decimal.NewFromInt(int64(chargeableDays))).Round(2)
}

// ResolveRepaymentStatus derives an installment's status. The result depends
// only on its arguments; prev matters solely for the sticky statuses and the
// clock-correction rule. The grace period delays charges, not the overdue flag.
func ResolveRepaymentStatus(prev RepaymentStatus, amountPaid, totalAmountDue decimal.Decimal, dueDate time.Time, graceDays int, now time.Time) RepaymentStatus {
	switch prev {
	case RepaymentStatusCancelled, RepaymentStatusWrittenOff:
		return prev
	}
	if amountPaid.GreaterThanOrEqual(totalAmountDue) {
		return RepaymentStatusPaid
	}
	if prev == RepaymentStatusInCollection {
		return prev
	}
	if amountPaid.IsPositive() {
		return RepaymentStatusPartiallyPaid
	}
	if now.After(dueDate) {
		return RepaymentStatusOverdue
	}
	if prev == RepaymentStatusOverdue || prev == RepaymentStatusDue {
		return RepaymentStatusDue
	}
	return RepaymentStatusPending
}

func (r *Repayment) TotalCharges() decimal.Decimal {
	return r.LateFeeAmount.Add(r.PenaltyInterestAmount)
}

// MaxPayable is the most the installment can still accept.
func (r *Repayment) MaxPayable() decimal.Decimal {
	left := r.TotalAmountDue.Add(r.TotalCharges()).Sub(r.AmountPaid)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// IsFullyPaid reports whether the installment and all of its charges are settled.
func (r *Repayment) IsFullyPaid() bool {
	return r.AmountPaid.GreaterThanOrEqual(r.TotalAmountDue.Add(r.TotalCharges()))
}

func (r *Repayment) isTerminal() bool {
	return r.Status == RepaymentStatusCancelled || r.Status == RepaymentStatusWrittenOff
}

// Allocation pro-rates the paid amount over principal and interest by their
// share of the amount due, then applies any surplus to charges.
func (r *Repayment) Allocation() PaymentAllocation {
	toDue := decimal.Min(r.AmountPaid, r.TotalAmountDue)
	var principal decimal.Decimal
	if r.TotalAmountDue.IsPositive() {
		principal = toDue.Mul(r.PrincipalAmount).Div(r.TotalAmountDue).Round(2)
	}
	surplus := r.AmountPaid.Sub(toDue)
	return PaymentAllocation{
		Principal: principal,
		Interest:  toDue.Sub(principal),
		Charges:   decimal.Min(surplus, r.TotalCharges()),
	}
}

// Refresh recomputes remaining balance, charges and status as of now.
// Charges are rebuilt from the clock, but once assessed they never drop
// while the installment is open: paying down the remainder must not shrink
// the penalty it already accrued. A settled or terminal installment keeps
// the charges it had.
func (r *Repayment) Refresh(now time.Time) {
	r.RemainingBalance = r.TotalAmountDue.Sub(r.AmountPaid)
	if r.RemainingBalance.IsNegative() {
		r.RemainingBalance = decimal.Zero
	}

	if !r.isTerminal() && !r.IsFullyPaid() {
		days := ChargeableDays(r.DueDate, r.GracePeriodDays, now)
		switch {
		case days > 0:
			r.LateFeeAmount = decimal.Max(r.LateFeeAmount,
				LateFee(r.LateFeeType, r.LateFeeRate, r.TotalAmountDue, days))
			r.PenaltyInterestAmount = decimal.Max(r.PenaltyInterestAmount,
				PenaltyInterest(r.RemainingBalance, r.PenaltyRate, days))
		case r.AmountPaid.LessThanOrEqual(r.TotalAmountDue):
			// Clock correction back inside the grace period. Charges that
			// were already paid stay on the books.
			r.LateFeeAmount = decimal.Zero
			r.PenaltyInterestAmount = decimal.Zero
		}
	}

	r.Status = ResolveRepaymentStatus(r.Status, r.AmountPaid, r.TotalAmountDue, r.DueDate, r.GracePeriodDays, now)
	if r.Status == RepaymentStatusPaid && r.PaidAt == nil {
		r.PaidAt = timePtr(now)
	}
}

func (r *Repayment) transitionError(attempted string) error {
	return errs.StateTransition("repayment", string(r.Status), attempted)
}

// MakePayment applies amount to the installment and returns the part of it
// that settled charges.
func (r *Repayment) MakePayment(amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errs.Validation("payment amount must be greater than zero, got %s", amount)
	}
	if r.Status == RepaymentStatusCancelled || r.Status == RepaymentStatusWrittenOff {
		return decimal.Zero, r.transitionError("pay")
	}

	r.Refresh(now)
	if r.IsFullyPaid() {
		return decimal.Zero, r.transitionError("pay fully paid installment")
	}
	ceiling := r.TotalAmountDue.Add(r.TotalCharges())
	if r.AmountPaid.Add(amount).GreaterThan(ceiling) {
		return decimal.Zero, errs.Overpayment(r.MaxPayable().StringFixed(2))
	}

	before := *r
	chargesBefore := r.Allocation().Charges
	r.AmountPaid = r.AmountPaid.Add(amount)
	r.LastPaymentAt = timePtr(now)
	r.UpdatedAt = now
	r.Refresh(now)
	if r.AmountPaid.GreaterThan(r.TotalAmountDue.Add(r.TotalCharges())) {
		*r = before
		return decimal.Zero, errs.Overpayment(r.MaxPayable().StringFixed(2))
	}
	return r.Allocation().Charges.Sub(chargesBefore), nil
}

func (r *Repayment) WriteOff(reason string, now time.Time) error {
	switch {
	case r.Status == RepaymentStatusWrittenOff, r.Status == RepaymentStatusCancelled:
		return r.transitionError("write off")
	case r.Status == RepaymentStatusPaid, r.IsFullyPaid():
		return r.transitionError("write off")
	}
	if reason == "" {
		return errs.Validation("write-off reason is required")
	}
	r.Status = RepaymentStatusWrittenOff
	r.StatusReason = reason
	r.UpdatedAt = now
	return nil
}

func (r *Repayment) Cancel(reason string, now time.Time) error {
	switch r.Status {
	case RepaymentStatusWrittenOff, RepaymentStatusCancelled, RepaymentStatusPaid,
		RepaymentStatusPartiallyPaid, RepaymentStatusInCollection:
		return r.transitionError("cancel")
	}
	if r.AmountPaid.IsPositive() {
		return r.transitionError("cancel")
	}
	if reason == "" {
		return errs.Validation("cancellation reason is required")
	}
	r.Status = RepaymentStatusCancelled
	r.StatusReason = reason
	r.LateFeeAmount = decimal.Zero
	r.PenaltyInterestAmount = decimal.Zero
	r.UpdatedAt = now
	return nil
}

func (r *Repayment) SendToCollection(reason string, now time.Time) error {
	switch r.Status {
	case RepaymentStatusWrittenOff, RepaymentStatusCancelled, RepaymentStatusPaid, RepaymentStatusInCollection:
		return r.transitionError("send to collection")
	}
	if r.IsFullyPaid() || !now.After(r.DueDate) {
		return r.transitionError("send to collection")
	}
	r.Refresh(now)
	r.Status = RepaymentStatusInCollection
	r.StatusReason = reason
	r.UpdatedAt = now
	return nil
}
