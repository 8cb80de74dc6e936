package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/amortization"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

// BuildSchedule lays out one installment per month of the loan's tenure,
// starting at its first repayment date. Each installment is due the monthly
// installment amount, split into principal and interest.
func BuildSchedule(l *Loan, policy ChargePolicy, now time.Time) ([]*Repayment, error) {
	if l.FirstRepaymentDate == nil {
		return nil, errs.Validation("loan %s has no first repayment date", l.ID)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	periods, err := amortization.Split(l.Terms(), l.MonthlyInstallment)
	if err != nil {
		return nil, err
	}

	penaltyRate := policy.PenaltyRate
	if penaltyRate.IsZero() {
		penaltyRate = l.InterestRate
	}

	schedule := make([]*Repayment, 0, len(periods))
	for _, p := range periods {
		r := &Repayment{
			ID:                    uuid.New(),
			LoanID:                l.ID,
			InstallmentNumber:     p.Number,
			DueDate:               l.FirstRepaymentDate.AddDate(0, p.Number-1, 0),
			PrincipalAmount:       p.Principal,
			InterestAmount:        p.Interest,
			TotalAmountDue:        p.Principal.Add(p.Interest),
			AmountPaid:            decimal.Zero,
			Status:                RepaymentStatusPending,
			GracePeriodDays:       policy.GracePeriodDays,
			LateFeeType:           policy.LateFeeType,
			LateFeeRate:           policy.LateFeeRate,
			LateFeeAmount:         decimal.Zero,
			PenaltyRate:           penaltyRate,
			PenaltyInterestAmount: decimal.Zero,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		r.Refresh(now)
		schedule = append(schedule, r)
	}
	return schedule, nil
}

// NextDue returns the earliest installment that still expects money, or nil.
func NextDue(schedule []*Repayment) *Repayment {
	var next *Repayment
	for _, r := range schedule {
		switch r.Status {
		case RepaymentStatusPaid, RepaymentStatusCancelled, RepaymentStatusWrittenOff:
			continue
		}
		if next == nil || r.DueDate.Before(next.DueDate) {
			next = r
		}
	}
	return next
}
