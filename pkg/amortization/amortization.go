// Package amortization computes level-payment installments for fixed-rate loans.
package amortization

import (
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
)

const (
	MinTenureMonths = 1
	MaxTenureMonths = 360

	// working precision for compounding; results are rounded to cents.
	precision = 20
	cents     = 2
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	oneCent = decimal.New(1, -cents)
)

// Terms are the inputs of a level-payment loan.
type Terms struct {
	Principal    decimal.Decimal
	AnnualRate   decimal.Decimal // percent, e.g. 12.5
	TenureMonths int
}

// Result is the outcome of an amortization calculation.
type Result struct {
	MonthlyInstallment decimal.Decimal
	TotalInterest      decimal.Decimal
	TotalPayable       decimal.Decimal
}

// Period is one row of the principal/interest split.
type Period struct {
	Number    int
	Principal decimal.Decimal
	Interest  decimal.Decimal
	Balance   decimal.Decimal // principal left after this period
}

// Validate checks the terms against the accepted ranges.
func (t Terms) Validate() error {
	if !t.Principal.IsPositive() {
		return errs.Validation("principal must be greater than zero, got %s", t.Principal)
	}
	if t.AnnualRate.IsNegative() || t.AnnualRate.GreaterThan(hundred) {
		return errs.Validation("interest rate must be between 0 and 100, got %s", t.AnnualRate)
	}
	if t.TenureMonths < MinTenureMonths || t.TenureMonths > MaxTenureMonths {
		return errs.Validation("tenure must be between %d and %d months, got %d", MinTenureMonths, MaxTenureMonths, t.TenureMonths)
	}
	return nil
}

// MonthlyRate returns rate/100/12.
func (t Terms) MonthlyRate() decimal.Decimal {
	return t.AnnualRate.Div(hundred).Div(twelve)
}

// Calculate returns the installment and interest totals for the terms.
// The installment is rounded half-up to cents, then raised a cent at a time
// while rounding would leave the last period with negative interest, so a 0%
// loan that does not divide evenly never carries negative interest.
// TotalInterest = installment*n - principal holds exactly.
func Calculate(t Terms) (Result, error) {
	if err := t.Validate(); err != nil {
		return Result{}, err
	}

	n := decimal.NewFromInt(int64(t.TenureMonths))
	r := t.MonthlyRate()

	var installment decimal.Decimal
	if r.IsZero() {
		installment = t.Principal.Div(n)
	} else {
		growth := compound(decimal.NewFromInt(1).Add(r), t.TenureMonths)
		installment = t.Principal.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	}
	installment = installment.Round(cents)
	for {
		periods := split(t, installment)
		if !periods[len(periods)-1].Interest.IsNegative() {
			break
		}
		installment = installment.Add(oneCent)
	}

	totalPayable := installment.Mul(n)
	return Result{
		MonthlyInstallment: installment,
		TotalInterest:      totalPayable.Sub(t.Principal),
		TotalPayable:       totalPayable,
	}, nil
}

// Split breaks the loan into per-period principal and interest parts.
// Every period sums to the installment; the last one takes whatever principal
// is left so that the principal parts add up to the loan principal. An
// installment too small to repay the principal is rejected.
func Split(t Terms, installment decimal.Decimal) ([]Period, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !installment.IsPositive() {
		return nil, errs.Validation("installment must be greater than zero, got %s", installment)
	}
	periods := split(t, installment)
	if periods[len(periods)-1].Interest.IsNegative() {
		return nil, errs.Validation("installment %s does not repay principal %s over %d months",
			installment, t.Principal, t.TenureMonths)
	}
	return periods, nil
}

func split(t Terms, installment decimal.Decimal) []Period {
	r := t.MonthlyRate()
	balance := t.Principal
	periods := make([]Period, 0, t.TenureMonths)

	for k := 1; k <= t.TenureMonths; k++ {
		var principal, interest decimal.Decimal
		if k == t.TenureMonths {
			principal = balance
			interest = installment.Sub(principal)
		} else {
			interest = balance.Mul(r).Round(cents)
			principal = installment.Sub(interest)
			if principal.GreaterThan(balance) {
				principal = balance
				interest = installment.Sub(principal)
			}
		}
		balance = balance.Sub(principal)
		periods = append(periods, Period{
			Number:    k,
			Principal: principal,
			Interest:  interest,
			Balance:   balance,
		})
	}
	return periods
}

func compound(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		result = result.Mul(base).Round(precision)
	}
	return result
}
