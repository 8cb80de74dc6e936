package amortization

import (
	"testing"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculateReferenceLoan(t *testing.T) {
	res, err := Calculate(Terms{Principal: d("50000"), AnnualRate: d("12.5"), TenureMonths: 36})
	require.NoError(t, err)

	assert.Equal(t, "1672.68", res.MonthlyInstallment.StringFixed(2))
	assert.Equal(t, "10216.48", res.TotalInterest.StringFixed(2))
	assert.Equal(t, "60216.48", res.TotalPayable.StringFixed(2))
}

func TestCalculateZeroRateDividesEvenly(t *testing.T) {
	res, err := Calculate(Terms{Principal: d("1200"), AnnualRate: decimal.Zero, TenureMonths: 12})
	require.NoError(t, err)

	assert.True(t, res.MonthlyInstallment.Equal(d("100")), "got %s", res.MonthlyInstallment)
	assert.True(t, res.TotalInterest.IsZero())
}

func TestCalculateZeroRateUnevenSplitHasNoNegativeInterest(t *testing.T) {
	terms := Terms{Principal: d("100"), AnnualRate: decimal.Zero, TenureMonths: 3}
	res, err := Calculate(terms)
	require.NoError(t, err)

	assert.Equal(t, "33.34", res.MonthlyInstallment.StringFixed(2))
	assert.Equal(t, "0.02", res.TotalInterest.StringFixed(2))
	assert.False(t, res.TotalInterest.IsNegative())

	periods, err := Split(terms, res.MonthlyInstallment)
	require.NoError(t, err)
	principal := decimal.Zero
	for _, p := range periods {
		assert.False(t, p.Interest.IsNegative(), "period %d", p.Number)
		assert.True(t, p.Principal.Add(p.Interest).Equal(res.MonthlyInstallment), "period %d", p.Number)
		principal = principal.Add(p.Principal)
	}
	assert.True(t, principal.Equal(terms.Principal))
	assert.Equal(t, "33.32", periods[2].Principal.StringFixed(2))
}

func TestSplitRejectsInstallmentThatCannotRepay(t *testing.T) {
	_, err := Split(Terms{Principal: d("100"), AnnualRate: decimal.Zero, TenureMonths: 3}, d("33.33"))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestCalculateInterestIdentity(t *testing.T) {
	cases := []Terms{
		{Principal: d("1000"), AnnualRate: d("5"), TenureMonths: 1},
		{Principal: d("250000"), AnnualRate: d("7.25"), TenureMonths: 360},
		{Principal: d("999.99"), AnnualRate: d("100"), TenureMonths: 7},
		{Principal: d("10000"), AnnualRate: d("0"), TenureMonths: 3},
	}
	for _, tc := range cases {
		res, err := Calculate(tc)
		require.NoError(t, err)

		n := decimal.NewFromInt(int64(tc.TenureMonths))
		assert.True(t, res.MonthlyInstallment.Mul(n).Sub(tc.Principal).Equal(res.TotalInterest),
			"identity broken for %+v", tc)
	}
}

func TestCalculateRejectsOutOfRange(t *testing.T) {
	cases := map[string]Terms{
		"zero principal":  {Principal: decimal.Zero, AnnualRate: d("5"), TenureMonths: 12},
		"negative rate":   {Principal: d("100"), AnnualRate: d("-1"), TenureMonths: 12},
		"rate above 100":  {Principal: d("100"), AnnualRate: d("100.01"), TenureMonths: 12},
		"zero tenure":     {Principal: d("100"), AnnualRate: d("5"), TenureMonths: 0},
		"tenure too long": {Principal: d("100"), AnnualRate: d("5"), TenureMonths: 361},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Calculate(tc)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestSplitSumsToPrincipalAndInstallments(t *testing.T) {
	terms := Terms{Principal: d("50000"), AnnualRate: d("12.5"), TenureMonths: 36}
	res, err := Calculate(terms)
	require.NoError(t, err)

	periods, err := Split(terms, res.MonthlyInstallment)
	require.NoError(t, err)
	require.Len(t, periods, 36)

	principal, interest := decimal.Zero, decimal.Zero
	for _, p := range periods {
		assert.True(t, p.Principal.Add(p.Interest).Equal(res.MonthlyInstallment), "period %d", p.Number)
		principal = principal.Add(p.Principal)
		interest = interest.Add(p.Interest)
	}
	assert.True(t, principal.Equal(terms.Principal))
	assert.True(t, interest.Equal(res.TotalInterest))
	assert.True(t, periods[35].Balance.IsZero())
	assert.Equal(t, "520.83", periods[0].Interest.StringFixed(2))
}
