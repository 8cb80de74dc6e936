package models

import (
	"testing"
	"time"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepayment(due time.Time) *Repayment {
	return &Repayment{
		InstallmentNumber:     1,
		DueDate:               due,
		PrincipalAmount:       dec("1650"),
		InterestAmount:        dec("500"),
		TotalAmountDue:        dec("2150"),
		AmountPaid:            decimal.Zero,
		Status:                RepaymentStatusPending,
		GracePeriodDays:       7,
		LateFeeType:           LateFeeDaily,
		LateFeeRate:           dec("10"),
		LateFeeAmount:         decimal.Zero,
		PenaltyRate:           dec("18.25"),
		PenaltyInterestAmount: decimal.Zero,
	}
}

func TestDailyLateFeeAfterGracePeriod(t *testing.T) {
	now := t0
	r := newTestRepayment(now.AddDate(0, 0, -10))

	r.Refresh(now)

	assert.Equal(t, 10, OverdueDays(r.DueDate, now))
	assert.Equal(t, 3, ChargeableDays(r.DueDate, r.GracePeriodDays, now))
	assert.Equal(t, "30.00", r.LateFeeAmount.StringFixed(2))
	// 2150 * 18.25/100/365 * 3 = 3.225
	assert.Equal(t, "3.23", r.PenaltyInterestAmount.StringFixed(2))
	assert.Equal(t, RepaymentStatusOverdue, r.Status)
}

func TestNoChargesInsideGracePeriod(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 0, -5))
	r.Refresh(t0)

	assert.Equal(t, RepaymentStatusOverdue, r.Status)
	assert.True(t, r.TotalCharges().IsZero())
}

func TestLateFeeTypes(t *testing.T) {
	due := dec("2000")
	assert.Equal(t, "25.00", LateFee(LateFeeFixed, dec("25"), due, 4).StringFixed(2))
	assert.Equal(t, "100.00", LateFee(LateFeePercentage, dec("5"), due, 4).StringFixed(2))
	assert.Equal(t, "40.00", LateFee(LateFeeDaily, dec("10"), due, 4).StringFixed(2))
	assert.True(t, LateFee(LateFeeNone, dec("10"), due, 4).IsZero())
	assert.True(t, LateFee(LateFeeFixed, dec("25"), due, 0).IsZero())
}

func TestChargesRecomputedNotAccumulated(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 0, -10))
	r.Refresh(t0)
	r.Refresh(t0)
	r.Refresh(t0)
	assert.Equal(t, "30.00", r.LateFeeAmount.StringFixed(2))

	// clock moved back inside the grace period: charges vanish
	r.Refresh(t0.AddDate(0, 0, -4))
	assert.True(t, r.LateFeeAmount.IsZero())
}

func TestResolveStatusPriority(t *testing.T) {
	due := t0
	before := t0.Add(-time.Hour)
	after := t0.Add(time.Hour)
	total := dec("100")

	cases := []struct {
		name string
		prev RepaymentStatus
		paid string
		now  time.Time
		want RepaymentStatus
	}{
		{"paid in full", RepaymentStatusPending, "100", after, RepaymentStatusPaid},
		{"overpaid counts as paid", RepaymentStatusOverdue, "120", after, RepaymentStatusPaid},
		{"partial beats overdue", RepaymentStatusPending, "10", after, RepaymentStatusPartiallyPaid},
		{"overdue", RepaymentStatusPending, "0", after, RepaymentStatusOverdue},
		{"clock correction", RepaymentStatusOverdue, "0", before, RepaymentStatusDue},
		{"clock correction is stable", RepaymentStatusDue, "0", before, RepaymentStatusDue},
		{"pending", RepaymentStatusPending, "0", before, RepaymentStatusPending},
		{"on the due date is not overdue", RepaymentStatusPending, "0", due, RepaymentStatusPending},
		{"cancelled sticks", RepaymentStatusCancelled, "0", after, RepaymentStatusCancelled},
		{"written off sticks", RepaymentStatusWrittenOff, "10", after, RepaymentStatusWrittenOff},
		{"collection sticks", RepaymentStatusInCollection, "10", after, RepaymentStatusInCollection},
		{"collection ends when paid", RepaymentStatusInCollection, "100", after, RepaymentStatusPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveRepaymentStatus(tc.prev, dec(tc.paid), total, due, 7, tc.now)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveStatusIgnoresCallHistory(t *testing.T) {
	due := t0
	now := t0.AddDate(0, 0, 3)
	first := ResolveRepaymentStatus(RepaymentStatusPending, dec("0"), dec("100"), due, 7, now)

	// unrelated calls in between
	ResolveRepaymentStatus(RepaymentStatusOverdue, dec("50"), dec("100"), due, 7, t0)
	ResolveRepaymentStatus(RepaymentStatusPaid, dec("100"), dec("100"), due, 0, now)

	again := ResolveRepaymentStatus(RepaymentStatusPending, dec("0"), dec("100"), due, 7, now)
	assert.Equal(t, first, again)
	// feeding the result back in is a fixed point
	assert.Equal(t, first, ResolveRepaymentStatus(first, dec("0"), dec("100"), due, 7, now))
}

func TestMakePaymentAllocatesPrincipalInterestThenCharges(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 0, -10))

	chargePart, err := r.MakePayment(dec("1075"), t0)
	require.NoError(t, err)
	assert.True(t, chargePart.IsZero())
	assert.Equal(t, RepaymentStatusPartiallyPaid, r.Status)
	assert.Equal(t, "1075.00", r.RemainingBalance.StringFixed(2))

	alloc := r.Allocation()
	assert.Equal(t, "825.00", alloc.Principal.StringFixed(2))
	assert.Equal(t, "250.00", alloc.Interest.StringFixed(2))
	assert.True(t, alloc.Charges.IsZero())

	// the penalty accrued on the full remainder stays assessed
	assert.Equal(t, "33.23", r.TotalCharges().StringFixed(2))
	maxLeft := r.MaxPayable()
	chargePart, err = r.MakePayment(maxLeft, t0)
	require.NoError(t, err)
	assert.True(t, chargePart.Equal(r.TotalCharges()))
	assert.Equal(t, RepaymentStatusPaid, r.Status)
	assert.True(t, r.IsFullyPaid())
	assert.True(t, r.RemainingBalance.IsZero())
	assert.NotNil(t, r.PaidAt)
}

func TestPaymentOnOverdueInstallmentKeepsAssessedCharges(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 0, -10))
	r.Refresh(t0)
	require.Equal(t, "2183.23", r.MaxPayable().StringFixed(2))

	chargePart, err := r.MakePayment(dec("2182"), t0)
	require.NoError(t, err)
	assert.Equal(t, "32.00", chargePart.StringFixed(2))
	assert.Equal(t, "33.23", r.TotalCharges().StringFixed(2))
	assert.True(t, r.AmountPaid.LessThanOrEqual(r.TotalAmountDue.Add(r.TotalCharges())))
	assert.Equal(t, "1.23", r.MaxPayable().StringFixed(2))

	_, err = r.MakePayment(dec("1.24"), t0)
	require.ErrorIs(t, err, errs.ErrOverpayment)
	assert.Equal(t, "2182.00", r.AmountPaid.StringFixed(2))
	_, err = r.MakePayment(dec("1.23"), t0)
	require.NoError(t, err)
	assert.True(t, r.IsFullyPaid())
}

func TestChargesDoNotDependOnPaymentSplit(t *testing.T) {
	single := newTestRepayment(t0.AddDate(0, 0, -10))
	_, err := single.MakePayment(dec("2183.23"), t0)
	require.NoError(t, err)

	split := newTestRepayment(t0.AddDate(0, 0, -10))
	_, err = split.MakePayment(dec("2150"), t0)
	require.NoError(t, err)
	_, err = split.MakePayment(dec("33.23"), t0)
	require.NoError(t, err)

	assert.True(t, single.IsFullyPaid())
	assert.True(t, split.IsFullyPaid())
	assert.Equal(t, "33.23", single.TotalCharges().StringFixed(2))
	assert.Equal(t, "33.23", split.TotalCharges().StringFixed(2))
	assert.Equal(t, single.Allocation().Charges.StringFixed(2), split.Allocation().Charges.StringFixed(2))
}

func TestMakePaymentRejectsOverpaymentWithoutMutation(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 1, 0))

	_, err := r.MakePayment(dec("2150.01"), t0)
	require.ErrorIs(t, err, errs.ErrOverpayment)
	assert.Contains(t, err.Error(), "2150.00")
	assert.True(t, r.AmountPaid.IsZero())
}

func TestMakePaymentGuards(t *testing.T) {
	r := newTestRepayment(t0.AddDate(0, 1, 0))
	_, err := r.MakePayment(decimal.Zero, t0)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = r.MakePayment(dec("2150"), t0)
	require.NoError(t, err)
	_, err = r.MakePayment(dec("1"), t0)
	assert.ErrorIs(t, err, errs.ErrStateTransition)

	cancelled := newTestRepayment(t0.AddDate(0, 1, 0))
	require.NoError(t, cancelled.Cancel("loan restructured", t0))
	_, err = cancelled.MakePayment(dec("1"), t0)
	assert.ErrorIs(t, err, errs.ErrStateTransition)

	written := newTestRepayment(t0.AddDate(0, -1, 0))
	require.NoError(t, written.WriteOff("uncollectable", t0))
	_, err = written.MakePayment(dec("1"), t0)
	assert.ErrorIs(t, err, errs.ErrStateTransition)
}

func TestGuardMatrix(t *testing.T) {
	pastDue := t0.AddDate(0, 0, -20)
	future := t0.AddDate(0, 0, 20)

	paid := func() *Repayment {
		r := newTestRepayment(future)
		_, err := r.MakePayment(dec("2150"), t0)
		require.NoError(t, err)
		return r
	}
	partial := func() *Repayment {
		r := newTestRepayment(pastDue)
		_, err := r.MakePayment(dec("100"), t0)
		require.NoError(t, err)
		return r
	}
	overdue := func() *Repayment {
		r := newTestRepayment(pastDue)
		r.Refresh(t0)
		return r
	}
	writtenOff := func() *Repayment {
		r := overdue()
		require.NoError(t, r.WriteOff("uncollectable", t0))
		return r
	}
	cancelled := func() *Repayment {
		r := newTestRepayment(future)
		require.NoError(t, r.Cancel("restructured", t0))
		return r
	}
	collection := func() *Repayment {
		r := overdue()
		require.NoError(t, r.SendToCollection("agency", t0))
		return r
	}
	pending := func() *Repayment { return newTestRepayment(future) }

	ops := map[string]func(*Repayment) error{
		"writeOff":   func(r *Repayment) error { return r.WriteOff("reason", t0) },
		"cancel":     func(r *Repayment) error { return r.Cancel("reason", t0) },
		"collection": func(r *Repayment) error { return r.SendToCollection("reason", t0) },
	}

	allowed := map[string]map[string]bool{
		"pending":    {"writeOff": true, "cancel": true, "collection": false},
		"overdue":    {"writeOff": true, "cancel": true, "collection": true},
		"partial":    {"writeOff": true, "cancel": false, "collection": true},
		"paid":       {"writeOff": false, "cancel": false, "collection": false},
		"writtenOff": {"writeOff": false, "cancel": false, "collection": false},
		"cancelled":  {"writeOff": false, "cancel": false, "collection": false},
		"collection": {"writeOff": true, "cancel": false, "collection": false},
	}
	builders := map[string]func() *Repayment{
		"pending": pending, "overdue": overdue, "partial": partial, "paid": paid,
		"writtenOff": writtenOff, "cancelled": cancelled, "collection": collection,
	}

	for state, row := range allowed {
		for op, ok := range row {
			t.Run(state+"/"+op, func(t *testing.T) {
				r := builders[state]()
				before := r.Status
				err := ops[op](r)
				if ok {
					assert.NoError(t, err)
					return
				}
				assert.ErrorIs(t, err, errs.ErrStateTransition)
				assert.Equal(t, before, r.Status)
			})
		}
	}
}

func TestBuildSchedule(t *testing.T) {
	l := activeLoan(t)
	policy := ChargePolicy{GracePeriodDays: 5, LateFeeType: LateFeeFixed, LateFeeRate: dec("25")}

	schedule, err := BuildSchedule(l, policy, t0)
	require.NoError(t, err)
	require.Len(t, schedule, 36)

	total := decimal.Zero
	for i, r := range schedule {
		assert.Equal(t, i+1, r.InstallmentNumber)
		assert.Equal(t, l.FirstRepaymentDate.AddDate(0, i, 0), r.DueDate)
		assert.True(t, r.TotalAmountDue.Equal(l.MonthlyInstallment))
		assert.True(t, r.PenaltyRate.Equal(l.InterestRate))
		assert.Equal(t, RepaymentStatusPending, r.Status)
		total = total.Add(r.TotalAmountDue)
	}
	assert.True(t, total.Equal(l.Principal.Add(l.TotalInterest)))

	assert.Equal(t, schedule[0], NextDue(schedule))
}

func TestBuildScheduleNeedsRepaymentWindow(t *testing.T) {
	_, err := BuildSchedule(newTestLoan(t), ChargePolicy{LateFeeType: LateFeeNone}, t0)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
