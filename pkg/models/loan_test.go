package models

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLoan(t *testing.T) *Loan {
	t.Helper()
	l, err := NewLoan(NewLoanParams{
		LoanNumber:   "LN-2026-0000001",
		BorrowerID:   "borrower-1",
		Principal:    dec("50000"),
		InterestRate: dec("12.5"),
		TenureMonths: 36,
	}, t0)
	require.NoError(t, err)
	return l
}

func activeLoan(t *testing.T) *Loan {
	t.Helper()
	l := newTestLoan(t)
	require.NoError(t, l.Approve("officer", t0))
	require.NoError(t, l.Disburse(t0, t0))
	require.NoError(t, l.Activate(t0))
	return l
}

func TestNewLoanStartsAsDraftWithFullBalance(t *testing.T) {
	l := newTestLoan(t)

	assert.Equal(t, LoanStatusDraft, l.Status)
	assert.Equal(t, "1672.68", l.MonthlyInstallment.StringFixed(2))
	assert.True(t, l.OutstandingBalance.Equal(l.Principal.Add(l.TotalInterest)))
	assert.True(t, l.AmountPaid.IsZero())
}

func TestNewLoanRejectsBadTerms(t *testing.T) {
	_, err := NewLoan(NewLoanParams{BorrowerID: "b", Principal: dec("100"), InterestRate: dec("101"), TenureMonths: 12}, t0)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = NewLoan(NewLoanParams{Principal: dec("100"), InterestRate: dec("1"), TenureMonths: 12}, t0)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestDisburseSetsRepaymentWindow(t *testing.T) {
	l := newTestLoan(t)
	require.NoError(t, l.Approve("officer", t0))

	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Disburse(date, t0))

	assert.Equal(t, LoanStatusFunding, l.Status)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), *l.FirstRepaymentDate)
	assert.Equal(t, time.Date(2029, 2, 3, 0, 0, 0, 0, time.UTC), *l.LastRepaymentDate)
}

func TestInvalidTransitionsNameBothStates(t *testing.T) {
	l := newTestLoan(t)

	err := l.Activate(t0)
	require.ErrorIs(t, err, errs.ErrStateTransition)
	assert.Contains(t, err.Error(), "DRAFT")
	assert.Contains(t, err.Error(), "activate")
	assert.Equal(t, LoanStatusDraft, l.Status)

	require.NoError(t, l.Reject("incomplete documents", "officer", t0))
	assert.ErrorIs(t, l.Approve("officer", t0), errs.ErrStateTransition)
	assert.ErrorIs(t, l.Disburse(t0, t0), errs.ErrStateTransition)
	assert.ErrorIs(t, l.WriteOff(t0), errs.ErrStateTransition)
	assert.ErrorIs(t, l.Restructure(dec("100"), 12, dec("5"), decimal.Zero, t0), errs.ErrStateTransition)
}

func TestSubmitThenApprove(t *testing.T) {
	l := newTestLoan(t)
	require.NoError(t, l.Submit(t0))
	assert.Equal(t, LoanStatusPendingApproval, l.Status)
	require.NoError(t, l.Approve("officer", t0))
	assert.Equal(t, LoanStatusApproved, l.Status)
	assert.Equal(t, "officer", l.ApprovedBy)
}

func TestDefaultAndWriteOff(t *testing.T) {
	l := activeLoan(t)

	require.NoError(t, l.MarkAsDefaulted("90 days past due", t0))
	assert.Equal(t, LoanStatusDefaulted, l.Status)
	require.NoError(t, l.WriteOff(t0))
	assert.Equal(t, LoanStatusWrittenOff, l.Status)
	assert.ErrorIs(t, l.RecordPayment(dec("10"), t0), errs.ErrStateTransition)
}

func TestFullRepaymentCompletesLoan(t *testing.T) {
	l := activeLoan(t)

	for i := 0; i < l.TenureMonths; i++ {
		require.NoError(t, l.RecordPayment(l.MonthlyInstallment, t0.AddDate(0, i+1, 0)))
	}

	assert.True(t, l.OutstandingBalance.IsZero(), "outstanding %s", l.OutstandingBalance)
	assert.Equal(t, LoanStatusCompleted, l.Status)
	require.NotNil(t, l.CompletedAt)
}

func TestCompletionIsIdempotent(t *testing.T) {
	l := activeLoan(t)
	require.NoError(t, l.RecordPayment(l.TotalPayable(), t0))
	require.Equal(t, LoanStatusCompleted, l.Status)
	completedAt := *l.CompletedAt

	later := t0.Add(48 * time.Hour)
	l.RecomputeBalance(later)
	l.RecomputeBalance(later)

	assert.Equal(t, LoanStatusCompleted, l.Status)
	assert.Equal(t, completedAt, *l.CompletedAt)
}

func TestBalanceInvariantUnderRandomPayments(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		l := activeLoan(t)
		paid := decimal.Zero
		for step := 0; step < 40 && l.AcceptsPayments(); step++ {
			if rng.Intn(5) == 0 {
				require.NoError(t, l.AssessFee(decimal.NewFromInt(int64(rng.Intn(50))), t0))
			}
			amount := decimal.NewFromInt(int64(rng.Intn(4000) + 1))
			require.NoError(t, l.RecordPayment(amount, t0))
			paid = paid.Add(amount)

			expected := l.Principal.Add(l.TotalInterest).Add(l.TotalFees).Sub(paid)
			if expected.IsNegative() {
				expected = decimal.Zero
			}
			require.True(t, l.OutstandingBalance.Equal(expected), "run %d step %d", run, step)
			require.False(t, l.OutstandingBalance.IsNegative())
			require.True(t, l.AmountPaid.Equal(paid))
		}
	}
}

func TestRecordPaymentRejectsNonPositive(t *testing.T) {
	l := activeLoan(t)
	assert.ErrorIs(t, l.RecordPayment(decimal.Zero, t0), errs.ErrValidation)
	assert.ErrorIs(t, l.RecordPayment(dec("-5"), t0), errs.ErrValidation)
	assert.True(t, l.AmountPaid.IsZero())
}

func TestRestructureRecomputesFromScratch(t *testing.T) {
	l := activeLoan(t)
	require.NoError(t, l.RecordPayment(dec("1000"), t0))

	require.NoError(t, l.Restructure(dec("40000"), 48, dec("10"), decimal.Zero, t0))

	assert.Equal(t, LoanStatusRestructured, l.Status)
	assert.Equal(t, 48, l.TenureMonths)
	expected := dec("40000").Add(l.TotalInterest).Sub(dec("1000"))
	assert.True(t, l.OutstandingBalance.Equal(expected))
	// The 1000 already paid is not amortized again.
	assert.True(t, l.MonthlyInstallment.Mul(decimal.NewFromInt(48)).Sub(dec("39000")).Equal(l.TotalInterest))
	assert.True(t, l.MonthlyInstallment.Mul(decimal.NewFromInt(48)).Equal(l.OutstandingBalance))
}

func TestRestructureAmortizesOnlyWhatIsStillOwed(t *testing.T) {
	l := activeLoan(t)
	require.NoError(t, l.RecordPayment(dec("1000"), t0))

	// 500 stays owed on an installment that survives the restructure.
	require.NoError(t, l.Restructure(dec("13500"), 24, decimal.Zero, dec("500"), t0))
	assert.Equal(t, "12000.00", l.RestructureBase(dec("13500"), dec("500")).StringFixed(2))
	assert.Equal(t, "500.00", l.MonthlyInstallment.StringFixed(2))
	assert.Equal(t, "12500.00", l.OutstandingBalance.StringFixed(2))
}

func TestRestructureRejectsPrincipalAlreadyCovered(t *testing.T) {
	l := activeLoan(t)
	require.NoError(t, l.RecordPayment(dec("1000"), t0))
	before := *l

	err := l.Restructure(dec("1200"), 12, dec("10"), dec("200"), t0)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, before.Status, l.Status)
	assert.True(t, before.Principal.Equal(l.Principal))
}

func TestRestructureRejectsInvalidTermsWithoutMutation(t *testing.T) {
	l := activeLoan(t)
	before := *l

	err := l.Restructure(dec("40000"), 0, dec("10"), decimal.Zero, t0)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, before.Status, l.Status)
	assert.True(t, before.MonthlyInstallment.Equal(l.MonthlyInstallment))
}

func TestProgressPercent(t *testing.T) {
	l := activeLoan(t)
	assert.True(t, l.ProgressPercent().IsZero())

	require.NoError(t, l.RecordPayment(l.TotalPayable().Div(decimal.NewFromInt(2)), t0))
	assert.Equal(t, "50.00", l.ProgressPercent().StringFixed(2))
}

func TestSoftDelete(t *testing.T) {
	l := activeLoan(t)
	assert.ErrorIs(t, l.SoftDelete(t0), errs.ErrStateTransition)

	draft := newTestLoan(t)
	require.NoError(t, draft.SoftDelete(t0))
	assert.NotNil(t, draft.DeletedAt)
	assert.ErrorIs(t, draft.SoftDelete(t0), errs.ErrStateTransition)
}
