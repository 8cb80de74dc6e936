package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/mcclellann/loanservicing/pkg/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(storetest.NewSQLite(t), reference.NewSequence(1), nil, zap.NewNop())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openFunded(t *testing.T, l *Ledger, owner, amount string) *models.EscrowAccount {
	t.Helper()
	ctx := context.Background()
	a, err := l.OpenAccount(ctx, OpenAccountRequest{OwnerID: owner})
	require.NoError(t, err)
	if amount != "0" {
		_, err = l.Deposit(ctx, a.ID, dec(amount), Entry{Description: "funding"})
		require.NoError(t, err)
	}
	a, err = l.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	return a
}

func balance(t *testing.T, l *Ledger, id uuid.UUID) decimal.Decimal {
	t.Helper()
	a, err := l.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.CurrentBalance
}

func TestOpenAccount(t *testing.T) {
	l := newLedger(t)
	a, err := l.OpenAccount(context.Background(), OpenAccountRequest{OwnerID: "lender-1"})
	require.NoError(t, err)
	assert.Regexp(t, `^ESC-\d{4}-\d{7}$`, a.AccountNumber)
	assert.Equal(t, models.EscrowStatusActive, a.Status)
	assert.True(t, a.CurrentBalance.IsZero())

	_, err = l.OpenAccount(context.Background(), OpenAccountRequest{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestDepositAndWithdraw(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "lender-1", "500")

	entry, err := l.Withdraw(ctx, a.ID, dec("120.50"), Entry{})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypeWithdrawal, entry.Type)
	assert.Equal(t, "379.50", entry.BalanceAfter.StringFixed(2))

	_, err = l.Withdraw(ctx, a.ID, dec("400"), Entry{})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err = l.Deposit(ctx, a.ID, dec("-1"), Entry{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	statement, err := l.Statement(ctx, a.ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, statement, 2)
	assert.Equal(t, models.TransactionTypeDeposit, statement[0].Type)
	assert.Equal(t, models.TransactionTypeWithdrawal, statement[1].Type)
}

func TestMaximumAndMinimumBalance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ceiling := dec("1000")
	a, err := l.OpenAccount(ctx, OpenAccountRequest{OwnerID: "o", MinimumBalance: dec("100"), MaximumBalance: &ceiling})
	require.NoError(t, err)

	_, err = l.Deposit(ctx, a.ID, dec("1000.01"), Entry{})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = l.Deposit(ctx, a.ID, dec("1000"), Entry{})
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, a.ID, dec("900.01"), Entry{})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err = l.Withdraw(ctx, a.ID, dec("900"), Entry{})
	require.NoError(t, err)
}

func TestTransferConservesMoney(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "a", "1000")
	b := openFunded(t, l, "b", "250")
	c := openFunded(t, l, "c", "0")

	moves := []struct {
		from, to uuid.UUID
		amount   string
	}{
		{a.ID, b.ID, "300"},
		{b.ID, c.ID, "125.25"},
		{c.ID, a.ID, "25.25"},
		{b.ID, a.ID, "424.75"},
	}
	for _, m := range moves {
		res, err := l.Transfer(ctx, m.from, m.to, dec(m.amount), Entry{})
		require.NoError(t, err)
		assert.Equal(t, res.In.ID, *res.Out.RelatedTransactionID)
		assert.Equal(t, res.Out.ID, *res.In.RelatedTransactionID)
	}

	total := balance(t, l, a.ID).Add(balance(t, l, b.ID)).Add(balance(t, l, c.ID))
	assert.Equal(t, "1250.00", total.StringFixed(2))
	assert.Equal(t, "1150.00", balance(t, l, a.ID).StringFixed(2))
	assert.Equal(t, "0.00", balance(t, l, b.ID).StringFixed(2))
	assert.Equal(t, "100.00", balance(t, l, c.ID).StringFixed(2))

	_, err := l.Transfer(ctx, a.ID, a.ID, dec("1"), Entry{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestTransferToFrozenAccountLeavesSourceUnchanged(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	src := openFunded(t, l, "a", "500")
	dst := openFunded(t, l, "b", "0")
	_, err := l.Freeze(ctx, dst.ID, "compliance review")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, src.ID, dst.ID, dec("200"), Entry{})
	assert.ErrorIs(t, err, errs.ErrStateTransition)

	after, err := l.GetAccount(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "500.00", after.CurrentBalance.StringFixed(2))
	assert.Equal(t, "500.00", after.AvailableBalance.StringFixed(2))
	assert.Equal(t, src.Version, after.Version)

	statement, err := l.Statement(ctx, src.ID, store.Page{})
	require.NoError(t, err)
	assert.Len(t, statement, 1)

	_, err = l.Unfreeze(ctx, dst.ID)
	require.NoError(t, err)
	_, err = l.Transfer(ctx, src.ID, dst.ID, dec("200"), Entry{})
	require.NoError(t, err)
}

func TestCloseRequiresZeroBalance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "a", "50")

	_, err := l.Close(ctx, a.ID)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = l.Withdraw(ctx, a.ID, dec("50"), Entry{})
	require.NoError(t, err)
	closed, err := l.Close(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = l.Deposit(ctx, a.ID, dec("1"), Entry{})
	assert.ErrorIs(t, err, errs.ErrStateTransition)
	_, err = l.Withdraw(ctx, a.ID, dec("1"), Entry{})
	assert.ErrorIs(t, err, errs.ErrStateTransition)
	_, err = l.Close(ctx, a.ID)
	assert.ErrorIs(t, err, errs.ErrStateTransition)
}

func TestHoldAndRelease(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "a", "300")

	held, err := l.Hold(ctx, a.ID, dec("200"))
	require.NoError(t, err)
	assert.Equal(t, "300.00", held.CurrentBalance.StringFixed(2))
	assert.Equal(t, "100.00", held.AvailableBalance.StringFixed(2))

	_, err = l.Withdraw(ctx, a.ID, dec("150"), Entry{})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err = l.Release(ctx, a.ID, dec("250"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	released, err := l.Release(ctx, a.ID, dec("200"))
	require.NoError(t, err)
	assert.True(t, released.AvailableBalance.Equal(released.CurrentBalance))
}

func TestRefundDeposit(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a, err := l.OpenAccount(ctx, OpenAccountRequest{OwnerID: "a"})
	require.NoError(t, err)
	deposit, err := l.Deposit(ctx, a.ID, dec("80"), Entry{})
	require.NoError(t, err)

	refunds, err := l.Refund(ctx, deposit.ID, "sent in error")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.TransactionTypeRefund, refunds[0].Type)
	assert.Equal(t, "-80.00", refunds[0].Amount.StringFixed(2))
	assert.Equal(t, deposit.ID, *refunds[0].RelatedTransactionID)
	assert.True(t, balance(t, l, a.ID).IsZero())

	original, err := l.GetTransaction(ctx, deposit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, original.Status)

	_, err = l.Refund(ctx, deposit.ID, "again")
	assert.ErrorIs(t, err, errs.ErrStateTransition)
	_, err = l.Refund(ctx, refunds[0].ID, "refund of refund")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRefundTransferReversesBothLegs(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "a", "100")
	b := openFunded(t, l, "b", "0")
	res, err := l.Transfer(ctx, a.ID, b.ID, dec("60"), Entry{})
	require.NoError(t, err)

	refunds, err := l.Refund(ctx, res.Out.ID, "reversal")
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
	assert.Equal(t, "100.00", balance(t, l, a.ID).StringFixed(2))
	assert.True(t, balance(t, l, b.ID).IsZero())

	for _, id := range []uuid.UUID{res.Out.ID, res.In.ID} {
		leg, err := l.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusRefunded, leg.Status)
	}
}

func TestConcurrentTransfersKeepTotals(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, "a", "100")
	b := openFunded(t, l, "b", "100")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := a.ID, b.ID
			if i%2 == 1 {
				from, to = to, from
			}
			// Conflicts and insufficient funds are both acceptable outcomes.
			_, err := l.Transfer(ctx, from, to, dec("30"), Entry{})
			if err != nil {
				kind := errs.KindOf(err)
				assert.Contains(t, []errs.Kind{errs.KindInsufficientFunds, errs.KindConcurrencyConflict}, kind, "unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := balance(t, l, a.ID).Add(balance(t, l, b.ID))
	assert.Equal(t, "200.00", total.StringFixed(2))
	assert.False(t, balance(t, l, a.ID).IsNegative())
	assert.False(t, balance(t, l, b.ID).IsNegative())
}
