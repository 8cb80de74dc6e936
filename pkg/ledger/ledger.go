// Package ledger moves money between escrow accounts. Every balance change
// happens in one database transaction together with the entries it appends,
// with account rows locked in a fixed order.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/notify"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger handles escrow accounts and their append-only entries.
type Ledger struct {
	storage  store.Storage
	refs     reference.Generator
	notifier notify.Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over the given storage.
func NewLedger(s store.Storage, refs reference.Generator, n notify.Dispatcher, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		refs:     refs,
		notifier: n,
		logger:   logger.Named("ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entry carries the optional context recorded on a ledger entry.
type Entry struct {
	LoanID      *uuid.UUID
	Description string
}

// OpenAccountRequest describes a new escrow account.
type OpenAccountRequest struct {
	OwnerID        string           `json:"owner_id"`
	LoanID         *uuid.UUID       `json:"loan_id,omitempty"`
	MinimumBalance decimal.Decimal  `json:"minimum_balance"`
	MaximumBalance *decimal.Decimal `json:"maximum_balance,omitempty"`
}

// OpenAccount creates an ACTIVE, empty account.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (*models.EscrowAccount, error) {
	now := l.now().UTC()
	if req.OwnerID == "" {
		return nil, l.record("open", errs.Validation("owner id is required"))
	}
	if req.MinimumBalance.IsNegative() {
		return nil, l.record("open", errs.Validation("minimum balance must not be negative, got %s", req.MinimumBalance))
	}
	if req.MaximumBalance != nil && req.MaximumBalance.LessThan(req.MinimumBalance) {
		return nil, l.record("open", errs.Validation("maximum balance %s is below minimum balance %s", req.MaximumBalance, req.MinimumBalance))
	}

	account := &models.EscrowAccount{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		LoanID:           req.LoanID,
		CurrentBalance:   decimal.Zero,
		AvailableBalance: decimal.Zero,
		MinimumBalance:   req.MinimumBalance,
		MaximumBalance:   req.MaximumBalance,
		Status:           models.EscrowStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := reference.Assign(l.refs, reference.PrefixEscrow, now, func(number string) error {
		account.AccountNumber = number
		return l.storage.WithTx(ctx, func(tx store.Tx) error {
			return tx.CreateEscrowAccount(ctx, account)
		})
	})
	if err := l.record("open", err); err != nil {
		return nil, err
	}
	l.logger.Info("escrow account opened",
		zap.String("account_id", account.ID.String()),
		zap.String("account_number", account.AccountNumber),
		zap.String("owner_id", account.OwnerID))
	return account, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	return l.storage.GetEscrowAccount(ctx, id)
}

func (l *Ledger) ListAccounts(ctx context.Context, f store.EscrowAccountFilter) ([]*models.EscrowAccount, error) {
	return l.storage.ListEscrowAccounts(ctx, f)
}

// Statement lists an account's entries oldest first.
func (l *Ledger) Statement(ctx context.Context, accountID uuid.UUID, page store.Page) ([]*models.Transaction, error) {
	if _, err := l.storage.GetEscrowAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.storage.ListTransactions(ctx, store.TransactionFilter{EscrowAccountID: &accountID, Page: page})
}

func (l *Ledger) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return l.storage.GetTransaction(ctx, id)
}

func (l *Ledger) record(op string, err error) error {
	metrics.LedgerOperations.WithLabelValues(op, metrics.Outcome(err)).Inc()
	return err
}

// inTx runs fn in a transaction and reruns it when a generated entry
// reference collides.
func (l *Ledger) inTx(ctx context.Context, fn func(tx store.Tx, now time.Time) error) error {
	now := l.now().UTC()
	return reference.Retry(func() error {
		return l.storage.WithTx(ctx, func(tx store.Tx) error {
			return fn(tx, now)
		})
	})
}

func (l *Ledger) newEntry(account *models.EscrowAccount, typ models.TransactionType, amount decimal.Decimal, e Entry, now time.Time) *models.Transaction {
	return &models.Transaction{
		ID:              uuid.New(),
		Reference:       l.refs.Next(reference.PrefixTransaction, now),
		EscrowAccountID: account.ID,
		LoanID:          e.LoanID,
		Type:            typ,
		Amount:          amount,
		BalanceAfter:    account.CurrentBalance,
		Status:          models.TransactionStatusCompleted,
		Description:     e.Description,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
}

func lockOne(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.EscrowAccount, error) {
	accounts, err := tx.LockEscrowAccounts(ctx, id)
	if err != nil {
		return nil, err
	}
	return accounts[id], nil
}

// Deposit credits the account and appends a DEPOSIT entry.
func (l *Ledger) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	var entry *models.Transaction
	err := l.inTx(ctx, func(tx store.Tx, now time.Time) error {
		account, err := lockOne(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := account.Credit(amount, now); err != nil {
			return err
		}
		if err := tx.UpdateEscrowAccount(ctx, account); err != nil {
			return err
		}
		entry = l.newEntry(account, models.TransactionTypeDeposit, amount, e, now)
		return tx.CreateTransaction(ctx, entry)
	})
	if err := l.record("deposit", err); err != nil {
		l.logger.Warn("deposit rejected", zap.String("account_id", accountID.String()), zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}
	l.logger.Info("deposit recorded",
		zap.String("account_id", accountID.String()),
		zap.String("reference", entry.Reference),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", entry.BalanceAfter.StringFixed(2)))
	return entry, nil
}

// Withdraw debits the account and appends a WITHDRAWAL entry. The available
// balance must cover the amount without dropping below the minimum balance.
func (l *Ledger) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	var entry *models.Transaction
	err := l.inTx(ctx, func(tx store.Tx, now time.Time) error {
		account, err := lockOne(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := account.Debit(amount, now); err != nil {
			return err
		}
		if err := tx.UpdateEscrowAccount(ctx, account); err != nil {
			return err
		}
		entry = l.newEntry(account, models.TransactionTypeWithdrawal, amount, e, now)
		return tx.CreateTransaction(ctx, entry)
	})
	if err := l.record("withdraw", err); err != nil {
		l.logger.Warn("withdrawal rejected", zap.String("account_id", accountID.String()), zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}
	l.logger.Info("withdrawal recorded",
		zap.String("account_id", accountID.String()),
		zap.String("reference", entry.Reference),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", entry.BalanceAfter.StringFixed(2)))
	return entry, nil
}

// TransferResult holds the two linked legs of a transfer.
type TransferResult struct {
	Out *models.Transaction `json:"out"`
	In  *models.Transaction `json:"in"`
}

// Transfer moves amount between two accounts atomically. Either both legs
// are written or neither is.
func (l *Ledger) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal, e Entry) (*TransferResult, error) {
	if from == to {
		return nil, l.record("transfer", errs.Validation("cannot transfer from account %s to itself", from))
	}
	var res TransferResult
	err := l.inTx(ctx, func(tx store.Tx, now time.Time) error {
		accounts, err := tx.LockEscrowAccounts(ctx, from, to)
		if err != nil {
			return err
		}
		src, dst := accounts[from], accounts[to]
		if err := src.Debit(amount, now); err != nil {
			return err
		}
		if err := dst.Credit(amount, now); err != nil {
			return err
		}
		if err := tx.UpdateEscrowAccount(ctx, src); err != nil {
			return err
		}
		if err := tx.UpdateEscrowAccount(ctx, dst); err != nil {
			return err
		}

		out := l.newEntry(src, models.TransactionTypeTransferOut, amount, e, now)
		in := l.newEntry(dst, models.TransactionTypeTransferIn, amount, e, now)
		out.CounterpartyAccountID, in.CounterpartyAccountID = &dst.ID, &src.ID
		out.RelatedTransactionID, in.RelatedTransactionID = &in.ID, &out.ID
		if err := tx.CreateTransaction(ctx, out); err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, in); err != nil {
			return err
		}
		res = TransferResult{Out: out, In: in}
		return nil
	})
	if err := l.record("transfer", err); err != nil {
		l.logger.Warn("transfer rejected",
			zap.String("from_account_id", from.String()), zap.String("to_account_id", to.String()),
			zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}
	l.logger.Info("transfer recorded",
		zap.String("from_account_id", from.String()),
		zap.String("to_account_id", to.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("reference", res.Out.Reference))
	return &res, nil
}

// mutateAccount applies a balance-neutral change to one locked account.
func (l *Ledger) mutateAccount(ctx context.Context, op string, id uuid.UUID, fn func(a *models.EscrowAccount, now time.Time) error) (*models.EscrowAccount, error) {
	var out *models.EscrowAccount
	err := l.inTx(ctx, func(tx store.Tx, now time.Time) error {
		account, err := lockOne(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(account, now); err != nil {
			return err
		}
		if err := tx.UpdateEscrowAccount(ctx, account); err != nil {
			return err
		}
		out = account
		return nil
	})
	if err := l.record(op, err); err != nil {
		l.logger.Warn("escrow operation rejected", zap.String("operation", op), zap.String("account_id", id.String()), zap.Error(err))
		return nil, err
	}
	l.logger.Info("escrow account updated", zap.String("operation", op), zap.String("account_id", id.String()), zap.String("status", string(out.Status)))
	return out, nil
}

// Hold reserves funds: they stay in the current balance but can no longer
// be withdrawn or transferred.
func (l *Ledger) Hold(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*models.EscrowAccount, error) {
	return l.mutateAccount(ctx, "hold", id, func(a *models.EscrowAccount, now time.Time) error {
		return a.Hold(amount, now)
	})
}

func (l *Ledger) Release(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*models.EscrowAccount, error) {
	return l.mutateAccount(ctx, "release", id, func(a *models.EscrowAccount, now time.Time) error {
		return a.Release(amount, now)
	})
}

func (l *Ledger) Freeze(ctx context.Context, id uuid.UUID, reason string) (*models.EscrowAccount, error) {
	a, err := l.mutateAccount(ctx, "freeze", id, func(a *models.EscrowAccount, now time.Time) error {
		return a.Freeze(reason, now)
	})
	if err == nil {
		notify.Send(ctx, l.notifier, l.logger, notify.Event{
			Type:      notify.EventEscrowFrozen,
			Recipient: a.OwnerID,
			SubjectID: a.AccountNumber,
			Fields:    map[string]string{"reason": reason},
		})
	}
	return a, err
}

func (l *Ledger) Unfreeze(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	return l.mutateAccount(ctx, "unfreeze", id, func(a *models.EscrowAccount, now time.Time) error {
		return a.Unfreeze(now)
	})
}

// Close retires an empty account.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	return l.mutateAccount(ctx, "close", id, func(a *models.EscrowAccount, now time.Time) error {
		return a.Close(now)
	})
}

// Refund reverses a completed entry. The original is flipped to REFUNDED and
// a REFUND entry with the opposite balance effect is appended. Refunding
// either leg of a transfer reverses both legs.
func (l *Ledger) Refund(ctx context.Context, transactionID uuid.UUID, reason string) ([]*models.Transaction, error) {
	var refunds []*models.Transaction
	err := l.inTx(ctx, func(tx store.Tx, now time.Time) error {
		refunds = nil
		original, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		legs := []*models.Transaction{original}
		if original.RelatedTransactionID != nil &&
			(original.Type == models.TransactionTypeTransferIn || original.Type == models.TransactionTypeTransferOut) {
			pair, err := tx.LockTransaction(ctx, *original.RelatedTransactionID)
			if err != nil {
				return err
			}
			legs = append(legs, pair)
		}

		ids := make([]uuid.UUID, 0, len(legs))
		for _, leg := range legs {
			if err := leg.MarkRefunded(); err != nil {
				return err
			}
			ids = append(ids, leg.EscrowAccountID)
		}
		accounts, err := tx.LockEscrowAccounts(ctx, ids...)
		if err != nil {
			return err
		}

		// Take money back before paying it out, so a transfer refund fails
		// on the side that no longer holds the funds.
		sortInflowsFirst(legs)
		for _, leg := range legs {
			account := accounts[leg.EscrowAccountID]
			if leg.Outflow() {
				err = account.Credit(leg.Amount.Abs(), now)
			} else {
				err = account.Debit(leg.Amount.Abs(), now)
			}
			if err != nil {
				return err
			}

			refund := l.newEntry(account, models.TransactionTypeRefund, leg.SignedAmount().Neg(), Entry{LoanID: leg.LoanID, Description: reason}, now)
			refund.RelatedTransactionID = &leg.ID
			refund.CounterpartyAccountID = leg.CounterpartyAccountID
			if err := tx.CreateTransaction(ctx, refund); err != nil {
				return err
			}
			if err := tx.UpdateTransactionStatus(ctx, leg); err != nil {
				return err
			}
			refunds = append(refunds, refund)
		}
		for _, id := range ids {
			if err := tx.UpdateEscrowAccount(ctx, accounts[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err := l.record("refund", err); err != nil {
		l.logger.Warn("refund rejected", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		return nil, err
	}
	l.logger.Info("refund recorded", zap.String("transaction_id", transactionID.String()), zap.Int("entries", len(refunds)))
	return refunds, nil
}

func sortInflowsFirst(legs []*models.Transaction) {
	if len(legs) == 2 && legs[0].Outflow() && !legs[1].Outflow() {
		legs[0], legs[1] = legs[1], legs[0]
	}
}
