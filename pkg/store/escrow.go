package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

const escrowColumns = `id, account_number, owner_id, loan_id, current_balance, available_balance,
	minimum_balance, maximum_balance, status, freeze_reason, closed_at, version, created_at, updated_at`

func scanEscrowAccount(row rowScanner) (*models.EscrowAccount, error) {
	var a models.EscrowAccount
	var loanID uuid.NullUUID
	var maxBalance decimal.NullDecimal
	var freezeReason sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&a.ID, &a.AccountNumber, &a.OwnerID, &loanID, &a.CurrentBalance, &a.AvailableBalance,
		&a.MinimumBalance, &maxBalance, &a.Status, &freezeReason, &closedAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LoanID = uuidFromNull(loanID)
	if maxBalance.Valid {
		m := maxBalance.Decimal
		a.MaximumBalance = &m
	}
	a.FreezeReason = freezeReason.String
	a.ClosedAt = timeFromNull(closedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func (qs *queries) GetEscrowAccount(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	a, err := scanEscrowAccount(qs.queryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "escrow account", id)
	}
	return a, nil
}

func (qs *queries) ListEscrowAccounts(ctx context.Context, f EscrowAccountFilter) ([]*models.EscrowAccount, error) {
	var w where
	if f.OwnerID != "" {
		w.add("owner_id = ?", f.OwnerID)
	}
	if f.LoanID != nil {
		w.add("loan_id = ?", *f.LoanID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts`+w.String()+` ORDER BY created_at ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list escrow accounts")
	}
	defer rows.Close()

	var out []*models.EscrowAccount
	for rows.Next() {
		a, err := scanEscrowAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow account row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqlTx) CreateEscrowAccount(ctx context.Context, a *models.EscrowAccount) error {
	_, err := t.exec(ctx, `INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountNumber, a.OwnerID, nullUUID(a.LoanID), a.CurrentBalance, a.AvailableBalance,
		a.MinimumBalance, nullDecimal(a.MaximumBalance), string(a.Status), nullString(a.FreezeReason),
		nullTime(a.ClosedAt), a.Version, utc(a.CreatedAt), utc(a.UpdatedAt),
	)
	if err != nil {
		return t.fail(err, "create escrow account")
	}
	return nil
}

// LockEscrowAccounts locks each distinct account in ascending id order so two
// transfers over the same pair can never wait on each other in a cycle.
func (t *sqlTx) LockEscrowAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*models.EscrowAccount, error) {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	out := make(map[uuid.UUID]*models.EscrowAccount, len(ordered))
	for _, id := range ordered {
		a, err := scanEscrowAccount(t.queryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = ?`+t.lockSuffix(), id))
		if err != nil {
			return nil, t.notFound(err, "escrow account", id)
		}
		out[id] = a
	}
	return out, nil
}

func (t *sqlTx) UpdateEscrowAccount(ctx context.Context, a *models.EscrowAccount) error {
	res, err := t.exec(ctx, `UPDATE escrow_accounts SET
		current_balance = ?, available_balance = ?, minimum_balance = ?, maximum_balance = ?, status = ?,
		freeze_reason = ?, closed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.CurrentBalance, a.AvailableBalance, a.MinimumBalance, nullDecimal(a.MaximumBalance), string(a.Status),
		nullString(a.FreezeReason), nullTime(a.ClosedAt), utc(a.UpdatedAt),
		a.ID, a.Version,
	)
	if err != nil {
		return t.fail(err, "update escrow account")
	}
	if err := t.checkUpdated(ctx, res, "escrow_accounts", "escrow account", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

const transactionColumns = `id, reference, escrow_account_id, counterparty_account_id, loan_id,
	related_transaction_id, type, amount, balance_after, status, description, created_at, completed_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var counterparty, loanID, related uuid.NullUUID
	var description sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.Reference, &tx.EscrowAccountID, &counterparty, &loanID,
		&related, &tx.Type, &tx.Amount, &tx.BalanceAfter, &tx.Status, &description, &tx.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	tx.CounterpartyAccountID = uuidFromNull(counterparty)
	tx.LoanID = uuidFromNull(loanID)
	tx.RelatedTransactionID = uuidFromNull(related)
	tx.Description = description.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.CompletedAt = timeFromNull(completedAt)
	return &tx, nil
}

func (qs *queries) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	tx, err := scanTransaction(qs.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "transaction", id)
	}
	return tx, nil
}

// ListTransactions returns entries oldest first.
func (qs *queries) ListTransactions(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error) {
	var w where
	if f.EscrowAccountID != nil {
		w.add("escrow_account_id = ?", *f.EscrowAccountID)
	}
	if f.LoanID != nil {
		w.add("loan_id = ?", *f.LoanID)
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+transactionColumns+` FROM transactions`+w.String()+` ORDER BY created_at ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list transactions")
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqlTx) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := t.exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Reference, tx.EscrowAccountID, nullUUID(tx.CounterpartyAccountID), nullUUID(tx.LoanID),
		nullUUID(tx.RelatedTransactionID), string(tx.Type), tx.Amount, tx.BalanceAfter, string(tx.Status),
		nullString(tx.Description), utc(tx.CreatedAt), nullTime(tx.CompletedAt),
	)
	if err != nil {
		return t.fail(err, "create transaction")
	}
	return nil
}

func (t *sqlTx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	tx, err := scanTransaction(t.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`+t.lockSuffix(), id))
	if err != nil {
		return nil, t.notFound(err, "transaction", id)
	}
	return tx, nil
}

func (t *sqlTx) UpdateTransactionStatus(ctx context.Context, tx *models.Transaction) error {
	res, err := t.exec(ctx, `UPDATE transactions SET status = ?, completed_at = ? WHERE id = ?`,
		string(tx.Status), nullTime(tx.CompletedAt), tx.ID)
	if err != nil {
		return t.fail(err, "update transaction")
	}
	return t.checkUpdated(ctx, res, "transactions", "transaction", tx.ID)
}
