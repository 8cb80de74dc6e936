package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/models"
)

const loanColumns = `id, loan_number, borrower_id, purpose, principal, tenure_months, interest_rate,
	monthly_installment, total_interest, total_fees, amount_paid, outstanding_balance, status,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason, disbursed_at,
	first_repayment_date, last_repayment_date, activated_at, completed_at, defaulted_at,
	default_reason, written_off_at, restructured_at, deleted_at, version, created_at, updated_at`

func (qs *queries) fail(err error, op string) error {
	return qs.d.classify(fmt.Errorf("failed to %s: %w", op, err))
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	var purpose, approvedBy, rejectedBy, rejectionReason, defaultReason sql.NullString
	var approvedAt, rejectedAt, disbursedAt, firstRepayment, lastRepayment, activatedAt,
		completedAt, defaultedAt, writtenOffAt, restructuredAt, deletedAt sql.NullTime

	err := row.Scan(&l.ID, &l.LoanNumber, &l.BorrowerID, &purpose, &l.Principal, &l.TenureMonths, &l.InterestRate,
		&l.MonthlyInstallment, &l.TotalInterest, &l.TotalFees, &l.AmountPaid, &l.OutstandingBalance, &l.Status,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectionReason, &disbursedAt,
		&firstRepayment, &lastRepayment, &activatedAt, &completedAt, &defaultedAt,
		&defaultReason, &writtenOffAt, &restructuredAt, &deletedAt, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Purpose = purpose.String
	l.ApprovedBy = approvedBy.String
	l.RejectedBy = rejectedBy.String
	l.RejectionReason = rejectionReason.String
	l.DefaultReason = defaultReason.String
	l.ApprovedAt = timeFromNull(approvedAt)
	l.RejectedAt = timeFromNull(rejectedAt)
	l.DisbursedAt = timeFromNull(disbursedAt)
	l.FirstRepaymentDate = timeFromNull(firstRepayment)
	l.LastRepaymentDate = timeFromNull(lastRepayment)
	l.ActivatedAt = timeFromNull(activatedAt)
	l.CompletedAt = timeFromNull(completedAt)
	l.DefaultedAt = timeFromNull(defaultedAt)
	l.WrittenOffAt = timeFromNull(writtenOffAt)
	l.RestructuredAt = timeFromNull(restructuredAt)
	l.DeletedAt = timeFromNull(deletedAt)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetLoan retrieves a loan by its ID, soft-deleted or not.
func (qs *queries) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := scanLoan(qs.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "loan", id)
	}
	return l, nil
}

func (qs *queries) ListLoans(ctx context.Context, f LoanFilter) ([]*models.Loan, error) {
	var w where
	if f.BorrowerID != "" {
		w.add("borrower_id = ?", f.BorrowerID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.IncludeDeleted {
		w.add("deleted_at IS NULL")
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+loanColumns+` FROM loans`+w.String()+` ORDER BY created_at ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list loans")
	}
	defer rows.Close()
	return scanLoans(rows)
}

func (t *sqlTx) CreateLoan(ctx context.Context, l *models.Loan) error {
	_, err := t.exec(ctx, `INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LoanNumber, l.BorrowerID, nullString(l.Purpose), l.Principal, l.TenureMonths, l.InterestRate,
		l.MonthlyInstallment, l.TotalInterest, l.TotalFees, l.AmountPaid, l.OutstandingBalance, string(l.Status),
		nullString(l.ApprovedBy), nullTime(l.ApprovedAt), nullString(l.RejectedBy), nullTime(l.RejectedAt),
		nullString(l.RejectionReason), nullTime(l.DisbursedAt), nullTime(l.FirstRepaymentDate),
		nullTime(l.LastRepaymentDate), nullTime(l.ActivatedAt), nullTime(l.CompletedAt), nullTime(l.DefaultedAt),
		nullString(l.DefaultReason), nullTime(l.WrittenOffAt), nullTime(l.RestructuredAt), nullTime(l.DeletedAt),
		l.Version, utc(l.CreatedAt), utc(l.UpdatedAt),
	)
	if err != nil {
		return t.fail(err, "create loan")
	}
	return nil
}

func (t *sqlTx) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := scanLoan(t.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`+t.lockSuffix(), id))
	if err != nil {
		return nil, t.notFound(err, "loan", id)
	}
	return l, nil
}

// UpdateLoan writes every mutable column, conditional on l.Version, and
// bumps the version on success.
func (t *sqlTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	res, err := t.exec(ctx, `UPDATE loans SET
		principal = ?, tenure_months = ?, interest_rate = ?, monthly_installment = ?, total_interest = ?,
		total_fees = ?, amount_paid = ?, outstanding_balance = ?, status = ?, purpose = ?,
		approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?, rejection_reason = ?,
		disbursed_at = ?, first_repayment_date = ?, last_repayment_date = ?, activated_at = ?,
		completed_at = ?, defaulted_at = ?, default_reason = ?, written_off_at = ?, restructured_at = ?,
		deleted_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		l.Principal, l.TenureMonths, l.InterestRate, l.MonthlyInstallment, l.TotalInterest,
		l.TotalFees, l.AmountPaid, l.OutstandingBalance, string(l.Status), nullString(l.Purpose),
		nullString(l.ApprovedBy), nullTime(l.ApprovedAt), nullString(l.RejectedBy), nullTime(l.RejectedAt),
		nullString(l.RejectionReason), nullTime(l.DisbursedAt), nullTime(l.FirstRepaymentDate),
		nullTime(l.LastRepaymentDate), nullTime(l.ActivatedAt), nullTime(l.CompletedAt), nullTime(l.DefaultedAt),
		nullString(l.DefaultReason), nullTime(l.WrittenOffAt), nullTime(l.RestructuredAt),
		nullTime(l.DeletedAt), utc(l.UpdatedAt),
		l.ID, l.Version,
	)
	if err != nil {
		return t.fail(err, "update loan")
	}
	if err := t.checkUpdated(ctx, res, "loans", "loan", l.ID); err != nil {
		return err
	}
	l.Version++
	return nil
}

const repaymentColumns = `id, loan_id, installment_number, due_date, principal_amount, interest_amount,
	total_amount_due, amount_paid, remaining_balance, status, grace_period_days, late_fee_type,
	late_fee_rate, late_fee_amount, penalty_rate, penalty_interest_amount, paid_at, last_payment_at,
	status_reason, version, created_at, updated_at`

func scanRepayment(row rowScanner) (*models.Repayment, error) {
	var r models.Repayment
	var paidAt, lastPaymentAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&r.ID, &r.LoanID, &r.InstallmentNumber, &r.DueDate, &r.PrincipalAmount, &r.InterestAmount,
		&r.TotalAmountDue, &r.AmountPaid, &r.RemainingBalance, &r.Status, &r.GracePeriodDays, &r.LateFeeType,
		&r.LateFeeRate, &r.LateFeeAmount, &r.PenaltyRate, &r.PenaltyInterestAmount, &paidAt, &lastPaymentAt,
		&reason, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DueDate = r.DueDate.UTC()
	r.PaidAt = timeFromNull(paidAt)
	r.LastPaymentAt = timeFromNull(lastPaymentAt)
	r.StatusReason = reason.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (qs *queries) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	r, err := scanRepayment(qs.queryRow(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "repayment", id)
	}
	return r, nil
}

// ListRepayments returns installments ordered by due date, then number.
func (qs *queries) ListRepayments(ctx context.Context, f RepaymentFilter) ([]*models.Repayment, error) {
	var w where
	if f.LoanID != nil {
		w.add("loan_id = ?", *f.LoanID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.in("status", statuses)
	}
	if f.DueBefore != nil {
		w.add("due_date <= ?", utc(*f.DueBefore))
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+repaymentColumns+` FROM repayments`+w.String()+
		` ORDER BY due_date ASC, installment_number ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list repayments")
	}
	defer rows.Close()

	var out []*models.Repayment
	for rows.Next() {
		r, err := scanRepayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

// CreateRepayments inserts a whole schedule.
func (t *sqlTx) CreateRepayments(ctx context.Context, rs []*models.Repayment) error {
	marks := "(" + strings.TrimSuffix(strings.Repeat("?, ", 22), ", ") + ")"
	for _, r := range rs {
		_, err := t.exec(ctx, `INSERT INTO repayments (`+repaymentColumns+`) VALUES `+marks,
			r.ID, r.LoanID, r.InstallmentNumber, utc(r.DueDate), r.PrincipalAmount, r.InterestAmount,
			r.TotalAmountDue, r.AmountPaid, r.RemainingBalance, string(r.Status), r.GracePeriodDays, string(r.LateFeeType),
			r.LateFeeRate, r.LateFeeAmount, r.PenaltyRate, r.PenaltyInterestAmount, nullTime(r.PaidAt), nullTime(r.LastPaymentAt),
			nullString(r.StatusReason), r.Version, utc(r.CreatedAt), utc(r.UpdatedAt),
		)
		if err != nil {
			return t.fail(err, fmt.Sprintf("create repayment %d", r.InstallmentNumber))
		}
	}
	return nil
}

func (t *sqlTx) LockRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	r, err := scanRepayment(t.queryRow(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE id = ?`+t.lockSuffix(), id))
	if err != nil {
		return nil, t.notFound(err, "repayment", id)
	}
	return r, nil
}

func (t *sqlTx) UpdateRepayment(ctx context.Context, r *models.Repayment) error {
	res, err := t.exec(ctx, `UPDATE repayments SET
		amount_paid = ?, remaining_balance = ?, status = ?, late_fee_amount = ?, penalty_interest_amount = ?,
		paid_at = ?, last_payment_at = ?, status_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.AmountPaid, r.RemainingBalance, string(r.Status), r.LateFeeAmount, r.PenaltyInterestAmount,
		nullTime(r.PaidAt), nullTime(r.LastPaymentAt), nullString(r.StatusReason), utc(r.UpdatedAt),
		r.ID, r.Version,
	)
	if err != nil {
		return t.fail(err, "update repayment")
	}
	if err := t.checkUpdated(ctx, res, "repayments", "repayment", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}
