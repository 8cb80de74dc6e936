package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/models"
)

const transferColumns = `id, reference_number, recipient_id, loan_id, amount, method, destination, status,
	escrow_account_id, escrow_transaction_id, transaction_reference, failure_reason, status_reason,
	approved_by, approved_at, processing_started_at, completed_at, failed_at, version, created_at, updated_at`

const disbursementColumns = transferColumns + `, tranche_number, tranche_count, scheduled_for`

// transferRow collects the nullable columns of a transfer while scanning.
type transferRow struct {
	loanID, escrowAccountID, escrowTxnID                   uuid.NullUUID
	destination, reference, failure, reason, approvedBy    sql.NullString
	approvedAt, processingStartedAt, completedAt, failedAt sql.NullTime
}

func (r *transferRow) dest(t *models.Transfer) []any {
	return []any{&t.ID, &t.Number, &t.RecipientID, &r.loanID, &t.Amount, &t.Method, &r.destination, &t.Status,
		&r.escrowAccountID, &r.escrowTxnID, &r.reference, &r.failure, &r.reason,
		&r.approvedBy, &r.approvedAt, &r.processingStartedAt, &r.completedAt, &r.failedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt}
}

func (r *transferRow) apply(t *models.Transfer) {
	t.LoanID = uuidFromNull(r.loanID)
	t.EscrowAccountID = uuidFromNull(r.escrowAccountID)
	t.EscrowTransactionID = uuidFromNull(r.escrowTxnID)
	t.Destination = r.destination.String
	t.TransactionReference = r.reference.String
	t.FailureReason = r.failure.String
	t.StatusReason = r.reason.String
	t.ApprovedBy = r.approvedBy.String
	t.ApprovedAt = timeFromNull(r.approvedAt)
	t.ProcessingStartedAt = timeFromNull(r.processingStartedAt)
	t.CompletedAt = timeFromNull(r.completedAt)
	t.FailedAt = timeFromNull(r.failedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
}

func transferArgs(t *models.Transfer) []any {
	return []any{t.ID, t.Number, t.RecipientID, nullUUID(t.LoanID), t.Amount, string(t.Method), nullString(t.Destination),
		string(t.Status), nullUUID(t.EscrowAccountID), nullUUID(t.EscrowTransactionID), nullString(t.TransactionReference),
		nullString(t.FailureReason), nullString(t.StatusReason), nullString(t.ApprovedBy), nullTime(t.ApprovedAt),
		nullTime(t.ProcessingStartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt), t.Version,
		utc(t.CreatedAt), utc(t.UpdatedAt)}
}

const transferUpdate = `status = ?, escrow_account_id = ?, escrow_transaction_id = ?, transaction_reference = ?,
	failure_reason = ?, status_reason = ?, approved_by = ?, approved_at = ?, processing_started_at = ?,
	completed_at = ?, failed_at = ?, updated_at = ?, version = version + 1`

func transferUpdateArgs(t *models.Transfer) []any {
	return []any{string(t.Status), nullUUID(t.EscrowAccountID), nullUUID(t.EscrowTransactionID),
		nullString(t.TransactionReference), nullString(t.FailureReason), nullString(t.StatusReason),
		nullString(t.ApprovedBy), nullTime(t.ApprovedAt), nullTime(t.ProcessingStartedAt),
		nullTime(t.CompletedAt), nullTime(t.FailedAt), utc(t.UpdatedAt)}
}

func scanPayout(row rowScanner) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	var r transferRow
	if err := row.Scan(r.dest(&p.Transfer)...); err != nil {
		return nil, err
	}
	r.apply(&p.Transfer)
	return &p, nil
}

func (qs *queries) GetPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	p, err := scanPayout(qs.queryRow(ctx, `SELECT `+transferColumns+` FROM payout_requests WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "payout request", id)
	}
	return p, nil
}

func (qs *queries) ListPayouts(ctx context.Context, f PayoutFilter) ([]*models.PayoutRequest, error) {
	var w where
	if f.RecipientID != "" {
		w.add("recipient_id = ?", f.RecipientID)
	}
	if f.LoanID != nil {
		w.add("loan_id = ?", *f.LoanID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+transferColumns+` FROM payout_requests`+w.String()+` ORDER BY created_at ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list payout requests")
	}
	defer rows.Close()

	var out []*models.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqlTx) CreatePayout(ctx context.Context, p *models.PayoutRequest) error {
	_, err := t.exec(ctx, `INSERT INTO payout_requests (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transferArgs(&p.Transfer)...)
	if err != nil {
		return t.fail(err, "create payout request")
	}
	return nil
}

func (t *sqlTx) LockPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	p, err := scanPayout(t.queryRow(ctx, `SELECT `+transferColumns+` FROM payout_requests WHERE id = ?`+t.lockSuffix(), id))
	if err != nil {
		return nil, t.notFound(err, "payout request", id)
	}
	return p, nil
}

func (t *sqlTx) UpdatePayout(ctx context.Context, p *models.PayoutRequest) error {
	args := append(transferUpdateArgs(&p.Transfer), p.ID, p.Version)
	res, err := t.exec(ctx, `UPDATE payout_requests SET `+transferUpdate+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return t.fail(err, "update payout request")
	}
	if err := t.checkUpdated(ctx, res, "payout_requests", "payout request", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

func scanDisbursement(row rowScanner) (*models.Disbursement, error) {
	var d models.Disbursement
	var r transferRow
	var scheduledFor sql.NullTime
	dest := append(r.dest(&d.Transfer), &d.TrancheNumber, &d.TrancheCount, &scheduledFor)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.apply(&d.Transfer)
	d.ScheduledFor = timeFromNull(scheduledFor)
	return &d, nil
}

func (qs *queries) GetDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error) {
	d, err := scanDisbursement(qs.queryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id = ?`, id))
	if err != nil {
		return nil, qs.notFound(err, "disbursement", id)
	}
	return d, nil
}

// ListDisbursements returns tranches in plan order.
func (qs *queries) ListDisbursements(ctx context.Context, f DisbursementFilter) ([]*models.Disbursement, error) {
	var w where
	if f.LoanID != nil {
		w.add("loan_id = ?", *f.LoanID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.ScheduledBefore != nil {
		w.add("scheduled_for <= ?", utc(*f.ScheduledBefore))
	}
	limit, args := w.paged(f.Page)
	rows, err := qs.query(ctx, `SELECT `+disbursementColumns+` FROM disbursements`+w.String()+
		` ORDER BY created_at ASC, tranche_number ASC, id`+limit, args...)
	if err != nil {
		return nil, qs.fail(err, "list disbursements")
	}
	defer rows.Close()

	var out []*models.Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan disbursement row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqlTx) CreateDisbursements(ctx context.Context, ds []*models.Disbursement) error {
	for _, d := range ds {
		args := append(transferArgs(&d.Transfer), d.TrancheNumber, d.TrancheCount, nullTime(d.ScheduledFor))
		_, err := t.exec(ctx, `INSERT INTO disbursements (`+disbursementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return t.fail(err, fmt.Sprintf("create disbursement tranche %d", d.TrancheNumber))
		}
	}
	return nil
}

func (t *sqlTx) LockDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error) {
	d, err := scanDisbursement(t.queryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id = ?`+t.lockSuffix(), id))
	if err != nil {
		return nil, t.notFound(err, "disbursement", id)
	}
	return d, nil
}

func (t *sqlTx) UpdateDisbursement(ctx context.Context, d *models.Disbursement) error {
	args := append(transferUpdateArgs(&d.Transfer), nullTime(d.ScheduledFor), d.ID, d.Version)
	res, err := t.exec(ctx, `UPDATE disbursements SET `+transferUpdate+`, scheduled_for = ? WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return t.fail(err, "update disbursement")
	}
	if err := t.checkUpdated(ctx, res, "disbursements", "disbursement", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}
