package store

import "strings"

// schemaTemplate is shared by both engines; column types are filled in per
// dialect. Money is stored as TEXT on SQLite so no precision is lost.
var schemaTemplate = []string{
	`CREATE TABLE IF NOT EXISTS loans (
		id {id} PRIMARY KEY,
		loan_number TEXT NOT NULL UNIQUE,
		borrower_id TEXT NOT NULL,
		purpose TEXT,
		principal {money} NOT NULL,
		tenure_months INTEGER NOT NULL,
		interest_rate {money} NOT NULL,
		monthly_installment {money} NOT NULL,
		total_interest {money} NOT NULL,
		total_fees {money} NOT NULL,
		amount_paid {money} NOT NULL,
		outstanding_balance {money} NOT NULL,
		status TEXT NOT NULL,
		approved_by TEXT,
		approved_at {time},
		rejected_by TEXT,
		rejected_at {time},
		rejection_reason TEXT,
		disbursed_at {time},
		first_repayment_date {time},
		last_repayment_date {time},
		activated_at {time},
		completed_at {time},
		defaulted_at {time},
		default_reason TEXT,
		written_off_at {time},
		restructured_at {time},
		deleted_at {time},
		version {bigint} NOT NULL DEFAULT 0,
		created_at {time} NOT NULL,
		updated_at {time} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans (borrower_id)`,
	`CREATE TABLE IF NOT EXISTS repayments (
		id {id} PRIMARY KEY,
		loan_id {id} NOT NULL REFERENCES loans(id),
		installment_number INTEGER NOT NULL,
		due_date {time} NOT NULL,
		principal_amount {money} NOT NULL,
		interest_amount {money} NOT NULL,
		total_amount_due {money} NOT NULL,
		amount_paid {money} NOT NULL,
		remaining_balance {money} NOT NULL,
		status TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL,
		late_fee_type TEXT NOT NULL,
		late_fee_rate {money} NOT NULL,
		late_fee_amount {money} NOT NULL,
		penalty_rate {money} NOT NULL,
		penalty_interest_amount {money} NOT NULL,
		paid_at {time},
		last_payment_at {time},
		status_reason TEXT,
		version {bigint} NOT NULL DEFAULT 0,
		created_at {time} NOT NULL,
		updated_at {time} NOT NULL,
		UNIQUE (loan_id, installment_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_repayments_due ON repayments (status, due_date)`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
		id {id} PRIMARY KEY,
		account_number TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		loan_id {id},
		current_balance {money} NOT NULL,
		available_balance {money} NOT NULL,
		minimum_balance {money} NOT NULL,
		maximum_balance {money},
		status TEXT NOT NULL,
		freeze_reason TEXT,
		closed_at {time},
		version {bigint} NOT NULL DEFAULT 0,
		created_at {time} NOT NULL,
		updated_at {time} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id {id} PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		escrow_account_id {id} NOT NULL REFERENCES escrow_accounts(id),
		counterparty_account_id {id},
		loan_id {id},
		related_transaction_id {id},
		type TEXT NOT NULL,
		amount {money} NOT NULL,
		balance_after {money} NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		created_at {time} NOT NULL,
		completed_at {time}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (escrow_account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS payout_requests (` + transferColumnsDDL + `
	)`,
	`CREATE TABLE IF NOT EXISTS disbursements (` + transferColumnsDDL + `,
		tranche_number INTEGER NOT NULL,
		tranche_count INTEGER NOT NULL,
		scheduled_for {time}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_disbursements_loan ON disbursements (loan_id)`,
}

const transferColumnsDDL = `
		id {id} PRIMARY KEY,
		reference_number TEXT NOT NULL UNIQUE,
		recipient_id TEXT NOT NULL,
		loan_id {id},
		amount {money} NOT NULL,
		method TEXT NOT NULL,
		destination TEXT,
		status TEXT NOT NULL,
		escrow_account_id {id},
		escrow_transaction_id {id},
		transaction_reference TEXT,
		failure_reason TEXT,
		status_reason TEXT,
		approved_by TEXT,
		approved_at {time},
		processing_started_at {time},
		completed_at {time},
		failed_at {time},
		version {bigint} NOT NULL DEFAULT 0,
		created_at {time} NOT NULL,
		updated_at {time} NOT NULL`

func renderSchema(r *strings.Replacer) []string {
	out := make([]string, len(schemaTemplate))
	for i, stmt := range schemaTemplate {
		out[i] = r.Replace(stmt)
	}
	return out
}
