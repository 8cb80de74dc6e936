package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
)

// Summary is a read-only projection of a loan and its schedule.
type Summary struct {
	LoanID             uuid.UUID         `json:"loan_id"`
	LoanNumber         string            `json:"loan_number"`
	Status             models.LoanStatus `json:"status"`
	TotalPayable       decimal.Decimal   `json:"total_payable"`
	AmountPaid         decimal.Decimal   `json:"amount_paid"`
	OutstandingBalance decimal.Decimal   `json:"outstanding_balance"`
	ProgressPercent    decimal.Decimal   `json:"progress_percent"`
	FundingProgress    decimal.Decimal   `json:"funding_progress"`
	NextDueDate        *time.Time        `json:"next_due_date,omitempty"`
	NextDueAmount      decimal.Decimal   `json:"next_due_amount"`
	InstallmentsPaid   int               `json:"installments_paid"`
	InstallmentsTotal  int               `json:"installments_total"`
	OverdueCount       int               `json:"overdue_count"`
}

func (s *Service) Summary(ctx context.Context, loanID uuid.UUID) (*Summary, error) {
	l, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	schedule, err := listAllRepayments(ctx, s.store, store.RepaymentFilter{LoanID: &loanID})
	if err != nil {
		return nil, err
	}
	tranches, err := listAllDisbursements(ctx, s.store, loanID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		LoanID:             l.ID,
		LoanNumber:         l.LoanNumber,
		Status:             l.Status,
		TotalPayable:       l.TotalPayable(),
		AmountPaid:         l.AmountPaid,
		OutstandingBalance: l.OutstandingBalance,
		ProgressPercent:    l.ProgressPercent(),
		FundingProgress:    models.FundingProgress(l.Principal, tranches),
	}
	for _, r := range schedule {
		switch r.Status {
		case models.RepaymentStatusCancelled:
			continue
		case models.RepaymentStatusPaid:
			sum.InstallmentsPaid++
		case models.RepaymentStatusOverdue:
			sum.OverdueCount++
		}
		sum.InstallmentsTotal++
	}
	if next := models.NextDue(schedule); next != nil {
		due := next.DueDate
		sum.NextDueDate = &due
		sum.NextDueAmount = next.MaxPayable()
	}
	return sum, nil
}

func listAllDisbursements(ctx context.Context, r store.Reader, loanID uuid.UUID) ([]*models.Disbursement, error) {
	f := store.DisbursementFilter{LoanID: &loanID, Page: store.Page{Limit: store.MaxPageSize}}
	var out []*models.Disbursement
	for {
		page, err := r.ListDisbursements(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			return out, nil
		}
		f.Offset += len(page)
	}
}
