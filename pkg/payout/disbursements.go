package payout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/mcclellann/loanservicing/pkg/sweep"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fundable reports whether principal may still be released for a loan.
func fundable(s models.LoanStatus) bool {
	return s == models.LoanStatusFunding || s == models.LoanStatusActive
}

// committed is what a loan's live disbursements already account for.
func committed(ds []*models.Disbursement) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		switch d.Status {
		case models.PayoutStatusFailed, models.PayoutStatusRejected, models.PayoutStatusCancelled:
			continue
		}
		total = total.Add(d.Amount)
	}
	return total
}

// createDisbursements stores ds for their loan. The loan row is locked so
// two concurrent plans cannot both fit under the principal.
func (w *Workflow) createDisbursements(ctx context.Context, loanID uuid.UUID, ds []*models.Disbursement) error {
	now := w.clock()
	return reference.Retry(func() error {
		return w.store.WithTx(ctx, func(tx store.Tx) error {
			l, err := tx.LockLoan(ctx, loanID)
			if err != nil {
				return err
			}
			if l.DeletedAt != nil {
				return errs.NotFound("loan", loanID.String())
			}
			if !fundable(l.Status) {
				return errs.StateTransition("loan", string(l.Status), "disburse funds")
			}
			existing, err := listAll(ctx, tx, loanID)
			if err != nil {
				return err
			}
			requested := committed(ds)
			if committed(existing).Add(requested).GreaterThan(l.Principal) {
				return errs.Validation("disbursements of %s exceed the undisbursed principal of loan %s (%s of %s committed)",
					requested.StringFixed(2), l.LoanNumber, committed(existing).StringFixed(2), l.Principal.StringFixed(2))
			}
			for _, d := range ds {
				d.Number = w.refs.Next(reference.PrefixDisbursement, now)
			}
			return tx.CreateDisbursements(ctx, ds)
		})
	})
}

func (w *Workflow) created(ds []*models.Disbursement, err error) ([]*models.Disbursement, error) {
	if err != nil {
		metrics.TransferOutcomes.WithLabelValues(disbursements.name, metrics.Outcome(err)).Inc()
		w.logger.Warn("disbursement rejected", zap.Error(err))
		return nil, err
	}
	for _, d := range ds {
		metrics.TransferOutcomes.WithLabelValues(disbursements.name, string(d.Status)).Inc()
		w.logger.Info("disbursement created",
			zap.String("disbursement_id", d.ID.String()),
			zap.String("number", d.Number),
			zap.String("loan_id", d.LoanID.String()),
			zap.Int("tranche", d.TrancheNumber),
			zap.String("amount", d.Amount.StringFixed(2)))
	}
	return ds, nil
}

// CreateDisbursement stores a PENDING single release for a loan.
func (w *Workflow) CreateDisbursement(ctx context.Context, req Request) (*models.Disbursement, error) {
	d, err := models.NewDisbursement(req.transfer(), w.clock())
	if err == nil {
		err = w.checkEscrow(ctx, req.EscrowAccountID)
	}
	if err == nil {
		err = w.createDisbursements(ctx, *req.LoanID, []*models.Disbursement{d})
	}
	if _, err := w.created([]*models.Disbursement{d}, err); err != nil {
		return nil, err
	}
	return d, nil
}

// PlanDisbursements stores one SCHEDULED tranche per entry. Scheduled
// tranches need no approval; ProcessDueDisbursements releases them once due.
func (w *Workflow) PlanDisbursements(ctx context.Context, req Request, tranches []models.Tranche) ([]*models.Disbursement, error) {
	plan, err := models.NewDisbursementPlan(req.transfer(), tranches, w.clock())
	if err == nil {
		err = w.checkEscrow(ctx, req.EscrowAccountID)
	}
	if err == nil {
		err = w.createDisbursements(ctx, *req.LoanID, plan)
	}
	return w.created(plan, err)
}

func (w *Workflow) GetDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error) {
	return w.store.GetDisbursement(ctx, id)
}

func (w *Workflow) ListDisbursements(ctx context.Context, f store.DisbursementFilter) ([]*models.Disbursement, error) {
	return w.store.ListDisbursements(ctx, f)
}

func (w *Workflow) ApproveDisbursement(ctx context.Context, id uuid.UUID, by string) (*models.Disbursement, error) {
	return mutate(ctx, w, disbursements, "approve", id, func(d *models.Disbursement, now time.Time) error {
		return d.Approve(by, now)
	})
}

func (w *Workflow) RejectDisbursement(ctx context.Context, id uuid.UUID, reason string) (*models.Disbursement, error) {
	return mutate(ctx, w, disbursements, "reject", id, func(d *models.Disbursement, now time.Time) error {
		return d.Reject(reason, now)
	})
}

func (w *Workflow) CancelDisbursement(ctx context.Context, id uuid.UUID, reason string) (*models.Disbursement, error) {
	return mutate(ctx, w, disbursements, "cancel", id, func(d *models.Disbursement, now time.Time) error {
		return d.Cancel(reason, now)
	})
}

// ProcessDisbursement releases an approved, or due scheduled, tranche.
func (w *Workflow) ProcessDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error) {
	return process(ctx, w, disbursements, id)
}

func (w *Workflow) CompleteDisbursement(ctx context.Context, id uuid.UUID, transactionReference string) (*models.Disbursement, error) {
	return complete(ctx, w, disbursements, id, transactionReference)
}

func (w *Workflow) FailDisbursement(ctx context.Context, id uuid.UUID, reason string) (*models.Disbursement, error) {
	return failRecord(ctx, w, disbursements, id, reason)
}

// ProcessDueDisbursements processes every SCHEDULED tranche whose date has
// come. Each tranche runs on its own; a failure is reported in the result
// and never stops the others.
func (w *Workflow) ProcessDueDisbursements(ctx context.Context) (sweep.Report, error) {
	now := w.clock()
	f := store.DisbursementFilter{
		Status:          models.PayoutStatusScheduled,
		ScheduledBefore: &now,
		Page:            store.Page{Limit: store.MaxPageSize},
	}
	var ids []uuid.UUID
	for {
		page, err := w.store.ListDisbursements(ctx, f)
		if err != nil {
			return sweep.Report{}, err
		}
		for _, d := range page {
			ids = append(ids, d.ID)
		}
		if len(page) < f.Limit {
			break
		}
		f.Offset += len(page)
	}

	return sweep.Run(ctx, "disbursements", ids, w.concurrency, w.logger, func(ctx context.Context, id uuid.UUID) error {
		_, err := w.ProcessDisbursement(ctx, id)
		return err
	}), nil
}

// FundingProgress is the share of a loan's principal already released.
func (w *Workflow) FundingProgress(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	l, err := w.store.GetLoan(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	ds, err := listAll(ctx, w.store, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return models.FundingProgress(l.Principal, ds), nil
}

func listAll(ctx context.Context, r store.Reader, loanID uuid.UUID) ([]*models.Disbursement, error) {
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
