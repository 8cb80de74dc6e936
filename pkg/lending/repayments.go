package lending

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/notify"
	"github.com/mcclellann/loanservicing/pkg/processor"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/mcclellann/loanservicing/pkg/sweep"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Receipt is the outcome of a payment on one installment.
type Receipt struct {
	Repayment          *models.Repayment `json:"repayment"`
	Loan               *models.Loan      `json:"loan"`
	Amount             decimal.Decimal   `json:"amount"`
	ChargesSettled     decimal.Decimal   `json:"charges_settled"`
	ProcessorReference string            `json:"processor_reference,omitempty"`
}

// Schedule returns a loan's installments ordered by due date.
func (s *Service) Schedule(ctx context.Context, loanID uuid.UUID, page store.Page) ([]*models.Repayment, error) {
	if _, err := s.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.store.ListRepayments(ctx, store.RepaymentFilter{LoanID: &loanID, Page: page})
}

func (s *Service) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	return s.store.GetRepayment(ctx, id)
}

// MakePayment applies amount to an installment and records it on the loan in
// the same transaction. The part that settles late charges is first assessed
// as a loan fee so the loan balance stays consistent.
func (s *Service) MakePayment(ctx context.Context, repaymentID uuid.UUID, amount decimal.Decimal) (*Receipt, error) {
	receipt, err := s.applyPayment(ctx, repaymentID, amount)
	metrics.RepaymentsApplied.WithLabelValues("make_payment", metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("payment rejected",
			zap.String("repayment_id", repaymentID.String()), zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}
	s.afterPayment(ctx, receipt)
	return receipt, nil
}

func (s *Service) applyPayment(ctx context.Context, repaymentID uuid.UUID, amount decimal.Decimal) (*Receipt, error) {
	if !amount.IsPositive() {
		return nil, errs.Validation("payment amount must be greater than zero, got %s", amount)
	}
	current, err := s.store.GetRepayment(ctx, repaymentID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var receipt *Receipt
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		// Loan before installment, the same order every payment path uses.
		l, err := tx.LockLoan(ctx, current.LoanID)
		if err != nil {
			return err
		}
		r, err := tx.LockRepayment(ctx, repaymentID)
		if err != nil {
			return err
		}
		if !l.AcceptsPayments() {
			return errs.StateTransition("loan", string(l.Status), "record payment")
		}

		charges, err := r.MakePayment(amount, now)
		if err != nil {
			return err
		}
		if err := l.AssessFee(charges, now); err != nil {
			return err
		}
		if err := l.RecordPayment(amount, now); err != nil {
			return err
		}
		if err := tx.UpdateRepayment(ctx, r); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		receipt = &Receipt{Repayment: r, Loan: l, Amount: amount, ChargesSettled: charges}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Service) afterPayment(ctx context.Context, receipt *Receipt) {
	r, l := receipt.Repayment, receipt.Loan
	s.logger.Info("payment applied",
		zap.String("loan_id", l.ID.String()),
		zap.String("repayment_id", r.ID.String()),
		zap.Int("installment", r.InstallmentNumber),
		zap.String("amount", receipt.Amount.StringFixed(2)),
		zap.String("repayment_status", string(r.Status)),
		zap.String("outstanding_balance", l.OutstandingBalance.StringFixed(2)))

	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Type:      notify.EventPaymentReceived,
		Recipient: l.BorrowerID,
		SubjectID: l.LoanNumber,
		Fields: map[string]string{
			"installment": r.ID.String(),
			"amount":      receipt.Amount.StringFixed(2),
			"status":      string(r.Status),
		},
	})
	if l.Status == models.LoanStatusCompleted && l.CompletedAt != nil && l.CompletedAt.Equal(l.UpdatedAt) {
		s.notifyLoan(ctx, notify.EventLoanCompleted, l, nil)
	}
}

// CollectPayment charges the borrower through the payment processor and then
// applies the money to the installment. The installment is checked before the
// charge; if applying still fails afterwards the charge is refunded on a best
// effort basis and the original error is returned.
func (s *Service) CollectPayment(ctx context.Context, repaymentID uuid.UUID, amount decimal.Decimal) (*Receipt, error) {
	if s.processor == nil {
		return nil, errs.Validation("no payment processor configured")
	}
	r, err := s.store.GetRepayment(ctx, repaymentID)
	if err != nil {
		return nil, err
	}
	l, err := s.GetLoan(ctx, r.LoanID)
	if err != nil {
		return nil, err
	}
	if !l.AcceptsPayments() {
		return nil, errs.StateTransition("loan", string(l.Status), "record payment")
	}
	probe := *r
	if _, err := probe.MakePayment(amount, s.clock()); err != nil {
		return nil, err
	}

	res, err := s.processor.ProcessPayment(ctx, processor.Payment{
		Reference:   r.ID.String(),
		PayerID:     l.BorrowerID,
		Amount:      amount,
		Description: l.LoanNumber,
	})
	if err == nil && res.Status == processor.StatusFailed {
		err = errs.ExternalProcessor("process payment", errors.New(res.Message))
	}
	if err != nil {
		metrics.RepaymentsApplied.WithLabelValues("collect_payment", metrics.Outcome(err)).Inc()
		return nil, err
	}

	receipt, err := s.applyPayment(ctx, repaymentID, amount)
	metrics.RepaymentsApplied.WithLabelValues("collect_payment", metrics.Outcome(err)).Inc()
	if err != nil {
		s.refund(ctx, res.ReferenceID, amount, err)
		return nil, err
	}
	receipt.ProcessorReference = res.ReferenceID
	s.afterPayment(ctx, receipt)
	return receipt, nil
}

func (s *Service) refund(ctx context.Context, referenceID string, amount decimal.Decimal, cause error) {
	// The caller may already be cancelled; the refund must still go out.
	ctx = context.WithoutCancel(ctx)
	res, err := s.processor.RefundPayment(ctx, referenceID, amount)
	if err == nil && res.Status == processor.StatusFailed {
		err = errors.New(res.Message)
	}
	if err != nil {
		s.logger.Error("refund after failed payment did not go through",
			zap.String("processor_reference", referenceID),
			zap.String("amount", amount.StringFixed(2)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Warn("payment refunded after it could not be applied",
		zap.String("processor_reference", referenceID), zap.NamedError("cause", cause))
}

func (s *Service) mutateRepayment(ctx context.Context, op string, id uuid.UUID, fn func(r *models.Repayment, now time.Time) error) (*models.Repayment, error) {
	now := s.clock()
	var out *models.Repayment
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRepayment(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(r, now); err != nil {
			return err
		}
		if err := tx.UpdateRepayment(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	metrics.RepaymentsApplied.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("repayment operation rejected", zap.String("operation", op), zap.String("repayment_id", id.String()), zap.Error(err))
		return nil, err
	}
	s.logger.Info("repayment updated", zap.String("operation", op), zap.String("repayment_id", id.String()), zap.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) WriteOffRepayment(ctx context.Context, id uuid.UUID, reason string) (*models.Repayment, error) {
	return s.mutateRepayment(ctx, "write_off", id, func(r *models.Repayment, now time.Time) error {
		return r.WriteOff(reason, now)
	})
}

func (s *Service) CancelRepayment(ctx context.Context, id uuid.UUID, reason string) (*models.Repayment, error) {
	return s.mutateRepayment(ctx, "cancel", id, func(r *models.Repayment, now time.Time) error {
		return r.Cancel(reason, now)
	})
}

func (s *Service) SendToCollection(ctx context.Context, id uuid.UUID, reason string) (*models.Repayment, error) {
	return s.mutateRepayment(ctx, "send_to_collection", id, func(r *models.Repayment, now time.Time) error {
		return r.SendToCollection(reason, now)
	})
}

var refreshable = []models.RepaymentStatus{
	models.RepaymentStatusPending,
	models.RepaymentStatusDue,
	models.RepaymentStatusOverdue,
	models.RepaymentStatusPartiallyPaid,
}

// RefreshOverdue recomputes status and charges of every unpaid installment
// already due. Each installment is refreshed in its own transaction; one
// failure is reported and the rest carry on.
func (s *Service) RefreshOverdue(ctx context.Context) (sweep.Report, error) {
	now := s.clock()
	due, err := listAllRepayments(ctx, s.store, store.RepaymentFilter{Statuses: refreshable, DueBefore: &now})
	if err != nil {
		return sweep.Report{}, err
	}
	ids := make([]uuid.UUID, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}

	report := sweep.Run(ctx, "refresh_overdue", ids, s.concurrency, s.logger, func(ctx context.Context, id uuid.UUID) error {
		return s.refreshOne(ctx, id, now)
	})
	return report, nil
}

func (s *Service) refreshOne(ctx context.Context, id uuid.UUID, now time.Time) error {
	var became *models.Repayment
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRepayment(ctx, id)
		if err != nil {
			return err
		}
		before := *r
		r.Refresh(now)
		if r.Status == before.Status && r.RemainingBalance.Equal(before.RemainingBalance) &&
			r.LateFeeAmount.Equal(before.LateFeeAmount) && r.PenaltyInterestAmount.Equal(before.PenaltyInterestAmount) {
			return nil
		}
		r.UpdatedAt = now
		if err := tx.UpdateRepayment(ctx, r); err != nil {
			return err
		}
		if r.Status == models.RepaymentStatusOverdue && before.Status != models.RepaymentStatusOverdue {
			became = r
		}
		return nil
	})
	if err != nil || became == nil {
		return err
	}

	l, err := s.store.GetLoan(ctx, became.LoanID)
	if err != nil {
		s.logger.Warn("overdue installment without a readable loan", zap.String("repayment_id", id.String()), zap.Error(err))
		return nil
	}
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Type:      notify.EventRepaymentOverdue,
		Recipient: l.BorrowerID,
		SubjectID: l.LoanNumber,
		Fields: map[string]string{
			"installment": became.ID.String(),
			"due_date":    became.DueDate.Format(time.DateOnly),
			"amount_due":  became.MaxPayable().StringFixed(2),
		},
	})
	return nil
}
