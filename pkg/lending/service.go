// Package lending runs the loan lifecycle and its repayment schedule on top
// of the store: every mutation loads fresh copies inside one transaction, so
// a rollback discards in-memory changes along with the writes.
package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/notify"
	"github.com/mcclellann/loanservicing/pkg/processor"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Service struct {
	store       store.Storage
	refs        reference.Generator
	processor   processor.PaymentProcessor
	notifier    notify.Dispatcher
	policy      models.ChargePolicy
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithChargePolicy sets the late-fee policy stamped on new schedules.
func WithChargePolicy(p models.ChargePolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithConcurrency bounds how many installments a sweep refreshes at once.
func WithConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

func NewService(st store.Storage, refs reference.Generator, proc processor.PaymentProcessor, n notify.Dispatcher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		refs:        refs,
		processor:   proc,
		notifier:    n,
		policy:      models.ChargePolicy{LateFeeType: models.LateFeeNone},
		concurrency: 4,
		logger:      logger.Named("lending"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateLoanRequest carries the inputs of a new loan application.
type CreateLoanRequest struct {
	BorrowerID   string          `json:"borrower_id"`
	Purpose      string          `json:"purpose"`
	Principal    decimal.Decimal `json:"principal"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TenureMonths int             `json:"tenure_months"`
}

// CreateLoan stores a DRAFT loan with a freshly allocated loan number.
func (s *Service) CreateLoan(ctx context.Context, req CreateLoanRequest) (*models.Loan, error) {
	now := s.clock()
	l, err := models.NewLoan(models.NewLoanParams{
		BorrowerID:   req.BorrowerID,
		Purpose:      req.Purpose,
		Principal:    req.Principal,
		InterestRate: req.InterestRate,
		TenureMonths: req.TenureMonths,
	}, now)
	if err != nil {
		metrics.LoanTransitions.WithLabelValues("create", metrics.Outcome(err)).Inc()
		return nil, err
	}

	err = reference.Assign(s.refs, reference.PrefixLoan, now, func(number string) error {
		l.LoanNumber = number
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.CreateLoan(ctx, l)
		})
	})
	metrics.LoanTransitions.WithLabelValues("create", metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Error("failed to create loan", zap.String("borrower_id", req.BorrowerID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("loan created",
		zap.String("loan_id", l.ID.String()),
		zap.String("loan_number", l.LoanNumber),
		zap.String("principal", l.Principal.StringFixed(2)),
		zap.String("monthly_installment", l.MonthlyInstallment.StringFixed(2)))
	return l, nil
}

// GetLoan hides soft-deleted loans.
func (s *Service) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.DeletedAt != nil {
		return nil, errs.NotFound("loan", id.String())
	}
	return l, nil
}

func (s *Service) ListLoans(ctx context.Context, f store.LoanFilter) ([]*models.Loan, error) {
	return s.store.ListLoans(ctx, f)
}

// mutateLoan locks the loan, applies fn and persists the result, all in one
// transaction.
func (s *Service) mutateLoan(ctx context.Context, op string, id uuid.UUID, fn func(tx store.Tx, l *models.Loan, now time.Time) error) (*models.Loan, error) {
	now := s.clock()
	var out *models.Loan
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLoan(ctx, id)
		if err != nil {
			return err
		}
		if l.DeletedAt != nil {
			return errs.NotFound("loan", id.String())
		}
		if err := fn(tx, l, now); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	metrics.LoanTransitions.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("loan operation rejected", zap.String("operation", op), zap.String("loan_id", id.String()), zap.Error(err))
		return nil, err
	}
	s.logger.Info("loan updated", zap.String("operation", op), zap.String("loan_id", id.String()), zap.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) notifyLoan(ctx context.Context, typ notify.EventType, l *models.Loan, fields map[string]string) {
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Type:      typ,
		Recipient: l.BorrowerID,
		SubjectID: l.LoanNumber,
		Fields:    fields,
	})
}

func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.mutateLoan(ctx, "submit", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.Submit(now)
	})
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, by string) (*models.Loan, error) {
	l, err := s.mutateLoan(ctx, "approve", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.Approve(by, now)
	})
	if err == nil {
		s.notifyLoan(ctx, notify.EventLoanApproved, l, map[string]string{"approved_by": by})
	}
	return l, err
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason, by string) (*models.Loan, error) {
	l, err := s.mutateLoan(ctx, "reject", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.Reject(reason, by, now)
	})
	if err == nil {
		s.notifyLoan(ctx, notify.EventLoanRejected, l, map[string]string{"reason": reason})
	}
	return l, err
}

// Disburse moves an approved loan into FUNDING and fixes its repayment window.
func (s *Service) Disburse(ctx context.Context, id uuid.UUID, date time.Time) (*models.Loan, error) {
	l, err := s.mutateLoan(ctx, "disburse", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.Disburse(date.UTC(), now)
	})
	if err == nil {
		s.notifyLoan(ctx, notify.EventLoanDisbursed, l, map[string]string{
			"first_repayment_date": l.FirstRepaymentDate.Format(time.DateOnly),
		})
	}
	return l, err
}

// Activate starts repayment and generates the installment schedule in the
// same transaction.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := s.mutateLoan(ctx, "activate", id, func(tx store.Tx, l *models.Loan, now time.Time) error {
		if err := l.Activate(now); err != nil {
			return err
		}
		schedule, err := models.BuildSchedule(l, s.policy, now)
		if err != nil {
			return err
		}
		return tx.CreateRepayments(ctx, schedule)
	})
	if err == nil {
		s.notifyLoan(ctx, notify.EventLoanActivated, l, map[string]string{
			"monthly_installment": l.MonthlyInstallment.StringFixed(2),
		})
	}
	return l, err
}

func (s *Service) MarkAsDefaulted(ctx context.Context, id uuid.UUID, reason string) (*models.Loan, error) {
	l, err := s.mutateLoan(ctx, "default", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.MarkAsDefaulted(reason, now)
	})
	if err == nil {
		s.notifyLoan(ctx, notify.EventLoanDefaulted, l, map[string]string{"reason": reason})
	}
	return l, err
}

// WriteOff retires a defaulted loan and writes off every installment that
// still expects money.
func (s *Service) WriteOff(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.mutateLoan(ctx, "write_off", id, func(tx store.Tx, l *models.Loan, now time.Time) error {
		if err := l.WriteOff(now); err != nil {
			return err
		}
		open, err := openInstallments(ctx, tx, l.ID)
		if err != nil {
			return err
		}
		for _, r := range open {
			if err := r.WriteOff("loan written off", now); err != nil {
				return err
			}
			if err := tx.UpdateRepayment(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// RestructureRequest carries the replacement terms of a loan.
type RestructureRequest struct {
	Principal    decimal.Decimal `json:"principal"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TenureMonths int             `json:"tenure_months"`
}

// Restructure replaces the loan terms. Untouched future installments are
// cancelled and a new schedule is appended, first due one repayment offset
// after now. The new schedule amortizes only what the borrower still owes
// beyond the installments that remain open.
func (s *Service) Restructure(ctx context.Context, id uuid.UUID, req RestructureRequest) (*models.Loan, error) {
	return s.mutateLoan(ctx, "restructure", id, func(tx store.Tx, l *models.Loan, now time.Time) error {
		existing, err := listAllRepayments(ctx, tx, store.RepaymentFilter{LoanID: &l.ID})
		if err != nil {
			return err
		}
		carried := decimal.Zero
		for _, r := range existing {
			switch {
			case r.AmountPaid.IsZero() && (r.Status == models.RepaymentStatusPending || r.Status == models.RepaymentStatusDue):
				if err := r.Cancel("loan restructured", now); err != nil {
					return err
				}
				if err := tx.UpdateRepayment(ctx, r); err != nil {
					return err
				}
			case r.Status != models.RepaymentStatusCancelled && r.Status != models.RepaymentStatusWrittenOff:
				carried = carried.Add(r.RemainingBalance)
			}
		}
		if err := l.Restructure(req.Principal, req.TenureMonths, req.InterestRate, carried, now); err != nil {
			return err
		}

		terms := *l
		terms.Principal = l.RestructureBase(req.Principal, carried)
		first := now.Add(models.FirstRepaymentOffset)
		terms.FirstRepaymentDate = &first
		schedule, err := models.BuildSchedule(&terms, s.policy, now)
		if err != nil {
			return err
		}
		offset := len(existing)
		for _, r := range schedule {
			r.InstallmentNumber += offset
		}
		last := schedule[len(schedule)-1].DueDate
		l.LastRepaymentDate = &last
		return tx.CreateRepayments(ctx, schedule)
	})
}

// SoftDelete hides a loan that carries no live obligations.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutateLoan(ctx, "delete", id, func(_ store.Tx, l *models.Loan, now time.Time) error {
		return l.SoftDelete(now)
	})
	return err
}

// listAllRepayments pages through a filter until it is exhausted.
func listAllRepayments(ctx context.Context, r store.Reader, f store.RepaymentFilter) ([]*models.Repayment, error) {
	f.Page = store.Page{Limit: store.MaxPageSize}
	var out []*models.Repayment
	for {
		page, err := r.ListRepayments(ctx, f)
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

var openStatuses = []models.RepaymentStatus{
	models.RepaymentStatusPending,
	models.RepaymentStatusDue,
	models.RepaymentStatusOverdue,
	models.RepaymentStatusPartiallyPaid,
	models.RepaymentStatusInCollection,
}

func openInstallments(ctx context.Context, r store.Reader, loanID uuid.UUID) ([]*models.Repayment, error) {
	return listAllRepayments(ctx, r, store.RepaymentFilter{LoanID: &loanID, Statuses: openStatuses})
}
