// Package payout sends money out of escrow: payout requests to recipients and
// loan disbursements, single or as a scheduled plan of tranches.
//
// Processing follows a fixed order. PROCESSING is persisted first, then the
// escrow withdrawal commits on its own, then the payment processor is called
// with no lock held, and only then is the record completed or failed. An
// escrow debit that precedes a processor failure is not reversed; the failed
// record keeps the id of that debit for reconciliation.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/ledger"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/notify"
	"github.com/mcclellann/loanservicing/pkg/processor"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"go.uber.org/zap"
)

type Workflow struct {
	store       store.Storage
	ledger      *ledger.Ledger
	processor   processor.PaymentProcessor
	refs        reference.Generator
	notifier    notify.Dispatcher
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithConcurrency bounds how many disbursements a sweep processes at once.
func WithConcurrency(n int) Option {
	return func(w *Workflow) { w.concurrency = n }
}

func NewWorkflow(st store.Storage, l *ledger.Ledger, proc processor.PaymentProcessor, refs reference.Generator, n notify.Dispatcher, logger *zap.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		store:       st,
		ledger:      l,
		processor:   proc,
		refs:        refs,
		notifier:    n,
		concurrency: 4,
		logger:      logger.Named("payout"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) clock() time.Time {
	return w.now().UTC()
}

// kind binds the shared processing steps to one record type.
type kind[T any] struct {
	name      string
	lock      func(ctx context.Context, tx store.Tx, id uuid.UUID) (T, error)
	update    func(ctx context.Context, tx store.Tx, v T) error
	base      func(v T) *models.Transfer
	start     func(v T, now time.Time) error
	completed notify.EventType
	failed    notify.EventType
}

// mutate applies fn to a freshly locked record and persists it.
func mutate[T any](ctx context.Context, w *Workflow, k kind[T], op string, id uuid.UUID, fn func(v T, now time.Time) error) (T, error) {
	now := w.clock()
	var out T
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		v, err := k.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(v, now); err != nil {
			return err
		}
		if err := k.update(ctx, tx, v); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		metrics.TransferOutcomes.WithLabelValues(k.name, metrics.Outcome(err)).Inc()
		w.logger.Warn("transfer operation rejected",
			zap.String("kind", k.name), zap.String("operation", op), zap.String("id", id.String()), zap.Error(err))
		var zero T
		return zero, err
	}
	t := k.base(out)
	metrics.TransferOutcomes.WithLabelValues(k.name, string(t.Status)).Inc()
	w.logger.Info("transfer updated",
		zap.String("kind", k.name), zap.String("operation", op),
		zap.String("id", id.String()), zap.String("number", t.Number), zap.String("status", string(t.Status)))
	return out, nil
}

// process runs the processing order for one record. When money movement
// fails the record is left FAILED and returned together with the cause.
func process[T any](ctx context.Context, w *Workflow, k kind[T], id uuid.UUID) (T, error) {
	v, err := mutate(ctx, w, k, "start", id, k.start)
	if err != nil {
		return v, err
	}
	t := k.base(v)

	var escrowRef string
	if t.EscrowAccountID != nil {
		entry, err := w.ledger.Withdraw(ctx, *t.EscrowAccountID, t.Amount, ledger.Entry{
			LoanID:      t.LoanID,
			Description: k.name + " " + t.Number,
		})
		if err != nil {
			return fail(ctx, w, k, id, "escrow withdrawal failed: "+err.Error(), err)
		}
		escrowRef = entry.Reference
		v, err = mutate(context.WithoutCancel(ctx), w, k, "attach", id, func(v T, now time.Time) error {
			return k.base(v).AttachEscrowTransaction(entry.ID, now)
		})
		if err != nil {
			return v, err
		}
		t = k.base(v)
	}

	settledRef := escrowRef
	if t.Method.External() {
		if w.processor == nil {
			return fail(ctx, w, k, id, "no payment processor configured", errs.Validation("no payment processor configured"))
		}
		res, err := w.processor.ProcessPayout(ctx, processor.Payout{
			Reference:   t.Number,
			RecipientID: t.RecipientID,
			Amount:      t.Amount,
			Method:      string(t.Method),
			Destination: t.Destination,
		})
		if err == nil && res.Status == processor.StatusFailed {
			err = errs.ExternalProcessor("process payout", errors.New(res.Message))
		}
		if err != nil {
			return fail(ctx, w, k, id, err.Error(), err)
		}
		if res.Status == processor.StatusPending {
			// Settled later through Complete or Fail.
			w.logger.Info("transfer awaiting processor settlement",
				zap.String("kind", k.name), zap.String("id", id.String()), zap.String("processor_reference", res.ReferenceID))
			return v, nil
		}
		settledRef = res.ReferenceID
	}
	return complete(ctx, w, k, id, settledRef)
}

func complete[T any](ctx context.Context, w *Workflow, k kind[T], id uuid.UUID, settledRef string) (T, error) {
	v, err := mutate(context.WithoutCancel(ctx), w, k, "complete", id, func(v T, now time.Time) error {
		return k.base(v).Complete(settledRef, now)
	})
	if err == nil {
		t := k.base(v)
		notify.Send(ctx, w.notifier, w.logger, notify.Event{
			Type:      k.completed,
			Recipient: t.RecipientID,
			SubjectID: t.Number,
			Fields:    map[string]string{"amount": t.Amount.StringFixed(2), "reference": settledRef},
		})
	}
	return v, err
}

func failRecord[T any](ctx context.Context, w *Workflow, k kind[T], id uuid.UUID, reason string) (T, error) {
	// The money may already have moved; the outcome must be recorded even if
	// the caller has gone away.
	v, err := mutate(context.WithoutCancel(ctx), w, k, "fail", id, func(v T, now time.Time) error {
		return k.base(v).Fail(reason, now)
	})
	if err == nil {
		t := k.base(v)
		notify.Send(ctx, w.notifier, w.logger, notify.Event{
			Type:      k.failed,
			Recipient: t.RecipientID,
			SubjectID: t.Number,
			Fields:    map[string]string{"amount": t.Amount.StringFixed(2), "reason": reason},
		})
	}
	return v, err
}

// fail records the failure and hands back the cause. A failure that cannot be
// recorded leaves the record PROCESSING, which is logged for reconciliation.
func fail[T any](ctx context.Context, w *Workflow, k kind[T], id uuid.UUID, reason string, cause error) (T, error) {
	v, err := failRecord(ctx, w, k, id, reason)
	if err != nil {
		w.logger.Error("could not record transfer failure",
			zap.String("kind", k.name), zap.String("id", id.String()),
			zap.NamedError("cause", cause), zap.Error(err))
	}
	return v, cause
}

var (
	payouts = kind[*models.PayoutRequest]{
		name: "payout",
		lock: func(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.PayoutRequest, error) {
			return tx.LockPayout(ctx, id)
		},
		update: func(ctx context.Context, tx store.Tx, p *models.PayoutRequest) error {
			return tx.UpdatePayout(ctx, p)
		},
		base: func(p *models.PayoutRequest) *models.Transfer { return &p.Transfer },
		start: func(p *models.PayoutRequest, now time.Time) error {
			return p.StartProcessing(now)
		},
		completed: notify.EventPayoutCompleted,
		failed:    notify.EventPayoutFailed,
	}
	disbursements = kind[*models.Disbursement]{
		name: "disbursement",
		lock: func(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Disbursement, error) {
			return tx.LockDisbursement(ctx, id)
		},
		update: func(ctx context.Context, tx store.Tx, d *models.Disbursement) error {
			return tx.UpdateDisbursement(ctx, d)
		},
		base: func(d *models.Disbursement) *models.Transfer { return &d.Transfer },
		start: func(d *models.Disbursement, now time.Time) error {
			return d.StartProcessing(now)
		},
		completed: notify.EventDisbursementSettled,
		failed:    notify.EventDisbursementFailed,
	}
)
