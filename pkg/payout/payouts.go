package payout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request describes money leaving escrow for a recipient.
type Request struct {
	RecipientID     string              `json:"recipient_id"`
	LoanID          *uuid.UUID          `json:"loan_id,omitempty"`
	Amount          decimal.Decimal     `json:"amount"`
	Method          models.PayoutMethod `json:"method"`
	Destination     string              `json:"destination,omitempty"`
	EscrowAccountID *uuid.UUID          `json:"escrow_account_id,omitempty"`
}

func (r Request) transfer() models.Transfer {
	return models.Transfer{
		RecipientID:     r.RecipientID,
		LoanID:          r.LoanID,
		Amount:          r.Amount,
		Method:          r.Method,
		Destination:     r.Destination,
		EscrowAccountID: r.EscrowAccountID,
	}
}

// checkEscrow makes sure a referenced escrow account exists before anything
// is stored against it.
func (w *Workflow) checkEscrow(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	_, err := w.store.GetEscrowAccount(ctx, *id)
	return err
}

// CreatePayout stores a PENDING payout request.
func (w *Workflow) CreatePayout(ctx context.Context, req Request) (*models.PayoutRequest, error) {
	now := w.clock()
	p, err := models.NewPayoutRequest(req.transfer(), now)
	if err == nil {
		err = w.checkEscrow(ctx, req.EscrowAccountID)
	}
	if err == nil {
		err = reference.Assign(w.refs, reference.PrefixPayout, now, func(number string) error {
			p.Number = number
			return w.store.WithTx(ctx, func(tx store.Tx) error {
				return tx.CreatePayout(ctx, p)
			})
		})
	}
	if err != nil {
		metrics.TransferOutcomes.WithLabelValues(payouts.name, metrics.Outcome(err)).Inc()
		w.logger.Warn("payout request rejected", zap.String("recipient_id", req.RecipientID), zap.Error(err))
		return nil, err
	}
	metrics.TransferOutcomes.WithLabelValues(payouts.name, string(p.Status)).Inc()
	w.logger.Info("payout request created",
		zap.String("payout_id", p.ID.String()),
		zap.String("number", p.Number),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("method", string(p.Method)))
	return p, nil
}

func (w *Workflow) GetPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return w.store.GetPayout(ctx, id)
}

func (w *Workflow) ListPayouts(ctx context.Context, f store.PayoutFilter) ([]*models.PayoutRequest, error) {
	return w.store.ListPayouts(ctx, f)
}

func (w *Workflow) ApprovePayout(ctx context.Context, id uuid.UUID, by string) (*models.PayoutRequest, error) {
	return mutate(ctx, w, payouts, "approve", id, func(p *models.PayoutRequest, now time.Time) error {
		return p.Approve(by, now)
	})
}

func (w *Workflow) RejectPayout(ctx context.Context, id uuid.UUID, reason string) (*models.PayoutRequest, error) {
	return mutate(ctx, w, payouts, "reject", id, func(p *models.PayoutRequest, now time.Time) error {
		return p.Reject(reason, now)
	})
}

// CancelPayout stops a request that has not started processing.
func (w *Workflow) CancelPayout(ctx context.Context, id uuid.UUID, reason string) (*models.PayoutRequest, error) {
	return mutate(ctx, w, payouts, "cancel", id, func(p *models.PayoutRequest, now time.Time) error {
		return p.Cancel(reason, now)
	})
}

// ProcessPayout moves an approved request's money. On failure the returned
// request is FAILED and the error says why.
func (w *Workflow) ProcessPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return process(ctx, w, payouts, id)
}

// CompletePayout settles a PROCESSING request from a processor callback.
func (w *Workflow) CompletePayout(ctx context.Context, id uuid.UUID, transactionReference string) (*models.PayoutRequest, error) {
	return complete(ctx, w, payouts, id, transactionReference)
}

// FailPayout records a processor-reported failure of a PROCESSING request.
func (w *Workflow) FailPayout(ctx context.Context, id uuid.UUID, reason string) (*models.PayoutRequest, error) {
	return failRecord(ctx, w, payouts, id, reason)
}
