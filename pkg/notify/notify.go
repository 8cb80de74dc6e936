// Package notify delivers fire-and-forget notifications about servicing
// events. A failed notification never affects the financial operation that
// raised it.
package notify

import (
	"context"

	"go.uber.org/zap"
)

type EventType string

const (
	EventLoanApproved        EventType = "loan.approved"
	EventLoanRejected        EventType = "loan.rejected"
	EventLoanDisbursed       EventType = "loan.disbursed"
	EventLoanActivated       EventType = "loan.activated"
	EventLoanCompleted       EventType = "loan.completed"
	EventLoanDefaulted       EventType = "loan.defaulted"
	EventPaymentReceived     EventType = "repayment.payment_received"
	EventRepaymentOverdue    EventType = "repayment.overdue"
	EventEscrowFrozen        EventType = "escrow.frozen"
	EventPayoutCompleted     EventType = "payout.completed"
	EventPayoutFailed        EventType = "payout.failed"
	EventDisbursementSettled EventType = "disbursement.completed"
	EventDisbursementFailed  EventType = "disbursement.failed"
)

// Event is one notification.
type Event struct {
	Type      EventType
	Recipient string
	SubjectID string
	Fields    map[string]string
}

// Dispatcher sends notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// Send dispatches e and only logs a failure.
func Send(ctx context.Context, d Dispatcher, logger *zap.Logger, e Event) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, e); err != nil {
		logger.Warn("notification dispatch failed",
			zap.String("event", string(e.Type)), zap.String("subject_id", e.SubjectID), zap.Error(err))
	}
}

// LogDispatcher writes notifications to the log instead of delivering them.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("notify")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, e Event) error {
	fields := make([]zap.Field, 0, len(e.Fields)+3)
	fields = append(fields,
		zap.String("event", string(e.Type)),
		zap.String("recipient", e.Recipient),
		zap.String("subject_id", e.SubjectID))
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	d.logger.Info("notification", fields...)
	return nil
}
