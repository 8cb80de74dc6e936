package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type slowProcessor struct {
	*Sandbox
	delay time.Duration
}

func (s slowProcessor) ProcessPayout(ctx context.Context, p Payout) (Result, error) {
	select {
	case <-time.After(s.delay):
		return s.Sandbox.ProcessPayout(ctx, p)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// unreachable fails every payout before the gateway can answer.
type unreachable struct {
	calls int
}

func (u *unreachable) ProcessPayment(context.Context, Payment) (Result, error) {
	u.calls++
	return Result{}, errors.New("connection refused")
}

func (u *unreachable) ProcessPayout(context.Context, Payout) (Result, error) {
	u.calls++
	return Result{}, errors.New("connection refused")
}

func (u *unreachable) RefundPayment(context.Context, string, decimal.Decimal) (Result, error) {
	u.calls++
	return Result{}, errors.New("connection refused")
}

func newTestBreaker(next PaymentProcessor) *Breaker {
	return NewBreaker(next, BreakerConfig{
		Name:                "test-" + time.Now().Format("150405.000000000"),
		CallTimeout:         50 * time.Millisecond,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}, zap.NewNop())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := newTestBreaker(NewSandbox())

	res, err := b.ProcessPayment(context.Background(), Payment{Reference: "r1", PayerID: "p", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NotEmpty(t, res.ReferenceID)

	refund, err := b.RefundPayment(context.Background(), res.ReferenceID, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, refund.Status)
}

func TestBreakerNormalizesFailures(t *testing.T) {
	sb := NewSandbox()
	b := newTestBreaker(sb)

	_, err := b.RefundPayment(context.Background(), "unknown", decimal.NewFromInt(1))
	require.ErrorIs(t, err, errs.ErrExternalProcessor, "a FAILED result is an error")

	sb.Decline = func(string, decimal.Decimal) error { return errors.New("insufficient float") }
	_, err = b.ProcessPayout(context.Background(), Payout{Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, errs.ErrExternalProcessor)
	assert.Contains(t, err.Error(), "insufficient float")
}

func TestBreakerTimesOutSlowCalls(t *testing.T) {
	b := newTestBreaker(slowProcessor{Sandbox: NewSandbox(), delay: time.Second})

	_, err := b.ProcessPayout(context.Background(), Payout{Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, errs.ErrExternalProcessor)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	gw := &unreachable{}
	b := newTestBreaker(gw)

	for i := 0; i < 3; i++ {
		_, err := b.ProcessPayout(context.Background(), Payout{Amount: decimal.NewFromInt(1)})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), b.State())

	_, err := b.ProcessPayout(context.Background(), Payout{Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, errs.ErrExternalProcessor)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, gw.calls, "an open breaker does not reach the gateway")
}

func TestBreakerStaysClosedOnDeclines(t *testing.T) {
	sb := NewSandbox()
	sb.Decline = func(string, decimal.Decimal) error { return errors.New("card declined") }
	b := newTestBreaker(sb)

	for i := 0; i < 5; i++ {
		res, err := b.ProcessPayment(context.Background(), Payment{Reference: "r", PayerID: "p", Amount: decimal.NewFromInt(1)})
		require.ErrorIs(t, err, errs.ErrExternalProcessor)
		assert.Equal(t, StatusFailed, res.Status)
	}
	for i := 0; i < 5; i++ {
		_, err := b.RefundPayment(context.Background(), "unknown", decimal.NewFromInt(1))
		require.ErrorIs(t, err, errs.ErrExternalProcessor)
	}
	assert.Equal(t, gobreaker.StateClosed.String(), b.State())
	assert.Len(t, sb.Calls(), 10, "declined calls still reach the gateway")
}
