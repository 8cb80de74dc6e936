package processor

import (
	"context"
	"errors"
	"time"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker and per-call timeout.
type BreakerConfig struct {
	Name                string
	CallTimeout         time.Duration
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Breaker decorates a PaymentProcessor with a per-call timeout, a circuit
// breaker and error normalization: every failure, including a FAILED
// result, comes back as an EXTERNAL_PROCESSOR error. Only transport errors
// and timeouts count toward tripping the breaker; a decline is a gateway
// that answered.
type Breaker struct {
	next    PaymentProcessor
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger
}

// declined carries a FAILED gateway answer through the breaker.
type declined struct {
	message string
	cause   error
}

func (d *declined) Error() string { return "gateway declined: " + d.message }

func (d *declined) Unwrap() error { return d.cause }

func isDecline(err error) bool {
	var d *declined
	return errors.As(err, &d)
}

func NewBreaker(next PaymentProcessor, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "payment-processor"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	b := &Breaker{next: next, timeout: cfg.CallTimeout, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		IsSuccessful: func(err error) bool {
			return err == nil || isDecline(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("processor circuit breaker changed state",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// State reports the breaker state for health checks.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) call(ctx context.Context, op string, fn func(ctx context.Context) (Result, error)) (Result, error) {
	start := time.Now()
	out, err := b.cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		res, err := fn(callCtx)
		if res.Status == StatusFailed {
			d := &declined{message: res.Message, cause: err}
			if d.message == "" && err != nil {
				d.message = err.Error()
			}
			return res, d
		}
		return res, err
	})
	metrics.ProcessorLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.logger.Warn("processor call rejected by circuit breaker", zap.String("operation", op), zap.Error(err))
		}
		outcome := "error"
		if isDecline(err) {
			outcome = "declined"
		}
		metrics.ProcessorCalls.WithLabelValues(op, outcome).Inc()
		var res Result
		if r, ok := out.(Result); ok {
			res = r
		}
		return res, errs.ExternalProcessor(op, err)
	}
	metrics.ProcessorCalls.WithLabelValues(op, "ok").Inc()
	return out.(Result), nil
}

func (b *Breaker) ProcessPayment(ctx context.Context, p Payment) (Result, error) {
	return b.call(ctx, "process payment", func(ctx context.Context) (Result, error) {
		return b.next.ProcessPayment(ctx, p)
	})
}

func (b *Breaker) ProcessPayout(ctx context.Context, p Payout) (Result, error) {
	return b.call(ctx, "process payout", func(ctx context.Context) (Result, error) {
		return b.next.ProcessPayout(ctx, p)
	})
}

func (b *Breaker) RefundPayment(ctx context.Context, referenceID string, amount decimal.Decimal) (Result, error) {
	return b.call(ctx, "refund payment", func(ctx context.Context) (Result, error) {
		return b.next.RefundPayment(ctx, referenceID, amount)
	})
}
