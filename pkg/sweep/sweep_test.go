package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRunIsolatesFailures(t *testing.T) {
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
	}
	bad, panicky := ids[3], ids[7]

	report := Run(context.Background(), "test", ids, 3, zap.NewNop(), func(_ context.Context, id uuid.UUID) error {
		switch id {
		case bad:
			return errors.New("boom")
		case panicky:
			panic("unexpected")
		}
		return nil
	})

	assert.Equal(t, 10, report.Processed)
	assert.Equal(t, 8, report.Succeeded)
	assert.Len(t, report.Failed, 2)
	assert.EqualError(t, report.Failed[bad], "boom")
	assert.Contains(t, report.Failed[panicky].Error(), "panic recovered")
}

func TestRunBoundsConcurrency(t *testing.T) {
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
	}
	var inFlight, peak atomic.Int32

	Run(context.Background(), "bounded", ids, 4, zap.NewNop(), func(context.Context, uuid.UUID) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := Run(ctx, "cancelled", []uuid.UUID{uuid.New()}, 1, zap.NewNop(), func(context.Context, uuid.UUID) error {
		t.Fatal("item should not start")
		return nil
	})
	assert.Zero(t, report.Processed)
}
