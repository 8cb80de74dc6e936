// Package sweep runs a batch of independent items with bounded concurrency.
// An item's failure, or panic, is recorded against that item and never
// stops the rest of the batch.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Report summarizes one run.
type Report struct {
	Name      string
	Processed int
	Succeeded int
	Failed    map[uuid.UUID]error
}

// Run calls fn for every id, at most limit at a time. It returns once every
// item has finished or ctx is done; items not started by then are left alone.
func Run(ctx context.Context, name string, ids []uuid.UUID, limit int, logger *zap.Logger, fn func(ctx context.Context, id uuid.UUID) error) Report {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if limit < 1 {
		limit = 1
	}
	report := Report{Name: name, Failed: make(map[uuid.UUID]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			err := runItem(ctx, id, fn)
			metrics.SweepItems.WithLabelValues(name, metrics.Outcome(err)).Inc()

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			if err != nil {
				report.Failed[id] = err
				logger.Warn("sweep item failed", zap.String("sweep", name), zap.String("id", id.String()), zap.Error(err))
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	g.Wait()

	logger.Info("sweep finished",
		zap.String("sweep", name),
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("took", time.Since(start)))
	return report
}

func runItem(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, id uuid.UUID) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return fn(ctx, id)
}
