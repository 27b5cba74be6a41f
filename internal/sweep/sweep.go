// Package sweep runs the reconciler on a fixed interval.
package sweep

import (
	"context"
	"time"

	"atelier/internal/engine"
	"atelier/internal/engine/auth"

	"go.uber.org/zap"
)

// Reconciler is the engine operation a sweep drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context, actor auth.Actor) (engine.ReconcileReport, error)
}

type Sweeper struct {
	Reconciler Reconciler
	Interval   time.Duration
	Logger     *zap.Logger
	// OnRun is called after every sweep when set.
	OnRun func(engine.ReconcileReport, error)
}

// Run sweeps once per interval until ctx is done. The first sweep happens
// after one interval.
func (s Sweeper) Run(ctx context.Context) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Interval <= 0 {
		logger.Warn("sweep: non-positive interval, not starting")
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	logger.Info("sweep started", zap.Duration("interval", s.Interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep stopped")
			return
		case <-ticker.C:
			report, err := s.Reconciler.ReconcileAll(ctx, auth.System())
			if err != nil && ctx.Err() == nil {
				logger.Error("sweep failed", zap.Error(err))
			}
			if s.OnRun != nil {
				s.OnRun(report, err)
			}
		}
	}
}
