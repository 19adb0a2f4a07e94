package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically releases held orders whose grace window after
// delivery has elapsed without buyer action. Losing the stage race to a
// concurrent buyer or admin action is expected and silent.
type Sweeper struct {
	svc    *Service
	logger *slog.Logger
}

// NewSweeper creates the auto-release sweeper.
func NewSweeper(svc *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{svc: svc, logger: logger}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.svc.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("auto-release sweeper started",
		slog.Duration("interval", s.svc.cfg.SweepInterval),
		slog.Duration("grace", s.svc.cfg.AutoReleaseGrace))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over held orders.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	orders, err := s.svc.store.ListHeldOrders(ctx, s.svc.cfg.SweepBatchSize)
	if err != nil {
		s.logger.Error("listing held orders", slog.String("error", err.Error()))
		return
	}

	for _, o := range orders {
		if err := s.svc.autoRelease(ctx, o, now); err != nil {
			s.logger.Error("auto-release failed",
				slog.String("order_id", o.OrderID),
				slog.String("error", err.Error()))
		}
	}
}
