package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically reclaims stock held by reservations past their expiry.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweeper(l *Ledger, interval time.Duration, batch int, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{ledger: l, interval: interval, batch: batch, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("expiry sweeper started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep drains due reservations batch by batch. It stops early when a batch made no
// progress so rows that keep failing are retried on the next tick, not in a tight loop.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	var total SweepResult
	for ctx.Err() == nil {
		res, err := s.ledger.ExpireDue(ctx, s.batch)
		if err != nil {
			s.log.Error("sweep failed", zap.Error(err))
			break
		}
		total.Scanned += res.Scanned
		total.Expired += res.Expired
		total.Failed += res.Failed
		if res.Scanned < s.batch || res.Expired == 0 {
			break
		}
	}
	s.ledger.metrics.ObserveSweep(time.Since(start).Seconds())
	if total.Scanned > 0 {
		s.log.Info("sweep finished",
			zap.Int("scanned", total.Scanned),
			zap.Int("expired", total.Expired),
			zap.Int("failed", total.Failed))
	}
	return total
}
