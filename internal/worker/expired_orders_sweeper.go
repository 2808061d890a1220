package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/logger"
)

type OrderExpirer interface {
	ExpireOverdue(ctx context.Context, grace time.Duration, limit int) (int, error)
}

type SweeperConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// ExpiredOrderSweeper expires pending orders whose timeout never fired.
type ExpiredOrderSweeper struct {
	orders OrderExpirer
	cfg    SweeperConfig
}

func NewExpiredOrderSweeper(orders OrderExpirer, cfg SweeperConfig) *ExpiredOrderSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ExpiredOrderSweeper{orders: orders, cfg: cfg}
}

func (s *ExpiredOrderSweeper) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce expires batches until a short one comes back.
func (s *ExpiredOrderSweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := s.orders.ExpireOverdue(ctx, s.cfg.Grace, s.cfg.BatchSize)
		if err != nil {
			logger.Warn("sweeper: expire overdue failed", zap.Error(err))
			break
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		logger.Info("sweeper: expired overdue orders", zap.Int("expired", total))
	}
	return total
}
