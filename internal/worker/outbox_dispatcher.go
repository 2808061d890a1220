package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/metrics"
	"github.com/rl1809/lottery-saga/internal/port"
)

const maxErrLen = 240

type OutboxDispatcherConfig struct {
	// Name labels logs and metrics, e.g. draw_outbox
	Name      string
	Interval  time.Duration
	BatchSize int
}

// OutboxDispatcher relays committed outbox rows to the event bus.
type OutboxDispatcher struct {
	outbox port.Outbox
	pub    port.Publisher
	cfg    OutboxDispatcherConfig
}

func NewOutboxDispatcher(outbox port.Outbox, pub port.Publisher, cfg OutboxDispatcherConfig) *OutboxDispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OutboxDispatcher{outbox: outbox, pub: pub, cfg: cfg}
}

// Start polls until ctx is done.
func (d *OutboxDispatcher) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		logger.Info("outbox dispatcher started", zap.String("outbox", d.cfg.Name))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// drain while full batches keep coming
				for {
					n, err := d.DispatchOnce(ctx)
					if err != nil || n < d.cfg.BatchSize || ctx.Err() != nil {
						break
					}
				}
			}
		}
	}()
}

// DispatchOnce publishes one batch of pending rows and returns how many it handled.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	rows, err := d.outbox.ListPending(c, d.cfg.BatchSize)
	cancel()
	if err != nil {
		logger.Warn("outbox: list pending failed", zap.String("outbox", d.cfg.Name), zap.Error(err))
		return 0, err
	}

	for _, r := range rows {
		if err := d.pub.Publish(ctx, r.Message); err != nil {
			metrics.RecordOutboxDispatch(d.cfg.Name, "failed")
			logger.Warn("outbox: publish failed",
				zap.String("outbox", d.cfg.Name),
				zap.Int64("id", r.ID),
				zap.String("topic", r.Message.Topic),
				zap.Int("retry", r.RetryCount+1),
				zap.Error(err))
			if err := d.outbox.MarkFailed(ctx, r.ID, truncateErr(err)); err != nil {
				logger.Warn("outbox: mark failed failed", zap.Int64("id", r.ID), zap.Error(err))
			}
			continue
		}
		metrics.RecordOutboxDispatch(d.cfg.Name, "sent")
		if err := d.outbox.MarkSent(ctx, r.ID); err != nil {
			logger.Warn("outbox: mark sent failed", zap.Int64("id", r.ID), zap.Error(err))
		}
	}
	return len(rows), nil
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > maxErrLen {
		return s[:maxErrLen]
	}
	return s
}
