package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/metrics"
	"github.com/rl1809/lottery-saga/internal/port"
	"github.com/rl1809/lottery-saga/internal/retry"
)

// Handler runs a fired job. An error puts the trigger back for another attempt.
type Handler func(ctx context.Context, job domain.ScheduledJob) error

type Config struct {
	Instance         string
	Tick             time.Duration
	BatchSize        int
	MisfireThreshold time.Duration
	RetryDelay       time.Duration
	OrphanAfter      time.Duration
	Provision        retry.Backoff
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = 2 * time.Minute
	}
	if c.Provision.Attempts <= 0 {
		c.Provision = retry.Backoff{Attempts: 5, Base: time.Second, Max: 30 * time.Second}
	}
	return c
}

// Scheduler fires persisted one-shot jobs. Jobs survive restarts because
// triggers live in the store and are acquired under its cluster lock.
type Scheduler struct {
	store port.TriggerStore
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	degraded atomic.Bool
}

func New(store port.TriggerStore, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Provision creates the job store with bounded backoff. On exhaustion the
// scheduler is marked degraded instead of taking the process down.
func (s *Scheduler) Provision(ctx context.Context) error {
	err := s.cfg.Provision.Do(ctx, s.store.Provision, func(attempt int, err error, wait time.Duration) {
		logger.Warn("scheduler provisioning failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		s.degraded.Store(true)
		logger.Error("scheduler provisioning exhausted, timeouts disabled",
			zap.Bool("fatal", true),
			zap.Error(err))
		return fmt.Errorf("provision scheduler: %w", err)
	}
	s.degraded.Store(false)
	logger.Info("scheduler provisioned", zap.String("instance", s.cfg.Instance))
	return nil
}

func (s *Scheduler) Degraded() bool {
	return s.degraded.Load()
}

// Handle registers the handler for every job of group.
func (s *Scheduler) Handle(group string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[group] = h
}

func (s *Scheduler) handler(group string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[group]
	return h, ok
}

func (s *Scheduler) Schedule(ctx context.Context, job domain.ScheduledJob) error {
	if s.Degraded() {
		return domain.ErrSchedulerUnavailable
	}
	if job.Misfire == "" {
		job.Misfire = domain.MisfireFireNow
	}
	if err := s.store.Schedule(ctx, job); err != nil {
		return fmt.Errorf("schedule %s/%s: %w", job.Group, job.Name, err)
	}
	return nil
}

func (s *Scheduler) Unschedule(ctx context.Context, group, name string) (bool, error) {
	if s.Degraded() {
		return false, domain.ErrSchedulerUnavailable
	}
	removed, err := s.store.Unschedule(ctx, group, name)
	if err != nil {
		return false, fmt.Errorf("unschedule %s/%s: %w", group, name, err)
	}
	return removed, nil
}

// RecoverOrphans hands triggers held by dead instances back to the pool.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := s.store.RecoverOrphans(ctx, s.now().Add(-s.cfg.OrphanAfter))
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	if n > 0 {
		logger.Warn("recovered orphaned triggers", zap.Int("count", n))
	}
	return n, nil
}

// Tick acquires and fires one batch of due jobs and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	jobs, err := s.store.AcquireDue(ctx, s.cfg.Instance, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("acquire due triggers: %w", err)
	}

	fired := 0
	for _, job := range jobs {
		if s.fire(ctx, job, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, job domain.ScheduledJob, now time.Time) bool {
	fields := []zap.Field{
		zap.String("group", job.Group),
		zap.String("job", job.Name),
		zap.Time("fireAt", job.FireAt),
	}

	if job.Misfire == domain.MisfireDiscard && now.Sub(job.FireAt) > s.cfg.MisfireThreshold {
		metrics.RecordSchedulerFire("misfire_discarded")
		logger.Warn("misfired trigger discarded", fields...)
		if err := s.store.Complete(ctx, job); err != nil {
			logger.Error("complete discarded trigger failed", append(fields, zap.Error(err))...)
		}
		return false
	}

	h, ok := s.handler(job.Group)
	if !ok {
		metrics.RecordSchedulerFire("failed")
		logger.Error("no handler for job group", fields...)
		s.retry(ctx, job, now, fields)
		return false
	}

	if err := h(ctx, job); err != nil {
		metrics.RecordSchedulerFire("failed")
		logger.Error("job failed", append(fields, zap.Int("attempts", job.Attempts), zap.Error(err))...)
		s.retry(ctx, job, now, fields)
		return false
	}

	if err := s.store.Complete(ctx, job); err != nil {
		// left ACQUIRED, orphan recovery fires it again
		logger.Error("complete trigger failed", append(fields, zap.Error(err))...)
	}
	metrics.RecordSchedulerFire("fired")
	return true
}

func (s *Scheduler) retry(ctx context.Context, job domain.ScheduledJob, now time.Time, fields []zap.Field) {
	if err := s.store.Retry(ctx, job, now.Add(s.cfg.RetryDelay)); err != nil {
		logger.Error("retry trigger failed", append(fields, zap.Error(err))...)
	}
}

// Start recovers orphans and then ticks until ctx is done. It is a no-op while degraded.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) {
	if s.Degraded() {
		logger.Warn("scheduler degraded, not starting", zap.String("instance", s.cfg.Instance))
		return
	}
	if _, err := s.RecoverOrphans(ctx); err != nil {
		logger.Error("orphan recovery failed", zap.Error(err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()

		logger.Info("scheduler started",
			zap.String("instance", s.cfg.Instance),
			zap.Duration("tick", s.cfg.Tick))
		for {
			select {
			case <-ctx.Done():
				logger.Info("scheduler stopped", zap.String("instance", s.cfg.Instance))
				return
			case <-ticker.C:
				for {
					n, err := s.Tick(ctx)
					if err != nil {
						logger.Error("scheduler tick failed", zap.Error(err))
						break
					}
					if n < s.cfg.BatchSize || ctx.Err() != nil {
						break
					}
				}
			}
		}
	}()
}
