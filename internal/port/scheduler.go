package port

import (
	"context"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

type TimeoutScheduler interface {
	// Schedule arms or re-arms the order's timeout
	Schedule(ctx context.Context, orderID string, fireAt time.Time) error
	Cancel(ctx context.Context, orderID string) error
}

type TriggerStore interface {
	// Provision creates the job-store schema; safe to re-run
	Provision(ctx context.Context) error

	// Schedule upserts the job and resets its trigger to waiting
	Schedule(ctx context.Context, job domain.ScheduledJob) error
	Unschedule(ctx context.Context, group, name string) (bool, error)
	Get(ctx context.Context, group, name string) (*domain.ScheduledJob, error)

	// AcquireDue marks up to limit due triggers as acquired by instance
	AcquireDue(ctx context.Context, instance string, now time.Time, limit int) ([]domain.ScheduledJob, error)

	// Complete removes a fired job unless it was rescheduled meanwhile
	Complete(ctx context.Context, job domain.ScheduledJob) error

	// Retry puts an acquired trigger back to waiting at nextFireAt
	Retry(ctx context.Context, job domain.ScheduledJob, nextFireAt time.Time) error

	// RecoverOrphans releases triggers acquired before the cutoff by instances that died
	RecoverOrphans(ctx context.Context, acquiredBefore time.Time) (int, error)
}
