package port

import (
	"context"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

// Notifier is a one-way broadcast sink; failures are logged, never returned.
type Notifier interface {
	NumbersChanged(ctx context.Context, drawID string, status domain.NumberStatus, numbers []domain.NumberRecord)
	OrderClosed(ctx context.Context, order domain.Order)
}
