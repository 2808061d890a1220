package port

import (
	"context"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

// MessageHandler returning an error leaves the message unacknowledged for redelivery.
type MessageHandler func(ctx context.Context, msg domain.Message) error

type Publisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

type Subscriber interface {
	// Subscribe starts consuming topic as a member of group until ctx is done
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error
}

type EventBus interface {
	Publisher
	Subscriber
	Close() error
}

type Outbox interface {
	ListPending(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastErr string) error
}
