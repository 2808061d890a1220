package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/metrics"
	"github.com/rl1809/lottery-saga/internal/port"
)

// ErrInFlight leaves a message unacknowledged while another consumer works on it.
var ErrInFlight = errors.New("message is being handled by another consumer")

const (
	claimTTL = 2 * time.Minute
	doneTTL  = 24 * time.Hour
)

// Deduplicate runs handler at most once per message id within group.
func Deduplicate(store port.IdempotencyStore, group string, handler port.MessageHandler) port.MessageHandler {
	return func(ctx context.Context, msg domain.Message) error {
		ctx = logger.WithTraceID(ctx, msg.ID)
		key := group + ":" + msg.ID

		state, err := store.Claim(ctx, key, claimTTL)
		if err != nil {
			return fmt.Errorf("claim %s: %w", key, err)
		}
		switch state {
		case port.ClaimDone:
			metrics.RecordSagaMessage(msg.Topic, group, "duplicate")
			logger.DebugCtx(ctx, "duplicate message skipped", zap.String("topic", msg.Topic))
			return nil
		case port.ClaimInFlight:
			metrics.RecordSagaMessage(msg.Topic, group, "in_flight")
			return ErrInFlight
		}

		if err := handler(ctx, msg); err != nil {
			if aerr := store.Abandon(ctx, key); aerr != nil {
				logger.WarnCtx(ctx, "release claim failed", zap.String("key", key), zap.Error(aerr))
			}
			metrics.RecordSagaMessage(msg.Topic, group, "failed")
			logger.ErrorCtx(ctx, "saga handler failed",
				zap.String("topic", msg.Topic),
				zap.String("group", group),
				zap.Error(err))
			return err
		}

		if err := store.Complete(ctx, key, doneTTL); err != nil {
			// the handler is idempotent, a redelivery only repeats a no-op
			logger.WarnCtx(ctx, "mark message done failed", zap.String("key", key), zap.Error(err))
		}
		metrics.RecordSagaMessage(msg.Topic, group, "handled")
		return nil
	}
}

// decode acks poison messages: a payload that does not parse never will.
func decode[T any](ctx context.Context, msg domain.Message) (T, bool) {
	var evt T
	if err := msg.Decode(&evt); err != nil {
		logger.ErrorCtx(ctx, "dropping undecodable message",
			zap.String("topic", msg.Topic),
			zap.ByteString("payload", msg.Payload),
			zap.Error(err))
		return evt, false
	}
	return evt, true
}
