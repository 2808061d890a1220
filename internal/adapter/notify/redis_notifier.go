package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
)

const publishTimeout = 2 * time.Second

// NumbersChangedEvent is broadcast on the draw channel whenever numbers move state.
type NumbersChangedEvent struct {
	DrawID  string              `json:"draw_id"`
	Status  domain.NumberStatus `json:"status"`
	Numbers []ChangedNumber     `json:"numbers"`
	At      time.Time           `json:"at"`
}

type ChangedNumber struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Series int    `json:"series"`
}

// OrderClosedEvent is broadcast on the buyer's channel when an order leaves pending.
type OrderClosedEvent struct {
	OrderID  string             `json:"order_id"`
	DrawID   string             `json:"draw_id"`
	Status   domain.OrderStatus `json:"status"`
	TicketID string             `json:"ticket_id,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	At       time.Time          `json:"at"`
}

func DrawChannel(drawID string) string {
	return fmt.Sprintf("lottery:draw:%s:numbers", drawID)
}

func UserChannel(userID string) string {
	return fmt.Sprintf("lottery:user:%s:orders", userID)
}

func numbersChanged(drawID string, status domain.NumberStatus, numbers []domain.NumberRecord) NumbersChangedEvent {
	evt := NumbersChangedEvent{DrawID: drawID, Status: status, At: time.Now().UTC()}
	evt.Numbers = make([]ChangedNumber, 0, len(numbers))
	for _, n := range numbers {
		evt.Numbers = append(evt.Numbers, ChangedNumber{ID: n.ID, Number: n.Number, Series: n.Series})
	}
	return evt
}

func orderClosed(order domain.Order) OrderClosedEvent {
	return OrderClosedEvent{
		OrderID:  order.OrderID,
		DrawID:   order.DrawID,
		Status:   order.Status,
		TicketID: order.TicketID,
		Reason:   order.CancelReason,
		At:       time.Now().UTC(),
	}
}

// RedisNotifier PUBLISHes JSON events for live subscribers. Failures are logged.
type RedisNotifier struct {
	client redis.UniversalClient
}

func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) NumbersChanged(ctx context.Context, drawID string, status domain.NumberStatus, numbers []domain.NumberRecord) {
	if len(numbers) == 0 {
		return
	}
	n.publish(ctx, DrawChannel(drawID), numbersChanged(drawID, status, numbers))
}

func (n *RedisNotifier) OrderClosed(ctx context.Context, order domain.Order) {
	n.publish(ctx, UserChannel(order.UserID), orderClosed(order))
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.WarnCtx(ctx, "marshal notification failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		logger.WarnCtx(ctx, "publish notification failed", zap.String("channel", channel), zap.Error(err))
	}
}

// LogNotifier writes notifications to the log when no broadcast channel is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (LogNotifier) NumbersChanged(ctx context.Context, drawID string, status domain.NumberStatus, numbers []domain.NumberRecord) {
	if len(numbers) == 0 {
		return
	}
	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		ids = append(ids, n.ID)
	}
	logger.InfoCtx(ctx, "numbers changed",
		zap.String("drawId", drawID),
		zap.String("status", string(status)),
		zap.Strings("numberIds", ids))
}

func (LogNotifier) OrderClosed(ctx context.Context, order domain.Order) {
	logger.InfoCtx(ctx, "order closed",
		zap.String("orderId", order.OrderID),
		zap.String("userId", order.UserID),
		zap.String("status", string(order.Status)),
		zap.String("reason", order.CancelReason))
}
