package saga

import (
	"context"
	"fmt"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/port"
)

const (
	DrawGroup  = "draw-service"
	OrderGroup = "order-service"
)

type DrawHandler interface {
	ConfirmOrder(ctx context.Context, evt domain.OrderCompleted) error
	ReleaseOrder(ctx context.Context, drawID, orderID string, numberIDs []string, onlyListed bool) (int, error)
}

type OrderHandler interface {
	HandleNumbersReserved(ctx context.Context, evt domain.NumbersReserved) error
	ExpireOrder(ctx context.Context, orderID string) (bool, error)
}

// DrawConsumers applies order outcomes to the number pool.
type DrawConsumers struct {
	draws DrawHandler
	idem  port.IdempotencyStore
}

func NewDrawConsumers(draws DrawHandler, idem port.IdempotencyStore) *DrawConsumers {
	return &DrawConsumers{draws: draws, idem: idem}
}

func (c *DrawConsumers) Register(ctx context.Context, sub port.Subscriber) error {
	return subscribeAll(ctx, sub, DrawGroup, c.idem, map[string]port.MessageHandler{
		domain.TopicOrderCompleted: c.onCompleted,
		domain.TopicOrderCancelled: c.onCancelled,
		domain.TopicOrderExpired:   c.onExpired,
	})
}

func (c *DrawConsumers) onCompleted(ctx context.Context, msg domain.Message) error {
	evt, ok := decode[domain.OrderCompleted](ctx, msg)
	if !ok {
		return nil
	}
	return c.draws.ConfirmOrder(ctx, evt)
}

func (c *DrawConsumers) onCancelled(ctx context.Context, msg domain.Message) error {
	evt, ok := decode[domain.OrderCancelled](ctx, msg)
	if !ok {
		return nil
	}
	_, err := c.draws.ReleaseOrder(ctx, evt.DrawID, evt.OrderID, evt.NumberIDs, evt.OnlyListed)
	return err
}

func (c *DrawConsumers) onExpired(ctx context.Context, msg domain.Message) error {
	evt, ok := decode[domain.OrderExpired](ctx, msg)
	if !ok {
		return nil
	}
	_, err := c.draws.ReleaseOrder(ctx, evt.DrawID, evt.OrderID, evt.NumberIDs, false)
	return err
}

// OrderConsumers turns reservations and timeout fires into order transitions.
type OrderConsumers struct {
	orders OrderHandler
	idem   port.IdempotencyStore
}

func NewOrderConsumers(orders OrderHandler, idem port.IdempotencyStore) *OrderConsumers {
	return &OrderConsumers{orders: orders, idem: idem}
}

func (c *OrderConsumers) Register(ctx context.Context, sub port.Subscriber) error {
	return subscribeAll(ctx, sub, OrderGroup, c.idem, map[string]port.MessageHandler{
		domain.TopicNumbersReserved: c.onNumbersReserved,
		domain.TopicOrderTimeout:    c.onTimeout,
	})
}

func (c *OrderConsumers) onNumbersReserved(ctx context.Context, msg domain.Message) error {
	evt, ok := decode[domain.NumbersReserved](ctx, msg)
	if !ok {
		return nil
	}
	return c.orders.HandleNumbersReserved(ctx, evt)
}

func (c *OrderConsumers) onTimeout(ctx context.Context, msg domain.Message) error {
	evt, ok := decode[domain.OrderTimeout](ctx, msg)
	if !ok {
		return nil
	}
	_, err := c.orders.ExpireOrder(ctx, evt.OrderID)
	return err
}

func subscribeAll(ctx context.Context, sub port.Subscriber, group string, idem port.IdempotencyStore, handlers map[string]port.MessageHandler) error {
	for topic, h := range handlers {
		if err := sub.Subscribe(ctx, topic, group, Deduplicate(idem, group, h)); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
		}
	}
	return nil
}
