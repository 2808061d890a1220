package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/port"
)

const (
	OrderExpirationGroup = "order-expiration"
	orderTimeoutPrefix   = "order-timeout-"
)

var timeoutNamespace = uuid.MustParse("0b8f6c2e-91d4-4a57-b3e0-5c7a1f2d9e48")

func OrderTimeoutJob(orderID string) string {
	return orderTimeoutPrefix + orderID
}

// OrderTimeouts arms one expiration job per order on the scheduler.
type OrderTimeouts struct {
	sched *Scheduler
}

func NewOrderTimeouts(sched *Scheduler, pub port.Publisher) *OrderTimeouts {
	sched.Handle(OrderExpirationGroup, PublishTimeout(pub))
	return &OrderTimeouts{sched: sched}
}

func (t *OrderTimeouts) Schedule(ctx context.Context, orderID string, fireAt time.Time) error {
	payload, err := json.Marshal(domain.OrderTimeout{OrderID: orderID})
	if err != nil {
		return err
	}
	return t.sched.Schedule(ctx, domain.ScheduledJob{
		Group:   OrderExpirationGroup,
		Name:    OrderTimeoutJob(orderID),
		Payload: payload,
		FireAt:  fireAt,
		Misfire: domain.MisfireFireNow,
	})
}

func (t *OrderTimeouts) Cancel(ctx context.Context, orderID string) error {
	_, err := t.sched.Unschedule(ctx, OrderExpirationGroup, OrderTimeoutJob(orderID))
	return err
}

// PublishTimeout emits OrderTimeout for a fired job. Refires of the same
// trigger share a message id so consumers drop the repeats.
func PublishTimeout(pub port.Publisher) Handler {
	return func(ctx context.Context, job domain.ScheduledJob) error {
		var evt domain.OrderTimeout
		if err := json.Unmarshal(job.Payload, &evt); err != nil || evt.OrderID == "" {
			evt.OrderID = strings.TrimPrefix(job.Name, orderTimeoutPrefix)
		}
		id := uuid.NewSHA1(timeoutNamespace, []byte(job.Name+"@"+strconv.FormatInt(job.FireAt.UnixMilli(), 10))).String()

		msg, err := domain.NewMessageWithID(id, domain.TopicOrderTimeout, evt.OrderID, evt)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish order timeout: %w", err)
		}
		return nil
	}
}
