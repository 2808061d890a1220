package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/metrics"
	"github.com/rl1809/lottery-saga/internal/port"
)

// errWindowExtended aborts an expiry when a reservation moved the order's expiry
// forward after it was read.
var errWindowExtended = errors.New("order window extended")

type OrderService struct {
	orders   port.OrderRepository
	timeouts port.TimeoutScheduler
	notifier port.Notifier
	now      func() time.Time
}

func NewOrderService(orders port.OrderRepository, timeouts port.TimeoutScheduler, notifier port.Notifier) *OrderService {
	return &OrderService{
		orders:   orders,
		timeouts: timeouts,
		notifier: notifier,
		now:      time.Now,
	}
}

// HandleNumbersReserved turns a reservation into a pending order, or merges it
// into the order it was made for. Numbers that can no longer join that order
// are handed back through a compensating OrderCancelled.
func (s *OrderService) HandleNumbersReserved(ctx context.Context, evt domain.NumbersReserved) error {
	if evt.OrderCorrelationID == "" || len(evt.NumberIDs) == 0 {
		return fmt.Errorf("%w: empty reservation", domain.ErrInvalidArgument)
	}

	existing, err := s.orders.Get(ctx, evt.OrderCorrelationID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if existing == nil {
		lines := evt.Lines()
		order := domain.Order{
			OrderID:         evt.OrderCorrelationID,
			UserID:          evt.UserID,
			DrawID:          evt.DrawID,
			Status:          domain.OrderStatusPending,
			ExpiresAt:       evt.ExpiresAt,
			TotalAmount:     domain.SumLines(lines),
			Lines:           lines,
			GiftRecipientID: evt.GiftRecipientID,
			CreatedAt:       s.now().UTC(),
		}
		created, err := s.orders.Create(ctx, order)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if created {
			logger.InfoCtx(ctx, "order created",
				zap.String("orderId", order.OrderID),
				zap.String("userId", order.UserID),
				zap.Int("numbers", len(lines)),
				zap.Time("expiresAt", order.ExpiresAt))
			return s.armTimeout(ctx, order.OrderID, order.ExpiresAt)
		}
		// lost a create race with a redelivery
		if existing, err = s.orders.Get(ctx, evt.OrderCorrelationID); err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if existing == nil {
			return fmt.Errorf("order %s: %w", evt.OrderCorrelationID, domain.ErrNotFound)
		}
	}

	return s.mergeReservation(ctx, existing, evt)
}

func (s *OrderService) mergeReservation(ctx context.Context, order *domain.Order, evt domain.NumbersReserved) error {
	var fresh []domain.OrderLine
	for _, l := range evt.Lines() {
		if !order.HasNumber(l.NumberID) {
			fresh = append(fresh, l)
		}
	}

	if order.UserID != evt.UserID {
		return s.compensate(ctx, order, evt, fresh, domain.ReasonOrderNotOwned)
	}

	open := order.Status == domain.OrderStatusPending && !order.Expired(s.now())
	if len(fresh) == 0 {
		// redelivery: everything is already on the order
		if open {
			return s.armTimeout(ctx, order.OrderID, order.ExpiresAt)
		}
		return nil
	}
	if !open {
		return s.compensate(ctx, order, evt, fresh, domain.ReasonOrderNotPending)
	}

	err := s.orders.AddLines(ctx, order.OrderID, fresh, evt.ExpiresAt)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return s.compensate(ctx, order, evt, fresh, domain.ReasonOrderNotPending)
	}
	if err != nil {
		return fmt.Errorf("add order lines: %w", err)
	}

	expiresAt := order.ExpiresAt
	if evt.ExpiresAt.After(expiresAt) {
		expiresAt = evt.ExpiresAt
	}
	logger.InfoCtx(ctx, "numbers added to order",
		zap.String("orderId", order.OrderID),
		zap.Int("added", len(fresh)),
		zap.Time("expiresAt", expiresAt))
	return s.armTimeout(ctx, order.OrderID, expiresAt)
}

// compensate asks the draw side to release only the numbers the order never took.
func (s *OrderService) compensate(ctx context.Context, order *domain.Order, evt domain.NumbersReserved, fresh []domain.OrderLine, reason string) error {
	if len(fresh) == 0 {
		return nil
	}
	ids := make([]string, 0, len(fresh))
	for _, l := range fresh {
		ids = append(ids, l.NumberID)
	}
	msg, err := domain.NewMessage(domain.TopicOrderCancelled, order.OrderID, domain.OrderCancelled{
		OrderID:    order.OrderID,
		DrawID:     evt.DrawID,
		UserID:     evt.UserID,
		NumberIDs:  ids,
		Reason:     reason,
		OnlyListed: true,
	})
	if err != nil {
		return err
	}
	if err := s.orders.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue compensation: %w", err)
	}
	logger.WarnCtx(ctx, "reservation rejected by order",
		zap.String("orderId", order.OrderID),
		zap.String("status", string(order.Status)),
		zap.String("reason", reason),
		zap.Strings("numberIds", ids))
	return nil
}

func (s *OrderService) armTimeout(ctx context.Context, orderID string, fireAt time.Time) error {
	err := s.timeouts.Schedule(ctx, orderID, fireAt)
	if errors.Is(err, domain.ErrSchedulerUnavailable) {
		logger.WarnCtx(ctx, "timeout scheduler degraded, relying on sweeper",
			zap.String("orderId", orderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule timeout: %w", err)
	}
	return nil
}

func (s *OrderService) disarmTimeout(ctx context.Context, orderID string) {
	if err := s.timeouts.Cancel(ctx, orderID); err != nil && !errors.Is(err, domain.ErrSchedulerUnavailable) {
		logger.WarnCtx(ctx, "cancel timeout failed", zap.String("orderId", orderID), zap.Error(err))
	}
}

func (s *OrderService) load(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return order, nil
}

func (s *OrderService) authorize(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return order, nil
}

func notPending(order *domain.Order) error {
	if order.Status == domain.OrderStatusExpired {
		return domain.ErrExpiredState
	}
	return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, order.OrderID, order.Status)
}

// CompleteOrder records payment. Completion after the window closes expires the order instead.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID, userID, transactionID string) (*domain.Order, error) {
	order, err := s.authorize(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, notPending(order)
	}

	now := s.now().UTC()
	if order.Expired(now) {
		_, err := s.expire(ctx, order, now)
		switch {
		case errors.Is(err, errWindowExtended):
			// a reservation joined the order and reopened its window
		case err != nil && !errors.Is(err, domain.ErrStaleTransition):
			return nil, err
		default:
			return nil, domain.ErrExpiredState
		}
	}

	ticketID := uuid.NewString()
	completed, err := s.orders.Transition(ctx, domain.Transition{
		OrderID:       order.OrderID,
		From:          domain.OrderStatusPending,
		To:            domain.OrderStatusCompleted,
		TicketID:      ticketID,
		TransactionID: transactionID,
		At:            now,
	}, func(locked domain.Order) ([]domain.Message, error) {
		return oneMessage(domain.NewMessage(domain.TopicOrderCompleted, locked.OrderID, domain.OrderCompleted{
			OrderID:       locked.OrderID,
			DrawID:        locked.DrawID,
			UserID:        locked.UserID,
			NumberIDs:     locked.NumberIDs(),
			TicketID:      ticketID,
			TransactionID: transactionID,
		}))
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil, s.lostRace(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("complete order: %w", err)
	}

	logger.InfoCtx(ctx, "order completed",
		zap.String("orderId", completed.OrderID),
		zap.String("ticketId", ticketID),
		zap.String("owner", completed.Owner()),
		zap.Int("tickets", len(completed.Lines)))
	s.closed(ctx, completed)
	s.disarmTimeout(ctx, completed.OrderID)
	return completed, nil
}

func oneMessage(msg domain.Message, err error) ([]domain.Message, error) {
	if err != nil {
		return nil, err
	}
	return []domain.Message{msg}, nil
}

// lostRace reports why a transition out of Pending failed.
func (s *OrderService) lostRace(ctx context.Context, orderID string) error {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return err
	}
	return notPending(order)
}

func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID, reason string) (*domain.Order, error) {
	order, err := s.authorize(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, notPending(order)
	}
	if reason == "" {
		reason = domain.ReasonUserCancelled
	}

	cancelled, err := s.orders.Transition(ctx, domain.Transition{
		OrderID: order.OrderID,
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusCancelled,
		Reason:  reason,
		At:      s.now().UTC(),
	}, func(locked domain.Order) ([]domain.Message, error) {
		return oneMessage(domain.NewMessage(domain.TopicOrderCancelled, locked.OrderID, domain.OrderCancelled{
			OrderID:   locked.OrderID,
			DrawID:    locked.DrawID,
			UserID:    locked.UserID,
			NumberIDs: locked.NumberIDs(),
			Reason:    reason,
		}))
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil, s.lostRace(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	s.closed(ctx, cancelled)
	s.disarmTimeout(ctx, cancelled.OrderID)
	return cancelled, nil
}

// ExpireOrder handles a timeout fire. It reports whether this call expired the order.
func (s *OrderService) ExpireOrder(ctx context.Context, orderID string) (bool, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}
	if order == nil || order.Status != domain.OrderStatusPending {
		return false, nil
	}
	now := s.now().UTC()
	if !order.Expired(now) {
		// the window was extended after this timeout was armed
		logger.DebugCtx(ctx, "timeout fired early, order still open",
			zap.String("orderId", orderID), zap.Time("expiresAt", order.ExpiresAt))
		return false, nil
	}

	expired, err := s.expire(ctx, order, now)
	if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, errWindowExtended) {
		return false, nil
	}
	return expired, err
}

func (s *OrderService) expire(ctx context.Context, order *domain.Order, now time.Time) (bool, error) {
	expired, err := s.orders.Transition(ctx, domain.Transition{
		OrderID: order.OrderID,
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusExpired,
		At:      now,
	}, func(locked domain.Order) ([]domain.Message, error) {
		if !locked.Expired(now) {
			return nil, errWindowExtended
		}
		return oneMessage(domain.NewMessage(domain.TopicOrderExpired, locked.OrderID, domain.OrderExpired{
			OrderID:   locked.OrderID,
			DrawID:    locked.DrawID,
			UserID:    locked.UserID,
			NumberIDs: locked.NumberIDs(),
		}))
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, errWindowExtended) {
			return false, err
		}
		return false, fmt.Errorf("expire order: %w", err)
	}

	*order = *expired
	logger.InfoCtx(ctx, "order expired", zap.String("orderId", order.OrderID))
	s.closed(ctx, order)
	return true, nil
}

// ExpireOverdue expires pending orders whose window closed more than grace ago.
func (s *OrderService) ExpireOverdue(ctx context.Context, grace time.Duration, limit int) (int, error) {
	now := s.now().UTC()
	overdue, err := s.orders.ListExpiredPending(ctx, now.Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue orders: %w", err)
	}

	expired := 0
	for i := range overdue {
		ok, err := s.expire(ctx, &overdue[i], now)
		if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, errWindowExtended) {
			continue
		}
		if err != nil {
			logger.ErrorCtx(ctx, "expire overdue order failed",
				zap.String("orderId", overdue[i].OrderID), zap.Error(err))
			continue
		}
		if ok {
			s.disarmTimeout(ctx, overdue[i].OrderID)
			expired++
		}
	}
	return expired, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	return s.authorize(ctx, orderID, userID)
}

func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ListTickets returns the tickets held by userID, including those gifted to them.
func (s *OrderService) ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	tickets, err := s.orders.ListTickets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, nil
}

func (s *OrderService) closed(ctx context.Context, order *domain.Order) {
	metrics.RecordOrderTransition(string(order.Status))
	s.notifier.OrderClosed(ctx, *order)
}
