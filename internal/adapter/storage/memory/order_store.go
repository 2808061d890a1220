package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/port"
)

type OrderStore struct {
	mu      sync.Mutex
	seq     int64
	orders  map[string]*domain.Order
	tickets []domain.Ticket
	outbox  *Outbox
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]*domain.Order),
		outbox: NewOutbox(),
	}
}

func (s *OrderStore) Outbox() *Outbox {
	return s.outbox
}

func (s *OrderStore) Create(ctx context.Context, order domain.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID]; exists {
		return false, nil
	}
	s.seq++
	o := cloneOrder(order)
	o.ID = s.seq
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.OrderID] = &o
	return true, nil
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	c := cloneOrder(*o)
	return &c, nil
}

func (s *OrderStore) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(*o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *OrderStore) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderStatusPending && o.ExpiresAt.Before(cutoff) {
			out = append(out, cloneOrder(*o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OrderStore) AddLines(ctx context.Context, orderID string, lines []domain.OrderLine, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.Status != domain.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, o.Status)
	}
	for _, l := range lines {
		if !o.HasNumber(l.NumberID) {
			o.Lines = append(o.Lines, l)
		}
	}
	o.TotalAmount = domain.SumLines(o.Lines)
	if expiresAt.After(o.ExpiresAt) {
		o.ExpiresAt = expiresAt
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *OrderStore) Transition(ctx context.Context, t domain.Transition, build port.OutboxBuilder) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[t.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", t.OrderID, domain.ErrNotFound)
	}
	if o.Status != t.From {
		return nil, domain.ErrStaleTransition
	}
	next, err := domain.NextStatus(o.Status, t.To)
	if err != nil {
		return nil, err
	}

	var msgs []domain.Message
	if build != nil {
		if msgs, err = build(cloneOrder(*o)); err != nil {
			return nil, err
		}
	}

	o.Status = next
	if t.TicketID != "" {
		o.TicketID = t.TicketID
	}
	if t.TransactionID != "" {
		o.TransactionID = t.TransactionID
	}
	if t.Reason != "" {
		o.CancelReason = t.Reason
	}
	o.UpdatedAt = t.At
	if next == domain.OrderStatusCompleted {
		s.tickets = append(s.tickets, domain.IssueTickets(*o, t.At)...)
	}
	s.outbox.append(msgs...)
	c := cloneOrder(*o)
	return &c, nil
}

func (s *OrderStore) ListTickets(ctx context.Context, ownerID string) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for i := len(s.tickets) - 1; i >= 0; i-- {
		if s.tickets[i].OwnerID == ownerID {
			out = append(out, s.tickets[i])
		}
	}
	return out, nil
}

func (s *OrderStore) Enqueue(ctx context.Context, outbox ...domain.Message) error {
	s.outbox.append(outbox...)
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = slices.Clone(o.Lines)
	return o
}
