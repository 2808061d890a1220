package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/adapter/messaging"
	"github.com/rl1809/lottery-saga/internal/adapter/notify"
	"github.com/rl1809/lottery-saga/internal/adapter/storage/memory"
	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/saga"
	"github.com/rl1809/lottery-saga/internal/core/scheduler"
	"github.com/rl1809/lottery-saga/internal/core/service"
	"github.com/rl1809/lottery-saga/internal/retry"
	"github.com/rl1809/lottery-saga/internal/worker"
)

type system struct {
	pool   *memory.NumberPool
	orders *memory.OrderStore
	draws  *service.DrawService
	svc    *service.OrderService
	sched  *scheduler.Scheduler
	draw   *domain.Draw
}

// newSystem wires both services over the in-process bus the way -role=all does.
func newSystem(t *testing.T, window time.Duration) *system {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	pool := memory.NewNumberPool()
	orders := memory.NewOrderStore()
	idem := memory.NewIdempotencyStore()
	bus := messaging.NewInProcessBus(messaging.InProcessConfig{
		Redeliver: retry.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})

	sched := scheduler.New(memory.NewTriggerStore(), scheduler.Config{Instance: "test", Tick: 10 * time.Millisecond})
	if err := sched.Provision(ctx); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	timeouts := scheduler.NewOrderTimeouts(sched, bus)

	notifier := notify.NewLogNotifier()
	draws := service.NewDrawService(pool, service.NewAllocator(pool, nil), notifier, window)
	svc := service.NewOrderService(orders, timeouts, notifier)

	if err := saga.NewDrawConsumers(draws, idem).Register(ctx, bus); err != nil {
		t.Fatalf("register draw consumers: %v", err)
	}
	if err := saga.NewOrderConsumers(svc, idem).Register(ctx, bus); err != nil {
		t.Fatalf("register order consumers: %v", err)
	}

	var wg sync.WaitGroup
	worker.NewOutboxDispatcher(pool.Outbox(), bus, worker.OutboxDispatcherConfig{Name: "draw_outbox", Interval: 5 * time.Millisecond}).Start(ctx, &wg)
	worker.NewOutboxDispatcher(orders.Outbox(), bus, worker.OutboxDispatcherConfig{Name: "order_outbox", Interval: 5 * time.Millisecond}).Start(ctx, &wg)
	sched.Start(ctx, &wg)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		bus.Close()
	})

	draw, err := draws.CreateDraw(context.Background(), domain.Draw{
		Title:       "weekly",
		MinNumber:   0,
		MaxNumber:   99,
		TotalSeries: 2,
		TicketPrice: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateDraw failed: %v", err)
	}
	return &system{pool: pool, orders: orders, draws: draws, svc: svc, sched: sched, draw: draw}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *system) statuses(t *testing.T, ids []string) map[domain.NumberStatus]int {
	t.Helper()
	records, err := s.pool.GetByIDs(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetByIDs failed: %v", err)
	}
	out := make(map[domain.NumberStatus]int)
	for _, r := range records {
		out[r.Status]++
	}
	return out
}

func (s *system) orderStatus(id string) domain.OrderStatus {
	o, err := s.orders.Get(context.Background(), id)
	if err != nil || o == nil {
		return ""
	}
	return o.Status
}

func TestFlow_ReserveCompleteSells(t *testing.T) {
	s := newSystem(t, time.Minute)
	ctx := context.Background()

	res, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "alice", Series: 1, Numbers: []int{7, 8, 9}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	eventually(t, "order created", func() bool { return s.orderStatus(res.OrderID) == domain.OrderStatusPending })

	order, err := s.svc.CompleteOrder(ctx, res.OrderID, "alice", "txn-1")
	if err != nil {
		t.Fatalf("CompleteOrder failed: %v", err)
	}
	if order.TicketID == "" {
		t.Error("expected a ticket id")
	}

	eventually(t, "numbers sold", func() bool { return s.statuses(t, res.NumberIDs)[domain.NumberStatusSold] == 3 })

	records, _ := s.pool.GetByIDs(ctx, res.NumberIDs)
	for _, r := range records {
		if r.TicketID != order.TicketID {
			t.Errorf("number %d sold under %q, expected %q", r.Number, r.TicketID, order.TicketID)
		}
	}
}

func TestFlow_TimeoutReleasesNumbers(t *testing.T) {
	s := newSystem(t, 100*time.Millisecond)
	ctx := context.Background()

	res, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "bob", Series: 2, Numbers: []int{1, 2}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	eventually(t, "order expired", func() bool { return s.orderStatus(res.OrderID) == domain.OrderStatusExpired })
	eventually(t, "numbers released", func() bool { return s.statuses(t, res.NumberIDs)[domain.NumberStatusAvailable] == 2 })

	// the released numbers can be reserved again
	if _, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "carol", Series: 2, Numbers: []int{1, 2}}); err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
}

func TestFlow_CompleteAfterExpiryIsRejected(t *testing.T) {
	s := newSystem(t, 150*time.Millisecond)
	ctx := context.Background()

	res, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "dave", Series: 1, Numbers: []int{42}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	eventually(t, "order created", func() bool { return s.orderStatus(res.OrderID) != "" })

	time.Sleep(time.Until(res.ExpiresAt))
	_, err = s.svc.CompleteOrder(ctx, res.OrderID, "dave", "txn-late")
	if !errors.Is(err, domain.ErrExpiredState) {
		t.Fatalf("expected ErrExpiredState, got: %v", err)
	}

	eventually(t, "numbers released", func() bool { return s.statuses(t, res.NumberIDs)[domain.NumberStatusAvailable] == 1 })
	if got := s.orderStatus(res.OrderID); got != domain.OrderStatusExpired {
		t.Errorf("expected expired order, got %s", got)
	}
}

func TestFlow_AddToExpiredOrderIsCompensated(t *testing.T) {
	s := newSystem(t, 100*time.Millisecond)
	ctx := context.Background()

	first, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "erin", Series: 1, Numbers: []int{10}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	eventually(t, "order expired", func() bool { return s.orderStatus(first.OrderID) == domain.OrderStatusExpired })

	late, err := s.draws.Reserve(ctx, service.ReserveRequest{DrawID: s.draw.ID, UserID: "erin", Series: 1, Numbers: []int{11}, OrderID: first.OrderID})
	if err != nil {
		t.Fatalf("add-to-existing reserve failed: %v", err)
	}

	eventually(t, "late numbers released", func() bool { return s.statuses(t, late.NumberIDs)[domain.NumberStatusAvailable] == 1 })
	o, _ := s.orders.Get(ctx, first.OrderID)
	if o.HasNumber(late.NumberIDs[0]) {
		t.Error("expired order must not gain numbers")
	}
}
