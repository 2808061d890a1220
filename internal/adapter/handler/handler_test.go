package handler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/adapter/notify"
	"github.com/rl1809/lottery-saga/internal/adapter/storage/memory"
	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/service"
)

type noopTimeouts struct{}

func (noopTimeouts) Schedule(ctx context.Context, orderID string, fireAt time.Time) error { return nil }
func (noopTimeouts) Cancel(ctx context.Context, orderID string) error                     { return nil }

type fixture struct {
	pool   *memory.NumberPool
	draws  *service.DrawService
	orders *service.OrderService
	draw   *domain.Draw
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := memory.NewNumberPool()
	notifier := notify.NewLogNotifier()
	draws := service.NewDrawService(pool, service.NewAllocator(pool, nil), notifier, time.Minute)
	orders := service.NewOrderService(memory.NewOrderStore(), noopTimeouts{}, notifier)

	draw, err := draws.CreateDraw(context.Background(), domain.Draw{
		Title:       "test",
		MinNumber:   0,
		MaxNumber:   9,
		TotalSeries: 1,
		TicketPrice: decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("CreateDraw failed: %v", err)
	}
	return &fixture{pool: pool, draws: draws, orders: orders, draw: draw}
}

// deliverReservations hands every NumbersReserved in the draw outbox to the order service.
func (f *fixture) deliverReservations(t *testing.T) {
	t.Helper()
	for _, msg := range f.pool.Outbox().Messages() {
		if msg.Topic != domain.TopicNumbersReserved {
			continue
		}
		var evt domain.NumbersReserved
		if err := msg.Decode(&evt); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if err := f.orders.HandleNumbersReserved(context.Background(), evt); err != nil {
			t.Fatalf("HandleNumbersReserved failed: %v", err)
		}
	}
}
