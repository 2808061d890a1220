package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rl1809/lottery-saga/internal/adapter/storage/memory"
	"github.com/rl1809/lottery-saga/internal/core/domain"
)

func TestOrderTimeouts_PublishesOnFire(t *testing.T) {
	store := memory.NewTriggerStore()
	now := t0
	s := newTestScheduler(store, "node-a", &now)
	pub := &capturePublisher{}
	timeouts := NewOrderTimeouts(s, pub)
	ctx := context.Background()

	if err := timeouts.Schedule(ctx, "order-1", t0.Add(5*time.Minute)); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	job, _ := store.Get(ctx, OrderExpirationGroup, "order-timeout-order-1")
	if job == nil || job.Misfire != domain.MisfireFireNow {
		t.Fatalf("expected fire-now job, got %+v", job)
	}

	now = t0.Add(5 * time.Minute)
	s.Tick(ctx)

	msgs := pub.published()
	if len(msgs) != 1 || msgs[0].Topic != domain.TopicOrderTimeout || msgs[0].Key != "order-1" {
		t.Fatalf("expected one OrderTimeout, got %+v", msgs)
	}
	var evt domain.OrderTimeout
	msgs[0].Decode(&evt)
	if evt.OrderID != "order-1" {
		t.Errorf("expected order-1, got %s", evt.OrderID)
	}
}

func TestOrderTimeouts_CancelRemovesJob(t *testing.T) {
	store := memory.NewTriggerStore()
	now := t0
	s := newTestScheduler(store, "node-a", &now)
	pub := &capturePublisher{}
	timeouts := NewOrderTimeouts(s, pub)
	ctx := context.Background()

	timeouts.Schedule(ctx, "order-1", t0.Add(time.Minute))
	if err := timeouts.Cancel(ctx, "order-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	now = t0.Add(2 * time.Minute)
	s.Tick(ctx)
	if len(pub.published()) != 0 {
		t.Error("cancelled timeout fired")
	}
}

func TestPublishTimeout_RefireSharesMessageID(t *testing.T) {
	pub := &capturePublisher{}
	h := PublishTimeout(pub)
	job := domain.ScheduledJob{Group: OrderExpirationGroup, Name: OrderTimeoutJob("order-1"), FireAt: t0}

	h(context.Background(), job)
	h(context.Background(), job)
	job.FireAt = t0.Add(time.Minute)
	h(context.Background(), job)

	msgs := pub.published()
	if msgs[0].ID != msgs[1].ID {
		t.Error("refires of one trigger must share an id")
	}
	if msgs[0].ID == msgs[2].ID {
		t.Error("a rescheduled trigger must get a new id")
	}
	var evt domain.OrderTimeout
	msgs[0].Decode(&evt)
	if evt.OrderID != "order-1" {
		t.Errorf("expected order id recovered from job name, got %q", evt.OrderID)
	}
}
