package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/retry"
)

func testMessage(t *testing.T, topic string) domain.Message {
	msg, err := domain.NewMessage(topic, "order-1", domain.OrderTimeout{OrderID: "order-1"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestInProcessBus_FanOutToGroups(t *testing.T) {
	bus := NewInProcessBus(InProcessConfig{})
	defer bus.Close()
	ctx := context.Background()

	var a, b int32
	bus.Subscribe(ctx, domain.TopicOrderTimeout, "group-a", func(ctx context.Context, msg domain.Message) error {
		atomic.AddInt32(&a, 1)
		return nil
	})
	bus.Subscribe(ctx, domain.TopicOrderTimeout, "group-b", func(ctx context.Context, msg domain.Message) error {
		atomic.AddInt32(&b, 1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, testMessage(t, domain.TopicOrderTimeout)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&a) == 5 && atomic.LoadInt32(&b) == 5 })
}

func TestInProcessBus_CompetingConsumers(t *testing.T) {
	bus := NewInProcessBus(InProcessConfig{Consumers: 4})
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	bus.Subscribe(ctx, domain.TopicOrderExpired, "draw-service", func(ctx context.Context, msg domain.Message) error {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		bus.Publish(ctx, testMessage(t, domain.TopicOrderExpired))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s delivered %d times", id, n)
		}
	}
}

func TestInProcessBus_RedeliversUntilSuccess(t *testing.T) {
	bus := NewInProcessBus(InProcessConfig{
		MaxDeliveries: 5,
		Redeliver:     retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	defer bus.Close()
	ctx := context.Background()

	var calls int32
	bus.Subscribe(ctx, domain.TopicOrderTimeout, "order-service", func(ctx context.Context, msg domain.Message) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	bus.Publish(ctx, testMessage(t, domain.TopicOrderTimeout))

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 3 })
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected delivery to stop after success, got %d calls", n)
	}
}

func TestInProcessBus_DropsAfterMaxDeliveries(t *testing.T) {
	bus := NewInProcessBus(InProcessConfig{
		MaxDeliveries: 3,
		Redeliver:     retry.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	})
	defer bus.Close()
	ctx := context.Background()

	var calls int32
	bus.Subscribe(ctx, domain.TopicOrderTimeout, "order-service", func(ctx context.Context, msg domain.Message) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always failing")
	})
	bus.Publish(ctx, testMessage(t, domain.TopicOrderTimeout))

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 3 })
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
}

func TestInProcessBus_PublishAfterClose(t *testing.T) {
	bus := NewInProcessBus(InProcessConfig{})
	bus.Close()
	if err := bus.Publish(context.Background(), testMessage(t, domain.TopicOrderTimeout)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got: %v", err)
	}
}
