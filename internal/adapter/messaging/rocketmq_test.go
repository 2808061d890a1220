package messaging

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:8081", "127.0.0.1:8081"},
		{" http://mq.local:8081 ", "mq.local:8081"},
		{"https://mq.local:8081", "mq.local:8081"},
		{"a:8081,b:8081", "a:8081"},
		{"a:8081;b:8081", "a:8081"},
	}
	for _, tt := range tests {
		if got := sanitizeEndpoint(tt.in); got != tt.want {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRocketMQBus_RequiresEndpointAndCredentials(t *testing.T) {
	if _, err := NewRocketMQBus(RocketMQConfig{AccessKey: "ak", SecretKey: "sk"}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := NewRocketMQBus(RocketMQConfig{Endpoint: "127.0.0.1:8081", AccessKey: "ak"}); err == nil {
		t.Error("expected error without secret key")
	}
}

// Requires a RocketMQ 5 proxy and an existing topic.
func TestRocketMQBus_PublishConsume(t *testing.T) {
	endpoint := os.Getenv("ROCKETMQ_ENDPOINT")
	if endpoint == "" {
		t.Skipf("ROCKETMQ_ENDPOINT not set")
	}
	topic := os.Getenv("ROCKETMQ_TEST_TOPIC")
	if topic == "" {
		topic = "lottery_it"
	}

	bus, err := NewRocketMQBus(RocketMQConfig{
		Endpoint:      endpoint,
		AccessKey:     os.Getenv("ROCKETMQ_ACCESS_KEY"),
		SecretKey:     os.Getenv("ROCKETMQ_SECRET_KEY"),
		Topics:        []string{topic},
		AwaitDuration: time.Second,
	})
	if err != nil {
		t.Skipf("RocketMQ not available: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent, err := domain.NewMessage(topic, "order-1", domain.OrderTimeout{OrderID: uuid.NewString()})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var got atomic.Int32
	group := "it-" + uuid.NewString()[:8]
	err = bus.Subscribe(ctx, topic, group, func(ctx context.Context, msg domain.Message) error {
		if msg.ID == sent.ID {
			got.Add(1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) && got.Load() == 0 {
		time.Sleep(100 * time.Millisecond)
	}
	if got.Load() == 0 {
		t.Fatal("published message was not consumed")
	}
}
