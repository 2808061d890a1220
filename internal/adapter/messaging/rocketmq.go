package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	rmq "github.com/apache/rocketmq-clients/golang/v5"
	"github.com/apache/rocketmq-clients/golang/v5/credentials"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/port"
	"github.com/rl1809/lottery-saga/internal/retry"
)

type RocketMQConfig struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Topics            []string
	AwaitDuration     time.Duration
	InvisibleDuration time.Duration
	MaxMessageNum     int32
}

// RocketMQBus publishes the message envelope as the body and consumes through
// one SimpleConsumer per (topic, group). Unacked messages reappear after the
// invisible duration.
type RocketMQBus struct {
	cfg      RocketMQConfig
	producer rmq.Producer

	mu        sync.Mutex
	consumers []rmq.SimpleConsumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// sanitizeEndpoint strips the scheme and keeps the first address of a list.
func sanitizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	if idx := strings.IndexAny(endpoint, ",;"); idx > 0 {
		endpoint = strings.TrimSpace(endpoint[:idx])
	}
	return endpoint
}

func (c RocketMQConfig) clientConfig(group string) *rmq.Config {
	cfg := &rmq.Config{Endpoint: sanitizeEndpoint(c.Endpoint), ConsumerGroup: group}
	cfg.Credentials = &credentials.SessionCredentials{AccessKey: c.AccessKey, AccessSecret: c.SecretKey}
	return cfg
}

func NewRocketMQBus(cfg RocketMQConfig) (*RocketMQBus, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rocketmq endpoint is required")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("rocketmq access and secret key are required")
	}
	if cfg.AwaitDuration <= 0 {
		cfg.AwaitDuration = 5 * time.Second
	}
	if cfg.InvisibleDuration <= 0 {
		cfg.InvisibleDuration = 20 * time.Second
	}
	if cfg.MaxMessageNum <= 0 {
		cfg.MaxMessageNum = 16
	}

	rmq.ResetLogger()

	var opts []rmq.ProducerOption
	if len(cfg.Topics) > 0 {
		opts = append(opts, rmq.WithTopics(cfg.Topics...))
	}
	p, err := rmq.NewProducer(cfg.clientConfig(""), opts...)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}
	logger.Info("rocketmq producer started", zap.String("endpoint", sanitizeEndpoint(cfg.Endpoint)))

	ctx, cancel := context.WithCancel(context.Background())
	return &RocketMQBus{cfg: cfg, producer: p, ctx: ctx, cancel: cancel}, nil
}

func (b *RocketMQBus) Publish(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	m := &rmq.Message{Topic: msg.Topic, Body: body}
	if msg.Key != "" {
		m.SetKeys(msg.Key)
	}
	if _, err := b.producer.Send(ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *RocketMQBus) Subscribe(ctx context.Context, topic, group string, handler port.MessageHandler) error {
	sc, err := rmq.NewSimpleConsumer(b.cfg.clientConfig(group),
		rmq.WithAwaitDuration(b.cfg.AwaitDuration),
		rmq.WithSubscriptionExpressions(map[string]*rmq.FilterExpression{topic: rmq.SUB_ALL}),
	)
	if err != nil {
		return fmt.Errorf("create simple consumer %s/%s: %w", topic, group, err)
	}
	if err := sc.Start(); err != nil {
		return fmt.Errorf("start simple consumer %s/%s: %w", topic, group, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, sc)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ctx, sc, topic, group, handler)
	logger.Info("rocketmq consumer started", zap.String("topic", topic), zap.String("group", group))
	return nil
}

func (b *RocketMQBus) consume(ctx context.Context, sc rmq.SimpleConsumer, topic, group string, handler port.MessageHandler) {
	defer b.wg.Done()
	backoff := retry.Backoff{Base: 200 * time.Millisecond, Max: 10 * time.Second}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		default:
		}

		mvs, err := sc.Receive(ctx, b.cfg.MaxMessageNum, b.cfg.InvisibleDuration)
		if err != nil {
			if ctx.Err() != nil || b.ctx.Err() != nil {
				return
			}
			failures++
			logger.Warn("rocketmq receive failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err))
			if retry.Sleep(b.ctx, backoff.Delay(failures)) != nil {
				return
			}
			continue
		}
		failures = 0

		for _, mv := range mvs {
			var msg domain.Message
			if err := json.Unmarshal(mv.GetBody(), &msg); err != nil {
				logger.Error("dropping malformed rocketmq message",
					zap.String("topic", topic),
					zap.String("messageId", mv.GetMessageId()),
					zap.Error(err))
				b.ack(ctx, sc, mv)
				continue
			}
			if msg.Topic == "" {
				msg.Topic = mv.GetTopic()
			}
			if err := handler(ctx, msg); err != nil {
				continue
			}
			b.ack(ctx, sc, mv)
		}
	}
}

func (b *RocketMQBus) ack(ctx context.Context, sc rmq.SimpleConsumer, mv *rmq.MessageView) {
	if err := sc.Ack(ctx, mv); err != nil {
		logger.Warn("rocketmq ack failed", zap.String("messageId", mv.GetMessageId()), zap.Error(err))
	}
}

func (b *RocketMQBus) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.consumers {
		if err := sc.GracefulStop(); err != nil {
			logger.Warn("stop rocketmq consumer failed", zap.Error(err))
		}
	}
	return b.producer.GracefulStop()
}
