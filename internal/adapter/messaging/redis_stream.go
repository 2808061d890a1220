package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/port"
	"github.com/rl1809/lottery-saga/internal/retry"
)

const defaultStreamPrefix = "lottery:stream:"

type RedisStreamConfig struct {
	// Consumer names this instance inside every group
	Consumer     string
	// Prefix is prepended to the topic to form the stream key
	Prefix       string
	MaxLen       int64
	Block        time.Duration
	ClaimMinIdle time.Duration
	Count        int64
	Consumers    int
}

// RedisStreamBus maps each topic to a stream and each group to a consumer group.
type RedisStreamBus struct {
	client  redis.UniversalClient
	cfg     RedisStreamConfig
	backoff retry.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisStreamBus(client redis.UniversalClient, cfg RedisStreamConfig) *RedisStreamBus {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultStreamPrefix
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamBus{
		client:  client,
		cfg:     cfg,
		backoff: retry.Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *RedisStreamBus) streamKey(topic string) string {
	return b.cfg.Prefix + topic
}

func (b *RedisStreamBus) Publish(ctx context.Context, msg domain.Message) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(msg.Topic),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":          msg.ID,
			"key":         msg.Key,
			"payload":     string(msg.Payload),
			"occurred_at": msg.OccurredAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *RedisStreamBus) Subscribe(ctx context.Context, topic, group string, handler port.MessageHandler) error {
	stream := b.streamKey(topic)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	for i := 0; i < b.cfg.Consumers; i++ {
		consumer := b.cfg.Consumer
		if b.cfg.Consumers > 1 {
			consumer = fmt.Sprintf("%s-%d", b.cfg.Consumer, i)
		}
		b.wg.Add(1)
		go b.consume(ctx, stream, group, consumer, handler)
	}
	logger.Info("redis stream consumer started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.Int("consumers", b.cfg.Consumers))
	return nil
}

func (b *RedisStreamBus) consume(ctx context.Context, stream, group, consumer string, handler port.MessageHandler) {
	defer b.wg.Done()

	failures := 0
	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil || b.ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= b.cfg.ClaimMinIdle {
			lastClaim = time.Now()
			b.reclaim(ctx, stream, group, consumer, handler)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.cfg.Count,
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			failures = 0
			continue
		}
		if err != nil {
			if ctx.Err() != nil || b.ctx.Err() != nil {
				return
			}
			failures++
			wait := b.backoff.Delay(failures)
			logger.Warn("xreadgroup failed",
				zap.String("stream", stream),
				zap.String("group", group),
				zap.Duration("wait", wait),
				zap.Error(err))
			if retry.Sleep(b.ctx, wait) != nil {
				return
			}
			continue
		}
		failures = 0

		for _, s := range streams {
			for _, xm := range s.Messages {
				b.handle(ctx, stream, group, xm, handler)
			}
		}
	}
}

// reclaim takes over entries left pending by consumers that stopped acking.
func (b *RedisStreamBus) reclaim(ctx context.Context, stream, group, consumer string, handler port.MessageHandler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Start:    start,
			Count:    b.cfg.Count,
		}).Result()
		if err != nil {
			logger.Warn("xautoclaim failed", zap.String("stream", stream), zap.Error(err))
			return
		}
		for _, xm := range msgs {
			b.handle(ctx, stream, group, xm, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (b *RedisStreamBus) handle(ctx context.Context, stream, group string, xm redis.XMessage, handler port.MessageHandler) {
	msg, err := decodeStreamMessage(strings.TrimPrefix(stream, b.cfg.Prefix), xm)
	if err != nil {
		logger.Error("dropping malformed stream entry",
			zap.String("stream", stream),
			zap.String("entry", xm.ID),
			zap.Error(err))
		b.ack(ctx, stream, group, xm.ID)
		return
	}
	if err := handler(ctx, msg); err != nil {
		// left pending, reclaimed after ClaimMinIdle
		return
	}
	b.ack(ctx, stream, group, xm.ID)
}

func (b *RedisStreamBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		logger.Warn("xack failed", zap.String("stream", stream), zap.String("entry", id), zap.Error(err))
	}
}

func decodeStreamMessage(topic string, xm redis.XMessage) (domain.Message, error) {
	str := func(k string) string {
		v, _ := xm.Values[k].(string)
		return v
	}
	msg := domain.Message{
		ID:      str("id"),
		Topic:   topic,
		Key:     str("key"),
		Payload: []byte(str("payload")),
	}
	if msg.ID == "" {
		return msg, errors.New("missing message id")
	}
	if ms, err := strconv.ParseInt(str("occurred_at"), 10, 64); err == nil {
		msg.OccurredAt = time.UnixMilli(ms).UTC()
	}
	return msg, nil
}

func (b *RedisStreamBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
