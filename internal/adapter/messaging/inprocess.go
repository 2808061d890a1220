package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/port"
	"github.com/rl1809/lottery-saga/internal/retry"
)

var ErrBusClosed = errors.New("event bus closed")

type delivery struct {
	msg     domain.Message
	attempt int
}

type inprocGroup struct {
	name string
	ch   chan delivery
}

// InProcessBus fans every topic out to its consumer groups over buffered
// channels. Members of one group compete for messages.
type InProcessBus struct {
	maxDeliveries int
	consumers     int
	bufferSize    int
	redeliver     retry.Backoff

	mu     sync.RWMutex
	groups map[string][]*inprocGroup
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type InProcessConfig struct {
	Buffer        int
	Consumers     int
	MaxDeliveries int
	Redeliver     retry.Backoff
}

func NewInProcessBus(cfg InProcessConfig) *InProcessBus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 10
	}
	if cfg.Redeliver.Base <= 0 {
		cfg.Redeliver = retry.Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second}
	}
	b := &InProcessBus{
		maxDeliveries: cfg.MaxDeliveries,
		consumers:     cfg.Consumers,
		bufferSize:    cfg.Buffer,
		redeliver:     cfg.Redeliver,
		groups:        make(map[string][]*inprocGroup),
		done:          make(chan struct{}),
	}
	return b
}

func (b *InProcessBus) group(topic, name string) *inprocGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups[topic] {
		if g.name == name {
			return g
		}
	}
	g := &inprocGroup{name: name, ch: make(chan delivery, b.bufferSize)}
	b.groups[topic] = append(b.groups[topic], g)
	return g
}

func (b *InProcessBus) Publish(ctx context.Context, msg domain.Message) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	b.mu.RLock()
	groups := b.groups[msg.Topic]
	b.mu.RUnlock()
	if len(groups) == 0 {
		logger.DebugCtx(ctx, "no consumer groups for topic", zap.String("topic", msg.Topic))
		return nil
	}

	for _, g := range groups {
		select {
		case g.ch <- delivery{msg: msg, attempt: 1}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrBusClosed
		}
	}
	return nil
}

func (b *InProcessBus) Subscribe(ctx context.Context, topic, group string, handler port.MessageHandler) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	g := b.group(topic, group)
	for i := 0; i < b.consumers; i++ {
		b.wg.Add(1)
		go b.consume(ctx, g, topic, handler)
	}
	logger.Info("in-process consumer started",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Int("consumers", b.consumers))
	return nil
}

func (b *InProcessBus) consume(ctx context.Context, g *inprocGroup, topic string, handler port.MessageHandler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case d := <-g.ch:
			err := handler(ctx, d.msg)
			if err == nil {
				continue
			}
			if d.attempt >= b.maxDeliveries {
				logger.Error("message dropped after max deliveries",
					zap.String("topic", topic),
					zap.String("group", g.name),
					zap.String("messageId", d.msg.ID),
					zap.Int("attempts", d.attempt),
					zap.Error(err))
				continue
			}
			b.requeue(ctx, g, d)
		}
	}
}

func (b *InProcessBus) requeue(ctx context.Context, g *inprocGroup, d delivery) {
	wait := b.redeliver.Delay(d.attempt)
	d.attempt++
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
		select {
		case g.ch <- d:
		case <-ctx.Done():
		case <-b.done:
		}
	}()
}

func (b *InProcessBus) Close() error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}
