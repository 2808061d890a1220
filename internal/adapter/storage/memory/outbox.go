// Package memory holds process-local adapters for single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

const maxOutboxRetries = 10

type outboxStatus int

const (
	outboxPending outboxStatus = iota + 1
	outboxSent
	outboxFailed
)

type outboxRow struct {
	entry   domain.OutboxEntry
	status  outboxStatus
	lastErr string
}

type Outbox struct {
	mu   sync.Mutex
	seq  int64
	rows []*outboxRow
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) append(msgs ...domain.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		o.seq++
		o.rows = append(o.rows, &outboxRow{
			entry:  domain.OutboxEntry{ID: o.seq, Message: m},
			status: outboxPending,
		})
	}
}

func (o *Outbox) ListPending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []domain.OutboxEntry
	for _, r := range o.rows {
		if len(out) >= limit {
			break
		}
		if r.status == outboxPending && r.entry.RetryCount < maxOutboxRetries {
			out = append(out, r.entry)
		}
	}
	return out, nil
}

func (o *Outbox) MarkSent(ctx context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.find(id); r != nil {
		r.status = outboxSent
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.find(id)
	if r == nil {
		return nil
	}
	r.entry.RetryCount++
	r.lastErr = lastErr
	if r.entry.RetryCount >= maxOutboxRetries {
		r.status = outboxFailed
	}
	return nil
}

// Messages returns every message ever enqueued, in order.
func (o *Outbox) Messages() []domain.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Message, 0, len(o.rows))
	for _, r := range o.rows {
		out = append(out, r.entry.Message)
	}
	return out
}

func (o *Outbox) find(id int64) *outboxRow {
	for _, r := range o.rows {
		if r.entry.ID == id {
			return r
		}
	}
	return nil
}
