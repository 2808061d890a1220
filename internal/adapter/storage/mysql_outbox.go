package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

// outbox status: 1=pending 2=sent 3=failed
const (
	outboxPending    = 1
	outboxSent       = 2
	outboxMaxRetries = 10
)

type outboxRow struct {
	ID         int64  `db:"id"`
	MessageID  string `db:"message_id"`
	Topic      string `db:"topic"`
	BizKey     string `db:"biz_key"`
	Payload    []byte `db:"payload"`
	OccurredAt int64  `db:"occurred_at"`
	RetryCount int    `db:"retry_count"`
}

// insertOutbox writes messages through exec, normally the transaction of the state change.
func insertOutbox(ctx context.Context, exec sqlx.ExecerContext, table string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	query := fmt.Sprintf(`INSERT INTO %s (message_id, topic, biz_key, payload, occurred_at, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`, table)
	for _, m := range msgs {
		if _, err := exec.ExecContext(ctx, query,
			m.ID, m.Topic, m.Key, string(m.Payload), m.OccurredAt.UnixMilli(), outboxPending, now, now,
		); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

type MySQLOutbox struct {
	db    *sqlx.DB
	table string
}

func NewMySQLOutbox(db *sqlx.DB, table string) *MySQLOutbox {
	return &MySQLOutbox{db: db, table: table}
}

// ListPending returns pending rows that have not used up their retries, oldest first.
func (o *MySQLOutbox) ListPending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	query := fmt.Sprintf(`SELECT id, message_id, topic, biz_key, payload, occurred_at, retry_count
		FROM %s WHERE status = ? AND retry_count < ? ORDER BY id ASC LIMIT ?`, o.table)

	var rows []outboxRow
	if err := o.db.SelectContext(ctx, &rows, query, outboxPending, outboxMaxRetries, limit); err != nil {
		return nil, fmt.Errorf("list %s: %w", o.table, err)
	}

	out := make([]domain.OutboxEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.OutboxEntry{
			ID:         r.ID,
			RetryCount: r.RetryCount,
			Message: domain.Message{
				ID:         r.MessageID,
				Topic:      r.Topic,
				Key:        r.BizKey,
				Payload:    r.Payload,
				OccurredAt: time.UnixMilli(r.OccurredAt).UTC(),
			},
		})
	}
	return out, nil
}

func (o *MySQLOutbox) MarkSent(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ?", o.table)
	if _, err := o.db.ExecContext(ctx, query, outboxSent, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("mark %s sent: %w", o.table, err)
	}
	return nil
}

// MarkFailed bumps retry_count and parks the row as failed (3) on the last retry.
func (o *MySQLOutbox) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	if len(lastErr) > 255 {
		lastErr = lastErr[:255]
	}
	query := fmt.Sprintf(`UPDATE %s SET status = CASE WHEN retry_count >= ? THEN 3 ELSE 1 END,
		last_error = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, o.table)
	if _, err := o.db.ExecContext(ctx, query, outboxMaxRetries-1, lastErr, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("mark %s failed: %w", o.table, err)
	}
	return nil
}
