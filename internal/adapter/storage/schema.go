package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	drawsTable       = "draws"
	numbersTable     = "draw_numbers"
	ordersTable      = "orders"
	orderLinesTable  = "order_lines"
	ticketsTable     = "tickets"
	DrawOutboxTable  = "draw_outbox"
	OrderOutboxTable = "order_outbox"
)

func outboxDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	message_id VARCHAR(64) NOT NULL,
	topic VARCHAR(128) NOT NULL,
	biz_key VARCHAR(64) NOT NULL,
	payload JSON NOT NULL,
	occurred_at BIGINT NOT NULL,
	status TINYINT NOT NULL DEFAULT 1,
	retry_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(255) NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_%s_message (message_id),
	KEY idx_%s_pending (status, retry_count, id)
) ENGINE=InnoDB`, table, table, table)
}

// DrawSchema owns the number pool; every statement is safe to re-run.
var DrawSchema = []string{
	`CREATE TABLE IF NOT EXISTS draws (
	id CHAR(36) NOT NULL,
	title VARCHAR(255) NOT NULL DEFAULT '',
	min_number INT NOT NULL,
	max_number INT NOT NULL,
	total_series INT NOT NULL,
	ticket_price DECIMAL(18,2) NOT NULL,
	max_per_request INT NOT NULL DEFAULT 10,
	created_at DATETIME(3) NOT NULL,
	PRIMARY KEY (id)
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS draw_numbers (
	id CHAR(36) NOT NULL,
	draw_id CHAR(36) NOT NULL,
	number INT NOT NULL,
	series INT NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'available',
	order_id CHAR(36) NULL,
	ticket_id CHAR(36) NULL,
	reservation_expires_at DATETIME(3) NULL,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_draw_number_series (draw_id, number, series),
	KEY idx_draw_numbers_status (draw_id, status),
	KEY idx_draw_numbers_order (order_id),
	KEY idx_draw_numbers_ticket (ticket_id),
	CONSTRAINT fk_draw_numbers_draw FOREIGN KEY (draw_id) REFERENCES draws (id) ON DELETE CASCADE
) ENGINE=InnoDB`,
	outboxDDL(DrawOutboxTable),
}

var OrderSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
	id BIGINT NOT NULL AUTO_INCREMENT,
	order_id CHAR(36) NOT NULL,
	user_id VARCHAR(64) NOT NULL,
	draw_id CHAR(36) NOT NULL,
	status VARCHAR(16) NOT NULL,
	expires_at DATETIME(3) NOT NULL,
	total_amount DECIMAL(18,2) NOT NULL,
	gift_recipient_id VARCHAR(64) NOT NULL DEFAULT '',
	ticket_id CHAR(36) NOT NULL DEFAULT '',
	transaction_id VARCHAR(128) NOT NULL DEFAULT '',
	cancel_reason VARCHAR(255) NOT NULL DEFAULT '',
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	deleted_at DATETIME(3) NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_orders_order_id (order_id),
	KEY idx_orders_user (user_id),
	KEY idx_orders_pending (status, expires_at)
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS order_lines (
	order_id CHAR(36) NOT NULL,
	number_id CHAR(36) NOT NULL,
	number INT NOT NULL,
	series INT NOT NULL,
	unit_price DECIMAL(18,2) NOT NULL,
	PRIMARY KEY (order_id, number_id)
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS tickets (
	ticket_id CHAR(36) NOT NULL,
	order_id CHAR(36) NOT NULL,
	draw_id CHAR(36) NOT NULL,
	number_id CHAR(36) NOT NULL,
	number INT NOT NULL,
	series INT NOT NULL,
	owner_id VARCHAR(64) NOT NULL,
	purchaser_id VARCHAR(64) NOT NULL,
	gift TINYINT(1) NOT NULL DEFAULT 0,
	amount DECIMAL(18,2) NOT NULL,
	transaction_id VARCHAR(128) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	purchased_at DATETIME(3) NOT NULL,
	PRIMARY KEY (ticket_id),
	UNIQUE KEY uq_tickets_order_number (order_id, number_id),
	KEY idx_tickets_owner (owner_id, purchased_at)
) ENGINE=InnoDB`,
	outboxDDL(OrderOutboxTable),
}

// ApplySchema executes idempotent DDL statements in order.
func ApplySchema(ctx context.Context, db *sqlx.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
