package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/port"
)

type orderRow struct {
	ID              int64           `db:"id"`
	OrderID         string          `db:"order_id"`
	UserID          string          `db:"user_id"`
	DrawID          string          `db:"draw_id"`
	Status          string          `db:"status"`
	ExpiresAt       time.Time       `db:"expires_at"`
	TotalAmount     decimal.Decimal `db:"total_amount"`
	GiftRecipientID string          `db:"gift_recipient_id"`
	TicketID        string          `db:"ticket_id"`
	TransactionID   string          `db:"transaction_id"`
	CancelReason    string          `db:"cancel_reason"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	DeletedAt       sql.NullTime    `db:"deleted_at"`
}

type orderLineRow struct {
	OrderID   string          `db:"order_id"`
	NumberID  string          `db:"number_id"`
	Number    int             `db:"number"`
	Series    int             `db:"series"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

const orderColumns = `id, order_id, user_id, draw_id, status, expires_at, total_amount, gift_recipient_id,
	ticket_id, transaction_id, cancel_reason, created_at, updated_at, deleted_at`

func (r orderRow) toDomain(lines []orderLineRow) domain.Order {
	o := domain.Order{
		ID:              r.ID,
		OrderID:         r.OrderID,
		UserID:          r.UserID,
		DrawID:          r.DrawID,
		Status:          domain.OrderStatus(r.Status),
		ExpiresAt:       r.ExpiresAt,
		TotalAmount:     r.TotalAmount,
		GiftRecipientID: r.GiftRecipientID,
		TicketID:        r.TicketID,
		TransactionID:   r.TransactionID,
		CancelReason:    r.CancelReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		o.DeletedAt = &t
	}
	for _, l := range lines {
		o.Lines = append(o.Lines, domain.OrderLine{
			NumberID:  l.NumberID,
			Number:    l.Number,
			Series:    l.Series,
			UnitPrice: l.UnitPrice,
		})
	}
	return o
}

type MySQLOrderStore struct {
	db          *sqlx.DB
	outboxTable string
}

func NewMySQLOrderStore(db *sqlx.DB) *MySQLOrderStore {
	return &MySQLOrderStore{db: db, outboxTable: OrderOutboxTable}
}

func (m *MySQLOrderStore) Create(ctx context.Context, order domain.Order) (bool, error) {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, draw_id, status, expires_at, total_amount, gift_recipient_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, order.UserID, order.DrawID, string(order.Status), order.ExpiresAt,
		order.TotalAmount, order.GiftRecipientID, order.CreatedAt, now,
	)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	if err := insertLines(ctx, tx, order.OrderID, order.Lines); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit order: %w", err)
	}
	return true, nil
}

func insertLines(ctx context.Context, tx *sqlx.Tx, orderID string, lines []domain.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, goqu.Record{
			"order_id":   orderID,
			"number_id":  l.NumberID,
			"number":     l.Number,
			"series":     l.Series,
			"unit_price": l.UnitPrice,
		})
	}
	query, args, err := dialect.Insert(orderLinesTable).Prepared(true).
		Rows(rows...).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build order lines insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}
	return nil
}

func (m *MySQLOrderStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := m.db.GetContext(ctx, &row,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ? AND deleted_at IS NULL`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	orders, err := m.withLines(ctx, []orderRow{row})
	if err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (m *MySQLOrderStore) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND deleted_at IS NULL ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user orders: %w", err)
	}
	return m.withLines(ctx, rows)
}

func (m *MySQLOrderStore) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND expires_at < ? AND deleted_at IS NULL
		ORDER BY expires_at ASC LIMIT ?`,
		string(domain.OrderStatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired orders: %w", err)
	}
	return m.withLines(ctx, rows)
}

// withLines loads the lines of all rows with one IN query.
func (m *MySQLOrderStore) withLines(ctx context.Context, rows []orderRow) ([]domain.Order, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.OrderID)
	}
	query, args, err := dialect.From(orderLinesTable).Prepared(true).
		Select("order_id", "number_id", "number", "series", "unit_price").
		Where(goqu.Ex{"order_id": ids}).
		Order(goqu.C("series").Asc(), goqu.C("number").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build order lines select: %w", err)
	}
	var lines []orderLineRow
	if err := m.db.SelectContext(ctx, &lines, query, args...); err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	byOrder := make(map[string][]orderLineRow, len(rows))
	for _, l := range lines {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}

	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain(byOrder[r.OrderID]))
	}
	return out, nil
}

func (m *MySQLOrderStore) AddLines(ctx context.Context, orderID string, lines []domain.OrderLine, expiresAt time.Time) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status, `SELECT status FROM orders WHERE order_id = ? FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}
	if domain.OrderStatus(status) != domain.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, status)
	}

	if err := insertLines(ctx, tx, orderID, lines); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET total_amount = (SELECT COALESCE(SUM(unit_price), 0) FROM order_lines WHERE order_id = ?),
			expires_at = GREATEST(expires_at, ?),
			updated_at = ?
		WHERE order_id = ?`,
		orderID, expiresAt, time.Now().UTC(), orderID,
	)
	if err != nil {
		return fmt.Errorf("update order totals: %w", err)
	}
	return tx.Commit()
}

// Transition locks the order row, the same row AddLines locks, so the outbox
// payload and the issued tickets cover exactly the lines the order closes with.
func (m *MySQLOrderStore) Transition(ctx context.Context, t domain.Transition, build port.OutboxBuilder) (*domain.Order, error) {
	if _, err := domain.NextStatus(t.From, t.To); err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var row orderRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ? AND deleted_at IS NULL FOR UPDATE`, t.OrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", t.OrderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	if domain.OrderStatus(row.Status) != t.From {
		return nil, domain.ErrStaleTransition
	}

	var lines []orderLineRow
	err = tx.SelectContext(ctx, &lines, `
		SELECT order_id, number_id, number, series, unit_price FROM order_lines
		WHERE order_id = ? ORDER BY series ASC, number ASC FOR UPDATE`, t.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lock order lines: %w", err)
	}
	order := row.toDomain(lines)

	var msgs []domain.Message
	if build != nil {
		if msgs, err = build(order); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
			ticket_id = IF(? = '', ticket_id, ?),
			transaction_id = IF(? = '', transaction_id, ?),
			cancel_reason = IF(? = '', cancel_reason, ?),
			updated_at = ?
		WHERE order_id = ?`,
		string(t.To), t.TicketID, t.TicketID, t.TransactionID, t.TransactionID, t.Reason, t.Reason,
		t.At, t.OrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}

	order.Status = t.To
	if t.TicketID != "" {
		order.TicketID = t.TicketID
	}
	if t.TransactionID != "" {
		order.TransactionID = t.TransactionID
	}
	if t.Reason != "" {
		order.CancelReason = t.Reason
	}
	order.UpdatedAt = t.At

	if t.To == domain.OrderStatusCompleted {
		if err := insertTickets(ctx, tx, domain.IssueTickets(order, t.At)); err != nil {
			return nil, err
		}
	}
	if err := insertOutbox(ctx, tx, m.outboxTable, msgs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return &order, nil
}

type ticketRow struct {
	TicketID      string          `db:"ticket_id"`
	OrderID       string          `db:"order_id"`
	DrawID        string          `db:"draw_id"`
	NumberID      string          `db:"number_id"`
	Number        int             `db:"number"`
	Series        int             `db:"series"`
	OwnerID       string          `db:"owner_id"`
	PurchaserID   string          `db:"purchaser_id"`
	Gift          bool            `db:"gift"`
	Amount        decimal.Decimal `db:"amount"`
	TransactionID string          `db:"transaction_id"`
	Status        string          `db:"status"`
	PurchasedAt   time.Time       `db:"purchased_at"`
}

func insertTickets(ctx context.Context, tx *sqlx.Tx, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(tickets))
	for _, tk := range tickets {
		rows = append(rows, goqu.Record{
			"ticket_id":      tk.TicketID,
			"order_id":       tk.OrderID,
			"draw_id":        tk.DrawID,
			"number_id":      tk.NumberID,
			"number":         tk.Number,
			"series":         tk.Series,
			"owner_id":       tk.OwnerID,
			"purchaser_id":   tk.PurchaserID,
			"gift":           tk.Gift,
			"amount":         tk.Amount,
			"transaction_id": tk.TransactionID,
			"status":         string(tk.Status),
			"purchased_at":   tk.PurchasedAt,
		})
	}
	query, args, err := dialect.Insert(ticketsTable).Prepared(true).
		Rows(rows...).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build tickets insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert tickets: %w", err)
	}
	return nil
}

func (m *MySQLOrderStore) ListTickets(ctx context.Context, ownerID string) ([]domain.Ticket, error) {
	var rows []ticketRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT ticket_id, order_id, draw_id, number_id, number, series, owner_id, purchaser_id,
			gift, amount, transaction_id, status, purchased_at
		FROM tickets WHERE owner_id = ? ORDER BY purchased_at DESC, series ASC, number ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	out := make([]domain.Ticket, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Ticket{
			TicketID:      r.TicketID,
			OrderID:       r.OrderID,
			DrawID:        r.DrawID,
			NumberID:      r.NumberID,
			Number:        r.Number,
			Series:        r.Series,
			OwnerID:       r.OwnerID,
			PurchaserID:   r.PurchaserID,
			Gift:          r.Gift,
			Amount:        r.Amount,
			TransactionID: r.TransactionID,
			Status:        domain.TicketStatus(r.Status),
			PurchasedAt:   r.PurchasedAt,
		})
	}
	return out, nil
}

func (m *MySQLOrderStore) Enqueue(ctx context.Context, outbox ...domain.Message) error {
	return insertOutbox(ctx, m.db, m.outboxTable, outbox)
}
