package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

const poolInsertBatch = 1000

type drawRow struct {
	ID            string          `db:"id"`
	Title         string          `db:"title"`
	MinNumber     int             `db:"min_number"`
	MaxNumber     int             `db:"max_number"`
	TotalSeries   int             `db:"total_series"`
	TicketPrice   decimal.Decimal `db:"ticket_price"`
	MaxPerRequest int             `db:"max_per_request"`
	CreatedAt     time.Time       `db:"created_at"`
}

type numberRow struct {
	ID                   string         `db:"id"`
	DrawID               string         `db:"draw_id"`
	Number               int            `db:"number"`
	Series               int            `db:"series"`
	Status               string         `db:"status"`
	OrderID              sql.NullString `db:"order_id"`
	TicketID             sql.NullString `db:"ticket_id"`
	ReservationExpiresAt sql.NullTime   `db:"reservation_expires_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r numberRow) toDomain() domain.NumberRecord {
	rec := domain.NumberRecord{
		ID:        r.ID,
		DrawID:    r.DrawID,
		Number:    r.Number,
		Series:    r.Series,
		Status:    domain.NumberStatus(r.Status),
		OrderID:   r.OrderID.String,
		TicketID:  r.TicketID.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ReservationExpiresAt.Valid {
		t := r.ReservationExpiresAt.Time
		rec.ReservationExpiresAt = &t
	}
	return rec
}

var numberColumns = []interface{}{
	"id", "draw_id", "number", "series", "status", "order_id", "ticket_id",
	"reservation_expires_at", "created_at", "updated_at",
}

// MySQLNumberPool owns the draw_numbers table. Every mutation is a conditional
// update checked through RowsAffected.
type MySQLNumberPool struct {
	db          *sqlx.DB
	outboxTable string
}

func NewMySQLNumberPool(db *sqlx.DB) *MySQLNumberPool {
	return &MySQLNumberPool{db: db, outboxTable: DrawOutboxTable}
}

func (m *MySQLNumberPool) CreateDraw(ctx context.Context, draw domain.Draw) error {
	now := time.Now().UTC()
	if draw.CreatedAt.IsZero() {
		draw.CreatedAt = now
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO draws (id, title, min_number, max_number, total_series, ticket_price, max_per_request, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		draw.ID, draw.Title, draw.MinNumber, draw.MaxNumber, draw.TotalSeries,
		draw.TicketPrice, draw.RequestLimit(), draw.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert draw: %w", err)
	}

	pool := domain.GeneratePool(draw, now)
	for start := 0; start < len(pool); start += poolInsertBatch {
		end := min(start+poolInsertBatch, len(pool))
		rows := make([]interface{}, 0, end-start)
		for _, rec := range pool[start:end] {
			rows = append(rows, goqu.Record{
				"id":         rec.ID,
				"draw_id":    rec.DrawID,
				"number":     rec.Number,
				"series":     rec.Series,
				"status":     string(rec.Status),
				"created_at": rec.CreatedAt,
				"updated_at": rec.UpdatedAt,
			})
		}
		query, args, err := dialect.Insert(numbersTable).Prepared(true).
			Rows(rows...).OnConflict(goqu.DoNothing()).ToSQL()
		if err != nil {
			return fmt.Errorf("build pool insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert pool batch %d: %w", start/poolInsertBatch, err)
		}
	}

	return tx.Commit()
}

func (m *MySQLNumberPool) GetDraw(ctx context.Context, drawID string) (*domain.Draw, error) {
	var row drawRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, title, min_number, max_number, total_series, ticket_price, max_per_request, created_at
		FROM draws WHERE id = ?`, drawID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query draw: %w", err)
	}
	return &domain.Draw{
		ID:            row.ID,
		Title:         row.Title,
		MinNumber:     row.MinNumber,
		MaxNumber:     row.MaxNumber,
		TotalSeries:   row.TotalSeries,
		TicketPrice:   row.TicketPrice,
		MaxPerRequest: row.MaxPerRequest,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func (m *MySQLNumberPool) DeleteDraw(ctx context.Context, drawID string) (bool, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM draw_numbers WHERE draw_id = ?`, drawID); err != nil {
		return false, fmt.Errorf("delete draw numbers: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM draws WHERE id = ?`, drawID)
	if err != nil {
		return false, fmt.Errorf("delete draw: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, tx.Commit()
}

func (m *MySQLNumberPool) Reserve(ctx context.Context, cmd domain.ReserveCommand, outbox ...domain.Message) (domain.ReserveResult, error) {
	var result domain.ReserveResult
	numbers := uniqueInts(cmd.Numbers)
	if len(numbers) == 0 {
		return result, nil
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := dialect.From(numbersTable).Prepared(true).
		Select("id", "number", "status").
		Where(goqu.Ex{"draw_id": cmd.DrawID, "series": cmd.Series, "number": numbers}).
		Order(goqu.C("number").Asc()).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return result, fmt.Errorf("build reserve select: %w", err)
	}

	var rows []struct {
		ID     string `db:"id"`
		Number int    `db:"number"`
		Status string `db:"status"`
	}
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return result, reservationRace("lock numbers", err)
	}

	available := make(map[int]string, len(rows))
	for _, r := range rows {
		if domain.NumberStatus(r.Status) == domain.NumberStatusAvailable {
			available[r.Number] = r.ID
		}
	}
	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		id, ok := available[n]
		if !ok {
			result.Unavailable = append(result.Unavailable, n)
			continue
		}
		ids = append(ids, id)
	}
	if result.Conflict() {
		return result, nil
	}

	now := time.Now().UTC()
	query, args, err = dialect.Update(numbersTable).Prepared(true).
		Set(goqu.Record{
			"status":                 string(domain.NumberStatusReserved),
			"order_id":               cmd.OrderID,
			"ticket_id":              nil,
			"reservation_expires_at": cmd.ExpiresAt,
			"updated_at":             now,
		}).
		Where(goqu.Ex{"id": ids, "status": string(domain.NumberStatusAvailable)}).
		ToSQL()
	if err != nil {
		return result, fmt.Errorf("build reserve update: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return result, reservationRace("reserve numbers", err)
	}
	affected, _ := res.RowsAffected()
	if affected != int64(len(ids)) {
		return result, domain.ErrDuplicateReservation
	}

	if err := insertOutbox(ctx, tx, m.outboxTable, outbox); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, reservationRace("commit reservation", err)
	}

	expires := cmd.ExpiresAt
	for _, n := range numbers {
		result.Reserved = append(result.Reserved, domain.NumberRecord{
			ID:                   available[n],
			DrawID:               cmd.DrawID,
			Number:               n,
			Series:               cmd.Series,
			Status:               domain.NumberStatusReserved,
			OrderID:              cmd.OrderID,
			ReservationExpiresAt: &expires,
			UpdatedAt:            now,
		})
	}
	return result, nil
}

func (m *MySQLNumberPool) Confirm(ctx context.Context, numberIDs []string, orderID, ticketID string) (domain.ConfirmResult, error) {
	var result domain.ConfirmResult
	ids := uniqueStrings(numberIDs)
	if len(ids) == 0 {
		return result, nil
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := dialect.From(numbersTable).Prepared(true).
		Select("id", "status", "order_id", "ticket_id").
		Where(goqu.Ex{"id": ids}).
		Order(goqu.C("id").Asc()).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return result, fmt.Errorf("build confirm select: %w", err)
	}
	var rows []struct {
		ID       string         `db:"id"`
		Status   string         `db:"status"`
		OrderID  sql.NullString `db:"order_id"`
		TicketID sql.NullString `db:"ticket_id"`
	}
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return result, fmt.Errorf("lock numbers: %w", err)
	}
	if len(rows) != len(ids) {
		return result, fmt.Errorf("%w: %d of %d numbers found", domain.ErrConfirmRejected, len(rows), len(ids))
	}

	toSell := make([]string, 0, len(rows))
	for _, r := range rows {
		switch {
		case r.Status == string(domain.NumberStatusSold) && r.TicketID.String == ticketID:
			result.AlreadySold++
		case r.Status == string(domain.NumberStatusReserved) && r.OrderID.String == orderID:
			toSell = append(toSell, r.ID)
		default:
			return domain.ConfirmResult{}, fmt.Errorf("%w: number %s is %s", domain.ErrConfirmRejected, r.ID, r.Status)
		}
	}

	if len(toSell) > 0 {
		query, args, err = dialect.Update(numbersTable).Prepared(true).
			Set(goqu.Record{
				"status":                 string(domain.NumberStatusSold),
				"ticket_id":              ticketID,
				"reservation_expires_at": nil,
				"updated_at":             time.Now().UTC(),
			}).
			Where(goqu.Ex{"id": toSell, "status": string(domain.NumberStatusReserved), "order_id": orderID}).
			ToSQL()
		if err != nil {
			return domain.ConfirmResult{}, fmt.Errorf("build confirm update: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return domain.ConfirmResult{}, fmt.Errorf("confirm numbers: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != int64(len(toSell)) {
			return domain.ConfirmResult{}, fmt.Errorf("%w: %d of %d numbers changed concurrently",
				domain.ErrConfirmRejected, int64(len(toSell))-affected, len(toSell))
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ConfirmResult{}, fmt.Errorf("commit confirm: %w", err)
	}
	result.Confirmed = len(toSell)
	return result, nil
}

func (m *MySQLNumberPool) Release(ctx context.Context, correlationID string) (int, error) {
	return m.release(ctx, correlationID, nil)
}

func (m *MySQLNumberPool) ReleaseNumbers(ctx context.Context, correlationID string, numberIDs []string) (int, error) {
	if len(numberIDs) == 0 {
		return 0, nil
	}
	return m.release(ctx, correlationID, uniqueStrings(numberIDs))
}

// release is a single statement, so it is atomic without an explicit transaction.
func (m *MySQLNumberPool) release(ctx context.Context, correlationID string, only []string) (int, error) {
	if correlationID == "" {
		return 0, nil
	}
	where := []exp.Expression{
		goqu.C("status").Eq(string(domain.NumberStatusReserved)),
		goqu.Or(goqu.C("order_id").Eq(correlationID), goqu.C("ticket_id").Eq(correlationID)),
	}
	if only != nil {
		where = append(where, goqu.C("id").In(only))
	}
	query, args, err := dialect.Update(numbersTable).Prepared(true).
		Set(goqu.Record{
			"status":                 string(domain.NumberStatusAvailable),
			"order_id":               nil,
			"ticket_id":              nil,
			"reservation_expires_at": nil,
			"updated_at":             time.Now().UTC(),
		}).
		Where(where...).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build release: %w", err)
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("release numbers: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (m *MySQLNumberPool) GetByIDs(ctx context.Context, numberIDs []string) ([]domain.NumberRecord, error) {
	if len(numberIDs) == 0 {
		return nil, nil
	}
	query, args, err := dialect.From(numbersTable).Prepared(true).
		Select(numberColumns...).
		Where(goqu.Ex{"id": uniqueStrings(numberIDs)}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build number select: %w", err)
	}
	var rows []numberRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query numbers: %w", err)
	}
	out := make([]domain.NumberRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (m *MySQLNumberPool) CountUnavailable(ctx context.Context, drawID string) (int64, error) {
	var n int64
	err := m.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM draw_numbers WHERE draw_id = ? AND status <> ?`,
		drawID, string(domain.NumberStatusAvailable))
	if err != nil {
		return 0, fmt.Errorf("count unavailable: %w", err)
	}
	return n, nil
}

// UnavailableAmong resolves candidates through their primary keys in one round trip.
func (m *MySQLNumberPool) UnavailableAmong(ctx context.Context, drawID string, candidates []domain.Combination) ([]domain.Combination, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, domain.NumberID(drawID, c.Number, c.Series))
	}
	query, args, err := dialect.From(numbersTable).Prepared(true).
		Select("number", "series").
		Where(goqu.Ex{"id": ids}, goqu.C("status").Neq(string(domain.NumberStatusAvailable))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build availability check: %w", err)
	}
	var out []domain.Combination
	if err := m.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	return out, nil
}

func (m *MySQLNumberPool) ListUnavailable(ctx context.Context, drawID string) ([]domain.Combination, error) {
	var out []domain.Combination
	err := m.db.SelectContext(ctx, &out,
		`SELECT number, series FROM draw_numbers WHERE draw_id = ? AND status <> ?`,
		drawID, string(domain.NumberStatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("list unavailable: %w", err)
	}
	return out, nil
}

func uniqueInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
