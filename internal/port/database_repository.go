package port

import (
	"context"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

type NumberRepository interface {
	// CreateDraw persists the draw and generates its number pool idempotently
	CreateDraw(ctx context.Context, draw domain.Draw) error

	// GetDraw returns nil when the draw does not exist
	GetDraw(ctx context.Context, drawID string) (*domain.Draw, error)

	// DeleteDraw removes the draw and cascades to its numbers
	DeleteDraw(ctx context.Context, drawID string) (bool, error)

	// Reserve is all-or-nothing; a conflict is reported through ReserveResult.Unavailable
	// and a lost compare-and-set through domain.ErrDuplicateReservation.
	// The outbox messages are written only when the reservation commits.
	Reserve(ctx context.Context, cmd domain.ReserveCommand, outbox ...domain.Message) (domain.ReserveResult, error)

	// Confirm moves numbers reserved by orderID to sold under ticketID
	Confirm(ctx context.Context, numberIDs []string, orderID, ticketID string) (domain.ConfirmResult, error)

	// Release returns every number reserved under the correlation id to available
	Release(ctx context.Context, correlationID string) (int, error)

	// ReleaseNumbers is Release restricted to the given ids
	ReleaseNumbers(ctx context.Context, correlationID string, numberIDs []string) (int, error)

	GetByIDs(ctx context.Context, numberIDs []string) ([]domain.NumberRecord, error)

	// CountUnavailable counts reserved and sold numbers of the draw
	CountUnavailable(ctx context.Context, drawID string) (int64, error)

	// UnavailableAmong returns the candidates that are not available, in one query
	UnavailableAmong(ctx context.Context, drawID string, candidates []domain.Combination) ([]domain.Combination, error)

	ListUnavailable(ctx context.Context, drawID string) ([]domain.Combination, error)
}

// OutboxBuilder derives the messages of a transition from the order as the store locked it.
type OutboxBuilder func(order domain.Order) ([]domain.Message, error)

type OrderRepository interface {
	// Create returns false when the order id already exists
	Create(ctx context.Context, order domain.Order) (bool, error)

	// Get returns nil when the order does not exist
	Get(ctx context.Context, orderID string) (*domain.Order, error)

	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)

	// ListExpiredPending returns pending orders whose expiry is before cutoff
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)

	// AddLines appends new lines to a pending order, recomputes its total
	// and moves its expiry forward, never backward
	AddLines(ctx context.Context, orderID string, lines []domain.OrderLine, expiresAt time.Time) error

	// Transition applies a compare-and-set on status while holding the order, so
	// no lines can be added between reading the order and writing the outbox.
	// A move to Completed issues one ticket per line. It returns the order as
	// transitioned, or domain.ErrStaleTransition when the status had moved.
	Transition(ctx context.Context, t domain.Transition, build OutboxBuilder) (*domain.Order, error)

	// ListTickets returns the tickets held by ownerID, newest first
	ListTickets(ctx context.Context, ownerID string) ([]domain.Ticket, error)

	Enqueue(ctx context.Context, outbox ...domain.Message) error
}
