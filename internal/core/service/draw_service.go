package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/metrics"
	"github.com/rl1809/lottery-saga/internal/port"
)

type ReserveRequest struct {
	DrawID  string
	UserID  string
	Series  int
	Numbers []int
	// OrderID adds the numbers to an existing order when set.
	OrderID         string
	GiftRecipientID string
}

type Reservation struct {
	OrderID       string
	DrawID        string
	Series        int
	Numbers       []int
	NumberIDs     []string
	TotalAmount   decimal.Decimal
	ExpiresAt     time.Time
	AddToExisting bool
}

type DrawService struct {
	numbers   port.NumberRepository
	allocator *Allocator
	notifier  port.Notifier
	window    time.Duration
	now       func() time.Time
}

func NewDrawService(numbers port.NumberRepository, allocator *Allocator, notifier port.Notifier, window time.Duration) *DrawService {
	if window <= 0 {
		window = domain.DefaultCheckoutWindow
	}
	return &DrawService{
		numbers:   numbers,
		allocator: allocator,
		notifier:  notifier,
		window:    window,
		now:       time.Now,
	}
}

func (s *DrawService) CreateDraw(ctx context.Context, draw domain.Draw) (*domain.Draw, error) {
	if draw.ID == "" {
		draw.ID = uuid.NewString()
	}
	if draw.MaxPerRequest <= 0 {
		draw.MaxPerRequest = domain.DefaultMaxPerRequest
	}
	if err := draw.Validate(); err != nil {
		return nil, err
	}
	draw.CreatedAt = s.now().UTC()

	if err := s.numbers.CreateDraw(ctx, draw); err != nil {
		return nil, fmt.Errorf("create draw: %w", err)
	}
	logger.InfoCtx(ctx, "draw created",
		zap.String("drawId", draw.ID),
		zap.Int64("combinations", draw.Combinations()))
	return &draw, nil
}

func (s *DrawService) GetDraw(ctx context.Context, drawID string) (*domain.Draw, error) {
	draw, err := s.numbers.GetDraw(ctx, drawID)
	if err != nil {
		return nil, fmt.Errorf("get draw: %w", err)
	}
	if draw == nil {
		return nil, fmt.Errorf("draw %s: %w", drawID, domain.ErrNotFound)
	}
	return draw, nil
}

func (s *DrawService) DeleteDraw(ctx context.Context, drawID string) error {
	deleted, err := s.numbers.DeleteDraw(ctx, drawID)
	if err != nil {
		return fmt.Errorf("delete draw: %w", err)
	}
	if !deleted {
		return fmt.Errorf("draw %s: %w", drawID, domain.ErrNotFound)
	}
	return nil
}

func (s *DrawService) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	started := time.Now()

	draw, err := s.GetDraw(ctx, req.DrawID)
	if err != nil {
		return nil, err
	}
	numbers, err := validateReserve(*draw, req)
	if err != nil {
		return nil, err
	}

	orderID := req.OrderID
	addToExisting := orderID != ""
	if !addToExisting {
		orderID = uuid.NewString()
	}
	expiresAt := s.now().Add(s.window).UTC()

	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		ids = append(ids, domain.NumberID(draw.ID, n, req.Series))
	}
	total := draw.TicketPrice.Mul(decimal.NewFromInt(int64(len(numbers))))

	msg, err := domain.NewMessage(domain.TopicNumbersReserved, orderID, domain.NumbersReserved{
		OrderCorrelationID: orderID,
		DrawID:             draw.ID,
		UserID:             req.UserID,
		NumberIDs:          ids,
		Numbers:            numbers,
		Series:             req.Series,
		TicketPrice:        draw.TicketPrice,
		TotalAmount:        total,
		ExpiresAt:          expiresAt,
		AddToExisting:      addToExisting,
		GiftRecipientID:    req.GiftRecipientID,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.numbers.Reserve(ctx, domain.ReserveCommand{
		DrawID:    draw.ID,
		Series:    req.Series,
		Numbers:   numbers,
		OrderID:   orderID,
		ExpiresAt: expiresAt,
	}, msg)
	if errors.Is(err, domain.ErrDuplicateReservation) {
		metrics.RecordReservation("conflict", started)
		return nil, s.raceConflict(ctx, draw.ID, req.Series, numbers)
	}
	if err != nil {
		metrics.RecordReservation("error", started)
		return nil, fmt.Errorf("reserve numbers: %w", err)
	}
	if result.Conflict() {
		metrics.RecordReservation("conflict", started)
		return nil, &domain.ConflictError{DrawID: draw.ID, Series: req.Series, Unavailable: result.Unavailable}
	}

	metrics.RecordReservation("success", started)
	metrics.RecordNumberTransition(string(domain.NumberStatusReserved), len(result.Reserved))
	s.notifier.NumbersChanged(ctx, draw.ID, domain.NumberStatusReserved, result.Reserved)

	logger.InfoCtx(ctx, "numbers reserved",
		zap.String("drawId", draw.ID),
		zap.String("orderId", orderID),
		zap.Int("series", req.Series),
		zap.Ints("numbers", numbers),
		zap.Bool("addToExisting", addToExisting))

	return &Reservation{
		OrderID:       orderID,
		DrawID:        draw.ID,
		Series:        req.Series,
		Numbers:       numbers,
		NumberIDs:     ids,
		TotalAmount:   total,
		ExpiresAt:     expiresAt,
		AddToExisting: addToExisting,
	}, nil
}

func validateReserve(draw domain.Draw, req ReserveRequest) ([]int, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	numbers := dedupe(req.Numbers)
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: at least one number is required", domain.ErrInvalidArgument)
	}
	if limit := draw.RequestLimit(); len(numbers) > limit {
		return nil, fmt.Errorf("%w: at most %d numbers per request", domain.ErrInvalidArgument, limit)
	}
	if !draw.HasSeries(req.Series) {
		return nil, fmt.Errorf("%w: series %d outside 1-%d", domain.ErrInvalidArgument, req.Series, draw.TotalSeries)
	}
	for _, n := range numbers {
		if !draw.HasNumber(n) {
			return nil, fmt.Errorf("%w: number %d outside %d-%d", domain.ErrInvalidArgument, n, draw.MinNumber, draw.MaxNumber)
		}
	}
	return numbers, nil
}

func dedupe(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, n := range in {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// raceConflict re-reads which of the numbers a concurrent writer took.
func (s *DrawService) raceConflict(ctx context.Context, drawID string, series int, numbers []int) error {
	candidates := make([]domain.Combination, 0, len(numbers))
	for _, n := range numbers {
		candidates = append(candidates, domain.Combination{Number: n, Series: series})
	}
	conflict := &domain.ConflictError{DrawID: drawID, Series: series}
	taken, err := s.numbers.UnavailableAmong(ctx, drawID, candidates)
	if err != nil {
		logger.WarnCtx(ctx, "re-read unavailable numbers failed", zap.Error(err))
		conflict.Unavailable = numbers
		return conflict
	}
	for _, c := range taken {
		conflict.Unavailable = append(conflict.Unavailable, c.Number)
	}
	if len(conflict.Unavailable) == 0 {
		conflict.Unavailable = numbers
	}
	return conflict
}

func (s *DrawService) Suggest(ctx context.Context, drawID string, count int) ([]domain.Combination, error) {
	draw, err := s.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	return s.allocator.Suggest(ctx, *draw, count)
}

// ConfirmOrder sells the numbers of a completed order. A rejected confirm is
// escalated and swallowed so the message is not redelivered forever.
func (s *DrawService) ConfirmOrder(ctx context.Context, evt domain.OrderCompleted) error {
	result, err := s.numbers.Confirm(ctx, evt.NumberIDs, evt.OrderID, evt.TicketID)
	if errors.Is(err, domain.ErrConfirmRejected) {
		logger.ErrorCtx(ctx, "confirm rejected, manual intervention required",
			zap.String("orderId", evt.OrderID),
			zap.String("ticketId", evt.TicketID),
			zap.Strings("numberIds", evt.NumberIDs),
			zap.Error(err))
		metrics.RecordSagaMessage(domain.TopicOrderCompleted, "draw-service", "escalated")
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm numbers: %w", err)
	}
	if result.Confirmed == 0 {
		return nil
	}

	metrics.RecordNumberTransition(string(domain.NumberStatusSold), result.Confirmed)
	records, err := s.numbers.GetByIDs(ctx, evt.NumberIDs)
	if err != nil {
		logger.WarnCtx(ctx, "load sold numbers failed", zap.Error(err))
		return nil
	}
	s.notifier.NumbersChanged(ctx, evt.DrawID, domain.NumberStatusSold, records)
	return nil
}

// ReleaseOrder returns the numbers held under orderID to the pool. With onlyListed
// the release is limited to numberIDs.
func (s *DrawService) ReleaseOrder(ctx context.Context, drawID, orderID string, numberIDs []string, onlyListed bool) (int, error) {
	var (
		released int
		err      error
	)
	if onlyListed {
		released, err = s.numbers.ReleaseNumbers(ctx, orderID, numberIDs)
	} else {
		released, err = s.numbers.Release(ctx, orderID)
	}
	if err != nil {
		return 0, fmt.Errorf("release numbers: %w", err)
	}
	if released == 0 {
		return 0, nil
	}

	metrics.RecordNumberTransition(string(domain.NumberStatusAvailable), released)
	logger.InfoCtx(ctx, "numbers released",
		zap.String("orderId", orderID),
		zap.Int("released", released),
		zap.Bool("onlyListed", onlyListed))

	if len(numberIDs) > 0 {
		records, err := s.numbers.GetByIDs(ctx, numberIDs)
		if err != nil {
			logger.WarnCtx(ctx, "load released numbers failed", zap.Error(err))
			return released, nil
		}
		freed := records[:0]
		for _, r := range records {
			if r.Status == domain.NumberStatusAvailable {
				freed = append(freed, r)
			}
		}
		s.notifier.NumbersChanged(ctx, drawID, domain.NumberStatusAvailable, freed)
	}
	return released, nil
}
