package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

// NumberPool keeps draws and their numbers behind one mutex, so every operation is atomic.
type NumberPool struct {
	mu      sync.Mutex
	draws   map[string]domain.Draw
	numbers map[string]*domain.NumberRecord
	outbox  *Outbox
}

func NewNumberPool() *NumberPool {
	return &NumberPool{
		draws:   make(map[string]domain.Draw),
		numbers: make(map[string]*domain.NumberRecord),
		outbox:  NewOutbox(),
	}
}

// Outbox exposes the messages written together with reservations.
func (p *NumberPool) Outbox() *Outbox {
	return p.outbox
}

func (p *NumberPool) CreateDraw(ctx context.Context, draw domain.Draw) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	if draw.CreatedAt.IsZero() {
		draw.CreatedAt = now
	}
	if _, ok := p.draws[draw.ID]; !ok {
		p.draws[draw.ID] = draw
	}
	for _, rec := range domain.GeneratePool(draw, now) {
		if _, exists := p.numbers[rec.ID]; exists {
			continue
		}
		r := rec
		p.numbers[r.ID] = &r
	}
	return nil
}

func (p *NumberPool) GetDraw(ctx context.Context, drawID string) (*domain.Draw, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.draws[drawID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (p *NumberPool) DeleteDraw(ctx context.Context, drawID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.draws[drawID]; !ok {
		return false, nil
	}
	delete(p.draws, drawID)
	for id, rec := range p.numbers {
		if rec.DrawID == drawID {
			delete(p.numbers, id)
		}
	}
	return true, nil
}

func (p *NumberPool) Reserve(ctx context.Context, cmd domain.ReserveCommand, outbox ...domain.Message) (domain.ReserveResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result domain.ReserveResult
	seen := make(map[int]struct{}, len(cmd.Numbers))
	candidates := make([]*domain.NumberRecord, 0, len(cmd.Numbers))
	for _, n := range cmd.Numbers {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		rec, ok := p.numbers[domain.NumberID(cmd.DrawID, n, cmd.Series)]
		if !ok || rec.Status != domain.NumberStatusAvailable {
			result.Unavailable = append(result.Unavailable, n)
			continue
		}
		candidates = append(candidates, rec)
	}
	if result.Conflict() {
		return result, nil
	}

	now := time.Now().UTC()
	expires := cmd.ExpiresAt
	for _, rec := range candidates {
		rec.Status = domain.NumberStatusReserved
		rec.OrderID = cmd.OrderID
		rec.TicketID = ""
		rec.ReservationExpiresAt = &expires
		rec.UpdatedAt = now
		result.Reserved = append(result.Reserved, *rec)
	}
	p.outbox.append(outbox...)
	return result, nil
}

func (p *NumberPool) Confirm(ctx context.Context, numberIDs []string, orderID, ticketID string) (domain.ConfirmResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result domain.ConfirmResult
	toSell := make([]*domain.NumberRecord, 0, len(numberIDs))
	for _, id := range numberIDs {
		rec, ok := p.numbers[id]
		switch {
		case !ok:
			return domain.ConfirmResult{}, fmt.Errorf("%w: number %s not found", domain.ErrConfirmRejected, id)
		case rec.Status == domain.NumberStatusSold && rec.TicketID == ticketID:
			result.AlreadySold++
		case rec.Status == domain.NumberStatusReserved && rec.OrderID == orderID:
			toSell = append(toSell, rec)
		default:
			return domain.ConfirmResult{}, fmt.Errorf("%w: number %s is %s", domain.ErrConfirmRejected, id, rec.Status)
		}
	}

	now := time.Now().UTC()
	for _, rec := range toSell {
		rec.Status = domain.NumberStatusSold
		rec.TicketID = ticketID
		rec.ReservationExpiresAt = nil
		rec.UpdatedAt = now
	}
	result.Confirmed = len(toSell)
	return result, nil
}

func (p *NumberPool) Release(ctx context.Context, correlationID string) (int, error) {
	return p.release(correlationID, nil)
}

func (p *NumberPool) ReleaseNumbers(ctx context.Context, correlationID string, numberIDs []string) (int, error) {
	if len(numberIDs) == 0 {
		return 0, nil
	}
	return p.release(correlationID, numberIDs)
}

func (p *NumberPool) release(correlationID string, only []string) (int, error) {
	if correlationID == "" {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	released := 0
	for _, rec := range p.numbers {
		if rec.Status != domain.NumberStatusReserved {
			continue
		}
		if rec.OrderID != correlationID && rec.TicketID != correlationID {
			continue
		}
		if only != nil && !slices.Contains(only, rec.ID) {
			continue
		}
		rec.Status = domain.NumberStatusAvailable
		rec.OrderID = ""
		rec.TicketID = ""
		rec.ReservationExpiresAt = nil
		rec.UpdatedAt = now
		released++
	}
	return released, nil
}

func (p *NumberPool) GetByIDs(ctx context.Context, numberIDs []string) ([]domain.NumberRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.NumberRecord, 0, len(numberIDs))
	for _, id := range numberIDs {
		if rec, ok := p.numbers[id]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (p *NumberPool) CountUnavailable(ctx context.Context, drawID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, rec := range p.numbers {
		if rec.DrawID == drawID && rec.Status != domain.NumberStatusAvailable {
			n++
		}
	}
	return n, nil
}

func (p *NumberPool) UnavailableAmong(ctx context.Context, drawID string, candidates []domain.Combination) ([]domain.Combination, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Combination
	for _, c := range candidates {
		rec, ok := p.numbers[domain.NumberID(drawID, c.Number, c.Series)]
		if ok && rec.Status != domain.NumberStatusAvailable {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *NumberPool) ListUnavailable(ctx context.Context, drawID string) ([]domain.Combination, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Combination
	for _, rec := range p.numbers {
		if rec.DrawID == drawID && rec.Status != domain.NumberStatusAvailable {
			out = append(out, rec.Combination())
		}
	}
	return out, nil
}
