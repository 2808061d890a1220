package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/adapter/storage/memory"
	"github.com/rl1809/lottery-saga/internal/core/domain"
)

func newTestDrawService(t testing.TB) (*DrawService, *memory.NumberPool, *mockNotifier, domain.Draw) {
	pool := memory.NewNumberPool()
	notifier := newMockNotifier()
	svc := NewDrawService(pool, NewAllocator(pool, nil), notifier, 5*time.Minute)
	draw := newTestDraw(t, pool, 0, 99, 5)
	return svc, pool, notifier, draw
}

func TestCreateDraw_Validation(t *testing.T) {
	svc := NewDrawService(memory.NewNumberPool(), nil, newMockNotifier(), 0)

	_, err := svc.CreateDraw(context.Background(), domain.Draw{MinNumber: 10, MaxNumber: 5, TotalSeries: 1})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for inverted range, got: %v", err)
	}

	draw, err := svc.CreateDraw(context.Background(), domain.Draw{
		MinNumber: 0, MaxNumber: 9, TotalSeries: 2, TicketPrice: decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("CreateDraw failed: %v", err)
	}
	if draw.ID == "" || draw.MaxPerRequest != domain.DefaultMaxPerRequest {
		t.Errorf("expected generated id and default limit, got %+v", draw)
	}

	if err := svc.DeleteDraw(context.Background(), draw.ID); err != nil {
		t.Fatalf("DeleteDraw failed: %v", err)
	}
	if _, err := svc.GetDraw(context.Background(), draw.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got: %v", err)
	}
}

func TestReserve_Success(t *testing.T) {
	svc, pool, notifier, draw := newTestDrawService(t)

	res, err := svc.Reserve(context.Background(), ReserveRequest{
		DrawID: draw.ID, UserID: "user-1", Series: 2, Numbers: []int{7, 42, 7},
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(res.Numbers) != 2 || res.AddToExisting {
		t.Errorf("expected 2 deduplicated numbers on a new order, got %+v", res)
	}
	if !res.TotalAmount.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("expected total 20000, got %s", res.TotalAmount)
	}

	records, _ := pool.GetByIDs(context.Background(), res.NumberIDs)
	for _, r := range records {
		if r.Status != domain.NumberStatusReserved || r.OrderID != res.OrderID {
			t.Errorf("expected reserved by %s, got %+v", res.OrderID, r)
		}
	}

	msgs := pool.Outbox().Messages()
	if len(msgs) != 1 || msgs[0].Topic != domain.TopicNumbersReserved {
		t.Fatalf("expected one NumbersReserved message, got %v", msgs)
	}
	var evt domain.NumbersReserved
	if err := msgs[0].Decode(&evt); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if evt.OrderCorrelationID != res.OrderID || len(evt.NumberIDs) != 2 || evt.UserID != "user-1" {
		t.Errorf("unexpected event %+v", evt)
	}

	if notifier.changedCount(domain.NumberStatusReserved) != 2 {
		t.Errorf("expected 2 reserved numbers broadcast")
	}
}

func TestReserve_Conflict(t *testing.T) {
	svc, pool, _, draw := newTestDrawService(t)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 1, Numbers: []int{5}}); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	_, err := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-2", Series: 1, Numbers: []int{4, 5}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got: %v", err)
	}
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || len(conflict.Unavailable) != 1 || conflict.Unavailable[0] != 5 {
		t.Errorf("expected unavailable [5], got %+v", conflict)
	}

	// No partial reservation and no event for the loser
	records, _ := pool.GetByIDs(ctx, []string{domain.NumberID(draw.ID, 4, 1)})
	if records[0].Status != domain.NumberStatusAvailable {
		t.Errorf("expected 4 to stay available")
	}
	if n := len(pool.Outbox().Messages()); n != 1 {
		t.Errorf("expected 1 outbox message, got %d", n)
	}
}

func TestReserve_Validation(t *testing.T) {
	svc, _, _, draw := newTestDrawService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ReserveRequest
		want error
	}{
		{"empty", ReserveRequest{DrawID: draw.ID, UserID: "u", Series: 1}, domain.ErrInvalidArgument},
		{"too many", ReserveRequest{DrawID: draw.ID, UserID: "u", Series: 1, Numbers: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}, domain.ErrInvalidArgument},
		{"number out of range", ReserveRequest{DrawID: draw.ID, UserID: "u", Series: 1, Numbers: []int{100}}, domain.ErrInvalidArgument},
		{"series out of range", ReserveRequest{DrawID: draw.ID, UserID: "u", Series: 6, Numbers: []int{1}}, domain.ErrInvalidArgument},
		{"no user", ReserveRequest{DrawID: draw.ID, Series: 1, Numbers: []int{1}}, domain.ErrInvalidArgument},
		{"unknown draw", ReserveRequest{DrawID: "missing", UserID: "u", Series: 1, Numbers: []int{1}}, domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reserve(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
		})
	}
}

func TestReserve_AddToExisting(t *testing.T) {
	svc, pool, _, draw := newTestDrawService(t)
	ctx := context.Background()

	first, _ := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 1, Numbers: []int{1}})
	second, err := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 3, Numbers: []int{1}, OrderID: first.OrderID})
	if err != nil {
		t.Fatalf("add to existing failed: %v", err)
	}
	if second.OrderID != first.OrderID || !second.AddToExisting {
		t.Errorf("expected numbers added to %s, got %+v", first.OrderID, second)
	}

	released, _ := pool.Release(ctx, first.OrderID)
	if released != 2 {
		t.Errorf("expected both reservations under one correlation id, released %d", released)
	}
}

func TestReserve_Concurrent(t *testing.T) {
	svc, _, _, draw := newTestDrawService(t)

	var wg sync.WaitGroup
	var successCount, conflictCount int32

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), ReserveRequest{
				DrawID: draw.ID, UserID: uuid.NewString(), Series: 1, Numbers: []int{10, 11, 12},
			})
			if err == nil {
				atomic.AddInt32(&successCount, 1)
			} else if errors.Is(err, domain.ErrConflict) {
				atomic.AddInt32(&conflictCount, 1)
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected 1 success, got %d", successCount)
	}
	if conflictCount != 49 {
		t.Errorf("expected 49 conflicts, got %d", conflictCount)
	}
}

func TestConfirmOrder_IdempotentAndEscalates(t *testing.T) {
	svc, pool, notifier, draw := newTestDrawService(t)
	ctx := context.Background()

	res, _ := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 1, Numbers: []int{1, 2}})
	evt := domain.OrderCompleted{OrderID: res.OrderID, DrawID: draw.ID, NumberIDs: res.NumberIDs, TicketID: uuid.NewString()}

	if err := svc.ConfirmOrder(ctx, evt); err != nil {
		t.Fatalf("ConfirmOrder failed: %v", err)
	}
	if err := svc.ConfirmOrder(ctx, evt); err != nil {
		t.Fatalf("replayed ConfirmOrder failed: %v", err)
	}
	if notifier.changedCount(domain.NumberStatusSold) != 2 {
		t.Errorf("expected one sold broadcast of 2 numbers, got %d", notifier.changedCount(domain.NumberStatusSold))
	}

	// Numbers that belong to nobody cannot be confirmed; the message is still acked
	other := domain.OrderCompleted{OrderID: uuid.NewString(), DrawID: draw.ID,
		NumberIDs: []string{domain.NumberID(draw.ID, 9, 1)}, TicketID: uuid.NewString()}
	if err := svc.ConfirmOrder(ctx, other); err != nil {
		t.Errorf("expected rejected confirm to be swallowed, got: %v", err)
	}
	records, _ := pool.GetByIDs(ctx, other.NumberIDs)
	if records[0].Status != domain.NumberStatusAvailable {
		t.Errorf("rejected confirm must not sell")
	}
}

func TestReleaseOrder_StaleReleaseKeepsNewReservation(t *testing.T) {
	svc, pool, _, draw := newTestDrawService(t)
	ctx := context.Background()

	old, _ := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 1, Numbers: []int{3}})
	if n, err := svc.ReleaseOrder(ctx, draw.ID, old.OrderID, old.NumberIDs, false); err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d, %v", n, err)
	}

	fresh, err := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-2", Series: 1, Numbers: []int{3}})
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}

	// A late duplicate of the old expiry must not free the new reservation
	if n, _ := svc.ReleaseOrder(ctx, draw.ID, old.OrderID, old.NumberIDs, false); n != 0 {
		t.Errorf("expected stale release to be a no-op, released %d", n)
	}
	records, _ := pool.GetByIDs(ctx, fresh.NumberIDs)
	if records[0].Status != domain.NumberStatusReserved || records[0].OrderID != fresh.OrderID {
		t.Errorf("expected number still reserved by %s, got %+v", fresh.OrderID, records[0])
	}
}

func TestReleaseOrder_OnlyListed(t *testing.T) {
	svc, pool, _, draw := newTestDrawService(t)
	ctx := context.Background()

	res, _ := svc.Reserve(ctx, ReserveRequest{DrawID: draw.ID, UserID: "user-1", Series: 1, Numbers: []int{1, 2}})
	n, err := svc.ReleaseOrder(ctx, draw.ID, res.OrderID, res.NumberIDs[:1], true)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d, %v", n, err)
	}
	records, _ := pool.GetByIDs(ctx, res.NumberIDs[1:])
	if records[0].Status != domain.NumberStatusReserved {
		t.Errorf("unlisted number must stay reserved")
	}
}

func TestReserve_ExclusivityProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("overlapping concurrent requests never share a number", prop.ForAll(
		func(requests [][]int) bool {
			svc, pool, _, draw := newTestDrawService(t)

			var wg sync.WaitGroup
			for _, nums := range requests {
				wg.Add(1)
				go func(nums []int) {
					defer wg.Done()
					svc.Reserve(context.Background(), ReserveRequest{DrawID: draw.ID, UserID: "u", Series: 1, Numbers: nums})
				}(nums)
			}
			wg.Wait()

			owners := make(map[string]string)
			for _, msg := range pool.Outbox().Messages() {
				var evt domain.NumbersReserved
				if err := msg.Decode(&evt); err != nil {
					return false
				}
				for _, id := range evt.NumberIDs {
					if _, taken := owners[id]; taken {
						return false
					}
					owners[id] = evt.OrderCorrelationID
				}
			}
			records, _ := pool.GetByIDs(context.Background(), mapKeys(owners))
			for _, r := range records {
				if r.OrderID != owners[r.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.SliceOfN(3, gen.IntRange(0, 9))),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
