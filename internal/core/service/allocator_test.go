package service

import (
	"context"
	"math/rand/v2"
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

func newTestDraw(t testing.TB, pool *memory.NumberPool, min, max, series int) domain.Draw {
	draw := domain.Draw{
		ID:            uuid.NewString(),
		MinNumber:     min,
		MaxNumber:     max,
		TotalSeries:   series,
		TicketPrice:   decimal.NewFromInt(10000),
		MaxPerRequest: domain.DefaultMaxPerRequest,
	}
	if err := pool.CreateDraw(context.Background(), draw); err != nil {
		t.Fatalf("CreateDraw failed: %v", err)
	}
	return draw
}

func reserveDirect(t testing.TB, pool *memory.NumberPool, drawID string, series int, numbers ...int) {
	_, err := pool.Reserve(context.Background(), domain.ReserveCommand{
		DrawID:    drawID,
		Series:    series,
		Numbers:   numbers,
		OrderID:   uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
}

func assertSuggestions(t *testing.T, pool *memory.NumberPool, draw domain.Draw, got []domain.Combination) {
	t.Helper()
	seen := make(map[domain.Combination]bool, len(got))
	for _, c := range got {
		if seen[c] {
			t.Errorf("duplicate suggestion %+v", c)
		}
		seen[c] = true
		if !draw.HasNumber(c.Number) || !draw.HasSeries(c.Series) {
			t.Errorf("suggestion %+v outside draw", c)
		}
	}
	taken, _ := pool.UnavailableAmong(context.Background(), draw.ID, got)
	if len(taken) != 0 {
		t.Errorf("suggested unavailable combinations: %v", taken)
	}
}

func TestSuggest_SparsePool(t *testing.T) {
	pool := memory.NewNumberPool()
	draw := newTestDraw(t, pool, 0, 99, 10)
	reserveDirect(t, pool, draw.ID, 1, 1, 2, 3)

	alloc := NewAllocator(pool, rand.New(rand.NewPCG(1, 2)))
	got, err := alloc.Suggest(context.Background(), draw, 10)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 suggestions, got %d", len(got))
	}
	assertSuggestions(t, pool, draw, got)
}

func TestSuggest_DensePoolEnumerates(t *testing.T) {
	pool := memory.NewNumberPool()
	draw := newTestDraw(t, pool, 0, 9, 2)
	reserveDirect(t, pool, draw.ID, 1, 0, 1, 2, 3, 4, 5, 6, 7)
	reserveDirect(t, pool, draw.ID, 2, 0, 1, 2, 3)

	alloc := NewAllocator(pool, rand.New(rand.NewPCG(3, 4)))
	got, err := alloc.Suggest(context.Background(), draw, 5)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 suggestions, got %d", len(got))
	}
	assertSuggestions(t, pool, draw, got)
}

func TestSuggest_ClampsToAvailable(t *testing.T) {
	pool := memory.NewNumberPool()
	draw := newTestDraw(t, pool, 0, 4, 1)
	reserveDirect(t, pool, draw.ID, 1, 0, 1, 2)

	alloc := NewAllocator(pool, nil)
	got, err := alloc.Suggest(context.Background(), draw, 10)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected the 2 remaining combinations, got %v", got)
	}
	assertSuggestions(t, pool, draw, got)
}

func TestSuggest_ZeroCountAndSoldOut(t *testing.T) {
	pool := memory.NewNumberPool()
	draw := newTestDraw(t, pool, 0, 1, 1)
	alloc := NewAllocator(pool, nil)

	got, _ := alloc.Suggest(context.Background(), draw, 0)
	if len(got) != 0 {
		t.Errorf("expected no suggestions for count 0, got %v", got)
	}

	reserveDirect(t, pool, draw.ID, 1, 0, 1)
	got, err := alloc.Suggest(context.Background(), draw, 3)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no suggestions for a sold out draw, got %v", got)
	}
}

func TestSuggest_OutputIsAlwaysValid(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("suggestions are distinct, in range and available", prop.ForAll(
		func(count int, takenA, takenB []int) bool {
			pool := memory.NewNumberPool()
			draw := newTestDraw(t, pool, 0, 19, 3)
			if len(takenA) > 0 {
				reserveDirect(t, pool, draw.ID, 1, takenA...)
			}
			if len(takenB) > 0 {
				reserveDirect(t, pool, draw.ID, 2, takenB...)
			}

			sold, _ := pool.CountUnavailable(context.Background(), draw.ID)
			want := min(int64(count), draw.Combinations()-sold)

			got, err := NewAllocator(pool, nil).Suggest(context.Background(), draw, count)
			if err != nil || int64(len(got)) != want {
				return false
			}
			seen := make(map[domain.Combination]bool, len(got))
			for _, c := range got {
				if seen[c] || !draw.HasNumber(c.Number) || !draw.HasSeries(c.Series) {
					return false
				}
				seen[c] = true
			}
			taken, _ := pool.UnavailableAmong(context.Background(), draw.ID, got)
			return len(taken) == 0
		},
		gen.IntRange(1, 15),
		gen.SliceOf(gen.IntRange(0, 19)),
		gen.SliceOf(gen.IntRange(0, 19)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
