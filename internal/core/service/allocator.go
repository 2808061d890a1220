package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/port"
)

const (
	maxSampleBatch     = 100
	sampleBatchFactor  = 3
	sampleBudgetFactor = 20
)

// Allocator suggests random unsold combinations of a draw.
type Allocator struct {
	numbers port.NumberRepository

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAllocator uses rng when given, otherwise a randomly seeded PCG source.
func NewAllocator(numbers port.NumberRepository, rng *rand.Rand) *Allocator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Allocator{numbers: numbers, rng: rng}
}

// Suggest returns up to count distinct available combinations.
// Sparse pools are sampled; pools at least half sold are enumerated once.
func (a *Allocator) Suggest(ctx context.Context, draw domain.Draw, count int) ([]domain.Combination, error) {
	if count <= 0 {
		return []domain.Combination{}, nil
	}

	total := draw.Combinations()
	sold, err := a.numbers.CountUnavailable(ctx, draw.ID)
	if err != nil {
		return nil, fmt.Errorf("count unavailable: %w", err)
	}
	available := total - sold
	if available <= 0 {
		return []domain.Combination{}, nil
	}
	if int64(count) > available {
		count = int(available)
	}

	if sold*2 < total {
		return a.sample(ctx, draw, count)
	}
	return a.enumerate(ctx, draw, count)
}

func (a *Allocator) sample(ctx context.Context, draw domain.Draw, count int) ([]domain.Combination, error) {
	batchSize := min(count*sampleBatchFactor, maxSampleBatch)
	budget := count * sampleBudgetFactor
	seen := make(map[domain.Combination]struct{}, budget)
	result := make([]domain.Combination, 0, count)

	attempts := 0
	for len(result) < count && attempts < budget {
		batch := make([]domain.Combination, 0, batchSize)
		a.mu.Lock()
		for len(batch) < batchSize && attempts < budget {
			attempts++
			c := domain.Combination{
				Number: draw.MinNumber + a.rng.IntN(draw.NumbersPerSeries()),
				Series: 1 + a.rng.IntN(draw.TotalSeries),
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			batch = append(batch, c)
		}
		a.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		taken, err := a.numbers.UnavailableAmong(ctx, draw.ID, batch)
		if err != nil {
			return nil, fmt.Errorf("check candidates: %w", err)
		}
		unavailable := make(map[domain.Combination]struct{}, len(taken))
		for _, c := range taken {
			unavailable[c] = struct{}{}
		}
		for _, c := range batch {
			if len(result) == count {
				break
			}
			if _, ok := unavailable[c]; !ok {
				result = append(result, c)
			}
		}
	}
	return result, nil
}

// enumerate walks the whole space keeping a reservoir of count available pairs.
func (a *Allocator) enumerate(ctx context.Context, draw domain.Draw, count int) ([]domain.Combination, error) {
	taken, err := a.numbers.ListUnavailable(ctx, draw.ID)
	if err != nil {
		return nil, fmt.Errorf("list unavailable: %w", err)
	}
	unavailable := make(map[domain.Combination]struct{}, len(taken))
	for _, c := range taken {
		unavailable[c] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reservoir := make([]domain.Combination, 0, count)
	seen := 0
	for series := 1; series <= draw.TotalSeries; series++ {
		for n := draw.MinNumber; n <= draw.MaxNumber; n++ {
			c := domain.Combination{Number: n, Series: series}
			if _, ok := unavailable[c]; ok {
				continue
			}
			seen++
			if len(reservoir) < count {
				reservoir = append(reservoir, c)
				continue
			}
			if j := a.rng.IntN(seen); j < count {
				reservoir[j] = c
			}
		}
	}
	a.rng.Shuffle(len(reservoir), func(i, j int) {
		reservoir[i], reservoir[j] = reservoir[j], reservoir[i]
	})
	return reservoir, nil
}
