package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/lottery-saga/internal/port"
)

type idemEntry struct {
	done      bool
	expiresAt time.Time
}

type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{entries: make(map[string]idemEntry), now: time.Now}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, lockTTL time.Duration) (port.ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.done {
			return port.ClaimDone, nil
		}
		return port.ClaimInFlight, nil
	}
	s.entries[key] = idemEntry{expiresAt: now.Add(lockTTL)}
	return port.ClaimAcquired, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idemEntry{done: true, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *IdempotencyStore) Abandon(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.done {
		delete(s.entries, key)
	}
	return nil
}
