package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

type mockNotifier struct {
	mu      sync.Mutex
	changed map[domain.NumberStatus]int
	closed  []domain.Order
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{changed: make(map[domain.NumberStatus]int)}
}

func (m *mockNotifier) NumbersChanged(ctx context.Context, drawID string, status domain.NumberStatus, numbers []domain.NumberRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed[status] += len(numbers)
}

func (m *mockNotifier) OrderClosed(ctx context.Context, order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, order)
}

func (m *mockNotifier) changedCount(status domain.NumberStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed[status]
}

func (m *mockNotifier) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.closed)
}

type mockTimeouts struct {
	mu        sync.Mutex
	armed     map[string]time.Time
	cancelled map[string]bool
	err       error
}

func newMockTimeouts() *mockTimeouts {
	return &mockTimeouts{armed: make(map[string]time.Time), cancelled: make(map[string]bool)}
}

func (m *mockTimeouts) Schedule(ctx context.Context, orderID string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.armed[orderID] = fireAt
	return nil
}

func (m *mockTimeouts) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.armed, orderID)
	m.cancelled[orderID] = true
	return nil
}

func (m *mockTimeouts) fireAt(orderID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.armed[orderID]
	return t, ok
}
