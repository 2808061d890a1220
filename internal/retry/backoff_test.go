package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_DoStopsOnSuccess(t *testing.T) {
	b := Backoff{Attempts: 5, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	retries := 0
	err := b.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		retries++
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("calls=%d retries=%d, want 3 and 2", calls, retries)
	}
}

func TestBackoff_DoExhausted(t *testing.T) {
	b := Backoff{Attempts: 3, Base: time.Millisecond}
	boom := errors.New("boom")

	calls := 0
	err := b.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBackoff_DoHonoursCancel(t *testing.T) {
	b := Backoff{Attempts: 10, Base: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return errors.New("fail") }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
