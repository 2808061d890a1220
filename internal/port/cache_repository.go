package port

import (
	"context"
	"time"
)

type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	ClaimInFlight
	ClaimDone
)

type IdempotencyStore interface {
	// Claim takes the processing lock for key unless it is already done or held
	Claim(ctx context.Context, key string, lockTTL time.Duration) (ClaimState, error)

	// Complete records key as processed and drops the lock
	Complete(ctx context.Context, key string, ttl time.Duration) error

	// Abandon drops the lock so a redelivery can process key again
	Abandon(ctx context.Context, key string) error
}
