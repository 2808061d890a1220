package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lottery-saga/internal/port"
)

const (
	idemLockPrefix = "saga:idem:lock:"
	idemDonePrefix = "saga:idem:done:"
)

// 2 = already processed, 1 = lock taken, 0 = another consumer holds the lock
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 2
end

if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 1
end

return 0
`)

type RedisIdempotencyStore struct {
	client redis.UniversalClient
	owner  string
}

// NewRedisIdempotencyStore tags held locks with owner so they can be traced to an instance.
func NewRedisIdempotencyStore(client redis.UniversalClient, owner string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, owner: owner}
}

func (r *RedisIdempotencyStore) Claim(ctx context.Context, key string, lockTTL time.Duration) (port.ClaimState, error) {
	keys := []string{idemLockPrefix + key, idemDonePrefix + key}
	result, err := claimScript.Run(ctx, r.client, keys, r.owner, lockTTL.Milliseconds()).Int()
	if err != nil {
		return port.ClaimInFlight, err
	}

	switch result {
	case 2:
		return port.ClaimDone, nil
	case 1:
		return port.ClaimAcquired, nil
	default:
		return port.ClaimInFlight, nil
	}
}

func (r *RedisIdempotencyStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, idemDonePrefix+key, 1, ttl)
		pipe.Del(ctx, idemLockPrefix+key)
		return nil
	})
	return err
}

func (r *RedisIdempotencyStore) Abandon(ctx context.Context, key string) error {
	return r.client.Del(ctx, idemLockPrefix+key).Err()
}
