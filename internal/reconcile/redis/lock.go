package redis

import (
	"context"
	"time"

	"ms-reconcile/internal/logger"

	"github.com/go-redis/redis/v8"
)

// Lock is a best-effort per-order mutex for reconciliation attempts. Holding
// it avoids duplicate gateway calls when several drivers fire at once; losing
// it is harmless because the materializer is idempotent without it and the
// TTL guarantees a crashed holder cannot wedge an order.
type Lock struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
}

func NewLock(client *redis.Client, log *logger.Logger, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Lock{Client: client, Logger: log, TTL: ttl}
}

func lockKey(orderID string) string {
	return "reconcile_lock:" + orderID
}

// Acquire takes the per-order lock. token identifies the holder so a late
// Release cannot drop someone else's lock.
func (l *Lock) Acquire(ctx context.Context, orderID, token string) (bool, error) {
	ok, err := l.Client.SetNX(ctx, lockKey(orderID), token, l.TTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lock only if this holder still owns it.
func (l *Lock) Release(ctx context.Context, orderID, token string) error {
	key := lockKey(orderID)
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // expired or never held
	}
	if err != nil {
		return err
	}
	if val == token {
		_, err = l.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}
