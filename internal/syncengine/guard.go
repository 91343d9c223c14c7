package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Guard serialises drains across processes sharing one local store.
// Acquire returns ErrDrainInProgress when another holder has it.
type Guard interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// RedisGuard holds a redis lock for the duration of a drain.
type RedisGuard struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisGuard builds a guard keyed by namespace. ttl should exceed the drain timeout.
func NewRedisGuard(client *redis.Client, namespace string, ttl time.Duration) *RedisGuard {
	if client == nil {
		panic("syncengine: redis client cannot be nil")
	}
	if namespace == "" {
		namespace = "default"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{
		locker: redislock.New(client),
		key:    fmt.Sprintf("barber:%s:drain-lock", namespace),
		ttl:    ttl,
	}
}

func (g *RedisGuard) Acquire(ctx context.Context) (func(), error) {
	lock, err := g.locker.Obtain(ctx, g.key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDrainInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("syncengine: obtain drain lock: %w", err)
	}
	return func() {
		// release on a fresh context; the drain context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, nil
}
