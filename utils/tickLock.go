package utils

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// TickLocker guards a periodic task across service instances.
// ok=false with a nil error means another instance holds the lock.
type TickLocker interface {
	TryTickLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisTickLocker obtains a short-lived redislock per tick.
type RedisTickLocker struct {
	Client *redislock.Client
}

func NewRedisTickLocker(client *redislock.Client) *RedisTickLocker {
	if client == nil {
		return nil
	}
	return &RedisTickLocker{Client: client}
}

func (l *RedisTickLocker) TryTickLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.Client == nil {
		return func() {}, true, nil
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		// the tick context may already be cancelled at release time
		_ = lock.Release(context.Background())
	}, true, nil
}
